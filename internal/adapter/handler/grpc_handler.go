package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/lab-store/internal/core/domain"
	"github.com/rl1809/lab-store/internal/core/service"
)

const (
	FulfillmentServiceName = "labstore.v1.Fulfillment"

	metadataActorID   = "x-actor-id"
	metadataActorRole = "x-actor-role"
)

// FulfillmentServer is the engine surface exposed over gRPC. Messages are
// plain structpb.Struct values so no generated code is needed.
type FulfillmentServer interface {
	Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Allocate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Dispatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Return(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var fulfillmentServiceDesc = grpc.ServiceDesc{
	ServiceName: FulfillmentServiceName,
	HandlerType: (*FulfillmentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Approve", Handler: unaryHandler("Approve", FulfillmentServer.Approve)},
		{MethodName: "Allocate", Handler: unaryHandler("Allocate", FulfillmentServer.Allocate)},
		{MethodName: "Dispatch", Handler: unaryHandler("Dispatch", FulfillmentServer.Dispatch)},
		{MethodName: "Return", Handler: unaryHandler("Return", FulfillmentServer.Return)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "labstore/v1/fulfillment.proto",
}

func RegisterFulfillmentServer(s grpc.ServiceRegistrar, srv FulfillmentServer) {
	s.RegisterService(&fulfillmentServiceDesc, srv)
}

func unaryHandler(
	method string,
	call func(FulfillmentServer, context.Context, *structpb.Struct) (*structpb.Struct, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + FulfillmentServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(FulfillmentServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(FulfillmentServer), ctx, req.(*structpb.Struct))
		})
	}
}

type GRPCHandler struct {
	svc    *service.FulfillmentService
	logger zerolog.Logger
}

// grpcRequest is the decoded form of every inbound message.
type grpcRequest struct {
	RequestID string                 `json:"request_id"`
	Items     []service.LineQuantity `json:"items"`
	Note      string                 `json:"note"`
}

func NewGRPCHandler(svc *service.FulfillmentService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{svc: svc, logger: logger.With().Str("component", "grpc").Logger()}
}

func (h *GRPCHandler) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, req, err := h.decode(ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := h.svc.Approve(ctx, req.RequestID, actor)
	if err != nil {
		return nil, h.statusError(err)
	}
	return encodeResult(res, res.LineErrors)
}

func (h *GRPCHandler) Allocate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, req, err := h.decode(ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := h.svc.Allocate(ctx, req.RequestID, actor)
	if err != nil {
		return nil, h.statusError(err)
	}
	return encodeResult(res, res.LineErrors)
}

func (h *GRPCHandler) Dispatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, req, err := h.decode(ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := h.svc.Dispatch(ctx, req.RequestID, actor)
	if err != nil {
		return nil, h.statusError(err)
	}
	return encodeResult(res, res.LineErrors)
}

func (h *GRPCHandler) Return(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, req, err := h.decode(ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := h.svc.Return(ctx, req.RequestID, actor, req.Items, req.Note)
	if err != nil {
		return nil, h.statusError(err)
	}
	return encodeResult(res, res.LineErrors)
}

func (h *GRPCHandler) decode(ctx context.Context, in *structpb.Struct) (domain.Actor, grpcRequest, error) {
	var req grpcRequest

	md, _ := metadata.FromIncomingContext(ctx)
	actor := domain.Actor{ID: first(md.Get(metadataActorID)), Role: domain.Role(first(md.Get(metadataActorRole)))}
	if actor.ID == "" || !actor.Role.Valid() {
		return actor, req, h.statusError(errMissingActor)
	}

	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return actor, req, h.statusError(fmt.Errorf("encode message: %w", domain.ErrInvalidRequest))
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return actor, req, h.statusError(fmt.Errorf("decode message: %v: %w", err, domain.ErrInvalidRequest))
	}
	if req.RequestID == "" {
		return actor, req, h.statusError(fmt.Errorf("request_id is required: %w", domain.ErrInvalidRequest))
	}
	return actor, req, nil
}

func (h *GRPCHandler) statusError(err error) error {
	m := mapError(err)
	if m.grpc == codes.Internal {
		h.logger.Error().Err(err).Msg("rpc failed")
	}
	return status.Error(m.grpc, m.message+": "+err.Error())
}

// encodeResult turns a result struct into a structpb.Struct through its JSON form.
func encodeResult(res any, lineErrs []domain.LineError) (*structpb.Struct, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	if les := lineErrorsJSON(lineErrs); len(les) > 0 {
		list := make([]any, 0, len(les))
		for _, le := range les {
			list = append(list, map[string]any{"item_id": le.ItemID, "error": le.Error})
		}
		fields["line_errors"] = list
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
