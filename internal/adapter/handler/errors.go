package handler

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/lab-store/internal/core/domain"
)

var errMissingActor = errors.New("missing actor")

type errorMapping struct {
	target  error
	http    int
	grpc    codes.Code
	message string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{errMissingActor, http.StatusUnauthorized, codes.Unauthenticated, "missing actor"},
	{domain.ErrForbidden, http.StatusForbidden, codes.PermissionDenied, "forbidden"},
	{domain.ErrNotFound, http.StatusNotFound, codes.NotFound, "not found"},
	{domain.ErrInvalidRequest, http.StatusBadRequest, codes.InvalidArgument, "invalid request"},
	{domain.ErrInsufficientStock, http.StatusConflict, codes.FailedPrecondition, "insufficient stock"},
	{domain.ErrAlreadyApproved, http.StatusConflict, codes.AlreadyExists, "request already approved"},
	{domain.ErrNotApproved, http.StatusConflict, codes.FailedPrecondition, "request not approved yet"},
	{domain.ErrAlreadyDispatched, http.StatusConflict, codes.FailedPrecondition, "request already dispatched"},
	{domain.ErrRequestClosed, http.StatusConflict, codes.FailedPrecondition, "request is closed"},
	{domain.ErrInvalidTransition, http.StatusConflict, codes.FailedPrecondition, "invalid status transition"},
	{domain.ErrNothingToReturn, http.StatusUnprocessableEntity, codes.FailedPrecondition, "nothing outstanding to return"},
	{domain.ErrNoAllocatedStock, http.StatusUnprocessableEntity, codes.FailedPrecondition, "no allocated stock to dispatch"},
	{domain.ErrNoValidReturnQuantities, http.StatusUnprocessableEntity, codes.FailedPrecondition, "no valid return quantities"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded, "deadline exceeded"},
	{context.Canceled, 499, codes.Canceled, "request cancelled"},
}

func mapError(err error) errorMapping {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m
		}
	}
	return errorMapping{target: err, http: http.StatusInternalServerError, grpc: codes.Internal, message: "internal error"}
}

// lineErrorJSON is the wire form of a skipped line.
type lineErrorJSON struct {
	ItemID string `json:"item_id"`
	Error  string `json:"error"`
}

func lineErrorsJSON(errs []domain.LineError) []lineErrorJSON {
	if len(errs) == 0 {
		return nil
	}
	out := make([]lineErrorJSON, 0, len(errs))
	for _, le := range errs {
		out = append(out, lineErrorJSON{ItemID: le.ItemID, Error: le.Err.Error()})
	}
	return out
}
