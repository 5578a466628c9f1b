package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/lab-store/internal/core/domain"
	"github.com/rl1809/lab-store/internal/core/service"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

type HTTPHandler struct {
	svc    *service.FulfillmentService
	logger zerolog.Logger
}

type Response struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Data       any             `json:"data,omitempty"`
	LineErrors []lineErrorJSON `json:"line_errors,omitempty"`
}

type CreateHTTPRequest struct {
	Reason   string                  `json:"reason"`
	Duration string                  `json:"duration"`
	Details  domain.RequesterDetails `json:"details"`
	Items    []service.LineQuantity  `json:"items"`
}

// ReturnHTTPRequest leaves Items nil to return everything outstanding.
type ReturnHTTPRequest struct {
	Items []service.LineQuantity `json:"items"`
	Note  string                 `json:"note"`
}

type StockItemHTTPRequest struct {
	Name      string          `json:"name"`
	Model     string          `json:"model"`
	Kind      domain.ItemKind `json:"kind"`
	Total     int             `json:"total"`
	Available int             `json:"available"`
	Reserved  int             `json:"reserved"`
}

type RequestView struct {
	ID                  string                  `json:"id"`
	ActorID             string                  `json:"actor_id"`
	ActorRole           domain.Role             `json:"actor_role"`
	Reason              string                  `json:"reason"`
	Duration            string                  `json:"duration,omitempty"`
	Details             domain.RequesterDetails `json:"details"`
	Lines               []domain.RequestLine    `json:"lines"`
	Status              domain.RequestStatus    `json:"status"`
	Approved            bool                    `json:"approved"`
	ApprovedBy          string                  `json:"approved_by,omitempty"`
	ApprovedAt          *time.Time              `json:"approved_at,omitempty"`
	AllocationExpiresAt *time.Time              `json:"allocation_expires_at,omitempty"`
	Dispatched          bool                    `json:"dispatched"`
	DispatchedAt        *time.Time              `json:"dispatched_at,omitempty"`
	Returned            bool                    `json:"returned"`
	ReturnedAt          *time.Time              `json:"returned_at,omitempty"`
	ReturnNote          string                  `json:"return_note,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

type StockItemView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Model     string          `json:"model,omitempty"`
	Kind      domain.ItemKind `json:"kind"`
	Total     int             `json:"total"`
	Available int             `json:"available"`
	Reserved  int             `json:"reserved"`
	Out       int             `json:"out"`
}

func NewHTTPHandler(svc *service.FulfillmentService, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger.With().Str("component", "http").Logger()}
}

func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /api/requests", h.Create)
	mux.HandleFunc("GET /api/requests/pending", h.ListPending)
	mux.HandleFunc("GET /api/requests/approved", h.ListApproved)
	mux.HandleFunc("GET /api/requests/{id}", h.Get)
	mux.HandleFunc("PATCH /api/requests/{id}/approve", h.Approve)
	mux.HandleFunc("POST /api/requests/{id}/allocate", h.Allocate)
	mux.HandleFunc("POST /api/requests/{id}/dispatch", h.Dispatch)
	mux.HandleFunc("POST /api/requests/{id}/return", h.Return)
	mux.HandleFunc("GET /api/stock/{id}", h.GetStockItem)
	mux.HandleFunc("PUT /api/stock/{id}", h.PutStockItem)
	return mux
}

func (h *HTTPHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body CreateHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return
	}

	req, err := h.svc.Create(r.Context(), actor, service.CreateRequestCommand{
		Reason:   body.Reason,
		Duration: body.Duration,
		Details:  body.Details,
		Items:    body.Items,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Message: "request submitted", Data: requestView(*req)})
}

func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	reqs, err := h.svc.ListPending(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: requestViews(reqs)})
}

func (h *HTTPHandler) ListApproved(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	reqs, err := h.svc.ListApproved(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: requestViews(reqs)})
}

func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: requestView(*req)})
}

func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Approve(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Success:    true,
		Message:    "request approved",
		Data:       res,
		LineErrors: lineErrorsJSON(res.LineErrors),
	})
}

func (h *HTTPHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Allocate(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	message := "stock allocated"
	if len(res.Allocated) == 0 {
		message = "no stock available to allocate"
	}
	writeJSON(w, http.StatusOK, Response{
		Success:    true,
		Message:    message,
		Data:       res,
		LineErrors: lineErrorsJSON(res.LineErrors),
	})
}

func (h *HTTPHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Dispatch(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Success:    true,
		Message:    "request dispatched",
		Data:       res,
		LineErrors: lineErrorsJSON(res.LineErrors),
	})
}

func (h *HTTPHandler) Return(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	// An empty body returns everything outstanding.
	var body ReturnHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return
	}

	res, err := h.svc.Return(r.Context(), r.PathValue("id"), actor, body.Items, body.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Success:    true,
		Message:    "items returned",
		Data:       res,
		LineErrors: lineErrorsJSON(res.LineErrors),
	})
}

func (h *HTTPHandler) GetStockItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.svc.GetStockItem(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: stockItemView(*item)})
}

func (h *HTTPHandler) PutStockItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body StockItemHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return
	}

	id := r.PathValue("id")
	err := h.svc.PutStockItem(r.Context(), actor, domain.StockItem{
		ID:        id,
		Name:      body.Name,
		Model:     body.Model,
		Kind:      body.Kind,
		Total:     body.Total,
		Available: body.Available,
		Reserved:  body.Reserved,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	item, err := h.svc.GetStockItem(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "stock item saved", Data: stockItemView(*item)})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor := domain.Actor{
		ID:   r.Header.Get(headerActorID),
		Role: domain.Role(r.Header.Get(headerActorRole)),
	}
	if actor.ID == "" || !actor.Role.Valid() {
		h.writeError(w, r, errMissingActor)
		return domain.Actor{}, false
	}
	return actor, true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	m := mapError(err)
	if m.http >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, m.http, Response{Message: m.message + ": " + err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func requestView(r domain.Request) RequestView {
	return RequestView{
		ID:                  r.ID,
		ActorID:             r.ActorID,
		ActorRole:           r.ActorRole,
		Reason:              r.Reason,
		Duration:            r.Duration,
		Details:             r.Details,
		Lines:               r.Lines,
		Status:              r.Status,
		Approved:            r.Approved,
		ApprovedBy:          r.ApprovedBy,
		ApprovedAt:          r.ApprovedAt,
		AllocationExpiresAt: r.AllocationExpiresAt,
		Dispatched:          r.Dispatched,
		DispatchedAt:        r.DispatchedAt,
		Returned:            r.Returned,
		ReturnedAt:          r.ReturnedAt,
		ReturnNote:          r.ReturnNote,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func requestViews(reqs []domain.Request) []RequestView {
	out := make([]RequestView, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, requestView(r))
	}
	return out
}

func stockItemView(item domain.StockItem) StockItemView {
	return StockItemView{
		ID:        item.ID,
		Name:      item.Name,
		Model:     item.Model,
		Kind:      item.Kind,
		Total:     item.Total,
		Available: item.Available,
		Reserved:  item.Reserved,
		Out:       item.Out(),
	}
}
