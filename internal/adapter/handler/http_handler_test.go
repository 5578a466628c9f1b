package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rl1809/lab-store/internal/adapter/storage"
	"github.com/rl1809/lab-store/internal/core/domain"
	"github.com/rl1809/lab-store/internal/core/service"
	"github.com/rl1809/lab-store/internal/platform/metrics"
)

func newTestService(t *testing.T) *service.FulfillmentService {
	t.Helper()
	svc := service.NewFulfillmentService(storage.NewMemoryAdapter(), storage.NewMemoryCache(), service.Options{
		EventQueueSize: 100,
		Logger:         zerolog.Nop(),
		Metrics:        metrics.New(prometheus.NewRegistry()),
	})
	t.Cleanup(svc.Close)
	return svc
}

type testClient struct {
	t       *testing.T
	handler http.Handler
}

func (c testClient) do(method, path string, actor domain.Actor, body any) (int, Response) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor.ID != "" {
		req.Header.Set(headerActorID, actor.ID)
		req.Header.Set(headerActorRole, string(actor.Role))
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		c.t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

var (
	lecturer = domain.Actor{ID: "l-1", Role: domain.RoleLecturer}
	deptHead = domain.Actor{ID: "h-1", Role: domain.RoleDepartmentHead}
	storeMgr = domain.Actor{ID: "m-1", Role: domain.RoleStoreManager}
)

func TestHTTP_RequestLifecycle(t *testing.T) {
	c := testClient{t: t, handler: NewHTTPHandler(newTestService(t), zerolog.Nop()).Routes()}

	code, _ := c.do(http.MethodPut, "/api/stock/scope", storeMgr, StockItemHTTPRequest{
		Name: "Oscilloscope", Kind: domain.ItemKindEquipment, Total: 5, Available: 5,
	})
	if code != http.StatusOK {
		t.Fatalf("put stock: status %d", code)
	}

	code, resp := c.do(http.MethodPost, "/api/requests", lecturer, CreateHTTPRequest{
		Reason: "signals lab",
		Items:  []service.LineQuantity{{ItemID: "scope", Quantity: 3}},
	})
	if code != http.StatusCreated || !resp.Success {
		t.Fatalf("create: status %d %+v", code, resp)
	}
	id := resp.Data.(map[string]any)["id"].(string)

	code, resp = c.do(http.MethodGet, "/api/requests/pending", deptHead, nil)
	if code != http.StatusOK || len(resp.Data.([]any)) != 1 {
		t.Errorf("pending: status %d %+v", code, resp)
	}

	code, resp = c.do(http.MethodPatch, "/api/requests/"+id+"/approve", deptHead, nil)
	if code != http.StatusOK || resp.Data.(map[string]any)["status"] != string(domain.StatusAllocated) {
		t.Fatalf("approve: status %d %+v", code, resp)
	}

	code, _ = c.do(http.MethodPatch, "/api/requests/"+id+"/approve", deptHead, nil)
	if code != http.StatusConflict {
		t.Errorf("second approve: expected 409, got %d", code)
	}

	code, resp = c.do(http.MethodPost, "/api/requests/"+id+"/dispatch", storeMgr, nil)
	if code != http.StatusOK || resp.Data.(map[string]any)["status"] != string(domain.StatusDispatched) {
		t.Fatalf("dispatch: status %d %+v", code, resp)
	}

	code, resp = c.do(http.MethodPost, "/api/requests/"+id+"/return", storeMgr, ReturnHTTPRequest{
		Items: []service.LineQuantity{{ItemID: "scope", Quantity: 1}, {ItemID: "ghost", Quantity: 1}},
	})
	if code != http.StatusOK || len(resp.LineErrors) != 1 || resp.LineErrors[0].ItemID != "ghost" {
		t.Fatalf("partial return: status %d %+v", code, resp)
	}

	// No body returns everything outstanding.
	code, resp = c.do(http.MethodPost, "/api/requests/"+id+"/return", storeMgr, nil)
	if code != http.StatusOK || resp.Data.(map[string]any)["status"] != string(domain.StatusCompleted) {
		t.Fatalf("final return: status %d %+v", code, resp)
	}

	code, resp = c.do(http.MethodGet, "/api/stock/scope", storeMgr, nil)
	item := resp.Data.(map[string]any)
	if code != http.StatusOK || item["available"] != float64(5) || item["out"] != float64(0) {
		t.Errorf("stock: status %d %+v", code, resp)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	svc := newTestService(t)
	c := testClient{t: t, handler: NewHTTPHandler(svc, zerolog.Nop()).Routes()}

	tests := []struct {
		name   string
		method string
		path   string
		actor  domain.Actor
		body   any
		want   int
	}{
		{"missing actor", http.MethodPatch, "/api/requests/x/approve", domain.Actor{}, nil, http.StatusUnauthorized},
		{"wrong role", http.MethodPatch, "/api/requests/x/approve", storeMgr, nil, http.StatusForbidden},
		{"unknown request", http.MethodPost, "/api/requests/x/dispatch", storeMgr, nil, http.StatusNotFound},
		{"unknown stock item", http.MethodGet, "/api/stock/none", storeMgr, nil, http.StatusNotFound},
		{"invalid create", http.MethodPost, "/api/requests", lecturer, CreateHTTPRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := c.do(tt.method, tt.path, tt.actor, tt.body)
			if code != tt.want || resp.Success {
				t.Errorf("expected %d, got %d %+v", tt.want, code, resp)
			}
		})
	}
}

func TestHTTP_NoEffectIsUnprocessable(t *testing.T) {
	c := testClient{t: t, handler: NewHTTPHandler(newTestService(t), zerolog.Nop()).Routes()}

	c.do(http.MethodPut, "/api/stock/scope", storeMgr, StockItemHTTPRequest{Kind: domain.ItemKindEquipment, Total: 1, Available: 1})
	_, resp := c.do(http.MethodPost, "/api/requests", lecturer, CreateHTTPRequest{
		Reason: "r",
		Items:  []service.LineQuantity{{ItemID: "scope", Quantity: 1}},
	})
	id := resp.Data.(map[string]any)["id"].(string)
	c.do(http.MethodPatch, "/api/requests/"+id+"/approve", deptHead, nil)

	code, _ := c.do(http.MethodPost, "/api/requests/"+id+"/return", storeMgr, nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 with nothing outstanding, got %d", code)
	}
}

func TestHTTP_ReturnWithNoUsableLinesIsUnprocessable(t *testing.T) {
	c := testClient{t: t, handler: NewHTTPHandler(newTestService(t), zerolog.Nop()).Routes()}

	c.do(http.MethodPut, "/api/stock/scope", storeMgr, StockItemHTTPRequest{Kind: domain.ItemKindEquipment, Total: 3, Available: 3})
	_, resp := c.do(http.MethodPost, "/api/requests", lecturer, CreateHTTPRequest{
		Reason: "r",
		Items:  []service.LineQuantity{{ItemID: "scope", Quantity: 3}},
	})
	id := resp.Data.(map[string]any)["id"].(string)
	c.do(http.MethodPatch, "/api/requests/"+id+"/approve", deptHead, nil)
	if code, _ := c.do(http.MethodPost, "/api/requests/"+id+"/dispatch", storeMgr, nil); code != http.StatusOK {
		t.Fatalf("dispatch: status %d", code)
	}

	tests := []struct {
		name  string
		items []service.LineQuantity
	}{
		{"item not on the request", []service.LineQuantity{{ItemID: "ghost", Quantity: 1}}},
		{"zero quantity", []service.LineQuantity{{ItemID: "scope", Quantity: 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := c.do(http.MethodPost, "/api/requests/"+id+"/return", storeMgr, ReturnHTTPRequest{Items: tt.items})
			if code != http.StatusUnprocessableEntity || resp.Success {
				t.Errorf("expected 422, got %d %+v", code, resp)
			}
		})
	}

	code, resp := c.do(http.MethodGet, "/api/stock/scope", storeMgr, nil)
	if item := resp.Data.(map[string]any); code != http.StatusOK || item["out"] != float64(3) {
		t.Errorf("rejected returns must leave the ledger alone, got %d %+v", code, resp)
	}
}

func TestHealthCheck(t *testing.T) {
	h := NewHTTPHandler(newTestService(t), zerolog.Nop()).Routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
