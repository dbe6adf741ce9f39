package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wheelsort/wheelsort/pkg/api/models"
	"github.com/wheelsort/wheelsort/pkg/api/response"
	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/path"
	"github.com/wheelsort/wheelsort/pkg/sorter"
	"github.com/wheelsort/wheelsort/pkg/topology"
	"github.com/wheelsort/wheelsort/pkg/topology/memory"
)

type fakeSorter struct {
	mu sync.Mutex

	routeErr error
	resetErr error
	affected []int64

	routed    []sorter.ParcelRequest
	cancelled []int64
	lost      []time.Time
	resets    []int
	colds     []bool
}

func (f *fakeSorter) RouteParcel(_ context.Context, req sorter.ParcelRequest) (*sorter.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.routeErr != nil {
		return nil, f.routeErr
	}
	f.routed = append(f.routed, req)
	return &sorter.Plan{ParcelID: req.ParcelID, RequestedChuteID: req.TargetChuteID, ChuteID: req.TargetChuteID}, nil
}

func (f *fakeSorter) CancelParcel(parcelID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, parcelID)
	return 2
}

func (f *fakeSorter) HandleParcelLost(_ int64, lostCreatedAt, detectedAt time.Time) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, lostCreatedAt, detectedAt)
	return f.affected
}

func (f *fakeSorter) ExecuteRoute(_ context.Context, chuteID string) path.ExecutionResult {
	if chuteID == "C404" {
		return path.ExecutionResult{ActualChuteID: "X1", ErrorCode: path.ErrorCodeInvalidPath, FailedSegment: -1}
	}
	return path.ExecutionResult{IsSuccess: true, ActualChuteID: chuteID, FailedSegment: -1}
}

func (f *fakeSorter) Reset(_ context.Context, cardNo int, cold bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets = append(f.resets, cardNo)
	f.colds = append(f.colds, cold)
	return nil
}

func (f *fakeSorter) Snapshot() sorter.Snapshot {
	return sorter.Snapshot{InFlight: 3, Paused: true, PauseReasons: []string{"card 1"}}
}

func sorterRouter(s Sorter) http.Handler {
	h := NewSorterHandler(s, nil)
	r := chi.NewRouter()
	r.Get("/api/v1/queues", h.Queues)
	r.Post("/api/v1/parcels", h.RouteParcel)
	r.Delete("/api/v1/parcels/{id}", h.CancelParcel)
	r.Post("/api/v1/parcels/{id}/lost", h.ParcelLost)
	r.Post("/api/v1/chutes/{chute}/execute", h.ExecuteRoute)
	r.Post("/api/v1/emc/{card}/reset", h.ResetCard)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthHandler(t *testing.T) {
	h := NewHealthHandler(
		WithCheck("routes", func(context.Context) error { return nil }),
		WithStatus(func() interface{} { return map[string]int{"in_flight": 7} }),
	)

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("unexpected health response %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected ready, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.Status(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status map[string]interface{}
	decode(t, w, &status)
	if _, ok := status["version"]; !ok {
		t.Error("status is missing version")
	}
	line, ok := status["line"].(map[string]interface{})
	if !ok || line["in_flight"] != float64(7) {
		t.Errorf("unexpected line status %v", status["line"])
	}
}

func TestHealthHandler_NotReady(t *testing.T) {
	h := NewHealthHandler(
		WithCheck("routes", func(context.Context) error { return nil }),
		WithCheck("emc", func(context.Context) error { return emc.ErrNotStarted }),
	)
	w := httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, w, &body)
	if body.Ready || body.Checks["routes"] != "ok" || body.Checks["emc"] != emc.ErrNotStarted.Error() {
		t.Errorf("unexpected readiness body %+v", body)
	}
}

func TestSorterHandler_RouteParcel(t *testing.T) {
	s := &fakeSorter{}
	r := sorterRouter(s)

	w := do(t, r, http.MethodPost, "/api/v1/parcels",
		`{"parcel_id":100234,"target_chute_id":"C12","priority":true,"inducted_at":"2026-03-01T08:00:00Z"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var plan sorter.Plan
	decode(t, w, &plan)
	if plan.ParcelID != 100234 || plan.ChuteID != "C12" {
		t.Errorf("unexpected plan %+v", plan)
	}
	if len(s.routed) != 1 || !s.routed[0].Priority || s.routed[0].InductedAt.IsZero() {
		t.Errorf("request not forwarded intact: %+v", s.routed)
	}
}

func TestSorterHandler_RouteParcelRejectsBadBodies(t *testing.T) {
	r := sorterRouter(&fakeSorter{})
	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"parcel_id":`, response.ErrCodeBadRequest},
		{"unknown field", `{"parcel_id":1,"target_chute_id":"C1","belt":2}`, response.ErrCodeBadRequest},
		{"missing chute", `{"parcel_id":1}`, response.ErrCodeValidationFailed},
		{"non-positive id", `{"parcel_id":-4,"target_chute_id":"C1"}`, response.ErrCodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/api/v1/parcels", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			var resp response.ErrorResponse
			decode(t, w, &resp)
			if resp.Error.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, resp.Error.Code)
			}
		})
	}
}

func TestSorterHandler_RouteParcelErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{sorter.ErrNoRoute, http.StatusUnprocessableEntity},
		{&sorter.ParcelInFlightError{ParcelID: 5}, http.StatusConflict},
		{sorter.ErrClosed, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		w := do(t, sorterRouter(&fakeSorter{routeErr: tt.err}), http.MethodPost, "/api/v1/parcels",
			`{"parcel_id":5,"target_chute_id":"C1"}`)
		if w.Code != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, w.Code)
		}
	}
}

func TestSorterHandler_CancelParcel(t *testing.T) {
	s := &fakeSorter{}
	r := sorterRouter(s)

	w := do(t, r, http.MethodDelete, "/api/v1/parcels/42", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp models.CancelParcelResponse
	decode(t, w, &resp)
	if resp.ParcelID != 42 || resp.RemovedActions != 2 {
		t.Errorf("unexpected response %+v", resp)
	}

	for _, bad := range []string{"0", "abc"} {
		if w := do(t, r, http.MethodDelete, "/api/v1/parcels/"+bad, ""); w.Code != http.StatusBadRequest {
			t.Errorf("id %q: expected 400, got %d", bad, w.Code)
		}
	}
	if len(s.cancelled) != 1 {
		t.Errorf("expected one cancel, got %v", s.cancelled)
	}
}

func TestSorterHandler_ParcelLost(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		s := &fakeSorter{}
		w := do(t, sorterRouter(s), http.MethodPost, "/api/v1/parcels/9/lost", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"affected_parcels":[]`) {
			t.Errorf("expected empty affected list, got %s", w.Body.String())
		}
		if !s.lost[0].IsZero() || !s.lost[1].IsZero() {
			t.Errorf("expected zero timestamps, got %v", s.lost)
		}
	})

	t.Run("timestamps", func(t *testing.T) {
		s := &fakeSorter{affected: []int64{10, 11}}
		w := do(t, sorterRouter(s), http.MethodPost, "/api/v1/parcels/9/lost",
			`{"lost_created_at":"2026-03-01T08:00:00Z","detected_at":"2026-03-01T08:00:03Z"}`)
		var resp models.ParcelLostResponse
		decode(t, w, &resp)
		if resp.ParcelID != 9 || len(resp.AffectedParcels) != 2 {
			t.Errorf("unexpected response %+v", resp)
		}
		if got := s.lost[1].Sub(s.lost[0]); got != 3*time.Second {
			t.Errorf("expected 3s between timestamps, got %v", got)
		}
	})
}

func TestSorterHandler_QueuesAndExecute(t *testing.T) {
	r := sorterRouter(&fakeSorter{})

	w := do(t, r, http.MethodGet, "/api/v1/queues", "")
	var snap sorter.Snapshot
	decode(t, w, &snap)
	if snap.InFlight != 3 || !snap.Paused {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	w = do(t, r, http.MethodPost, "/api/v1/chutes/C404/execute", "")
	if w.Code != http.StatusOK {
		t.Fatalf("failed executions still answer 200, got %d", w.Code)
	}
	var res path.ExecutionResult
	decode(t, w, &res)
	if res.IsSuccess || res.ActualChuteID != "X1" || res.ErrorCode != path.ErrorCodeInvalidPath {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSorterHandler_ResetCard(t *testing.T) {
	s := &fakeSorter{}
	r := sorterRouter(s)

	w := do(t, r, http.MethodPost, "/api/v1/emc/0/reset?cold=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp models.ResetCardResponse
	decode(t, w, &resp)
	if resp.CardNo != 0 || !resp.Cold || resp.Status != "reset" {
		t.Errorf("unexpected response %+v", resp)
	}

	if w := do(t, r, http.MethodPost, "/api/v1/emc/1/reset?cold=maybe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad cold flag, got %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/api/v1/emc/-1/reset", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a negative card, got %d", w.Code)
	}
	if len(s.resets) != 1 || !s.colds[0] {
		t.Errorf("unexpected resets %v %v", s.resets, s.colds)
	}

	failing := sorterRouter(&fakeSorter{resetErr: emc.ErrCoordinationUnconfirmed})
	if w := do(t, failing, http.MethodPost, "/api/v1/emc/2/reset", ""); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for an unconfirmed reset, got %d", w.Code)
	}
	failing = sorterRouter(&fakeSorter{resetErr: errors.New("plc offline")})
	if w := do(t, failing, http.MethodPost, "/api/v1/emc/2/reset", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func routeRouter(store topology.Store) http.Handler {
	h := NewRouteHandler(store, nil)
	r := chi.NewRouter()
	r.Get("/api/v1/routes", h.ListRoutes)
	r.Get("/api/v1/routes/{chute}", h.GetRoute)
	r.Put("/api/v1/routes/{chute}", h.PutRoute)
	r.Delete("/api/v1/routes/{chute}", h.DeleteRoute)
	return r
}

func TestRouteHandler_CRUD(t *testing.T) {
	store := memory.New()
	r := routeRouter(store)

	w := do(t, r, http.MethodGet, "/api/v1/routes", "")
	if !strings.Contains(w.Body.String(), `"routes":[]`) {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}

	body, _ := json.Marshal(models.RouteRequest{
		ExceptionChuteID: "X1",
		Entries: []models.RouteEntry{
			{DiverterID: 2, Direction: "left", Sequence: 2},
			{DiverterID: 1, Direction: "straight", Sequence: 1},
		},
	})
	w = do(t, r, http.MethodPut, "/api/v1/routes/C12", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if cfg := store.GetByChuteID("C12"); cfg == nil || !cfg.IsEnabled || len(cfg.Entries) != 2 {
		t.Fatalf("route not stored: %+v", cfg)
	}

	w = do(t, r, http.MethodGet, "/api/v1/routes/C12", "")
	var got topology.ChuteRouteConfiguration
	decode(t, w, &got)
	if got.ExceptionChuteID != "X1" {
		t.Errorf("unexpected route %+v", got)
	}

	w = do(t, r, http.MethodGet, "/api/v1/routes", "")
	var list models.RouteListResponse
	decode(t, w, &list)
	if list.Total != 1 {
		t.Errorf("expected 1 route, got %d", list.Total)
	}

	if w := do(t, r, http.MethodDelete, "/api/v1/routes/C12", ""); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/api/v1/routes/C12", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(t, r, http.MethodDelete, "/api/v1/routes/C12", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestRouteHandler_PutRejectsInvalidRoutes(t *testing.T) {
	r := routeRouter(memory.New())
	tests := map[string]string{
		"no entries":     `{"entries":[]}`,
		"bad direction":  `{"entries":[{"diverter_id":1,"direction":"up","sequence":1}]}`,
		"duplicate seqs": `{"entries":[{"diverter_id":1,"direction":"left","sequence":1},{"diverter_id":2,"direction":"left","sequence":1}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/v1/routes/C1", bytes.NewBufferString(body))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}
