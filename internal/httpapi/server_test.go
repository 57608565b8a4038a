package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gpumux/internal/registry"
	"gpumux/pkg/types"
)

// stubService records calls and serves canned answers. Unset hooks succeed
// with zero values.
type stubService struct {
	createFn   func(cfg types.ModelConfig) (types.ModelConfig, error)
	getFn      func(id string) (types.ModelConfig, types.ModelRuntimeState, error)
	deleteFn   func(id string) error
	scheduleFn func(id string, priority int, force, allowPreemption bool) error

	started  []string
	canceled []string

	historyLimit int
	historyHours int
	historyModel string

	ready bool
}

func (s *stubService) CreateModel(_ context.Context, cfg types.ModelConfig) (types.ModelConfig, error) {
	if s.createFn != nil {
		return s.createFn(cfg)
	}
	return cfg, nil
}

func (s *stubService) UpdateModel(_ context.Context, id string, cfg types.ModelConfig) (types.ModelConfig, error) {
	cfg.ID = id
	return cfg, nil
}

func (s *stubService) DeleteModel(_ context.Context, id string) error {
	if s.deleteFn != nil {
		return s.deleteFn(id)
	}
	return nil
}

func (s *stubService) StartModel(_ context.Context, id string) error {
	s.started = append(s.started, id)
	return nil
}

func (s *stubService) StopModel(context.Context, string) error    { return nil }
func (s *stubService) RestartModel(context.Context, string) error { return nil }
func (s *stubService) Prioritize(context.Context, string) error   { return nil }

func (s *stubService) CancelSchedule(_ context.Context, id string) error {
	s.canceled = append(s.canceled, id)
	return nil
}

func (s *stubService) ManualSchedule(_ context.Context, id string, priority int, force, allowPreemption bool) error {
	if s.scheduleFn != nil {
		return s.scheduleFn(id, priority, force, allowPreemption)
	}
	return nil
}

func (s *stubService) GetStatus(context.Context) (types.StatusResponse, error) {
	return types.StatusResponse{Total: 3, Running: 1, Queued: 1, Failed: 1}, nil
}

func (s *stubService) GetQueue(context.Context) ([]types.ModelRuntimeState, error) {
	return nil, nil
}

func (s *stubService) GetModels(context.Context) ([]types.ModelConfig, []types.ModelRuntimeState, error) {
	return []types.ModelConfig{{ID: "m1", Priority: 5}},
		[]types.ModelRuntimeState{{ModelID: "m1", Status: types.StatusRunning}}, nil
}

func (s *stubService) GetModel(_ context.Context, id string) (types.ModelConfig, types.ModelRuntimeState, error) {
	if s.getFn != nil {
		return s.getFn(id)
	}
	return types.ModelConfig{ID: id}, types.ModelRuntimeState{ModelID: id, Status: types.StatusStopped}, nil
}

func (s *stubService) GetResourceAllocation(context.Context) ([]types.DeviceAllocation, error) {
	return nil, nil
}

func (s *stubService) GetPolicy(context.Context) (types.SchedulingPolicy, error) {
	return types.SchedulingPolicy{TickIntervalS: 2, AllowPreemption: true, ProbeWorkers: 8}, nil
}

func (s *stubService) GetHistory(_ context.Context, limit, hours int, modelID string) ([]types.SchedulingDecision, error) {
	s.historyLimit, s.historyHours, s.historyModel = limit, hours, modelID
	return nil, nil
}

func (s *stubService) Logs(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("engine line 1\nengine line 2\n")), nil
}

func (s *stubService) Ready(context.Context) bool { return s.ready }

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	mux := NewMux(&stubService{})
	rec := doRequest(t, mux, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got types.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 3 || got.Running != 1 {
		t.Fatalf("body = %+v", got)
	}
}

func TestCreateModel(t *testing.T) {
	svc := &stubService{}
	mux := NewMux(svc)
	rec := doRequest(t, mux, http.MethodPost, "/api/models", `{"id":"m1","priority":5}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var out types.ModelConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != "m1" {
		t.Fatalf("id = %q", out.ID)
	}
}

func TestCreateModelBadJSON(t *testing.T) {
	mux := NewMux(&stubService{})
	rec := doRequest(t, mux, http.MethodPost, "/api/models", `{"id":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var er types.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if er.Code != http.StatusBadRequest || er.Error == "" {
		t.Fatalf("error payload = %+v", er)
	}
}

func TestCreateModelWrongContentType(t *testing.T) {
	mux := NewMux(&stubService{})
	req := httptest.NewRequest(http.MethodPost, "/api/models", strings.NewReader("id=m1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	svc := &stubService{
		getFn: func(id string) (types.ModelConfig, types.ModelRuntimeState, error) {
			return types.ModelConfig{}, types.ModelRuntimeState{}, registry.ErrNotFound(id)
		},
		deleteFn: func(id string) error {
			return registry.ErrInvalidState(id, types.StatusRunning, "delete")
		},
		createFn: func(cfg types.ModelConfig) (types.ModelConfig, error) {
			return types.ModelConfig{}, registry.ErrValidation("priority out of range")
		},
	}
	mux := NewMux(svc)

	if rec := doRequest(t, mux, http.MethodGet, "/api/models/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("not found -> %d, want 404", rec.Code)
	}
	if rec := doRequest(t, mux, http.MethodDelete, "/api/models/m1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("invalid state -> %d, want 409", rec.Code)
	}
	if rec := doRequest(t, mux, http.MethodPost, "/api/models", `{"id":"m1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("validation -> %d, want 400", rec.Code)
	}
}

func TestModelActions(t *testing.T) {
	svc := &stubService{}
	mux := NewMux(svc)

	rec := doRequest(t, mux, http.MethodPost, "/api/models/m1/start", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start -> %d, want 202", rec.Code)
	}
	if len(svc.started) != 1 || svc.started[0] != "m1" {
		t.Fatalf("started = %v", svc.started)
	}

	rec = doRequest(t, mux, http.MethodDelete, "/api/models/m1/schedule", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel -> %d, want 202", rec.Code)
	}
	if len(svc.canceled) != 1 || svc.canceled[0] != "m1" {
		t.Fatalf("canceled = %v", svc.canceled)
	}
}

func TestScheduleBodyParsing(t *testing.T) {
	var gotID string
	var gotPriority int
	var gotForce, gotAllow bool
	svc := &stubService{scheduleFn: func(id string, priority int, force, allow bool) error {
		gotID, gotPriority, gotForce, gotAllow = id, priority, force, allow
		return nil
	}}
	mux := NewMux(svc)

	rec := doRequest(t, mux, http.MethodPost, "/api/models/m1/schedule",
		`{"priority":9,"force":true,"allow_preemption":false}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("schedule -> %d, body %s", rec.Code, rec.Body)
	}
	if gotID != "m1" || gotPriority != 9 || !gotForce || gotAllow {
		t.Fatalf("args = %s/%d/%v/%v", gotID, gotPriority, gotForce, gotAllow)
	}

	// Empty body: priority 0, preemption defaults on.
	rec = doRequest(t, mux, http.MethodPost, "/api/models/m2/schedule", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("bare schedule -> %d", rec.Code)
	}
	if gotID != "m2" || gotPriority != 0 || gotForce || !gotAllow {
		t.Fatalf("default args = %s/%d/%v/%v", gotID, gotPriority, gotForce, gotAllow)
	}
}

func TestHistoryQueryParams(t *testing.T) {
	svc := &stubService{}
	mux := NewMux(svc)
	rec := doRequest(t, mux, http.MethodGet, "/api/history?limit=5&hours=2&model_id=m1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history -> %d", rec.Code)
	}
	if svc.historyLimit != 5 || svc.historyHours != 2 || svc.historyModel != "m1" {
		t.Fatalf("params = %d/%d/%q", svc.historyLimit, svc.historyHours, svc.historyModel)
	}
	// Bad values fall back to zero.
	doRequest(t, mux, http.MethodGet, "/api/history?limit=-3&hours=abc", "")
	if svc.historyLimit != 0 || svc.historyHours != 0 {
		t.Fatalf("fallback params = %d/%d", svc.historyLimit, svc.historyHours)
	}
}

func TestQueueNeverNull(t *testing.T) {
	mux := NewMux(&stubService{})
	rec := doRequest(t, mux, http.MethodGet, "/api/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("queue -> %d", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(body["queue"]) != "[]" {
		t.Fatalf("queue = %s, want []", body["queue"])
	}
}

func TestListModelsMergesState(t *testing.T) {
	mux := NewMux(&stubService{})
	rec := doRequest(t, mux, http.MethodGet, "/api/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("models -> %d", rec.Code)
	}
	var body struct {
		Models []modelView `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Models) != 1 || body.Models[0].Config.ID != "m1" || body.Models[0].State.Status != types.StatusRunning {
		t.Fatalf("models = %+v", body.Models)
	}
}

func TestLogsEndpoint(t *testing.T) {
	mux := NewMux(&stubService{})
	rec := doRequest(t, mux, http.MethodGet, "/api/models/m1/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logs -> %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "engine line 2") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	svc := &stubService{}
	mux := NewMux(svc)

	if rec := doRequest(t, mux, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz -> %d", rec.Code)
	}
	if rec := doRequest(t, mux, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready -> %d, want 503", rec.Code)
	}
	svc.ready = true
	if rec := doRequest(t, mux, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz -> %d", rec.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	SetMaxBodyBytes(32)
	defer SetMaxBodyBytes(0)
	mux := NewMux(&stubService{})

	big := `{"id":"m1","model_path":"` + strings.Repeat("x", 64) + `"}`
	if rec := doRequest(t, mux, http.MethodPost, "/api/models", big); rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized body -> %d, want 400", rec.Code)
	}
	if rec := doRequest(t, mux, http.MethodPost, "/api/models", `{"id":"m1"}`); rec.Code != http.StatusCreated {
		t.Fatalf("small body -> %d, want 201", rec.Code)
	}
}

func TestCORSOptIn(t *testing.T) {
	SetCORSOptions(true, []string{"https://dash.example"}, []string{http.MethodGet, http.MethodPost}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)
	mux := NewMux(&stubService{})

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Fatalf("allow-origin = %q, want https://dash.example", got)
	}

	// Disabled again: no CORS headers on a fresh mux.
	SetCORSOptions(false, nil, nil, nil)
	plain := NewMux(&stubService{})
	rec = httptest.NewRecorder()
	plain.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin without CORS = %q, want empty", got)
	}
}

func TestRequestContextFollowsShutdown(t *testing.T) {
	base, stop := context.WithCancel(context.Background())
	SetBaseContext(base)
	defer SetBaseContext(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	ctx, cancel := requestContext(req)
	defer cancel()
	stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("handler context survived daemon shutdown")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := NewMux(&stubService{})
	rec := doRequest(t, mux, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics -> %d", rec.Code)
	}
}
