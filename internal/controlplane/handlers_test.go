package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"frameorchestrator/internal/registry"
)

func newTestHandler() *Handler {
	reg := registry.New(registry.Config{}, nil, nil)
	return &Handler{Registry: reg}
}

func doRequest(h http.HandlerFunc, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestProcessorsRegisterThenList(t *testing.T) {
	h := newTestHandler()

	body, _ := json.Marshal(registerRequest{ProcessorID: "p1", Capabilities: []string{"face"}, Capacity: 4})
	rr := doRequest(h.Processors, http.MethodPost, "/processors", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var regResp registerResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &regResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if regResp.QueueName != "frames:ready:p1" {
		t.Fatalf("unexpected queue name: %s", regResp.QueueName)
	}

	rr = doRequest(h.Processors, http.MethodGet, "/processors", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snapshot processorsSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Processors) != 1 || snapshot.Processors[0].ProcessorID != "p1" {
		t.Fatalf("expected one processor p1, got %+v", snapshot.Processors)
	}
}

func TestProcessorsRegisterRejectsBlankID(t *testing.T) {
	h := newTestHandler()
	body, _ := json.Marshal(registerRequest{ProcessorID: "  "})
	rr := doRequest(h.Processors, http.MethodPost, "/processors", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHeartbeatAutoRegistersUnknownID(t *testing.T) {
	h := newTestHandler()
	body, _ := json.Marshal(heartbeatRequest{Inflight: 2, ConsecutiveFailures: 0})
	rr := doRequest(h.ProcessorByID, http.MethodPost, "/processors/p2/heartbeat", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	d, ok := h.Registry.Get("p2")
	if !ok {
		t.Fatalf("expected p2 auto-registered")
	}
	if d.State != registry.StateActive {
		t.Fatalf("expected active state after heartbeat, got %s", d.State)
	}
	if d.Inflight != 2 {
		t.Fatalf("expected inflight 2, got %d", d.Inflight)
	}
}

func TestHeartbeatMarksUnhealthyAtFailureThreshold(t *testing.T) {
	h := newTestHandler()
	h.Registry.Register(registry.Descriptor{ProcessorID: "p9", Capacity: 1})
	h.Registry.Heartbeat("p9", registry.Stats{}, registry.Descriptor{})

	body, _ := json.Marshal(heartbeatRequest{Inflight: 0, ConsecutiveFailures: 5})
	rr := doRequest(h.ProcessorByID, http.MethodPost, "/processors/p9/heartbeat", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	d, _ := h.Registry.Get("p9")
	if d.State != registry.StateUnhealthy {
		t.Fatalf("expected Unhealthy after crossing failure threshold, got %s", d.State)
	}
}

func TestProcessorByIDDeleteDrains(t *testing.T) {
	h := newTestHandler()
	h.Registry.Register(registry.Descriptor{ProcessorID: "p3", Capacity: 1})
	h.Registry.Heartbeat("p3", registry.Stats{}, registry.Descriptor{})

	rr := doRequest(h.ProcessorByID, http.MethodDelete, "/processors/p3", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	d, ok := h.Registry.Get("p3")
	if !ok || d.State != registry.StateDraining {
		t.Fatalf("expected draining state, got %+v ok=%v", d, ok)
	}
}

func TestReadyReflectsActiveProcessorsAndIngestStatus(t *testing.T) {
	h := newTestHandler()
	h.Ingest = fakeIngestStatus{up: false}

	rr := doRequest(h.Ready, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with ingest down, got %d", rr.Code)
	}

	h.Ingest = fakeIngestStatus{up: true}
	rr = doRequest(h.Ready, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no active processors, got %d", rr.Code)
	}

	h.Registry.Register(registry.Descriptor{ProcessorID: "p4", Capacity: 1})
	h.Registry.Heartbeat("p4", registry.Stats{}, registry.Descriptor{})
	rr = doRequest(h.Ready, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once active processor exists, got %d", rr.Code)
	}
}

func TestHealthReflectsIngestStatus(t *testing.T) {
	h := newTestHandler()
	rr := doRequest(h.Health, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 without an ingest probe wired, got %d", rr.Code)
	}

	h.Ingest = fakeIngestStatus{up: false}
	rr = doRequest(h.Health, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with ingest down, got %d", rr.Code)
	}

	h.Ingest = fakeIngestStatus{up: true}
	rr = doRequest(h.Health, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with ingest up, got %d", rr.Code)
	}
}

type fakeIngestStatus struct{ up bool }

func (f fakeIngestStatus) IngestUp() bool { return f.up }
