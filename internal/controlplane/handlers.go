// Package controlplane is the orchestrator's HTTP surface: registration,
// deregistration, heartbeat, registry snapshot, and health/ready/metrics
// endpoints, wired as a thin net/http.ServeMux routing table. ServeMux
// pattern syntax for path parameters needs Go 1.22, so trailing
// {id}/heartbeat segments are parsed by hand with strings.TrimPrefix and
// strings.CutSuffix.
package controlplane

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"frameorchestrator/internal/backpressure"
	"frameorchestrator/internal/orcerr"
	"frameorchestrator/internal/registry"
	"frameorchestrator/internal/workqueue"
)

// IngestStatus reports whether the Stream Consumer's connection to the
// ingest stream is currently up.
type IngestStatus interface {
	IngestUp() bool
}

// Handler implements every control-plane endpoint over a shared Registry
// and Work-Queue Manager.
type Handler struct {
	Registry     *registry.Registry
	Queues       *workqueue.Manager
	Ingest       IngestStatus
	Logger       *slog.Logger
	QueueBound   int64
	Backpressure backpressure.Config
}

type registerRequest struct {
	ProcessorID  string   `json:"processor_id"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
}

type registerResponse struct {
	QueueName string `json:"queue_name"`
}

type heartbeatRequest struct {
	Inflight            int `json:"inflight"`
	ConsecutiveFailures int `json:"consecutive_failures"`
}

type processorView struct {
	ProcessorID         string   `json:"processor_id"`
	Capabilities        []string `json:"capabilities"`
	QueueName           string   `json:"queue_name"`
	Capacity            int      `json:"capacity"`
	State               string   `json:"state"`
	Inflight            int      `json:"inflight"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
}

type processorsSnapshot struct {
	Processors []processorView `json:"processors"`
}

// Processors handles both GET /processors (registry snapshot) and POST
// /processors (registration); Go 1.21's ServeMux registers one handler per
// exact path, so the method dispatch happens here.
func (h *Handler) Processors(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.ProcessorsList(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ProcessorID) == "" {
		writeJSONError(w, http.StatusBadRequest, "processor_id is required")
		return
	}

	descriptor, err := h.Registry.Register(registry.Descriptor{
		ProcessorID:  req.ProcessorID,
		Capabilities: req.Capabilities,
		Capacity:     req.Capacity,
	})
	if err != nil {
		if orcerr.IsConflict(err) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		if kind, ok := orcerr.KindOf(err); ok && kind == orcerr.KindSaturation {
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.Queues != nil {
		if err := h.Queues.EnsureQueue(r.Context(), descriptor.ProcessorID, h.QueueBound); err != nil {
			loggingWithRequest(h.logger(), r).Warn("ensure_queue failed on registration", "processor_id", descriptor.ProcessorID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, registerResponse{QueueName: descriptor.QueueName})
}

// ProcessorsList handles GET /processors: the registry snapshot.
func (h *Handler) ProcessorsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot := h.Registry.Snapshot()
	views := make([]processorView, 0, len(snapshot))
	for _, d := range snapshot {
		views = append(views, processorView{
			ProcessorID:         d.ProcessorID,
			Capabilities:        d.Capabilities,
			QueueName:           d.QueueName,
			Capacity:            d.Capacity,
			State:               string(d.State),
			Inflight:            d.Inflight,
			ConsecutiveFailures: d.ConsecutiveFailures,
		})
	}
	writeJSON(w, http.StatusOK, processorsSnapshot{Processors: views})
}

// ProcessorByID dispatches DELETE /processors/{id} (deregister, which
// triggers Drain) and POST /processors/{id}/heartbeat.
func (h *Handler) ProcessorByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/processors/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/heartbeat"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.heartbeat(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		h.Registry.Drain(rest)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request, processorID string) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Unknown ids are silently auto-registered with capacity 1 and no
	// capabilities, taking inflight and failure counts from the heartbeat
	// body, so a restarting processor that heartbeats before it
	// re-registers heals itself.
	fallback := registry.Descriptor{
		ProcessorID: processorID,
		Capacity:    1,
	}
	d := h.Registry.Heartbeat(processorID, registry.Stats{
		Inflight:            req.Inflight,
		ConsecutiveFailures: req.ConsecutiveFailures,
	}, fallback)

	// The heartbeat is where failure stats arrive, so the failure-threshold
	// policy row is evaluated here rather than in the Router's hot path.
	if backpressure.ShouldMarkUnhealthy(h.Backpressure, d) {
		h.Registry.MarkUnhealthy(processorID, "failure_threshold")
		loggingWithRequest(h.logger(), r).Warn("processor crossed failure threshold",
			"processor_id", processorID, "consecutive_failures", d.ConsecutiveFailures)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health handles GET /health: 200 while the Stream Consumer is running. A
// Handler wired without an IngestStatus reports healthy as long as the
// process answers at all.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ingest != nil && !h.Ingest.IngestUp() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "ingest_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready: 200 only once at least one Active processor
// exists and the ingest connection is up, 503 otherwise.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ingestUp := h.Ingest == nil || h.Ingest.IngestUp()
	hasActive := false
	for _, d := range h.Registry.Snapshot() {
		if d.State == registry.StateActive {
			hasActive = true
			break
		}
	}
	if ingestUp && hasActive {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
