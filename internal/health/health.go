package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates the exporter is serving and extracting.
	ModeHealthy Mode = "healthy"
	// ModeStarting indicates the scheduler has not started yet.
	ModeStarting Mode = "starting"
	// ModeStopping indicates shutdown has begun.
	ModeStopping Mode = "stopping"
)

// Input represents runtime states used for health evaluation.
type Input struct {
	SchedulerStarted bool
	ShuttingDown     bool
	CyclesCompleted  int
}

// Status represents evaluated application health.
type Status struct {
	Mode            Mode            `json:"mode"`
	Ready           bool            `json:"ready"`
	CyclesCompleted int             `json:"cycles_completed"`
	Components      map[string]bool `json:"components"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates readiness from runtime state.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate reports ready once the scheduler runs and until shutdown begins.
// Extraction failures never affect readiness.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	ready := input.SchedulerStarted && !input.ShuttingDown

	mode := ModeHealthy
	switch {
	case input.ShuttingDown:
		mode = ModeStopping
	case !input.SchedulerStarted:
		mode = ModeStarting
	}

	return Status{
		Mode:            mode,
		Ready:           ready,
		CyclesCompleted: input.CyclesCompleted,
		Components: map[string]bool{
			"scheduler": input.SchedulerStarted,
			"serving":   !input.ShuttingDown,
		},
	}
}

// NewHandler returns the health HTTP handler with /livez, /readyz, and /healthz endpoints.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ready")); err != nil {
				return
			}
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready")); err != nil {
			return
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if _, writeErr := w.Write([]byte(`{"mode":"unknown","error":"marshal health status"}`)); writeErr != nil {
				return
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:gosec // Health payload is server-generated JSON status.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})

	return mux
}
