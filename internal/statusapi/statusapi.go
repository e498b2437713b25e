// Package statusapi exposes the worker's read-only operational surface:
// per-source health and the registered adapter set.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/opsrelay/internal/ingest"
)

// HealthSource yields the current per-source health snapshot.
type HealthSource interface {
	Snapshot() []ingest.SourceHealth
}

// API holds dependencies for the status handlers.
type API struct {
	logger  log.Logger
	health  HealthSource
	vendors []string
	started time.Time
}

// New creates the status API. vendors is the registered adapter set,
// reported so operators can see which catalog vendor tags will resolve.
func New(logger log.Logger, health HealthSource, vendors []string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		logger:  logger,
		health:  health,
		vendors: vendors,
		started: time.Now(),
	}
}

// RegisterRoutes attaches the status endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sources", a.handleListSources)
		r.Get("/status", a.handleStatus)
	})
}

func (a *API) handleListSources(w http.ResponseWriter, r *http.Request) {
	snapshot := a.health.Snapshot()
	if snapshot == nil {
		snapshot = []ingest.SourceHealth{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"sources": snapshot,
	}); err != nil {
		a.logger.Error(r.Context(), err, "failed to encode sources response")
	}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := a.health.Snapshot()

	counts := map[string]int{}
	for _, h := range snapshot {
		counts[string(h.Health)]++
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds": int64(time.Since(a.started).Seconds()),
		"vendors":        a.vendors,
		"sources":        len(snapshot),
		"health_counts":  counts,
	}); err != nil {
		a.logger.Error(r.Context(), err, "failed to encode status response")
	}
}
