package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/opsrelay/internal/source"
)

// SourceHealth is the in-memory health view of one source, kept current by
// the pipeline and served by the status API. The catalog holds the durable
// copy; this mirror exists so the worker can answer health queries without a
// store round trip.
type SourceHealth struct {
	SourceID          int64         `json:"source_id"`
	Name              string        `json:"name"`
	Vendor            string        `json:"vendor"`
	Health            source.Health `json:"health"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	AvgResponseMS     float64       `json:"avg_response_ms"`
	LastPollAt        time.Time     `json:"last_poll_at"`
	LastErrorAt       time.Time     `json:"last_error_at,omitempty"`
}

// HealthTracker folds poll outcomes into per-source health state. The first
// observation for a source seeds from the health fields loaded with the
// catalog snapshot, so the mirror survives worker restarts.
type HealthTracker struct {
	mu sync.RWMutex
	m  map[int64]SourceHealth
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{m: make(map[int64]SourceHealth)}
}

// Observe records one poll outcome and returns the updated state. Latency is
// folded into the rolling average only on success; a failed poll's duration
// measures the failure, not the vendor.
func (t *HealthTracker) Observe(src source.MonitorSource, success bool, latencyMS float64, at time.Time) SourceHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.m[src.ID]
	if !ok {
		h = SourceHealth{
			SourceID:          src.ID,
			Name:              src.Name,
			Vendor:            src.Vendor,
			ConsecutiveErrors: src.ConsecutiveErrors,
			AvgResponseMS:     src.AvgResponseMS,
			LastErrorAt:       src.LastErrorAt,
		}
	}

	h.LastPollAt = at
	if success {
		h.ConsecutiveErrors = 0
		h.AvgResponseMS = source.FoldLatency(h.AvgResponseMS, latencyMS)
	} else {
		h.ConsecutiveErrors++
		h.LastErrorAt = at
	}
	h.Health = source.Classify(h.ConsecutiveErrors)

	t.m[src.ID] = h
	return h
}

// Snapshot returns the tracked sources ordered by id.
func (t *HealthTracker) Snapshot() []SourceHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SourceHealth, 0, len(t.m))
	for _, h := range t.m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}
