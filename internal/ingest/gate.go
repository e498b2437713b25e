package ingest

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/opsrelay/internal/alert"
)

// DedupService is the external predicate pair consulted before admission.
// Predicate internals (windows, rate rules) are owned by the service; the
// gate only honors the boolean answers.
type DedupService interface {
	// CheckThrottle reports whether alerts of this type from this source are
	// currently rate-limited.
	CheckThrottle(ctx context.Context, sourceID int64, alertType string) (bool, error)

	// CheckDuplicate reports whether an alert with this content hash has
	// already been admitted.
	CheckDuplicate(ctx context.Context, sourceID int64, alertType string, payload []byte, hash string) (bool, error)
}

// Queue is the durable alert queue admitted alerts are written to.
type Queue interface {
	Insert(ctx context.Context, a *alert.Normalized, hash string) error
}

// Gate suppresses throttled and duplicate alerts before they reach the
// queue. Suppression is an expected outcome, logged but never an error.
type Gate struct {
	dedup   DedupService
	queue   Queue
	logger  log.Logger
	metrics *Metrics
}

// NewGate creates a gate over the given predicate service and queue.
func NewGate(dedup DedupService, queue Queue, logger log.Logger, m *Metrics) *Gate {
	if logger == nil {
		logger = log.Nop()
	}
	return &Gate{dedup: dedup, queue: queue, logger: logger, metrics: m}
}

// Admit evaluates the throttle predicate, then the duplicate predicate, and
// inserts the alert into the queue only if both pass. The insert carries the
// content hash so downstream consumers share the same dedup key. Returns
// whether the alert was admitted.
func (g *Gate) Admit(ctx context.Context, a *alert.Normalized) (bool, error) {
	hash := alert.ContentHash(a)

	throttled, err := g.dedup.CheckThrottle(ctx, a.SourceID, a.AlertType)
	if err != nil {
		return false, fmt.Errorf("check throttle: %w", err)
	}
	if throttled {
		g.logger.Info(ctx, "alert throttled",
			"source_id", a.SourceID,
			"alert_type", a.AlertType,
		)
		if g.metrics != nil {
			g.metrics.AlertsSuppressed.WithLabelValues("throttled").Inc()
		}
		return false, nil
	}

	dup, err := g.dedup.CheckDuplicate(ctx, a.SourceID, a.AlertType, a.RawData, hash)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	if dup {
		g.logger.Info(ctx, "duplicate alert suppressed",
			"source_id", a.SourceID,
			"alert_type", a.AlertType,
			"hash", hash,
		)
		if g.metrics != nil {
			g.metrics.AlertsSuppressed.WithLabelValues("duplicate").Inc()
		}
		return false, nil
	}

	if err := g.queue.Insert(ctx, a, hash); err != nil {
		return false, fmt.Errorf("queue insert: %w", err)
	}
	return true, nil
}
