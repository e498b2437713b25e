package outbox

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const (
	defaultBatchSize = 25
	deliverTimeout   = 10 * time.Second
	maxBackoff       = 60 * time.Second
)

// Backoff returns the sleep before retry attempt n of a failed dispatch
// cycle: 2^n seconds plus half a second per attempt, capped at 60s.
func Backoff(attempt int) time.Duration {
	secs := math.Pow(2, float64(attempt)) + 0.5*float64(attempt)
	d := time.Duration(secs * float64(time.Second))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Dispatcher claims pending outbox events and delivers them to the sink.
// Safe to run in multiple processes concurrently; the store's atomic claim
// is the coordination point.
type Dispatcher struct {
	store      Store
	sink       Sink // nil when no delivery target is configured
	logger     log.Logger
	metrics    *Metrics
	batchSize  int
	maxRetries int

	// sleep is a seam for tests; returns false when the context ended.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewDispatcher wires a dispatcher. sink may be nil, in which case every
// claimed event produces an integration-error record instead of a delivery.
// maxRetries bounds how many times a failing event is reverted for re-claim;
// 0 means unbounded.
func NewDispatcher(store Store, sink Sink, logger log.Logger, m *Metrics, batchSize, maxRetries int) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Dispatcher{
		store:      store,
		sink:       sink,
		logger:     logger,
		metrics:    m,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		sleep:      sleepCtx,
	}
}

// RunOnce claims and processes one batch. Returns the number of events
// claimed; zero means no pending work. Per-event failures are absorbed;
// only a failed claim surfaces as an error.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	events, err := d.store.ClaimBatch(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if d.metrics != nil && len(events) > 0 {
		d.metrics.BatchSize.Observe(float64(len(events)))
	}

	for i := range events {
		d.dispatchEvent(ctx, &events[i])
	}
	return len(events), nil
}

// dispatchEvent delivers one claimed event. On failure the claim reverts
// (retry count +1) unless the event has exhausted its retry budget, in which
// case it is recorded to the integration-error sink and left claimed so it
// is never re-claimed. Events are never deleted.
func (d *Dispatcher) dispatchEvent(ctx context.Context, ev *Event) {
	L := d.logger.With("event_id", ev.ID, "event_type", ev.Type, "retry_count", ev.RetryCount)

	if d.sink == nil {
		L.Warn(ctx, "no delivery sink configured, recording integration error")
		if err := d.store.RecordIntegrationError(ctx, "outbox_dispatcher", fmt.Sprint(ev.ID),
			"no delivery sink configured", fmt.Sprintf(`{"type":%q}`, ev.Type)); err != nil {
			L.Error(ctx, err, "record integration error failed")
		}
		if d.metrics != nil {
			d.metrics.EventsTotal.WithLabelValues("unrouted").Inc()
		}
		return
	}

	dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	start := time.Now()
	err := d.sink.Deliver(dctx, ev)
	if d.metrics != nil {
		d.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}

	if err == nil {
		L.Info(ctx, "outbox event delivered", "target", d.sink.Target())
		if d.metrics != nil {
			d.metrics.EventsTotal.WithLabelValues("delivered").Inc()
		}
		return
	}

	L.Error(ctx, err, "outbox delivery failed", "target", d.sink.Target())

	if d.maxRetries > 0 && ev.RetryCount >= d.maxRetries {
		L.Warn(ctx, "retry budget exhausted, dead-lettering event", "max_retries", d.maxRetries)
		if recErr := d.store.RecordIntegrationError(ctx, "outbox_dispatcher", fmt.Sprint(ev.ID),
			"retry limit exceeded", err.Error()); recErr != nil {
			L.Error(ctx, recErr, "record integration error failed")
		}
		if d.metrics != nil {
			d.metrics.EventsTotal.WithLabelValues("dead_letter").Inc()
		}
		return
	}

	if revErr := d.store.RevertClaim(ctx, ev.ID); revErr != nil {
		L.Error(ctx, revErr, "revert claim failed")
	}
	if d.metrics != nil {
		d.metrics.EventsTotal.WithLabelValues("retried").Inc()
	}
}

// Run repeats claim+deliver until the context ends. An empty claim sleeps
// the full poll interval and resets the failure counter; a cycle-level error
// sleeps an exponential backoff. A cycle that found work loops immediately.
func (d *Dispatcher) Run(ctx context.Context, pollInterval time.Duration) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			d.logger.Info(ctx, "outbox dispatcher stopped")
			return
		}

		n, err := d.RunOnce(ctx)
		switch {
		case err != nil:
			d.logger.Error(ctx, err, "dispatch cycle failed", "attempt", attempt)
			if d.metrics != nil {
				d.metrics.CycleErrors.Inc()
			}
			if !d.sleep(ctx, Backoff(attempt)) {
				return
			}
			attempt++
		case n == 0:
			attempt = 0
			if !d.sleep(ctx, pollInterval) {
				return
			}
		default:
			attempt = 0
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
