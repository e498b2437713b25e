package ingest

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/opsrelay/internal/source"
	"github.com/linnemanlabs/opsrelay/internal/vendor"
)

const defaultPollTimeout = 30 * time.Second

// Pipeline drives one ingestion cycle: snapshot the registry, poll each
// source through its adapter, gate every alert, record health.
type Pipeline struct {
	registry    *source.Registry
	adapters    *vendor.Registry
	gate        *Gate
	catalog     source.Catalog
	health      *HealthTracker
	logger      log.Logger
	metrics     *Metrics
	pollTimeout time.Duration
}

// NewPipeline wires the pipeline. pollTimeout bounds each source's adapter
// poll (including per-device loops); zero selects the default.
func NewPipeline(
	registry *source.Registry,
	adapters *vendor.Registry,
	gate *Gate,
	catalog source.Catalog,
	health *HealthTracker,
	logger log.Logger,
	m *Metrics,
	pollTimeout time.Duration,
) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return &Pipeline{
		registry:    registry,
		adapters:    adapters,
		gate:        gate,
		catalog:     catalog,
		health:      health,
		logger:      logger,
		metrics:     m,
		pollTimeout: pollTimeout,
	}
}

// Health exposes the in-memory health mirror for the status API.
func (p *Pipeline) Health() *HealthTracker { return p.health }

// RunCycle polls every source in the current registry snapshot. Source
// failures are recorded against that source only; the cycle always visits
// the full snapshot unless the context is canceled.
func (p *Pipeline) RunCycle(ctx context.Context) {
	cycleID := ulid.Make().String()
	L := p.logger.With("cycle_id", cycleID)

	start := time.Now()
	sources := p.registry.Snapshot()

	for _, src := range sources {
		if ctx.Err() != nil {
			L.Warn(ctx, "ingestion cycle interrupted", "next_source_id", src.ID)
			return
		}
		p.PollSource(ctx, src)
	}

	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.CycleDuration.Observe(elapsed.Seconds())
	}
	L.Info(ctx, "ingestion cycle complete",
		"sources", len(sources),
		"duration", elapsed.Seconds(),
	)
}

// PollSource polls one source and gates its alerts. All errors are absorbed
// here: an unknown vendor is a logged skip, adapter and store failures are
// recorded against the source's health.
func (p *Pipeline) PollSource(ctx context.Context, src source.MonitorSource) {
	L := p.logger.With("source_id", src.ID, "vendor", src.Vendor)

	adapter, ok := p.adapters.Lookup(src.Vendor)
	if !ok {
		L.Warn(ctx, "no adapter registered for vendor")
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	start := time.Now()
	alerts, err := adapter.Poll(pollCtx, src)
	latencyMS := float64(time.Since(start).Milliseconds())

	if err != nil {
		L.Error(ctx, err, "source poll failed", "latency_ms", latencyMS)
		if p.metrics != nil {
			p.metrics.PollsTotal.WithLabelValues(src.Vendor, "error").Inc()
		}
		p.recordHealth(ctx, L, src, false, latencyMS)
		return
	}

	admitted, suppressed, failed := 0, 0, 0
	for i := range alerts {
		ok, err := p.gate.Admit(ctx, &alerts[i])
		switch {
		case err != nil:
			// One alert's failure must not drop the rest of the batch.
			failed++
			L.Error(ctx, err, "alert admission failed",
				"external_id", alerts[i].ExternalID,
				"alert_type", alerts[i].AlertType,
			)
			if p.metrics != nil {
				p.metrics.AlertsFailed.WithLabelValues(src.Vendor).Inc()
			}
		case ok:
			admitted++
			if p.metrics != nil {
				p.metrics.AlertsAdmitted.WithLabelValues(src.Vendor).Inc()
			}
		default:
			suppressed++
		}
	}

	if p.metrics != nil {
		p.metrics.PollsTotal.WithLabelValues(src.Vendor, "ok").Inc()
		p.metrics.PollDuration.WithLabelValues(src.Vendor).Observe(time.Since(start).Seconds())
	}
	p.recordHealth(ctx, L, src, true, latencyMS)

	L.Info(ctx, "source polled",
		"alerts", len(alerts),
		"admitted", admitted,
		"suppressed", suppressed,
		"failed", failed,
		"latency_ms", latencyMS,
	)
}

// recordHealth updates the in-memory mirror and the durable catalog copy. A
// catalog write failure is logged and absorbed; health bookkeeping must not
// fail a poll that already succeeded.
func (p *Pipeline) recordHealth(ctx context.Context, L log.Logger, src source.MonitorSource, success bool, latencyMS float64) {
	h := p.health.Observe(src, success, latencyMS, time.Now().UTC())
	if p.metrics != nil {
		p.metrics.ConsecutiveErrors.WithLabelValues(src.Name, src.Vendor).Set(float64(h.ConsecutiveErrors))
	}

	if err := p.catalog.RecordPollHealth(ctx, src.ID, success, latencyMS); err != nil {
		L.Error(ctx, err, "record poll health failed")
	}
}
