package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/opsrelay/internal/source"
)

// ListActiveSources returns every active source with its health fields. The
// legacy layout has no vendor tag, so there the catalog name doubles as the
// vendor identifier (that is how legacy rows were dispatched).
func (s *Store) ListActiveSources(ctx context.Context) ([]source.MonitorSource, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListActiveSources", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var (
		sources []source.MonitorSource
		err     error
	)
	if s.shape == shapeLegacy {
		sources, err = s.listActiveLegacy(ctx)
	} else {
		sources, err = s.listActiveCurrent(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("catalog.sources", len(sources)))
	return sources, nil
}

func (s *Store) listActiveCurrent(ctx context.Context) ([]source.MonitorSource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, vendor, base_url, auth_type, auth_config,
		       poll_interval_seconds, health_status, consecutive_errors,
		       avg_latency_ms, last_poll_at, last_error_at
		FROM monitor_sources
		WHERE is_active
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var sources []source.MonitorSource
	for rows.Next() {
		var (
			src         source.MonitorSource
			authType    string
			authJSON    []byte
			intervalSec int
			health      string
			lastPoll    *time.Time
			lastError   *time.Time
		)
		if err := rows.Scan(
			&src.ID, &src.Name, &src.Vendor, &src.BaseURL, &authType, &authJSON,
			&intervalSec, &health, &src.ConsecutiveErrors,
			&src.AvgResponseMS, &lastPoll, &lastError,
		); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}

		src.AuthType = source.AuthType(authType)
		src.Health = source.Health(health)
		src.PollInterval = time.Duration(intervalSec) * time.Second
		if err := unmarshalAuthConfig(authJSON, &src.Auth); err != nil {
			return nil, fmt.Errorf("source %d: %w", src.ID, err)
		}
		if lastPoll != nil {
			src.LastPollAt = *lastPoll
		}
		if lastError != nil {
			src.LastErrorAt = *lastError
		}

		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}

func (s *Store) listActiveLegacy(ctx context.Context) ([]source.MonitorSource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_id, name, api_base_url, auth_type, auth_config,
		       polling_interval_seconds, last_poll_at
		FROM monitor_sources
		WHERE is_active
		ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("query legacy sources: %w", err)
	}
	defer rows.Close()

	var sources []source.MonitorSource
	for rows.Next() {
		var (
			src         source.MonitorSource
			authType    string
			authJSON    []byte
			intervalSec int
			lastPoll    *time.Time
		)
		if err := rows.Scan(
			&src.ID, &src.Name, &src.BaseURL, &authType, &authJSON,
			&intervalSec, &lastPoll,
		); err != nil {
			return nil, fmt.Errorf("scan legacy source: %w", err)
		}

		src.Vendor = src.Name
		src.AuthType = source.AuthType(authType)
		src.Health = source.HealthHealthy
		src.PollInterval = time.Duration(intervalSec) * time.Second
		if err := unmarshalAuthConfig(authJSON, &src.Auth); err != nil {
			return nil, fmt.Errorf("source %d: %w", src.ID, err)
		}
		if lastPoll != nil {
			src.LastPollAt = *lastPoll
		}

		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legacy sources: %w", err)
	}
	return sources, nil
}

// RecordPollHealth folds one poll outcome into the stored health fields in a
// single statement so concurrent workers never interleave partial updates.
// Latency only folds on success; a failed poll says nothing about speed.
// The legacy layout has no health columns, so there only the last-poll
// timestamp advances, and only on success.
func (s *Store) RecordPollHealth(ctx context.Context, sourceID int64, success bool, latencyMS float64) error {
	ctx, span := tracer.Start(ctx, "pgstore.RecordPollHealth", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
		attribute.Int64("source.id", sourceID),
		attribute.Bool("poll.success", success),
	))
	defer span.End()

	var err error
	if s.shape == shapeLegacy {
		if success {
			_, err = s.pool.Exec(ctx,
				`UPDATE monitor_sources SET last_poll_at = now() WHERE source_id = $1`,
				sourceID)
		}
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE monitor_sources SET
				last_poll_at = now(),
				last_error_at = CASE WHEN $2 THEN last_error_at ELSE now() END,
				consecutive_errors = CASE WHEN $2 THEN 0 ELSE consecutive_errors + 1 END,
				avg_latency_ms = CASE
					WHEN NOT $2 THEN avg_latency_ms
					WHEN avg_latency_ms = 0 THEN $3
					ELSE 0.9 * avg_latency_ms + 0.1 * $3
				END,
				health_status = CASE
					WHEN $2 THEN 'Healthy'
					WHEN consecutive_errors + 1 <= 2 THEN 'Degraded'
					ELSE 'Failed'
				END
			WHERE id = $1`,
			sourceID, success, latencyMS)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("record poll health: %w", err)
	}
	return nil
}

// LookupDeviceMappings returns the external device ids mapped to a source.
func (s *Store) LookupDeviceMappings(ctx context.Context, sourceID int64) ([]string, error) {
	ctx, span := tracer.Start(ctx, "pgstore.LookupDeviceMappings", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.Int64("source.id", sourceID),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT external_id
		FROM monitor_asset_mappings
		WHERE source_id = $1
		ORDER BY external_id`,
		sourceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var deviceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		deviceIDs = append(deviceIDs, id)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return deviceIDs, nil
}

func unmarshalAuthConfig(raw []byte, cfg *source.AuthConfig) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("unmarshal auth_config: %w", err)
	}
	return nil
}
