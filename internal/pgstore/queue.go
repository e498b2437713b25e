package pgstore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/opsrelay/internal/alert"
)

// Insert writes one admitted alert to the queue, carrying the content hash
// so the duplicate predicate and downstream consumers share the dedup key.
func (s *Store) Insert(ctx context.Context, a *alert.Normalized, hash string) error {
	ctx, span := tracer.Start(ctx, "pgstore.Insert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
		attribute.Int64("source.id", a.SourceID),
		attribute.String("alert.type", a.AlertType),
	))
	defer span.End()

	raw := []byte(a.RawData)
	if len(raw) == 0 {
		raw = nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_queue (
			source_id, external_id, external_asset_id,
			alert_type, severity, message, raw_data, content_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.SourceID, a.ExternalID, a.ExternalAssetID,
		a.AlertType, string(a.Severity), a.Message, raw, hash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// CheckThrottle consults the operator-owned throttle predicate.
func (s *Store) CheckThrottle(ctx context.Context, sourceID int64, alertType string) (bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.CheckThrottle", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.Int64("source.id", sourceID),
	))
	defer span.End()

	var throttled bool
	err := s.pool.QueryRow(ctx,
		`SELECT ops_should_throttle($1, $2)`,
		sourceID, alertType).Scan(&throttled)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("check throttle: %w", err)
	}
	return throttled, nil
}

// CheckDuplicate consults the operator-owned duplicate predicate with the
// full payload and the content hash.
func (s *Store) CheckDuplicate(ctx context.Context, sourceID int64, alertType string, payload []byte, hash string) (bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.CheckDuplicate", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.Int64("source.id", sourceID),
	))
	defer span.End()

	if len(payload) == 0 {
		payload = nil
	}

	var dup bool
	err := s.pool.QueryRow(ctx,
		`SELECT ops_is_duplicate($1, $2, $3, $4)`,
		sourceID, alertType, payload, hash).Scan(&dup)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return dup, nil
}
