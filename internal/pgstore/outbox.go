package pgstore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/opsrelay/internal/outbox"
)

// ClaimBatch atomically marks up to limit unclaimed events as published and
// returns them. Select-and-mark happens in one statement; SKIP LOCKED keeps
// concurrent workers from blocking on (or double-claiming) each other's rows.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]outbox.Event, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ClaimBatch", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
		attribute.Int("outbox.limit", limit),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		UPDATE outbox
		SET published = TRUE, claimed_by = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE NOT published
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, payload, retry_count, created_at`,
		limit, s.workerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var ev outbox.Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Payload, &ev.RetryCount, &ev.CreatedAt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	span.SetAttributes(attribute.Int("outbox.claimed", len(events)))
	return events, nil
}

// RevertClaim unclaims an event and increments its retry count, making it
// eligible for the next cycle.
func (s *Store) RevertClaim(ctx context.Context, eventID int64) error {
	ctx, span := tracer.Start(ctx, "pgstore.RevertClaim", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
		attribute.Int64("outbox.event_id", eventID),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET published = FALSE, claimed_by = NULL, retry_count = retry_count + 1
		WHERE id = $1`,
		eventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("revert claim: %w", err)
	}
	return nil
}

// RecordIntegrationError writes a durable error record.
func (s *Store) RecordIntegrationError(ctx context.Context, source, refID, message, details string) error {
	ctx, span := tracer.Start(ctx, "pgstore.RecordIntegrationError", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
		attribute.String("error.source", source),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO integration_errors (source, ref_id, message, details)
		VALUES ($1, $2, $3, $4)`,
		source, refID, message, details)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("record integration error: %w", err)
	}
	return nil
}
