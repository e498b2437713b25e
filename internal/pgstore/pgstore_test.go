package pgstore_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/opsrelay/internal/alert"
	"github.com/linnemanlabs/opsrelay/internal/pgstore"
	"github.com/linnemanlabs/opsrelay/internal/source"
)

func openStore(t *testing.T) (*pgstore.Store, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("OPSRELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("OPSRELAY_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool, "test-worker")
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s, pool
}

func seedSource(t *testing.T, pool *pgxpool.Pool, vendor string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO monitor_sources (name, vendor, base_url, auth_type, auth_config)
		VALUES ($1, $2, 'https://api.example.com', 'ApiKey', '{"header_name":"X-Api-Key","key":"k"}')
		RETURNING id`,
		"test-"+vendor, vendor).Scan(&id)
	if err != nil {
		t.Fatalf("seed source: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM monitor_sources WHERE id = $1`, id)
		_, _ = pool.Exec(context.Background(), `DELETE FROM alert_queue WHERE source_id = $1`, id)
		_, _ = pool.Exec(context.Background(), `DELETE FROM monitor_asset_mappings WHERE source_id = $1`, id)
	})
	return id
}

func TestListActiveSources(t *testing.T) {
	s, pool := openStore(t)
	ctx := context.Background()

	id := seedSource(t, pool, "Insight360")

	sources, err := s.ListActiveSources(ctx)
	if err != nil {
		t.Fatalf("ListActiveSources: %v", err)
	}

	var got *source.MonitorSource
	for i := range sources {
		if sources[i].ID == id {
			got = &sources[i]
		}
	}
	if got == nil {
		t.Fatalf("seeded source %d not listed", id)
	}
	if got.Vendor != "Insight360" {
		t.Errorf("Vendor = %q", got.Vendor)
	}
	if got.AuthType != source.AuthAPIKey {
		t.Errorf("AuthType = %q", got.AuthType)
	}
	if got.Auth.HeaderName != "X-Api-Key" || got.Auth.Key != "k" {
		t.Errorf("Auth = %+v", got.Auth)
	}
	if got.Health != source.HealthHealthy {
		t.Errorf("Health = %q, want Healthy for a fresh source", got.Health)
	}
	if got.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want default 60s", got.PollInterval)
	}
}

func TestRecordPollHealth_FailureRunEndsInFailed(t *testing.T) {
	s, pool := openStore(t)
	ctx := context.Background()

	id := seedSource(t, pool, "FranklinMonitors")

	for i := 0; i < 3; i++ {
		if err := s.RecordPollHealth(ctx, id, false, 0); err != nil {
			t.Fatalf("RecordPollHealth failure %d: %v", i, err)
		}
	}

	var health string
	var errs int
	if err := pool.QueryRow(ctx,
		`SELECT health_status, consecutive_errors FROM monitor_sources WHERE id = $1`,
		id).Scan(&health, &errs); err != nil {
		t.Fatalf("read health: %v", err)
	}
	if health != "Failed" || errs != 3 {
		t.Errorf("after 3 failures: health = %q errors = %d, want Failed/3", health, errs)
	}

	// One success resets the counter and restores Healthy; the first latency
	// sample is adopted as-is.
	if err := s.RecordPollHealth(ctx, id, true, 120); err != nil {
		t.Fatalf("RecordPollHealth success: %v", err)
	}
	var avg float64
	if err := pool.QueryRow(ctx,
		`SELECT health_status, consecutive_errors, avg_latency_ms FROM monitor_sources WHERE id = $1`,
		id).Scan(&health, &errs, &avg); err != nil {
		t.Fatalf("read health: %v", err)
	}
	if health != "Healthy" || errs != 0 {
		t.Errorf("after success: health = %q errors = %d, want Healthy/0", health, errs)
	}
	if avg != 120 {
		t.Errorf("avg_latency_ms = %v, want 120", avg)
	}

	// Second sample folds 0.9/0.1.
	if err := s.RecordPollHealth(ctx, id, true, 220); err != nil {
		t.Fatalf("RecordPollHealth success: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`SELECT avg_latency_ms FROM monitor_sources WHERE id = $1`, id).Scan(&avg); err != nil {
		t.Fatalf("read avg: %v", err)
	}
	if avg < 129.9 || avg > 130.1 {
		t.Errorf("avg_latency_ms = %v, want ~130", avg)
	}
}

func TestLookupDeviceMappings(t *testing.T) {
	s, pool := openStore(t)
	ctx := context.Background()

	id := seedSource(t, pool, "TeamViewer")
	for _, dev := range []string{"dev-b", "dev-a"} {
		if _, err := pool.Exec(ctx,
			`INSERT INTO monitor_asset_mappings (source_id, external_id) VALUES ($1, $2)`,
			id, dev); err != nil {
			t.Fatalf("seed mapping: %v", err)
		}
	}

	devices, err := s.LookupDeviceMappings(ctx, id)
	if err != nil {
		t.Fatalf("LookupDeviceMappings: %v", err)
	}
	if len(devices) != 2 || devices[0] != "dev-a" || devices[1] != "dev-b" {
		t.Errorf("devices = %v, want [dev-a dev-b]", devices)
	}
}

func TestInsertAndDuplicatePredicate(t *testing.T) {
	s, pool := openStore(t)
	ctx := context.Background()

	id := seedSource(t, pool, "TempTicks")

	a := &alert.Normalized{
		SourceID:        id,
		ExternalID:      "ta-1",
		ExternalAssetID: "sensor-9",
		AlertType:       "TemperatureAlert",
		Severity:        alert.SeverityHigh,
		Message:         "Temperature 84.2°F exceeds threshold",
		RawData:         json.RawMessage(`{"sensor_id":"sensor-9","temp":84.2}`),
	}
	hash := alert.ContentHash(a)

	dup, err := s.CheckDuplicate(ctx, id, a.AlertType, a.RawData, hash)
	if err != nil {
		t.Fatalf("CheckDuplicate: %v", err)
	}
	if dup {
		t.Fatal("fresh alert reported as duplicate")
	}

	if err := s.Insert(ctx, a, hash); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dup, err = s.CheckDuplicate(ctx, id, a.AlertType, a.RawData, hash)
	if err != nil {
		t.Fatalf("CheckDuplicate: %v", err)
	}
	if !dup {
		t.Error("inserted alert not reported as duplicate")
	}

	throttled, err := s.CheckThrottle(ctx, id, a.AlertType)
	if err != nil {
		t.Fatalf("CheckThrottle: %v", err)
	}
	if throttled {
		t.Error("one alert should not trip the default throttle window")
	}
}

func TestOutboxClaimRevertCycle(t *testing.T) {
	s, pool := openStore(t)
	ctx := context.Background()

	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO outbox (event_type, payload)
		VALUES ('ticket.created', '{"ticket_id":1}')
		RETURNING id`).Scan(&id)
	if err != nil {
		t.Fatalf("seed outbox: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM outbox WHERE id = $1`, id)
	})

	events, err := s.ClaimBatch(ctx, 100)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	var claimed bool
	for _, ev := range events {
		if ev.ID == id {
			claimed = true
			if ev.Type != "ticket.created" {
				t.Errorf("Type = %q", ev.Type)
			}
			if ev.RetryCount != 0 {
				t.Errorf("RetryCount = %d", ev.RetryCount)
			}
		}
	}
	if !claimed {
		t.Fatal("seeded event not claimed")
	}

	// Claimed rows are invisible to a second claim.
	events, err = s.ClaimBatch(ctx, 100)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	for _, ev := range events {
		if ev.ID == id {
			t.Fatal("event claimed twice without an intervening revert")
		}
	}

	if err := s.RevertClaim(ctx, id); err != nil {
		t.Fatalf("RevertClaim: %v", err)
	}

	var published bool
	var retries int
	if err := pool.QueryRow(ctx,
		`SELECT published, retry_count FROM outbox WHERE id = $1`, id).Scan(&published, &retries); err != nil {
		t.Fatalf("read outbox row: %v", err)
	}
	if published {
		t.Error("reverted event still marked published")
	}
	if retries != 1 {
		t.Errorf("retry_count = %d, want 1", retries)
	}
}

func TestRecordIntegrationError(t *testing.T) {
	s, pool := openStore(t)
	ctx := context.Background()

	refID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	if err := s.RecordIntegrationError(ctx, "outbox_dispatcher", refID, "retry limit exceeded", "sink returned 502"); err != nil {
		t.Fatalf("RecordIntegrationError: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM integration_errors WHERE ref_id = $1`, refID)
	})

	var message string
	if err := pool.QueryRow(ctx,
		`SELECT message FROM integration_errors WHERE ref_id = $1`, refID).Scan(&message); err != nil {
		t.Fatalf("read integration error: %v", err)
	}
	if message != "retry limit exceeded" {
		t.Errorf("message = %q", message)
	}
}
