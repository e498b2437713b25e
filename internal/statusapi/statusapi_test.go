package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/opsrelay/internal/ingest"
	"github.com/linnemanlabs/opsrelay/internal/source"
)

type staticHealth struct {
	snapshot []ingest.SourceHealth
}

func (s *staticHealth) Snapshot() []ingest.SourceHealth { return s.snapshot }

func newRouter(health HealthSource, vendors []string) http.Handler {
	r := chi.NewRouter()
	New(nil, health, vendors).RegisterRoutes(r)
	return r
}

func TestListSources(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := newRouter(&staticHealth{snapshot: []ingest.SourceHealth{
		{
			SourceID:      1,
			Name:          "hq-insight",
			Vendor:        "Insight360",
			Health:        source.HealthHealthy,
			AvgResponseMS: 140,
			LastPollAt:    at,
		},
		{
			SourceID:          2,
			Name:              "warehouse-temps",
			Vendor:            "TempTicks",
			Health:            source.HealthDegraded,
			ConsecutiveErrors: 2,
			LastPollAt:        at,
			LastErrorAt:       at,
		},
	}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sources", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Sources []ingest.SourceHealth `json:"sources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(resp.Sources))
	}
	if resp.Sources[0].Vendor != "Insight360" || resp.Sources[0].Health != source.HealthHealthy {
		t.Errorf("source[0] = %+v", resp.Sources[0])
	}
	if resp.Sources[1].ConsecutiveErrors != 2 || resp.Sources[1].Health != source.HealthDegraded {
		t.Errorf("source[1] = %+v", resp.Sources[1])
	}
}

func TestListSources_EmptyIsArrayNotNull(t *testing.T) {
	t.Parallel()

	h := newRouter(&staticHealth{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sources", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(resp["sources"]) != "[]" {
		t.Errorf("sources = %s, want []", resp["sources"])
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	h := newRouter(&staticHealth{snapshot: []ingest.SourceHealth{
		{SourceID: 1, Health: source.HealthHealthy},
		{SourceID: 2, Health: source.HealthHealthy},
		{SourceID: 3, Health: source.HealthFailed},
	}}, []string{"FranklinMonitors", "Insight360", "TeamViewer", "TempTicks"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Vendors      []string       `json:"vendors"`
		Sources      int            `json:"sources"`
		HealthCounts map[string]int `json:"health_counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Vendors) != 4 {
		t.Errorf("vendors = %v", resp.Vendors)
	}
	if resp.Sources != 3 {
		t.Errorf("sources = %d, want 3", resp.Sources)
	}
	if resp.HealthCounts["Healthy"] != 2 || resp.HealthCounts["Failed"] != 1 {
		t.Errorf("health_counts = %v", resp.HealthCounts)
	}
}
