package source

import (
	"context"
	"errors"
	"testing"

	"github.com/linnemanlabs/go-core/log"
)

// fakeCatalog implements Catalog for registry tests.
type fakeCatalog struct {
	sources []MonitorSource
	listErr error
}

func (f *fakeCatalog) ListActiveSources(context.Context) ([]MonitorSource, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.sources, nil
}

func (f *fakeCatalog) RecordPollHealth(context.Context, int64, bool, float64) error {
	return nil
}

func (f *fakeCatalog) LookupDeviceMappings(context.Context, int64) ([]string, error) {
	return nil, nil
}

func TestRegistry_RefreshPublishesSnapshot(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{sources: []MonitorSource{
		{ID: 2, Vendor: "TempTicks"},
		{ID: 1, Vendor: "Insight360"},
	}}
	r := NewRegistry(cat, log.Nop())

	if r.Len() != 0 {
		t.Fatalf("Len before refresh = %d, want 0", r.Len())
	}

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	if s, ok := r.Get(1); !ok || s.Vendor != "Insight360" {
		t.Errorf("Get(1) = %+v, %v", s, ok)
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ID != 1 || snap[1].ID != 2 {
		t.Errorf("Snapshot not ordered by id: %+v", snap)
	}
}

func TestRegistry_FailedRefreshRetainsPriorSnapshot(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{sources: []MonitorSource{{ID: 5, Vendor: "FranklinMonitors"}}}
	r := NewRegistry(cat, log.Nop())

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	cat.listErr = errors.New("catalog unavailable")
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected error from failed refresh")
	}

	if r.Len() != 1 {
		t.Errorf("Len after failed refresh = %d, want 1 (prior snapshot)", r.Len())
	}
	if _, ok := r.Get(5); !ok {
		t.Error("prior snapshot lost after failed refresh")
	}
}

func TestRegistry_RefreshReplacesRemovedSources(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{sources: []MonitorSource{{ID: 1}, {ID: 2}}}
	r := NewRegistry(cat, log.Nop())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	cat.sources = []MonitorSource{{ID: 2}}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, ok := r.Get(1); ok {
		t.Error("deactivated source still present after refresh")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestFoldLatency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		avg    float64
		sample float64
		want   float64
	}{
		{"first sample adopted", 0, 120, 120},
		{"weighted fold", 100, 200, 110},
		{"stable when equal", 50, 50, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FoldLatency(tt.avg, tt.sample); got != tt.want {
				t.Errorf("FoldLatency(%v, %v) = %v, want %v", tt.avg, tt.sample, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		errors int
		want   Health
	}{
		{0, HealthHealthy},
		{1, HealthDegraded},
		{2, HealthDegraded},
		{3, HealthFailed},
		{10, HealthFailed},
	}

	for _, tt := range tests {
		if got := Classify(tt.errors); got != tt.want {
			t.Errorf("Classify(%d) = %q, want %q", tt.errors, got, tt.want)
		}
	}
}
