package source

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/linnemanlabs/go-core/log"
)

// Registry caches the active source set in memory. Refresh builds a complete
// replacement map off to the side and publishes it with one atomic swap, so
// readers never observe a partially populated map and a failed catalog read
// never clobbers the last good snapshot.
type Registry struct {
	catalog Catalog
	logger  log.Logger
	sources atomic.Pointer[map[int64]MonitorSource]
}

// NewRegistry creates a registry with an empty initial snapshot.
func NewRegistry(catalog Catalog, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Registry{catalog: catalog, logger: logger}
	empty := map[int64]MonitorSource{}
	r.sources.Store(&empty)
	return r
}

// Refresh reloads the active source set from the catalog. On error the
// previously published snapshot stays in effect.
func (r *Registry) Refresh(ctx context.Context) error {
	list, err := r.catalog.ListActiveSources(ctx)
	if err != nil {
		return fmt.Errorf("refresh sources: %w", err)
	}

	next := make(map[int64]MonitorSource, len(list))
	for _, s := range list {
		next[s.ID] = s
	}
	r.sources.Store(&next)

	r.logger.Info(ctx, "source registry refreshed", "sources", len(next))
	return nil
}

// Get returns the source with the given id from the current snapshot.
func (r *Registry) Get(id int64) (MonitorSource, bool) {
	s, ok := (*r.sources.Load())[id]
	return s, ok
}

// Snapshot returns the current source set ordered by id. The order is stable
// within a snapshot; no ordering is guaranteed across refreshes.
func (r *Registry) Snapshot() []MonitorSource {
	m := *r.sources.Load()
	out := make([]MonitorSource, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of sources in the current snapshot.
func (r *Registry) Len() int {
	return len(*r.sources.Load())
}
