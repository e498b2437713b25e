// Package ingest orchestrates alert ingestion: it walks the source registry
// snapshot each cycle, polls every source through its vendor adapter, passes
// each normalized alert through the dedup-throttle gate, and records
// per-source health after every attempt. One failing source or alert never
// takes down the rest of a cycle.
package ingest
