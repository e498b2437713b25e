// Package source defines monitor-source configuration, per-source health
// state, and the registry that publishes catalog snapshots to the poller.
package source

import (
	"context"
	"time"
)

// AuthType selects how requests to a vendor API are authenticated.
type AuthType string

const (
	AuthAPIKey AuthType = "ApiKey"
	AuthBasic  AuthType = "Basic"
	AuthOAuth2 AuthType = "OAuth2"
)

// Health classifies a source by its recent poll outcomes.
type Health string

const (
	HealthHealthy  Health = "Healthy"
	HealthDegraded Health = "Degraded"
	HealthFailed   Health = "Failed"
)

// AuthConfig is the union of per-auth-type settings stored in the catalog's
// auth_config JSON column. Only the fields for the source's AuthType are set.
type AuthConfig struct {
	// ApiKey
	HeaderName string `json:"header_name,omitempty"`
	Key        string `json:"key,omitempty"`

	// Basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// OAuth2 client credentials. TokenURL is relative to the source base URL
	// when it has no scheme.
	TokenURL     string `json:"token_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// MonitorSource is one vendor monitoring API registered in the catalog.
// Config fields are read-only per cycle; health fields are mutated through
// Catalog.RecordPollHealth after every poll attempt.
type MonitorSource struct {
	ID           int64
	Name         string
	Vendor       string
	BaseURL      string
	AuthType     AuthType
	Auth         AuthConfig
	PollInterval time.Duration

	Health            Health
	ConsecutiveErrors int
	AvgResponseMS     float64
	LastPollAt        time.Time
	LastErrorAt       time.Time
}

// Catalog is the persistent store the registry and pipeline read and write.
type Catalog interface {
	// ListActiveSources returns every active source, both config and
	// current health fields.
	ListActiveSources(ctx context.Context) ([]MonitorSource, error)

	// RecordPollHealth folds one poll outcome into the source's stored
	// health: last-poll timestamp, consecutive error counter, EWMA latency,
	// and the derived health classification.
	RecordPollHealth(ctx context.Context, sourceID int64, success bool, latencyMS float64) error

	// LookupDeviceMappings returns the external device ids mapped to a
	// source (device-status vendors poll one request per device).
	LookupDeviceMappings(ctx context.Context, sourceID int64) ([]string, error)
}

// latency EWMA weights: heavily smoothed so one slow poll doesn't swing the
// rolling average.
const (
	ewmaOld = 0.9
	ewmaNew = 0.1
)

// FoldLatency folds a new latency sample into the rolling average.
// A zero prior average means "no samples yet" and adopts the sample as-is.
func FoldLatency(avgMS, sampleMS float64) float64 {
	if avgMS == 0 {
		return sampleMS
	}
	return ewmaOld*avgMS + ewmaNew*sampleMS
}

// Classify maps a consecutive-error count to a health state:
// 0 errors Healthy, 1-2 Degraded, 3 or more Failed.
func Classify(consecutiveErrors int) Health {
	switch {
	case consecutiveErrors == 0:
		return HealthHealthy
	case consecutiveErrors <= 2:
		return HealthDegraded
	default:
		return HealthFailed
	}
}
