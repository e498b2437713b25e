// Package alert defines the canonical, vendor-agnostic alert record and the
// content hash used as its deduplication key.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Severity is the normalized alert severity scale.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Normalized is the canonical alert shape every vendor adapter maps into.
// RawData carries the vendor payload verbatim for downstream forensics.
type Normalized struct {
	SourceID        int64           `json:"source_id"`
	ExternalID      string          `json:"external_id"`
	ExternalAssetID string          `json:"external_asset_id"`
	AlertType       string          `json:"alert_type"`
	Severity        Severity        `json:"severity"`
	Message         string          `json:"message"`
	RawData         json.RawMessage `json:"raw_data"`
}

// hashSep separates hash fields so adjacent values can't collide
// ("ab"+"c" vs "a"+"bc").
const hashSep = "\x1f"

// ContentHash returns the dedup signature for a normalized alert.
//
// The digest covers only (source id, external asset id, alert type, message)
// so that repeated polls of the same unresolved condition produce the same
// hash. Timestamps, nonces, and anything else buried in RawData or
// ExternalID must never feed into it.
func ContentHash(a *Normalized) string {
	h := sha256.New()
	h.Write(appendInt64(nil, a.SourceID))
	h.Write([]byte(hashSep))
	h.Write([]byte(a.ExternalAssetID))
	h.Write([]byte(hashSep))
	h.Write([]byte(a.AlertType))
	h.Write([]byte(hashSep))
	h.Write([]byte(a.Message))
	return hex.EncodeToString(h.Sum(nil))
}

func appendInt64(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v >= 10 {
		b = appendInt64(b, v/10)
	}
	return append(b, byte('0'+v%10))
}
