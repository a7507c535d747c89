package telemetry

import (
	"encoding/json"
	"time"
)

// Source identifies which feed produced an event.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// UnknownSatellite is the sentinel identifier used when a payload carries
// no satellite name or catalog id.
const UnknownSatellite = "Unknown"

// Signal carries the optional link-quality metrics of a reception.
type Signal struct {
	RSSI      *float64 `json:"rssi,omitempty"`
	SNR       *float64 `json:"snr,omitempty"`
	Frequency *float64 `json:"frequency,omitempty"`
}

// Event is the canonical telemetry record, one per sample, independent of
// source. Raw is the original payload untouched; every other field is
// derived from it deterministically.
type Event struct {
	Source       Source                 `json:"source"`
	Timestamp    time.Time              `json:"timestamp"`
	SatelliteID  string                 `json:"satelliteId"`
	Signal       *Signal                `json:"signal,omitempty"`
	SourceFields map[string]interface{} `json:"sourceFields,omitempty"`
	Raw          json.RawMessage        `json:"raw"`
}
