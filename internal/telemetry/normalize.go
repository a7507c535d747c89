package telemetry

import (
	"encoding/json"
	"strconv"
	"time"
)

// pushPacket is the expected shape of a broker message. All fields are
// optional; norad_id appears as either a string or a number in the wild.
type pushPacket struct {
	Satellite string      `json:"satellite"`
	NoradID   interface{} `json:"norad_id"`
	RSSI      *float64    `json:"rssi"`
	SNR       *float64    `json:"snr"`
	Frequency *float64    `json:"frequency"`
}

// Observation is one recorded reception session as reported by the poll
// source. norad_cat_id is numeric in current API responses but has been a
// string historically.
type Observation struct {
	ID          int64       `json:"id"`
	NoradCatID  interface{} `json:"norad_cat_id"`
	End         string      `json:"end"`
	Transmitter string      `json:"transmitter"`
	Mode        string      `json:"mode"`
	Frequency   *float64    `json:"frequency"`
	Waterfall   string      `json:"waterfall"`
}

// NormalizePush maps one broker message to a canonical event. receivedAt
// becomes the event timestamp. Returns a ParseError for payloads that are
// not valid JSON objects.
func NormalizePush(raw []byte, receivedAt time.Time) (Event, error) {
	var pkt pushPacket
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return Event{}, &ParseError{Source: SourcePush, Err: err}
	}

	satellite := pkt.Satellite
	if satellite == "" {
		satellite = stringify(pkt.NoradID)
	}
	if satellite == "" {
		satellite = UnknownSatellite
	}

	var signal *Signal
	if pkt.RSSI != nil || pkt.SNR != nil || pkt.Frequency != nil {
		signal = &Signal{RSSI: pkt.RSSI, SNR: pkt.SNR, Frequency: pkt.Frequency}
	}

	// The broker may reuse the payload buffer after the handler returns.
	rawCopy := make(json.RawMessage, len(raw))
	copy(rawCopy, raw)

	return Event{
		Source:      SourcePush,
		Timestamp:   receivedAt.UTC(),
		SatelliteID: satellite,
		Signal:      signal,
		Raw:         rawCopy,
	}, nil
}

// NormalizePoll maps one observation record to a canonical event. The
// observation end time is preferred as the event timestamp, falling back
// to receivedAt.
func NormalizePoll(raw json.RawMessage, receivedAt time.Time) (Event, error) {
	var obs Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return Event{}, &ParseError{Source: SourcePoll, Err: err}
	}

	satellite := stringify(obs.NoradCatID)
	if satellite == "" {
		satellite = UnknownSatellite
	}

	timestamp := receivedAt.UTC()
	if obs.End != "" {
		if end, err := time.Parse(time.RFC3339, obs.End); err == nil {
			timestamp = end
		}
	}

	fields := map[string]interface{}{
		"observationId": obs.ID,
	}
	if obs.Transmitter != "" {
		fields["transmitter"] = obs.Transmitter
	}
	if obs.Mode != "" {
		fields["mode"] = obs.Mode
	}
	if obs.Frequency != nil {
		fields["frequency"] = *obs.Frequency
	}
	if obs.Waterfall != "" {
		fields["waterfall"] = obs.Waterfall
	}

	var signal *Signal
	if obs.Frequency != nil {
		signal = &Signal{Frequency: obs.Frequency}
	}

	rawCopy := make(json.RawMessage, len(raw))
	copy(rawCopy, raw)

	return Event{
		Source:       SourcePoll,
		Timestamp:    timestamp,
		SatelliteID:  satellite,
		Signal:       signal,
		SourceFields: fields,
		Raw:          rawCopy,
	}, nil
}

// stringify renders a JSON-decoded identifier as a string. Numeric
// catalog ids must not pick up a floating-point suffix.
func stringify(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}
