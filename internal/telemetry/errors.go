package telemetry

import (
	"fmt"
	"strings"
)

// ConnectionError wraps a failed or lost broker connection attempt.
// Transient: the push adapter retries with a bounded attempt budget and
// the process itself is never affected.
type ConnectionError struct {
	Source  Source
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s source: connection attempt %d failed: %v", e.Source, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError marks a single malformed message or record. The message is
// dropped and the source keeps running.
type ParseError struct {
	Source Source
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s source: unparseable payload: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UpstreamAPIError is an HTTP failure or timeout on the poll source. A
// StatusCode of zero means the request never completed (connectivity or
// timeout); otherwise the API itself rejected the request.
type UpstreamAPIError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *UpstreamAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream API %s returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("upstream API %s unreachable: %v", e.URL, e.Err)
}

func (e *UpstreamAPIError) Unwrap() error { return e.Err }

// ConfigurationError reports required parameters missing for an enabled
// source. Fatal only to that source's startup.
type ConfigurationError struct {
	Source  Source
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s source: missing required configuration: %s", e.Source, strings.Join(e.Missing, ", "))
}
