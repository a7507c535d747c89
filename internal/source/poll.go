package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"groundlink/internal/metrics"
	"groundlink/internal/telemetry"
	"groundlink/pkg/config"
	"groundlink/pkg/logging"
)

// PollAdapter periodically queries the observations API for the
// configured station and emits the most recent record of each cycle as a
// normalized event.
type PollAdapter struct {
	cfg           config.PollSource
	events        chan<- telemetry.Event
	logger        logging.Logger
	metrics       *metrics.Metrics
	onStateChange func(active bool)

	httpClient *http.Client
	refresh    chan struct{}
	polling    atomic.Bool
	done       chan struct{}

	// consecutive fetch failures, for logging only; touched solely from
	// the run goroutine
	failures int

	now func() time.Time
}

// NewPollAdapter validates the source configuration and builds the
// adapter. onStateChange fires when the polling loop starts and stops.
// metrics may be nil.
func NewPollAdapter(cfg config.PollSource, events chan<- telemetry.Event, logger logging.Logger, m *metrics.Metrics, onStateChange func(bool)) (*PollAdapter, error) {
	if missing := cfg.MissingFields(); len(missing) > 0 {
		return nil, &telemetry.ConfigurationError{Source: telemetry.SourcePoll, Missing: missing}
	}
	if onStateChange == nil {
		onStateChange = func(bool) {}
	}

	return &PollAdapter{
		cfg:           cfg,
		events:        events,
		logger:        logger,
		metrics:       m,
		onStateChange: onStateChange,
		// The client timeout bounds every fetch; a hung request can never
		// push back the next tick.
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		refresh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        time.Now,
	}, nil
}

// Start launches the polling loop, firing one fetch immediately.
func (a *PollAdapter) Start(ctx context.Context) {
	go a.run(ctx)
}

// Done is closed when the polling loop has fully stopped.
func (a *PollAdapter) Done() <-chan struct{} { return a.done }

// Active reports whether the polling loop is running
func (a *PollAdapter) Active() bool {
	return a.polling.Load()
}

// FetchNow requests one out-of-band fetch, coalescing with any already
// pending. Never blocks.
func (a *PollAdapter) FetchNow() {
	select {
	case a.refresh <- struct{}{}:
	default:
	}
}

func (a *PollAdapter) run(ctx context.Context) {
	defer close(a.done)

	a.polling.Store(true)
	a.onStateChange(true)
	defer func() {
		a.polling.Store(false)
		a.onStateChange(false)
	}()

	a.fetch(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.fetch(ctx)
		case <-a.refresh:
			a.fetch(ctx)
		}
	}
}

// fetch runs one query-and-normalize cycle. Failures are logged and
// contained; the schedule is never affected.
func (a *PollAdapter) fetch(ctx context.Context) {
	receivedAt := a.now()
	endpoint := a.observationsURL(receivedAt)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		a.logger.WithError(err).Error("Failed to build poll request")
		return
	}
	if a.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Token "+a.cfg.APIToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.fetchFailed(&telemetry.UpstreamAPIError{URL: endpoint, Err: err})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.fetchFailed(&telemetry.UpstreamAPIError{URL: endpoint, StatusCode: resp.StatusCode})
		return
	}

	var records []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		a.fetchFailed(&telemetry.UpstreamAPIError{URL: endpoint, Err: fmt.Errorf("decoding response: %w", err)})
		return
	}

	a.failures = 0

	if len(records) == 0 {
		a.logger.WithField("station", a.cfg.StationID).Debug("No observations in window")
		if a.metrics != nil {
			a.metrics.PollFetches.WithLabelValues("empty").Inc()
		}
		return
	}

	// The API returns newest first; only the most recent observation of a
	// cycle becomes an event.
	ev, err := telemetry.NormalizePoll(records[0], receivedAt)
	if err != nil {
		a.logger.WithError(err).Warn("Dropping unparseable observation record")
		return
	}

	select {
	case a.events <- ev:
		if a.metrics != nil {
			a.metrics.EventsIngested.WithLabelValues(string(telemetry.SourcePoll)).Inc()
			a.metrics.PollFetches.WithLabelValues("success").Inc()
		}
	case <-ctx.Done():
	}
}

func (a *PollAdapter) fetchFailed(apiErr *telemetry.UpstreamAPIError) {
	a.failures++
	a.logger.WithError(apiErr).WithFields(logging.Fields{
		"station":              a.cfg.StationID,
		"status_code":          apiErr.StatusCode,
		"consecutive_failures": a.failures,
	}).Error("Poll fetch failed")

	if a.metrics != nil {
		a.metrics.PollFetches.WithLabelValues("error").Inc()
	}
}

func (a *PollAdapter) observationsURL(now time.Time) string {
	query := url.Values{}
	query.Set("ground_station", a.cfg.StationID)
	query.Set("start", now.Add(-a.cfg.Window).UTC().Format(time.RFC3339))
	return a.cfg.BaseURL + "/observations/?" + query.Encode()
}
