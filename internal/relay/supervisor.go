package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"groundlink/internal/broadcast"
	"groundlink/internal/metrics"
	"groundlink/internal/source"
	"groundlink/internal/telemetry"
	"groundlink/pkg/config"
	"groundlink/pkg/kafka"
	"groundlink/pkg/logging"
)

// eventBuffer absorbs ingest bursts between the source adapters and the
// fan-out path.
const eventBuffer = 256

// shutdownGrace bounds how long Stop waits for the adapters to wind down.
const shutdownGrace = 5 * time.Second

// Supervisor owns the source adapters and the pipeline that forwards
// their events to the broadcaster and the optional Kafka export. Sources
// are independent: either may be disabled, and one failing never takes
// the other down.
type Supervisor struct {
	cfg         config.Sources
	broadcaster *broadcast.Broadcaster
	exporter    *kafka.Producer
	logger      logging.Logger
	metrics     *metrics.Metrics

	push *source.PushAdapter
	poll *source.PollAdapter

	events chan telemetry.Event
	cancel context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
}

// New builds the adapters for every enabled source. A misconfigured
// enabled source is a startup error, surfaced as a ConfigurationError.
// exporter may be nil.
func New(cfg config.Sources, b *broadcast.Broadcaster, exporter *kafka.Producer, logger logging.Logger, m *metrics.Metrics) (*Supervisor, error) {
	s := &Supervisor{
		cfg:         cfg,
		broadcaster: b,
		exporter:    exporter,
		logger:      logger,
		metrics:     m,
		events:      make(chan telemetry.Event, eventBuffer),
		done:        make(chan struct{}),
	}

	if cfg.Push.Enabled {
		push, err := source.NewPushAdapter(cfg.Push, s.events, logger, m, func(state source.ConnectionState) {
			b.SetPushHealth(true, state == source.StateConnected)
		})
		if err != nil {
			return nil, err
		}
		s.push = push
		b.SetPushHealth(true, false)
	} else {
		b.SetPushHealth(false, false)
	}

	if cfg.Poll.Enabled {
		poll, err := source.NewPollAdapter(cfg.Poll, s.events, logger, m, func(active bool) {
			b.SetPollHealth(true, active)
		})
		if err != nil {
			return nil, err
		}
		s.poll = poll
		b.SetPollHealth(true, false)
	} else {
		b.SetPollHealth(false, false)
	}

	return s, nil
}

// Start launches the enabled adapters and the forwarding loop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.push != nil {
		s.push.Start(ctx)
		s.logger.WithField("broker", s.cfg.Push.BrokerURL).Info("Push source started")
	}
	if s.poll != nil {
		s.poll.Start(ctx)
		s.logger.WithFields(logging.Fields{
			"station":  s.cfg.Poll.StationID,
			"interval": s.cfg.Poll.Interval.String(),
		}).Info("Poll source started")
	}

	go s.forward(ctx)
}

func (s *Supervisor) forward(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.broadcaster.Publish(ev)
			s.export(ctx, ev)
		}
	}
}

func (s *Supervisor) export(ctx context.Context, ev telemetry.Event) {
	if s.exporter == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode event for export")
		return
	}
	s.exporter.Publish(ctx, ev.SatelliteID, payload)
}

// RequestRefresh triggers an immediate out-of-band poll. A no-op when the
// poll source is disabled.
func (s *Supervisor) RequestRefresh() {
	if s.poll != nil {
		s.poll.FetchNow()
	}
}

// Push returns the push adapter, or nil when that source is disabled.
func (s *Supervisor) Push() *source.PushAdapter { return s.push }

// Poll returns the poll adapter, or nil when that source is disabled.
func (s *Supervisor) Poll() *source.PollAdapter { return s.poll }

// Stop shuts the pipeline down. Safe to call more than once; later calls
// return immediately.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			close(s.done)
			return
		}
		s.cancel()

		deadline := time.After(shutdownGrace)
		if s.push != nil {
			select {
			case <-s.push.Done():
			case <-deadline:
				s.logger.Warn("Push source did not stop in time")
			}
		}
		if s.poll != nil {
			select {
			case <-s.poll.Done():
			case <-deadline:
				s.logger.Warn("Poll source did not stop in time")
			}
		}
		<-s.done
		s.logger.Info("Relay pipeline stopped")
	})
}
