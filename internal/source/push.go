package source

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"groundlink/internal/metrics"
	"groundlink/internal/telemetry"
	"groundlink/pkg/config"
	"groundlink/pkg/logging"
)

const subscribeTimeout = 5 * time.Second

// PushAdapter maintains one long-lived broker subscription and turns
// inbound messages into normalized events. All connection state is owned
// by the adapter instance; nothing is shared at process scope.
type PushAdapter struct {
	cfg           config.PushSource
	events        chan<- telemetry.Event
	logger        logging.Logger
	metrics       *metrics.Metrics
	onStateChange func(ConnectionState)

	// newClient is swapped out in tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu       sync.Mutex
	state    ConnectionState
	attempts int
	client   mqtt.Client

	ctx      context.Context
	connLost chan error
	done     chan struct{}
}

// NewPushAdapter validates the source configuration and builds the
// adapter. onStateChange fires on every state transition; it must not
// block. metrics may be nil.
func NewPushAdapter(cfg config.PushSource, events chan<- telemetry.Event, logger logging.Logger, m *metrics.Metrics, onStateChange func(ConnectionState)) (*PushAdapter, error) {
	if missing := cfg.MissingFields(); len(missing) > 0 {
		return nil, &telemetry.ConfigurationError{Source: telemetry.SourcePush, Missing: missing}
	}
	if onStateChange == nil {
		onStateChange = func(ConnectionState) {}
	}

	return &PushAdapter{
		cfg:           cfg,
		events:        events,
		logger:        logger,
		metrics:       m,
		onStateChange: onStateChange,
		newClient:     mqtt.NewClient,
		state:         StateDisconnected,
		connLost:      make(chan error, 1),
		done:          make(chan struct{}),
	}, nil
}

// Start launches the adapter's connection loop. It returns immediately;
// the loop runs until ctx is cancelled or the attempt budget is spent.
func (a *PushAdapter) Start(ctx context.Context) {
	a.ctx = ctx
	go a.run(ctx)
}

// Done is closed when the connection loop has fully stopped.
func (a *PushAdapter) Done() <-chan struct{} { return a.done }

// State returns the current connection state
func (a *PushAdapter) State() ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsConnected reports whether the broker subscription is up
func (a *PushAdapter) IsConnected() bool {
	return a.State() == StateConnected
}

func (a *PushAdapter) run(ctx context.Context) {
	defer close(a.done)

	for {
		a.drainConnLost()
		a.setState(StateConnecting)

		client := a.newClient(a.clientOptions())
		a.mu.Lock()
		a.client = client
		a.mu.Unlock()

		if err := a.connect(client); err != nil {
			attempt := a.recordFailure(err)
			if a.giveUpOrBackoff(ctx, attempt) {
				return
			}
			continue
		}

		a.resetAttempts()
		a.setState(StateConnected)
		a.subscribeAll(client)

		select {
		case <-ctx.Done():
			client.Disconnect(250)
			a.setState(StateDisconnected)
			return
		case err := <-a.connLost:
			client.Disconnect(250)
			attempt := a.recordFailure(err)
			if a.giveUpOrBackoff(ctx, attempt) {
				return
			}
		}
	}
}

func (a *PushAdapter) connect(client mqtt.Client) error {
	token := client.Connect()
	if !token.WaitTimeout(a.cfg.ConnectTimeout) {
		// A late handshake must not leave this client connected next to
		// the retry's client.
		client.Disconnect(0)
		return errors.New("connect timed out")
	}
	return token.Error()
}

// recordFailure bumps the attempt counter and logs the failure. Returns
// the attempt number just consumed.
func (a *PushAdapter) recordFailure(err error) int {
	a.mu.Lock()
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	connErr := &telemetry.ConnectionError{Source: telemetry.SourcePush, Attempt: attempt, Err: err}
	a.logger.WithError(connErr).WithFields(logging.Fields{
		"broker":       a.cfg.BrokerURL,
		"attempt":      attempt,
		"max_attempts": a.cfg.MaxReconnectAttempts,
	}).Warn("Broker connection lost")

	return attempt
}

// giveUpOrBackoff decides the next transition after a failure. Returns
// true when the loop should stop for good.
func (a *PushAdapter) giveUpOrBackoff(ctx context.Context, attempt int) bool {
	if attempt >= a.cfg.MaxReconnectAttempts {
		if a.metrics != nil {
			a.metrics.BrokerReconnects.WithLabelValues("gave_up").Inc()
		}
		a.logger.WithField("attempts", attempt).Error("Reconnect budget spent, disabling push source")
		a.setState(StateDisabled)
		return true
	}

	if a.metrics != nil {
		a.metrics.BrokerReconnects.WithLabelValues("retry").Inc()
	}
	a.setState(StateBackoff)

	select {
	case <-ctx.Done():
		a.setState(StateDisconnected)
		return true
	case <-time.After(a.cfg.ReconnectDelay):
		return false
	}
}

func (a *PushAdapter) resetAttempts() {
	a.mu.Lock()
	a.attempts = 0
	a.mu.Unlock()
}

func (a *PushAdapter) subscribeAll(client mqtt.Client) {
	for _, topic := range a.cfg.Topics {
		token := client.Subscribe(topic, 0, a.handleMessage)
		token.WaitTimeout(subscribeTimeout)
		if err := token.Error(); err != nil {
			// Per-topic failure; the connection itself stays up.
			a.logger.WithError(err).WithField("topic", topic).Error("Failed to subscribe to topic")
			continue
		}
		a.logger.WithField("topic", topic).Info("Subscribed to topic")
	}
}

func (a *PushAdapter) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	ev, err := telemetry.NormalizePush(msg.Payload(), time.Now())
	if err != nil {
		a.logger.WithError(err).WithField("topic", msg.Topic()).Warn("Dropping unparseable broker message")
		return
	}

	select {
	case a.events <- ev:
		if a.metrics != nil {
			a.metrics.EventsIngested.WithLabelValues(string(telemetry.SourcePush)).Inc()
		}
	case <-a.ctx.Done():
	}
}

func (a *PushAdapter) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.BrokerURL).
		SetClientID(a.cfg.ClientID).
		SetUsername(a.cfg.Username).
		SetPassword(a.cfg.Password).
		SetConnectTimeout(a.cfg.ConnectTimeout).
		SetKeepAlive(a.cfg.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false)

	if a.cfg.InsecureSkipVerify {
		// The community broker runs on a self-signed certificate.
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case a.connLost <- err:
		default:
		}
	})

	return opts
}

func (a *PushAdapter) drainConnLost() {
	select {
	case <-a.connLost:
	default:
	}
}

func (a *PushAdapter) setState(next ConnectionState) {
	a.mu.Lock()
	prev := a.state
	a.state = next
	a.mu.Unlock()

	if prev != next {
		a.logger.WithFields(logging.Fields{
			"from": prev.String(),
			"to":   next.String(),
		}).Info("Push adapter state change")
	}
	a.onStateChange(next)
}
