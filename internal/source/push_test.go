package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundlink/internal/telemetry"
	"groundlink/pkg/config"
	"groundlink/pkg/logging"
)

type fakeToken struct {
	err   error
	hangs bool
}

func (t *fakeToken) Wait() bool                     { return !t.hangs }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.hangs }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	connectHangs bool
	connected    bool
	disconnects  int
	subscribed   []string
	opts         *mqtt.ClientOptions
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectHangs {
		return &fakeToken{hangs: true}
	}
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *fakeClient) Publish(string, byte, bool, interface{}) mqtt.Token { return &fakeToken{} }

func (c *fakeClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token             { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)         {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader      { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func pushConfig() config.PushSource {
	return config.PushSource{
		Enabled:              true,
		BrokerURL:            "tls://broker.test:8883",
		Username:             "station42",
		Password:             "secret",
		ClientID:             "test-client",
		Topics:               []string{"tinygs/station42/packets", "tinygs/packets/#"},
		ConnectTimeout:       time.Second,
		KeepAlive:            time.Second,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 5,
	}
}

func waitForState(t *testing.T, a *PushAdapter, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("adapter never reached state %s, stuck at %s", want, a.State())
}

func TestNewPushAdapterValidatesConfig(t *testing.T) {
	cfg := pushConfig()
	cfg.Username = ""
	cfg.Password = ""

	_, err := NewPushAdapter(cfg, make(chan telemetry.Event), logging.NewLogger(), nil, nil)
	require.Error(t, err)

	var cfgErr *telemetry.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, telemetry.SourcePush, cfgErr.Source)
	assert.Contains(t, cfgErr.Missing, "PUSH_USERNAME")
}

func TestPushAdapterConnectsAndSubscribes(t *testing.T) {
	client := &fakeClient{}
	events := make(chan telemetry.Event, 8)

	a, err := NewPushAdapter(pushConfig(), events, logging.NewLogger(), nil, nil)
	require.NoError(t, err)
	a.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		client.opts = opts
		return client
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	waitForState(t, a, StateConnected)

	assert.Equal(t, []string{"tinygs/station42/packets", "tinygs/packets/#"}, client.topics())

	cancel()
	<-a.Done()
	assert.Equal(t, StateDisconnected, a.State())
	assert.False(t, client.IsConnected())
}

func TestPushAdapterDisablesAfterMaxFailures(t *testing.T) {
	attempts := 0
	var transitions []ConnectionState
	var mu sync.Mutex

	a, err := NewPushAdapter(pushConfig(), make(chan telemetry.Event, 1), logging.NewLogger(), nil, func(s ConnectionState) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	a.newClient = func(*mqtt.ClientOptions) mqtt.Client {
		attempts++
		return &fakeClient{connectErr: errors.New("connection refused")}
	}

	a.Start(context.Background())
	<-a.Done()

	assert.Equal(t, StateDisabled, a.State())
	assert.Equal(t, 5, attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, StateBackoff)
	assert.Equal(t, StateDisabled, transitions[len(transitions)-1])
}

func TestPushConnectTimeoutAbandonsClient(t *testing.T) {
	var mu sync.Mutex
	var clients []*fakeClient

	cfg := pushConfig()
	cfg.ConnectTimeout = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 2

	a, err := NewPushAdapter(cfg, make(chan telemetry.Event, 1), logging.NewLogger(), nil, nil)
	require.NoError(t, err)
	a.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		mu.Lock()
		defer mu.Unlock()
		client := &fakeClient{opts: opts, connectHangs: true}
		clients = append(clients, client)
		return client
	}

	a.Start(context.Background())
	<-a.Done()
	assert.Equal(t, StateDisabled, a.State())

	// Every client whose handshake outlived the timeout must have been
	// told to disconnect, or a late handshake would leave it attached.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, clients, 2)
	for i, client := range clients {
		assert.GreaterOrEqual(t, client.disconnectCount(), 1, "timed-out client %d was never disconnected", i)
	}
}

func TestPushAdapterReconnectResetsAttempts(t *testing.T) {
	var mu sync.Mutex
	var clients []*fakeClient
	fail := true

	cfg := pushConfig()
	cfg.ReconnectDelay = 50 * time.Millisecond

	a, err := NewPushAdapter(cfg, make(chan telemetry.Event, 1), logging.NewLogger(), nil, nil)
	require.NoError(t, err)
	a.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		mu.Lock()
		defer mu.Unlock()
		client := &fakeClient{opts: opts}
		if fail {
			client.connectErr = errors.New("connection refused")
		}
		clients = append(clients, client)
		return client
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Start(ctx)

	// The first attempt fails, then the broker comes back during the
	// backoff window.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		seen := len(clients)
		if seen >= 1 {
			fail = false
		}
		mu.Unlock()
		if seen >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	waitForState(t, a, StateConnected)

	a.mu.Lock()
	attempts := a.attempts
	a.mu.Unlock()
	assert.Equal(t, 0, attempts, "successful reconnect must reset the counter")

	// A lost connection now starts a fresh budget.
	mu.Lock()
	seen := len(clients)
	last := clients[seen-1]
	mu.Unlock()
	require.NotNil(t, last.opts.OnConnectionLost)
	last.opts.OnConnectionLost(last, errors.New("broken pipe"))

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(clients)
		mu.Unlock()
		if n > seen {
			break
		}
		time.Sleep(time.Millisecond)
	}
	waitForState(t, a, StateConnected)
}

func TestPushHandleMessageEmitsEvent(t *testing.T) {
	events := make(chan telemetry.Event, 1)
	a, err := NewPushAdapter(pushConfig(), events, logging.NewLogger(), nil, nil)
	require.NoError(t, err)
	a.ctx = context.Background()

	a.handleMessage(nil, &fakeMessage{
		topic:   "tinygs/packets/#",
		payload: []byte(`{"satellite":"UASAT1","rssi":-90,"snr":7}`),
	})

	ev := <-events
	assert.Equal(t, telemetry.SourcePush, ev.Source)
	assert.Equal(t, "UASAT1", ev.SatelliteID)
	require.NotNil(t, ev.Signal)
	assert.Equal(t, -90.0, *ev.Signal.RSSI)
}

func TestPushHandleMessageDropsMalformedPayload(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	events := make(chan telemetry.Event, 1)

	a, err := NewPushAdapter(pushConfig(), events, logger, nil, nil)
	require.NoError(t, err)
	a.ctx = context.Background()

	a.handleMessage(nil, &fakeMessage{topic: "tinygs/packets/#", payload: []byte("garbage")})

	assert.Empty(t, events)
	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, "Dropping unparseable broker message", hook.LastEntry().Message)
}
