package config

import (
	"fmt"
	"strings"
	"time"
)

// Defaults for the community telemetry sources. Every value can be
// overridden through the environment, but the stock TinyGS broker and
// SatNOGS network API are what the relay is deployed against.
const (
	DefaultBrokerURL   = "tls://mqtt.tinygs.com:8883"
	DefaultPollBaseURL = "https://network.satnogs.org/api"

	DefaultConnectTimeout       = 30 * time.Second
	DefaultKeepAlive            = 60 * time.Second
	DefaultReconnectDelay       = 5 * time.Second
	DefaultMaxReconnectAttempts = 5

	DefaultPollInterval   = 30 * time.Second
	DefaultPollWindow     = time.Hour
	DefaultRequestTimeout = 10 * time.Second
)

// PushSource holds the broker subscription parameters for the push feed.
// Loaded once at startup and never reread.
type PushSource struct {
	Enabled              bool
	BrokerURL            string
	Username             string
	Password             string
	ClientID             string
	Topics               []string
	ConnectTimeout       time.Duration
	KeepAlive            time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	// The community broker presents a self-signed certificate; connectivity
	// takes priority over chain validation here.
	InsecureSkipVerify bool
}

// MissingFields reports required parameters absent while the source is enabled.
func (p PushSource) MissingFields() []string {
	if !p.Enabled {
		return nil
	}
	var missing []string
	if p.BrokerURL == "" {
		missing = append(missing, "PUSH_BROKER_URL")
	}
	if p.Username == "" {
		missing = append(missing, "PUSH_USERNAME")
	}
	if p.Password == "" {
		missing = append(missing, "PUSH_PASSWORD")
	}
	return missing
}

// PollSource holds the REST polling parameters for the poll feed.
type PollSource struct {
	Enabled        bool
	BaseURL        string
	StationID      string
	APIToken       string
	Interval       time.Duration
	Window         time.Duration
	RequestTimeout time.Duration
}

// MissingFields reports required parameters absent while the source is enabled.
func (p PollSource) MissingFields() []string {
	if !p.Enabled {
		return nil
	}
	var missing []string
	if p.BaseURL == "" {
		missing = append(missing, "POLL_BASE_URL")
	}
	if p.StationID == "" {
		missing = append(missing, "POLL_STATION_ID")
	}
	return missing
}

// Export holds the optional Kafka event-export parameters.
type Export struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Enabled reports whether the Kafka export is configured.
func (e Export) Enabled() bool {
	return len(e.Brokers) > 0
}

// Sources is the full source configuration, assembled once in main and
// passed into the supervisor. Immutable for the process lifetime.
type Sources struct {
	Push   PushSource
	Poll   PollSource
	Export Export
}

// LoadSources assembles the source configuration from the environment.
func LoadSources() Sources {
	username := GetEnv("PUSH_USERNAME", "")
	// Passwords pasted into .env files tend to carry their shell quoting.
	password := strings.Trim(GetEnv("PUSH_PASSWORD", ""), `'"`)

	topics := splitList(GetEnv("PUSH_TOPICS", ""))
	if len(topics) == 0 && username != "" {
		topics = []string{
			fmt.Sprintf("tinygs/%s/packets", username),
			"tinygs/packets/#",
		}
	}

	clientID := GetEnv("PUSH_CLIENT_ID", "")
	if clientID == "" {
		clientID = fmt.Sprintf("groundstation_%s_%d", username, time.Now().UnixMilli())
	}

	var brokers []string
	if raw := GetEnv("EXPORT_KAFKA_BROKERS", ""); raw != "" {
		brokers = splitList(raw)
	}

	return Sources{
		Push: PushSource{
			Enabled:              GetEnvBool("PUSH_ENABLED", false),
			BrokerURL:            GetEnv("PUSH_BROKER_URL", DefaultBrokerURL),
			Username:             username,
			Password:             password,
			ClientID:             clientID,
			Topics:               topics,
			ConnectTimeout:       GetEnvDuration("PUSH_CONNECT_TIMEOUT", DefaultConnectTimeout),
			KeepAlive:            GetEnvDuration("PUSH_KEEPALIVE", DefaultKeepAlive),
			ReconnectDelay:       GetEnvDuration("PUSH_RECONNECT_DELAY", DefaultReconnectDelay),
			MaxReconnectAttempts: GetEnvInt("PUSH_MAX_RECONNECT_ATTEMPTS", DefaultMaxReconnectAttempts),
			InsecureSkipVerify:   GetEnvBool("PUSH_TLS_INSECURE", true),
		},
		Poll: PollSource{
			Enabled:        GetEnvBool("POLL_ENABLED", false),
			BaseURL:        strings.TrimRight(GetEnv("POLL_BASE_URL", DefaultPollBaseURL), "/"),
			StationID:      GetEnv("POLL_STATION_ID", ""),
			APIToken:       GetEnv("POLL_API_TOKEN", ""),
			Interval:       GetEnvDuration("POLL_INTERVAL", DefaultPollInterval),
			Window:         GetEnvDuration("POLL_WINDOW", DefaultPollWindow),
			RequestTimeout: GetEnvDuration("POLL_TIMEOUT", DefaultRequestTimeout),
		},
		Export: Export{
			Brokers:  brokers,
			Topic:    GetEnv("EXPORT_KAFKA_TOPIC", "telemetry_events"),
			ClientID: GetEnv("EXPORT_KAFKA_CLIENT_ID", "groundlink"),
		},
	}
}

// Redacted returns a view of the configuration safe to expose over HTTP.
func (s Sources) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"push": map[string]interface{}{
			"enabled":  s.Push.Enabled,
			"broker":   s.Push.BrokerURL,
			"username": s.Push.Username,
			"topics":   s.Push.Topics,
		},
		"poll": map[string]interface{}{
			"enabled":       s.Poll.Enabled,
			"base_url":      s.Poll.BaseURL,
			"station_id":    s.Poll.StationID,
			"interval":      s.Poll.Interval.String(),
			"window":        s.Poll.Window.String(),
			"authenticated": s.Poll.APIToken != "",
		},
		"export": map[string]interface{}{
			"enabled": s.Export.Enabled(),
			"topic":   s.Export.Topic,
		},
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
