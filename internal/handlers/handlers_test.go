package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundlink/internal/broadcast"
	"groundlink/internal/websocket"
	"groundlink/pkg/config"
)

func testSources() config.Sources {
	return config.Sources{
		Push: config.PushSource{
			Enabled:   true,
			BrokerURL: "tls://mqtt.tinygs.com:8883",
			Username:  "station42",
			Password:  "hunter2",
			Topics:    []string{"tinygs/station42/packets"},
		},
		Poll: config.PollSource{
			Enabled:   true,
			BaseURL:   "https://network.satnogs.org/api",
			StationID: "812",
			APIToken:  "tok-secret",
			Interval:  30 * time.Second,
			Window:    time.Hour,
		},
	}
}

func newTestRouter(t *testing.T, cfg config.Sources) (*gin.Engine, *broadcast.Broadcaster) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := logrustest.NewNullLogger()

	b := broadcast.New(logger, nil)
	hub := websocket.NewHub(b, nil, logger)
	h := NewRelayHandlers(hub, b, cfg, logger)

	router := gin.New()
	router.GET("/ws", h.HandleWebSocket)
	router.GET("/api/health", h.HandleHealth)
	router.GET("/api/sources", h.HandleSources)
	router.NoRoute(h.HandleNotFound)
	return router, b
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealthReportsSourceState(t *testing.T) {
	router, b := newTestRouter(t, testSources())
	b.SetPushHealth(true, true)
	b.SetPollHealth(true, true)

	w := doRequest(router, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status  string                 `json:"status"`
		Service string                 `json:"service"`
		Sources broadcast.SourceHealth `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "groundlink", body.Service)
	assert.True(t, body.Sources.Push.Connected)
	assert.True(t, body.Sources.Poll.Polling)
}

func TestHealthDegradedWhenEnabledSourceDown(t *testing.T) {
	router, b := newTestRouter(t, testSources())
	b.SetPushHealth(true, false)
	b.SetPollHealth(true, true)

	w := doRequest(router, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
}

func TestHealthWithAllSourcesDisabled(t *testing.T) {
	router, b := newTestRouter(t, config.Sources{})
	b.SetPushHealth(false, false)
	b.SetPollHealth(false, false)

	w := doRequest(router, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status, "disabled sources never degrade the service")
}

func TestSourcesRedactsCredentials(t *testing.T) {
	router, _ := newTestRouter(t, testSources())

	w := doRequest(router, http.MethodGet, "/api/sources")
	require.Equal(t, http.StatusOK, w.Code)

	raw := w.Body.String()
	assert.NotContains(t, raw, "hunter2")
	assert.NotContains(t, raw, "tok-secret")

	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "tls://mqtt.tinygs.com:8883", body["push"]["broker"])
	assert.Equal(t, "station42", body["push"]["username"])
	assert.Equal(t, "812", body["poll"]["station_id"])
	assert.Equal(t, true, body["poll"]["authenticated"])
}

func TestNotFound(t *testing.T) {
	router, _ := newTestRouter(t, testSources())

	w := doRequest(router, http.MethodGet, "/api/nope")
	require.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body["error"])
	assert.Equal(t, "groundlink", body["service"])
}
