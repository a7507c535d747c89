package main

import (
	"context"
	"strings"

	"groundlink/internal/broadcast"
	"groundlink/internal/handlers"
	"groundlink/internal/metrics"
	"groundlink/internal/relay"
	"groundlink/internal/websocket"
	"groundlink/pkg/config"
	"groundlink/pkg/kafka"
	"groundlink/pkg/logging"
	"groundlink/pkg/monitoring"
	"groundlink/pkg/server"
	"groundlink/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("groundlink")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Groundlink (satellite telemetry relay)")

	sources := config.LoadSources()
	logger.WithFields(logging.Fields(sources.Redacted())).Info("Source configuration loaded")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("groundlink", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("groundlink", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	broadcaster := broadcast.New(logger, serviceMetrics)

	// Optional Kafka export of the normalized event stream
	var exporter *kafka.Producer
	if sources.Export.Enabled() {
		var err error
		exporter, err = kafka.NewProducer(sources.Export.Brokers, sources.Export.Topic, sources.Export.ClientID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka exporter")
		}
		defer exporter.Close()
		healthChecker.AddCheck("kafka_export", monitoring.KafkaProducerHealthCheck(exporter.GetClient()))
	}

	supervisor, err := relay.New(sources, broadcaster, exporter, logger, serviceMetrics)
	if err != nil {
		logger.WithError(err).Fatal("Invalid source configuration")
	}

	// Health checks for the enabled sources
	if push := supervisor.Push(); push != nil {
		healthChecker.AddCheck("push_source", monitoring.BrokerHealthCheck(push))
		healthChecker.AddCheck("push_config", monitoring.ConfigurationHealthCheck(map[string]string{
			"PUSH_BROKER_URL": sources.Push.BrokerURL,
			"PUSH_TOPICS":     strings.Join(sources.Push.Topics, ","),
		}))
	}
	if poll := supervisor.Poll(); poll != nil {
		healthChecker.AddCheck("poll_source", monitoring.PollerHealthCheck(poll.Active))
		healthChecker.AddCheck("poll_config", monitoring.ConfigurationHealthCheck(map[string]string{
			"POLL_BASE_URL":   sources.Poll.BaseURL,
			"POLL_STATION_ID": sources.Poll.StationID,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	supervisor.Start(ctx)

	hub := websocket.NewHub(broadcaster, supervisor.RequestRefresh, logger)
	relayHandlers := handlers.NewRelayHandlers(hub, broadcaster, sources, logger)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "groundlink", healthChecker, metricsCollector)

	router.GET("/ws", relayHandlers.HandleWebSocket)
	router.GET("/api/health", relayHandlers.HandleHealth)
	router.GET("/api/sources", relayHandlers.HandleSources)
	router.NoRoute(relayHandlers.HandleNotFound)

	// Start server with graceful shutdown; the pipeline stops first so no
	// event is broadcast after the shutdown signal arrives.
	serverConfig := server.DefaultConfig("groundlink", "3001")
	if err := server.Start(serverConfig, router, logger, func(context.Context) {
		supervisor.Stop()
	}); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
