package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/api"
	"gb28181-gateway/pkg/config"
	"gb28181-gateway/pkg/gb/correlation"
	"gb28181-gateway/pkg/gb/registry"
	"gb28181-gateway/pkg/media"
	"gb28181-gateway/pkg/messaging"
	"gb28181-gateway/pkg/metrics"
	sipgw "gb28181-gateway/pkg/sip"
	"gb28181-gateway/pkg/version"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogger(logger)
	metrics.Init(logger)

	logger.WithFields(logrus.Fields{
		"version": version.Version,
		"serial":  cfg.SIP.Serial,
		"realm":   cfg.SIP.Realm,
	}).Info("Starting GB28181 signaling gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event publishers: websocket feed always, AMQP when configured
	events := api.NewEventHub(logger)
	go events.Run(ctx)

	publishers := messaging.MultiPublisher{events}
	var amqpClient *messaging.AMQPClient
	if cfg.AMQP.URL != "" {
		amqpClient = messaging.NewAMQPClient(logger, cfg.AMQP)
		if err := amqpClient.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP connect failed, continuing without broker")
		}
		publishers = append(publishers, amqpClient)
	}

	reg := registry.New(logger)
	hub := correlation.NewHub(logger)
	mediaClient := media.NewClient(logger, &cfg.MediaServer)

	gateway, err := sipgw.NewGateway(logger, cfg, reg, hub, mediaClient, publishers)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build SIP gateway")
	}

	apiServer := api.NewServer(logger, &cfg.HTTP, reg, gateway.Commander(), events)
	apiServer.Start()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- gateway.Serve(ctx)
	}()
	go gateway.Commander().RunMaintenance(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-serveErr:
		if err != nil && err != context.Canceled {
			logger.WithError(err).Error("SIP gateway stopped")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown failed")
	}
	if err := gateway.Close(); err != nil {
		logger.WithError(err).Warn("SIP shutdown failed")
	}
	if amqpClient != nil {
		amqpClient.Close()
	}

	logger.Info("Gateway stopped")
}
