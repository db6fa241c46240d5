package sip

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/config"
	"gb28181-gateway/pkg/errors"
	"gb28181-gateway/pkg/gb/correlation"
	"gb28181-gateway/pkg/gb/registry"
	"gb28181-gateway/pkg/media"
	"gb28181-gateway/pkg/messaging"
	"gb28181-gateway/pkg/metrics"
)

// Gateway is the SIP face of the platform. It owns the sipgo stack, the
// dispatcher tables, the device-facing handlers and the commander that
// originates requests toward devices.
type Gateway struct {
	logger     *logrus.Logger
	config     *config.Config
	ua         *sipgo.UserAgent
	server     *sipgo.Server
	client     *sipgo.Client
	dispatcher *Dispatcher
	handler    *Handler
	commander  *Commander
}

// NewGateway assembles the SIP stack and registers every handler the
// gateway serves. The returned gateway does not listen until Serve is
// called.
func NewGateway(
	logger *logrus.Logger,
	cfg *config.Config,
	reg *registry.Registry,
	hub *correlation.Hub,
	mediaClient *media.Client,
	publisher messaging.Publisher,
) (*Gateway, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, errors.Wrap(err, "creating SIP user agent")
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "creating SIP server")
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(cfg.SIP.Host),
		sipgo.WithClientPort(cfg.SIP.Port),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating SIP client")
	}

	dispatcher := NewDispatcher(logger)
	commander := NewCommander(logger, cfg, newSipgoSender(client), dispatcher, hub, reg, mediaClient, publisher)
	handler := NewHandler(logger, cfg, reg, hub, commander, publisher)
	handler.RegisterRoutes(dispatcher)
	commander.RegisterRoutes(dispatcher)

	g := &Gateway{
		logger:     logger,
		config:     cfg,
		ua:         ua,
		server:     server,
		client:     client,
		dispatcher: dispatcher,
		handler:    handler,
		commander:  commander,
	}

	for _, method := range []sip.RequestMethod{sip.REGISTER, sip.MESSAGE, sip.ACK, sip.BYE, sip.INVITE, sip.INFO, sip.NOTIFY, sip.SUBSCRIBE, sip.OPTIONS} {
		m := method
		server.OnRequest(m, g.route)
	}

	return g, nil
}

// Commander exposes the request-originating side for the operator API
func (g *Gateway) Commander() *Commander {
	return g.commander
}

// Serve listens for SIP traffic on UDP and TCP at the configured port.
// Blocks until the context is cancelled or a listener fails.
func (g *Gateway) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.config.SIP.Host, g.config.SIP.Port)

	errCh := make(chan error, 2)
	for _, network := range []string{"udp", "tcp"} {
		n := network
		go func() {
			g.logger.WithFields(logrus.Fields{
				"network": n,
				"address": addr,
			}).Info("SIP listener starting")
			errCh <- g.server.ListenAndServe(ctx, n, addr)
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "SIP listener failed")
		}
		return nil
	}
}

// Close shuts down the SIP stack
func (g *Gateway) Close() error {
	if err := g.server.Close(); err != nil {
		g.logger.WithError(err).Warn("Error closing SIP server")
	}
	if err := g.client.Close(); err != nil {
		g.logger.WithError(err).Warn("Error closing SIP client")
	}
	return g.ua.Close()
}

// route funnels every inbound request through the dispatcher with panic
// isolation, so a malformed message cannot take the transport down.
func (g *Gateway) route(req *sip.Request, tx sip.ServerTransaction) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.WithFields(logrus.Fields{
				"method": req.Method,
				"source": req.Source(),
				"panic":  r,
			}).Error("Recovered from panic in SIP handler")
		}
	}()

	metrics.SIPRequestsTotal.WithLabelValues(string(req.Method)).Inc()

	if err := g.dispatcher.DispatchRequest(req, tx); err != nil {
		g.logger.WithFields(logrus.Fields{
			"method": req.Method,
			"source": req.Source(),
		}).WithError(err).Debug("Request not dispatched")
	}
}
