package sip

import (
	"context"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/config"
	"gb28181-gateway/pkg/errors"
	"gb28181-gateway/pkg/gb/correlation"
	"gb28181-gateway/pkg/gb/manscdp"
	"gb28181-gateway/pkg/gb/registry"
	"gb28181-gateway/pkg/messaging"
	"gb28181-gateway/pkg/metrics"
)

const (
	gbIDLength     = 20
	defaultExpires = 3600
	dateLayout     = "2006-01-02T15:04:05"
)

// Handler serves the device-facing side of the gateway: registration,
// MANSCDP messages and device-initiated dialog teardown.
type Handler struct {
	logger     *logrus.Logger
	config     *config.Config
	registry   *registry.Registry
	hub        *correlation.Hub
	commander  *Commander
	publisher  messaging.Publisher
	auth       *DigestAuth
	dispatcher *Dispatcher
}

// NewHandler creates the inbound request handler
func NewHandler(
	logger *logrus.Logger,
	cfg *config.Config,
	reg *registry.Registry,
	hub *correlation.Hub,
	commander *Commander,
	publisher messaging.Publisher,
) *Handler {
	return &Handler{
		logger:    logger,
		config:    cfg,
		registry:  reg,
		hub:       hub,
		commander: commander,
		publisher: publisher,
		auth:      NewDigestAuth(cfg.SIP.Realm),
	}
}

// RegisterRoutes installs the handler's request and message routes
func (h *Handler) RegisterRoutes(d *Dispatcher) {
	h.dispatcher = d

	d.OnRequest(sip.REGISTER, h.onRegister)
	d.OnRequest(sip.MESSAGE, h.onMessage)
	d.OnRequest(sip.NOTIFY, h.onMessage)
	d.OnRequest(sip.ACK, h.onAck)
	d.OnRequest(sip.BYE, h.onBye)
	d.OnRequest(sip.OPTIONS, h.onOptions)
	d.OnRequest(sip.INFO, h.onOptions)

	d.OnMessage(manscdp.CategoryNotify, manscdp.CmdKeepalive, h.onKeepalive)
	d.OnMessage(manscdp.CategoryResponse, manscdp.CmdCatalog, h.onCatalogResponse)
	d.OnMessage(manscdp.CategoryResponse, manscdp.CmdDeviceInfo, h.onDeviceInfoResponse)
	d.OnMessage(manscdp.CategoryQuery, manscdp.CmdCatalog, h.onCatalogQuery)
}

// onRegister authenticates the device and records or refreshes its
// registration. An Expires of zero unregisters.
func (h *Handler) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	from := req.From()
	if from == nil || len(from.Address.User) != gbIDLength {
		h.respond(tx, h.newResponse(req, 400, "Bad Request"))
		return
	}
	deviceID := from.Address.User

	password := h.config.SIP.Password
	if dev, ok := h.registry.Lookup(deviceID); ok && dev.Password != "" {
		password = dev.Password
	}

	if !h.auth.Verify(req, password) {
		resp := h.newResponse(req, 401, "Unauthorized")
		resp.AppendHeader(sip.NewHeader("WWW-Authenticate", h.auth.Challenge()))
		h.respond(tx, resp)
		metrics.DeviceRegisters.WithLabelValues("challenged").Inc()
		return
	}

	expires := defaultExpires
	if hdr := req.GetHeader("Expires"); hdr != nil {
		parsed, err := strconv.Atoi(hdr.Value())
		if err != nil {
			h.respond(tx, h.newResponse(req, 400, "Bad Expires"))
			return
		}
		expires = parsed
	}

	info := registry.TransportInfo{Transport: req.Transport()}
	info.RemoteIP, info.RemotePort = splitSource(req.Source())

	now := time.Now()
	dev, created := h.registry.RegisterOrUpdate(deviceID, info, expires, now)

	resp := h.newResponse(req, 200, "OK")
	resp.AppendHeader(sip.NewHeader("Date", now.Format(dateLayout)))
	expHeader := sip.ExpiresHeader(expires)
	resp.AppendHeader(&expHeader)
	if contact := req.Contact(); contact != nil {
		resp.AppendHeader(contact)
	}
	h.respond(tx, resp)

	metrics.DevicesOnline.Set(float64(h.registry.OnlineCount()))

	if expires <= 0 {
		metrics.DeviceRegisters.WithLabelValues("unregister").Inc()
		h.publisher.PublishEvent(messaging.NewEvent(messaging.EventDeviceOffline, deviceID, ""))
		h.logger.WithField("device_id", deviceID).Info("Device unregistered")
		go h.commander.ReleaseDevice(context.Background(), deviceID)
		return
	}

	metrics.DeviceRegisters.WithLabelValues("ok").Inc()
	h.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"source":    req.Source(),
		"transport": req.Transport(),
		"expires":   expires,
		"new":       created,
	}).Info("Device registered")

	if created || !dev.Online {
		h.publisher.PublishEvent(messaging.NewEvent(messaging.EventDeviceOnline, deviceID, ""))
	}

	// Catalog and device info are fetched off the transaction path so a
	// slow device cannot stall the registration response
	go h.bootstrapDevice(deviceID)
}

func (h *Handler) bootstrapDevice(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*h.config.SIP.AckTimeout)
	defer cancel()

	if _, err := h.commander.QueryDeviceInfo(ctx, deviceID); err != nil {
		h.logger.WithField("device_id", deviceID).WithError(err).Debug("Device info query failed")
	}
	if _, err := h.commander.SyncCatalog(ctx, deviceID); err != nil {
		h.logger.WithField("device_id", deviceID).WithError(err).Warn("Catalog sync failed")
	}
}

// onMessage peeks at the MANSCDP envelope and routes the body through the
// message table. Unregistered commands are still acknowledged with 200 so
// devices do not retransmit.
func (h *Handler) onMessage(req *sip.Request, tx sip.ServerTransaction) {
	body := req.Body()
	category, cmdType, err := manscdp.Peek(body)
	if err != nil {
		h.logger.WithField("source", req.Source()).WithError(err).Warn("Unparseable MANSCDP body")
		h.respond(tx, h.newResponse(req, 400, "Bad Request"))
		return
	}

	if err := h.dispatcher.DispatchMessage(category, cmdType, req, tx, body); err != nil {
		if errors.Is(err, errors.ErrUnregisteredCommand) {
			h.logger.WithFields(logrus.Fields{
				"category": category,
				"cmd_type": cmdType,
				"source":   req.Source(),
			}).Debug("Ignoring unsupported MANSCDP command")
			h.respond(tx, h.newResponse(req, 200, "OK"))
			return
		}
		h.logger.WithFields(logrus.Fields{
			"category": category,
			"cmd_type": cmdType,
		}).WithError(err).Warn("MANSCDP handler failed")
		h.respond(tx, h.newResponse(req, 400, "Bad Request"))
	}
}

// onKeepalive stamps device liveness. Unknown devices get a 404 so they
// fall back to a fresh registration.
func (h *Handler) onKeepalive(req *sip.Request, tx sip.ServerTransaction, body []byte) error {
	var notify manscdp.KeepaliveNotify
	if err := manscdp.Decode(body, &notify); err != nil {
		return errors.Wrap(err, "decoding keepalive")
	}

	if !h.registry.Keepalive(notify.DeviceID, time.Now()) {
		h.logger.WithField("device_id", notify.DeviceID).Debug("Keepalive from unknown device")
		h.respond(tx, h.newResponse(req, 404, "Device Not Found"))
		return nil
	}

	h.respond(tx, h.newResponse(req, 200, "OK"))
	return nil
}

// onCatalogResponse ingests one part of a catalog answer: acknowledge the
// transaction first, then upsert the channels and feed the correlation
// slot. The exchange resolves once the accumulated items reach the
// declared total.
func (h *Handler) onCatalogResponse(req *sip.Request, tx sip.ServerTransaction, body []byte) error {
	var resp manscdp.CatalogResponse
	if err := manscdp.Decode(body, &resp); err != nil {
		return errors.Wrap(err, "decoding catalog response")
	}

	h.respond(tx, h.newResponse(req, 200, "OK"))

	channels := make([]registry.DeviceChannel, 0, len(resp.DeviceList.Items))
	items := make([]interface{}, 0, len(resp.DeviceList.Items))
	for _, item := range resp.DeviceList.Items {
		channels = append(channels, catalogItemToChannel(resp.DeviceID, item))
		items = append(items, item)
	}
	h.registry.UpsertChannels(channels)
	metrics.ChannelsReported.Set(float64(h.registry.ChannelCount()))

	h.logger.WithFields(logrus.Fields{
		"device_id": resp.DeviceID,
		"items":     len(items),
		"sum_num":   resp.SumNum,
	}).Debug("Catalog part received")

	if resp.SumNum == 0 {
		h.hub.Resolve(correlation.CategoryCatalog, resp.DeviceID, []interface{}{})
		return nil
	}

	collected, complete := h.hub.Accumulate(correlation.CategoryCatalog, resp.DeviceID, items, resp.SumNum)
	if complete {
		h.hub.Resolve(correlation.CategoryCatalog, resp.DeviceID, collected)
	}
	return nil
}

// onDeviceInfoResponse records the device's descriptive fields and
// resolves the waiting query.
func (h *Handler) onDeviceInfoResponse(req *sip.Request, tx sip.ServerTransaction, body []byte) error {
	var resp manscdp.DeviceInfoResponse
	if err := manscdp.Decode(body, &resp); err != nil {
		return errors.Wrap(err, "decoding device info response")
	}

	h.respond(tx, h.newResponse(req, 200, "OK"))

	h.registry.UpdateInfo(resp.DeviceID, resp.DeviceName, resp.Manufacturer, resp.Channel)
	h.hub.Resolve(correlation.CategoryDeviceInfo, resp.DeviceID, &resp)
	return nil
}

// onCatalogQuery is a device asking for our catalog. The gateway has no
// subordinate channels to report, so it just acknowledges.
func (h *Handler) onCatalogQuery(req *sip.Request, tx sip.ServerTransaction, body []byte) error {
	h.respond(tx, h.newResponse(req, 200, "OK"))
	return nil
}

// onAck closes the INVITE three-way handshake; nothing to answer
func (h *Handler) onAck(req *sip.Request, tx sip.ServerTransaction) {
	h.logger.WithField("source", req.Source()).Debug("ACK received")
}

// onBye handles a device tearing its own stream down
func (h *Handler) onBye(req *sip.Request, tx sip.ServerTransaction) {
	h.respond(tx, h.newResponse(req, 200, "OK"))

	callID := req.CallID()
	if callID == nil {
		return
	}
	if deviceID, channelID, ok := h.commander.HandleRemoteBye(callID.Value()); ok {
		h.logger.WithFields(logrus.Fields{
			"device_id":  deviceID,
			"channel_id": channelID,
		}).Info("Stream torn down by device")
	}
}

func (h *Handler) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	h.respond(tx, h.newResponse(req, 200, "OK"))
}

// newResponse builds a response with a tagged To header, matching what
// devices in the field expect from a registrar.
func (h *Handler) newResponse(req *sip.Request, status sip.StatusCode, reason string) *sip.Response {
	resp := sip.NewResponseFromRequest(req, status, reason, nil)
	if to := resp.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			tagged := &sip.ToHeader{Address: to.Address, Params: sip.NewParams()}
			tagged.Params.Add("tag", sip.GenerateTagN(10))
			resp.ReplaceHeader(tagged)
		}
	}
	return resp
}

func (h *Handler) respond(tx sip.ServerTransaction, resp *sip.Response) {
	metrics.SIPResponsesTotal.WithLabelValues(strconv.Itoa(int(resp.StatusCode))).Inc()
	if err := tx.Respond(resp); err != nil {
		h.logger.WithField("status", resp.StatusCode).WithError(err).Warn("Failed to send response")
	}
}

func catalogItemToChannel(deviceID string, item manscdp.CatalogItem) registry.DeviceChannel {
	return registry.DeviceChannel{
		DeviceID:     deviceID,
		ChannelID:    item.DeviceID,
		Name:         item.Name,
		Manufacturer: item.Manufacturer,
		Model:        item.Model,
		Owner:        item.Owner,
		CivilCode:    item.CivilCode,
		Address:      item.Address,
		Parental:     item.Parental,
		ParentID:     item.ParentID,
		SafetyWay:    item.SafetyWay,
		RegisterWay:  item.RegisterWay,
		Secrecy:      item.Secrecy,
		IPAddress:    item.IPAddress,
		Port:         item.Port,
		Longitude:    item.Longitude,
		Latitude:     item.Latitude,
		Status:       item.Status,
	}
}

func splitSource(source string) (string, int) {
	host := source
	port := 5060
	if idx := lastColon(source); idx >= 0 {
		host = source[:idx]
		if p, err := strconv.Atoi(source[idx+1:]); err == nil {
			port = p
		}
	}
	return host, port
}

// lastColon finds the host/port separator without tripping on IPv6
// literals.
func lastColon(s string) int {
	if len(s) > 0 && s[0] == '[' {
		for i := len(s) - 1; i >= 0; i-- {
			if s[i] == ']' {
				for j := i; j < len(s); j++ {
					if s[j] == ':' {
						return j
					}
				}
				return -1
			}
		}
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
