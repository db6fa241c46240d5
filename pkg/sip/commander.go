package sip

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/config"
	"gb28181-gateway/pkg/errors"
	"gb28181-gateway/pkg/gb/correlation"
	"gb28181-gateway/pkg/gb/manscdp"
	"gb28181-gateway/pkg/gb/registry"
	"gb28181-gateway/pkg/media"
	"gb28181-gateway/pkg/messaging"
	"gb28181-gateway/pkg/metrics"
)

// Sender is the slice of the SIP client the commander needs. Narrow so
// tests can substitute a fake transport.
type Sender interface {
	TransactionRequest(ctx context.Context, req *sip.Request) (ClientTx, error)
	WriteRequest(req *sip.Request) error
}

// ClientTx is the client transaction surface the commander consumes
type ClientTx interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	Terminate()
}

type sipgoSender struct {
	client *sipgo.Client
}

func newSipgoSender(client *sipgo.Client) Sender {
	return &sipgoSender{client: client}
}

func (s *sipgoSender) TransactionRequest(ctx context.Context, req *sip.Request) (ClientTx, error) {
	return s.client.TransactionRequest(ctx, req)
}

func (s *sipgoSender) WriteRequest(req *sip.Request) error {
	return s.client.WriteRequest(req)
}

// Dialog is an established INVITE dialog with a device channel. The invite
// request/response pair carries everything in-dialog requests need.
type Dialog struct {
	DeviceID  string
	ChannelID string
	SSRC      uint32
	Mode      string
	Stream    *media.StreamInfo

	invite    *sip.Request
	answer    *sip.Response
	cseq      uint32
}

type pendingInvite struct {
	deviceID  string
	channelID string
	ssrc      uint32
	mode      string
	request   *sip.Request
	startedAt time.Time
}

// Commander originates SIP requests toward registered devices: catalog and
// device-info queries, stream invitations, teardown and PTZ control.
type Commander struct {
	logger     *logrus.Logger
	config     *config.Config
	sender     Sender
	dispatcher *Dispatcher
	hub        *correlation.Hub
	registry   *registry.Registry
	media      *media.Client
	publisher  messaging.Publisher

	mu      sync.Mutex
	invites map[string]*pendingInvite // keyed by Call-ID
	dialogs map[string]*Dialog        // keyed by device@channel
	sn      uint32
}

// NewCommander creates a commander bound to the given transport and
// collaborators.
func NewCommander(
	logger *logrus.Logger,
	cfg *config.Config,
	sender Sender,
	dispatcher *Dispatcher,
	hub *correlation.Hub,
	reg *registry.Registry,
	mediaClient *media.Client,
	publisher messaging.Publisher,
) *Commander {
	return &Commander{
		logger:     logger,
		config:     cfg,
		sender:     sender,
		dispatcher: dispatcher,
		hub:        hub,
		registry:   reg,
		media:      mediaClient,
		publisher:  publisher,
		invites:    make(map[string]*pendingInvite),
		dialogs:    make(map[string]*Dialog),
		sn:         uint32(rand.Intn(10000)),
	}
}

// RegisterRoutes installs the commander's response handlers
func (c *Commander) RegisterRoutes(d *Dispatcher) {
	d.OnResponse("INVITE", c.onInviteResponse)
	d.OnResponse("BYE", c.onByeResponse)
	d.OnResponse("MESSAGE", c.onMessageResponse)
}

// SyncCatalog queries the device's channel catalog and blocks until every
// declared part has arrived or the exchange times out. The registry is
// updated part by part as responses come in; the returned slice is the
// device's channel set after the sync.
func (c *Commander) SyncCatalog(ctx context.Context, deviceID string) ([]registry.DeviceChannel, error) {
	dev, err := c.lookupOnline(deviceID)
	if err != nil {
		return nil, err
	}

	body, err := manscdp.Encode(manscdp.CatalogQuery{
		CmdType:  manscdp.CmdCatalog,
		SN:       c.nextSN(),
		DeviceID: deviceID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding catalog query")
	}

	slot := c.hub.Register(correlation.CategoryCatalog, deviceID)
	if err := c.sendMessage(ctx, dev, deviceID, body); err != nil {
		c.hub.Discard(slot)
		metrics.CatalogExchanges.WithLabelValues("send_error").Inc()
		return nil, err
	}

	if _, err := c.hub.Await(ctx, slot, c.config.SIP.AckTimeout); err != nil {
		if errors.Is(err, errors.ErrCorrelationTimeout) {
			metrics.CorrelationTimeouts.WithLabelValues(correlation.CategoryCatalog).Inc()
		}
		metrics.CatalogExchanges.WithLabelValues("timeout").Inc()
		return nil, err
	}

	metrics.CatalogExchanges.WithLabelValues("ok").Inc()
	channels := c.registry.ChannelsOf(deviceID)
	metrics.ChannelsReported.Set(float64(c.registry.ChannelCount()))
	c.publisher.PublishEvent(messaging.NewEvent(messaging.EventCatalogSynced, deviceID, ""))

	c.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"channels":  len(channels),
	}).Info("Catalog synchronized")
	return channels, nil
}

// QueryDeviceInfo asks the device for its descriptive information and
// blocks for the answer. The registry is updated by the response handler.
func (c *Commander) QueryDeviceInfo(ctx context.Context, deviceID string) (*manscdp.DeviceInfoResponse, error) {
	dev, err := c.lookupOnline(deviceID)
	if err != nil {
		return nil, err
	}

	body, err := manscdp.Encode(manscdp.DeviceInfoQuery{
		CmdType:  manscdp.CmdDeviceInfo,
		SN:       c.nextSN(),
		DeviceID: deviceID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding device info query")
	}

	slot := c.hub.Register(correlation.CategoryDeviceInfo, deviceID)
	if err := c.sendMessage(ctx, dev, deviceID, body); err != nil {
		c.hub.Discard(slot)
		return nil, err
	}

	value, err := c.hub.Await(ctx, slot, c.config.SIP.AckTimeout)
	if err != nil {
		if errors.Is(err, errors.ErrCorrelationTimeout) {
			metrics.CorrelationTimeouts.WithLabelValues(correlation.CategoryDeviceInfo).Inc()
		}
		return nil, err
	}

	info, ok := value.(*manscdp.DeviceInfoResponse)
	if !ok {
		return nil, errors.New("unexpected device info resolution type")
	}
	return info, nil
}

// Play invites a live stream from the device channel. The sequence is
// strict: provision the media channel first, then send the INVITE carrying
// the offer, then await the answer routed back through the response table.
// Calling Play for a channel that already has a live dialog returns the
// existing stream.
func (c *Commander) Play(ctx context.Context, deviceID, channelID, requestedMode string) (*media.StreamInfo, error) {
	dev, err := c.lookupOnline(deviceID)
	if err != nil {
		return nil, err
	}

	key := media.StreamName(deviceID, channelID)
	c.mu.Lock()
	if dialog, ok := c.dialogs[key]; ok {
		c.mu.Unlock()
		return dialog.Stream, nil
	}
	c.mu.Unlock()

	mode := ResolveStreamMode(requestedMode, dev.MediaTransport, dev.MediaTransportMode)

	chInfo, err := c.media.CreateChannel(ctx, deviceID, channelID)
	if err != nil {
		return nil, err
	}

	rtpPort := chInfo.RTPPort
	if rtpPort == 0 {
		rtpPort = c.config.MediaServer.RTPMuxPort
	}

	offer := BuildOffer(OfferParams{
		ChannelID:      channelID,
		MediaIP:        c.config.MediaServer.Host,
		MediaPort:      rtpPort,
		SSRC:           chInfo.SSRC,
		Mode:           mode,
		ExtendedCodecs: c.config.MediaServer.ExtendedCodecs,
	})

	req := c.newRequest(sip.INVITE, dev, channelID)
	contact := &sip.ContactHeader{Address: sip.Uri{User: c.config.SIP.Serial, Host: c.config.SIP.Host, Port: c.config.SIP.Port}}
	req.AppendHeader(contact)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Subject", fmt.Sprintf("%s:%d,%s:0", channelID, chInfo.SSRC, c.config.SIP.Serial)))
	req.SetBody([]byte(offer))

	callID := req.CallID().Value()
	pending := &pendingInvite{
		deviceID:  deviceID,
		channelID: channelID,
		ssrc:      chInfo.SSRC,
		mode:      mode,
		request:   req,
		startedAt: time.Now(),
	}
	c.mu.Lock()
	c.invites[callID] = pending
	c.mu.Unlock()

	slot := c.hub.Register(correlation.CategoryPlay, callID)

	tx, err := c.sender.TransactionRequest(ctx, req)
	if err != nil {
		c.abortInvite(callID, slot, deviceID, channelID)
		metrics.SIPSendErrors.WithLabelValues("INVITE").Inc()
		return nil, errors.Wrap(err, "sending INVITE")
	}
	go c.watchResponses(tx, "INVITE")

	value, err := c.hub.Await(ctx, slot, c.config.SIP.InviteTimeout)
	if err != nil {
		c.abortInvite(callID, slot, deviceID, channelID)
		if errors.Is(err, errors.ErrCorrelationTimeout) {
			metrics.CorrelationTimeouts.WithLabelValues(correlation.CategoryPlay).Inc()
		}
		return nil, err
	}

	switch v := value.(type) {
	case *media.StreamInfo:
		metrics.InviteSetupTime.Observe(time.Since(pending.startedAt).Seconds())
		metrics.StreamsActive.Inc()
		c.publisher.PublishEvent(messaging.NewEvent(messaging.EventStreamStarted, deviceID, channelID))
		return v, nil
	case error:
		c.releaseChannel(deviceID, channelID)
		return nil, v
	default:
		c.releaseChannel(deviceID, channelID)
		return nil, errors.New("unexpected play resolution type")
	}
}

// Stop tears the stream down: BYE on the dialog and, independently, a
// best-effort release of the media channel. Either leg failing does not
// stop the other.
func (c *Commander) Stop(ctx context.Context, deviceID, channelID string) error {
	key := media.StreamName(deviceID, channelID)

	c.mu.Lock()
	dialog, ok := c.dialogs[key]
	if ok {
		delete(c.dialogs, key)
	}
	c.mu.Unlock()

	if !ok {
		return errors.Wrap(errors.ErrDialogNotFound, key)
	}

	bye := c.newInDialogRequest(sip.BYE, dialog)
	if tx, err := c.sender.TransactionRequest(ctx, bye); err != nil {
		c.logger.WithFields(logrus.Fields{
			"device_id":  deviceID,
			"channel_id": channelID,
		}).WithError(err).Warn("Failed to send BYE, releasing media channel anyway")
		metrics.SIPSendErrors.WithLabelValues("BYE").Inc()
	} else {
		go c.watchResponses(tx, "BYE")
	}

	c.releaseChannel(deviceID, channelID)

	metrics.StreamsActive.Dec()
	c.publisher.PublishEvent(messaging.NewEvent(messaging.EventStreamStopped, deviceID, channelID))
	c.logger.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"channel_id": channelID,
		"ssrc":       dialog.SSRC,
	}).Info("Stream stopped")
	return nil
}

// ControlPTZ sends a PTZ command to the device channel. Fire-and-forget:
// devices acknowledge with a bare 200.
func (c *Commander) ControlPTZ(ctx context.Context, deviceID, channelID, ptzCmd string) error {
	dev, err := c.lookupOnline(deviceID)
	if err != nil {
		return err
	}

	body, err := manscdp.Encode(manscdp.DeviceControl{
		CmdType:  manscdp.CmdDeviceControl,
		SN:       c.nextSN(),
		DeviceID: channelID,
		PTZCmd:   ptzCmd,
	})
	if err != nil {
		return errors.Wrap(err, "encoding PTZ control")
	}
	return c.sendMessage(ctx, dev, channelID, body)
}

// Dialogs returns a snapshot of the live stream dialogs
func (c *Commander) Dialogs() []*media.StreamInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	streams := make([]*media.StreamInfo, 0, len(c.dialogs))
	for _, d := range c.dialogs {
		streams = append(streams, d.Stream)
	}
	return streams
}

// ReleaseDevice tears down every live dialog belonging to the device.
// Called when a device unregisters or goes silent.
func (c *Commander) ReleaseDevice(ctx context.Context, deviceID string) {
	c.mu.Lock()
	var channels []string
	for _, d := range c.dialogs {
		if d.DeviceID == deviceID {
			channels = append(channels, d.ChannelID)
		}
	}
	c.mu.Unlock()

	for _, ch := range channels {
		if err := c.Stop(ctx, deviceID, ch); err != nil {
			c.logger.WithFields(logrus.Fields{
				"device_id":  deviceID,
				"channel_id": ch,
			}).WithError(err).Warn("Failed to stop stream during device release")
		}
	}
}

// HandleRemoteBye tears down the dialog identified by the device's own BYE.
// Returns the stream identity when a matching dialog existed.
func (c *Commander) HandleRemoteBye(callID string) (string, string, bool) {
	c.mu.Lock()
	var dialog *Dialog
	var key string
	for k, d := range c.dialogs {
		if d.invite.CallID().Value() == callID {
			dialog, key = d, k
			break
		}
	}
	if dialog != nil {
		delete(c.dialogs, key)
	}
	c.mu.Unlock()

	if dialog == nil {
		return "", "", false
	}

	c.releaseChannel(dialog.DeviceID, dialog.ChannelID)
	metrics.StreamsActive.Dec()
	c.publisher.PublishEvent(messaging.NewEvent(messaging.EventStreamStopped, dialog.DeviceID, dialog.ChannelID))
	return dialog.DeviceID, dialog.ChannelID, true
}

// onInviteResponse completes the invite exchange: non-2xx resolves the
// waiting Play call with an error, 200 is ACKed, recorded as a dialog and
// resolved with the stream info.
func (c *Commander) onInviteResponse(resp *sip.Response) error {
	callID := resp.CallID()
	if callID == nil {
		return errors.Wrap(errors.ErrInvalidSIPMessage, "INVITE response without Call-ID")
	}

	c.mu.Lock()
	pending, ok := c.invites[callID.Value()]
	if ok {
		delete(c.invites, callID.Value())
	}
	c.mu.Unlock()
	if !ok {
		return errors.Wrapf(errors.ErrDialogNotFound, "no pending invite for call %s", callID.Value())
	}

	if resp.StatusCode != 200 {
		c.hub.Resolve(correlation.CategoryPlay, callID.Value(),
			errors.New("device rejected invite").WithFields(map[string]interface{}{
				"status":     int(resp.StatusCode),
				"device_id":  pending.deviceID,
				"channel_id": pending.channelID,
			}))
		return nil
	}

	// Devices may assert their own ssrc in the answer's y= line
	ssrc := pending.ssrc
	if answered := ExtractSSRC(string(resp.Body())); answered != 0 {
		ssrc = answered
	}
	if _, err := ParseAnswer(resp.Body()); err != nil {
		c.logger.WithField("device_id", pending.deviceID).WithError(err).Debug("Unparseable SDP answer, proceeding with offer parameters")
	}

	ack := sip.NewAckRequest(pending.request, resp, nil)
	if err := c.sender.WriteRequest(ack); err != nil {
		c.logger.WithField("device_id", pending.deviceID).WithError(err).Warn("Failed to send ACK")
		metrics.SIPSendErrors.WithLabelValues("ACK").Inc()
	}

	info := media.BuildStreamInfo(&c.config.MediaServer, pending.deviceID, pending.channelID, ssrc, pending.mode)

	dialog := &Dialog{
		DeviceID:  pending.deviceID,
		ChannelID: pending.channelID,
		SSRC:      ssrc,
		Mode:      pending.mode,
		Stream:    info,
		invite:    pending.request,
		answer:    resp,
		cseq:      pending.request.CSeq().SeqNo,
	}
	c.mu.Lock()
	c.dialogs[media.StreamName(pending.deviceID, pending.channelID)] = dialog
	c.mu.Unlock()

	c.hub.Resolve(correlation.CategoryPlay, callID.Value(), info)
	return nil
}

func (c *Commander) onByeResponse(resp *sip.Response) error {
	if resp.StatusCode != 200 {
		c.logger.WithField("status", resp.StatusCode).Debug("BYE rejected by device")
	}
	return nil
}

func (c *Commander) onMessageResponse(resp *sip.Response) error {
	if resp.StatusCode >= 300 {
		c.logger.WithField("status", resp.StatusCode).Debug("MESSAGE rejected by device")
	}
	return nil
}

// newRequest builds an out-of-dialog request addressed to the device. The
// request URI domain is derived from the target's GB28181 id; the wire
// destination is the device's registered source address.
func (c *Commander) newRequest(method sip.RequestMethod, dev registry.Device, targetID string) *sip.Request {
	recipient := sip.Uri{User: targetID, Host: gbDomain(targetID, c.config.SIP.Realm)}
	req := sip.NewRequest(method, recipient)

	from := &sip.FromHeader{
		Address: sip.Uri{User: c.config.SIP.Serial, Host: c.config.SIP.Realm},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetDestination(fmt.Sprintf("%s:%d", dev.RemoteIP, dev.RemotePort))
	req.SetTransport(strings.ToUpper(dev.CommandTransport))
	return req
}

// newInDialogRequest builds a request inside an established dialog,
// reusing the invite's identity headers with an incremented CSeq.
func (c *Commander) newInDialogRequest(method sip.RequestMethod, dialog *Dialog) *sip.Request {
	req := sip.NewRequest(method, dialog.invite.Recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if h := dialog.invite.From(); h != nil {
		req.AppendHeader(h)
	}
	if h := dialog.answer.To(); h != nil {
		req.AppendHeader(h)
	}
	if h := dialog.invite.CallID(); h != nil {
		req.AppendHeader(h)
	}
	dialog.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: dialog.cseq, MethodName: method})

	req.SetDestination(dialog.invite.Destination())
	req.SetTransport(dialog.invite.Transport())
	return req
}

// sendMessage sends a MANSCDP body to the device in a MESSAGE request and
// returns once the transaction is created; the acknowledgement is drained
// asynchronously.
func (c *Commander) sendMessage(ctx context.Context, dev registry.Device, targetID string, body []byte) error {
	req := c.newRequest(sip.MESSAGE, dev, targetID)
	req.AppendHeader(sip.NewHeader("Content-Type", manscdp.ContentType))
	req.SetBody(body)

	tx, err := c.sender.TransactionRequest(ctx, req)
	if err != nil {
		metrics.SIPSendErrors.WithLabelValues("MESSAGE").Inc()
		return errors.Wrap(err, "sending MESSAGE")
	}
	go c.watchResponses(tx, "MESSAGE")
	return nil
}

// watchResponses forwards the transaction's final response into the
// dispatcher's response table, skipping provisionals.
func (c *Commander) watchResponses(tx ClientTx, method string) {
	defer tx.Terminate()
	for {
		select {
		case resp, ok := <-tx.Responses():
			if !ok {
				return
			}
			if resp.StatusCode < 200 {
				continue
			}
			if err := c.dispatcher.DispatchResponse(resp); err != nil {
				c.logger.WithField("method", method).WithError(err).Debug("Response not dispatched")
			}
			return
		case <-tx.Done():
			return
		}
	}
}

func (c *Commander) lookupOnline(deviceID string) (registry.Device, error) {
	dev, ok := c.registry.Lookup(deviceID)
	if !ok {
		return registry.Device{}, errors.Wrap(errors.ErrDeviceNotFound, deviceID)
	}
	if !dev.Online {
		return registry.Device{}, errors.Wrap(errors.ErrDeviceOffline, deviceID)
	}
	return dev, nil
}

func (c *Commander) abortInvite(callID string, slot *correlation.Slot, deviceID, channelID string) {
	c.mu.Lock()
	delete(c.invites, callID)
	c.mu.Unlock()
	c.hub.Discard(slot)
	c.releaseChannel(deviceID, channelID)
}

// releaseChannel frees the provisioned media channel with its own short
// deadline so teardown never inherits a cancelled caller context.
func (c *Commander) releaseChannel(deviceID, channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.media.DeleteChannel(ctx, deviceID, channelID); err != nil {
		c.logger.WithFields(logrus.Fields{
			"device_id":  deviceID,
			"channel_id": channelID,
		}).WithError(err).Warn("Failed to release media channel")
	}
}

func (c *Commander) nextSN() string {
	c.mu.Lock()
	c.sn++
	sn := c.sn
	c.mu.Unlock()
	return fmt.Sprintf("%08d", sn%100000000)
}

// gbDomain derives the SIP domain from a GB28181 id: the first ten digits
// name the administrative region the id was allocated under.
func gbDomain(id, fallback string) string {
	if len(id) == 20 {
		return id[:10]
	}
	return fallback
}
