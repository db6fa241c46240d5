package sip

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/config"
	"gb28181-gateway/pkg/gb/correlation"
	"gb28181-gateway/pkg/gb/registry"
	"gb28181-gateway/pkg/media"
	"gb28181-gateway/pkg/messaging"
	"gb28181-gateway/pkg/metrics"
)

const (
	testSerial   = "34020000002000000001"
	testRealm    = "3402000000"
	testDeviceID = "34020000001320000001"
	testChannel  = "34020000001320000002"
	testPassword = "12345678"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
	acks      chan *sip.Request
}

func newFakeServerTx() *fakeServerTx {
	done := make(chan struct{})
	close(done)
	acks := make(chan *sip.Request)
	close(acks)
	return &fakeServerTx{done: done, acks: acks}
}

func (t *fakeServerTx) Respond(res *sip.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, res)
	return nil
}

func (t *fakeServerTx) Acks() <-chan *sip.Request          { return t.acks }
func (t *fakeServerTx) Done() <-chan struct{}              { return t.done }
func (t *fakeServerTx) Err() error                         { return nil }
func (t *fakeServerTx) Terminate()                         {}
func (t *fakeServerTx) OnTerminate(sip.FnTxTerminate) bool { return true }
func (t *fakeServerTx) Key() string                        { return "test" }

func (t *fakeServerTx) last() *sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.responses) == 0 {
		return nil
	}
	return t.responses[len(t.responses)-1]
}

type fakeClientTx struct {
	responses chan *sip.Response
	done      chan struct{}
	once      sync.Once
}

func newFakeClientTx() *fakeClientTx {
	return &fakeClientTx{
		responses: make(chan *sip.Response, 4),
		done:      make(chan struct{}),
	}
}

func (t *fakeClientTx) Responses() <-chan *sip.Response { return t.responses }
func (t *fakeClientTx) Done() <-chan struct{}           { return t.done }
func (t *fakeClientTx) Terminate()                      { t.once.Do(func() { close(t.done) }) }

// fakeSender captures originated requests. onSend, when set, runs for each
// transaction request with the request and its transaction.
type fakeSender struct {
	mu       sync.Mutex
	requests []*sip.Request
	written  []*sip.Request
	onSend   func(req *sip.Request, tx *fakeClientTx)
}

func (s *fakeSender) TransactionRequest(ctx context.Context, req *sip.Request) (ClientTx, error) {
	tx := newFakeClientTx()
	s.mu.Lock()
	s.requests = append(s.requests, req)
	handler := s.onSend
	s.mu.Unlock()
	if handler != nil {
		handler(req, tx)
	}
	return tx, nil
}

func (s *fakeSender) WriteRequest(req *sip.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, req)
	return nil
}

func (s *fakeSender) sentRequests(method sip.RequestMethod) []*sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sip.Request
	for _, r := range s.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeSender) writtenRequests() []*sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sip.Request(nil), s.written...)
}

// mediaCalls records media server API hits by action
type mediaCalls struct {
	mu      sync.Mutex
	creates []url.Values
	deletes []url.Values
}

func (m *mediaCalls) deleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deletes)
}

func newTestMediaServer(t *testing.T, ssrc uint32, rtpPort int) (*httptest.Server, *mediaCalls) {
	t.Helper()
	calls := &mediaCalls{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		calls.mu.Lock()
		switch query.Get("action") {
		case "create_channel":
			calls.creates = append(calls.creates, query)
		case "delete_channel":
			calls.deletes = append(calls.deletes, query)
		}
		calls.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"query": map[string]interface{}{
					"ssrc":     ssrc,
					"rtp_port": rtpPort,
				},
			},
		})
	}))
	t.Cleanup(server.Close)
	return server, calls
}

type testEnv struct {
	config    *config.Config
	registry  *registry.Registry
	hub       *correlation.Hub
	sender    *fakeSender
	commander *Commander
	handler   *Handler
	dispatch  *Dispatcher
	media     *mediaCalls
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := newTestLogger()
	metrics.Init(logger)

	server, calls := newTestMediaServer(t, 9000001, 9000)
	serverURL, _ := url.Parse(server.URL)
	apiPort, _ := strconv.Atoi(serverURL.Port())

	cfg := &config.Config{
		SIP: config.SIPConfig{
			Serial:           testSerial,
			Realm:            testRealm,
			Host:             "127.0.0.1",
			Port:             5060,
			Password:         testPassword,
			AckTimeout:       200 * time.Millisecond,
			KeepaliveTimeout: time.Minute,
			InviteTimeout:    200 * time.Millisecond,
			CatalogInterval:  time.Hour,
		},
		MediaServer: config.MediaServerConfig{
			Host:       serverURL.Hostname(),
			APIPort:    apiPort,
			HTTPPort:   8080,
			RTMPPort:   1935,
			RTPMuxPort: 9000,
			App:        "gb28181",
		},
	}

	reg := registry.New(logger)
	hub := correlation.NewHub(logger)
	sender := &fakeSender{}
	dispatcher := NewDispatcher(logger)
	mediaClient := media.NewClient(logger, &cfg.MediaServer)
	commander := NewCommander(logger, cfg, sender, dispatcher, hub, reg, mediaClient, messaging.NopPublisher{})
	handler := NewHandler(logger, cfg, reg, hub, commander, messaging.NopPublisher{})
	handler.RegisterRoutes(dispatcher)
	commander.RegisterRoutes(dispatcher)

	return &testEnv{
		config:    cfg,
		registry:  reg,
		hub:       hub,
		sender:    sender,
		commander: commander,
		handler:   handler,
		dispatch:  dispatcher,
		media:     calls,
	}
}

// registerDevice seeds an online device without going through REGISTER
func (e *testEnv) registerDevice(deviceID string) {
	e.registry.RegisterOrUpdate(deviceID, registry.TransportInfo{
		RemoteIP:   "192.0.2.20",
		RemotePort: 5060,
		Transport:  "UDP",
	}, 3600, time.Now())
}

// deviceRequest builds an inbound request the way a registered device
// would send it, with the typed headers handlers rely on.
func deviceRequest(method sip.RequestMethod, deviceID string, body []byte) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{User: testSerial, Host: testRealm})

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.0.2.20",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", "z9hG4bK-"+sip.GenerateTagN(10))
	req.AppendHeader(via)

	from := &sip.FromHeader{
		Address: sip.Uri{User: deviceID, Host: testRealm},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(10))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: deviceID, Host: testRealm}, Params: sip.NewParams()})

	callID := sip.CallIDHeader("test-" + string(method) + "-" + deviceID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if body != nil {
		req.AppendHeader(sip.NewHeader("Content-Type", "Application/MANSCDP+xml"))
		req.SetBody(body)
	}
	return req
}
