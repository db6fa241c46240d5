package sip

import (
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/errors"
)

// RequestHandler processes an incoming SIP request on its server transaction
type RequestHandler func(req *sip.Request, tx sip.ServerTransaction)

// ResponseHandler processes a final response to a gateway-originated request
type ResponseHandler func(resp *sip.Response) error

// MessageHandler processes the decoded body of a MANSCDP MESSAGE
type MessageHandler func(req *sip.Request, tx sip.ServerTransaction, body []byte) error

type messageKey struct {
	category string
	cmdType  string
}

// Dispatcher routes SIP traffic through three static tables: one keyed by
// request method, one keyed by the CSeq method of responses to outgoing
// requests, and one keyed by MANSCDP category plus CmdType.
type Dispatcher struct {
	logger    *logrus.Logger
	requests  map[sip.RequestMethod]RequestHandler
	responses map[string]ResponseHandler
	messages  map[messageKey]MessageHandler
}

// NewDispatcher creates a dispatcher with empty tables
func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		requests:  make(map[sip.RequestMethod]RequestHandler),
		responses: make(map[string]ResponseHandler),
		messages:  make(map[messageKey]MessageHandler),
	}
}

// OnRequest registers the handler for a SIP method. Registration happens
// once at startup; the tables are read-only afterwards.
func (d *Dispatcher) OnRequest(method sip.RequestMethod, h RequestHandler) {
	d.requests[method] = h
}

// OnResponse registers the handler for responses whose CSeq carries the
// given method.
func (d *Dispatcher) OnResponse(method string, h ResponseHandler) {
	d.responses[method] = h
}

// OnMessage registers the handler for a MANSCDP category and command type
func (d *Dispatcher) OnMessage(category, cmdType string, h MessageHandler) {
	d.messages[messageKey{category, cmdType}] = h
}

// DispatchRequest routes a request to its method handler. Unknown methods
// get a 405 response and an ErrUnregisteredMethod return.
func (d *Dispatcher) DispatchRequest(req *sip.Request, tx sip.ServerTransaction) error {
	h, ok := d.requests[req.Method]
	if !ok {
		resp := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
		if err := tx.Respond(resp); err != nil {
			d.logger.WithField("method", req.Method).WithError(err).Warn("Failed to reject unhandled method")
		}
		return errors.Wrap(errors.ErrUnregisteredMethod, string(req.Method))
	}
	h(req, tx)
	return nil
}

// DispatchResponse routes a response by its CSeq method. Responses with no
// registered handler are dropped with ErrUnregisteredMethod.
func (d *Dispatcher) DispatchResponse(resp *sip.Response) error {
	cseq := resp.CSeq()
	if cseq == nil {
		return errors.Wrap(errors.ErrInvalidSIPMessage, "response without CSeq")
	}
	h, ok := d.responses[string(cseq.MethodName)]
	if !ok {
		return errors.Wrapf(errors.ErrUnregisteredMethod, "response for %s", cseq.MethodName)
	}
	return h(resp)
}

// DispatchMessage routes a decoded MANSCDP body. An unregistered command
// returns ErrUnregisteredCommand; the caller still acknowledges the
// transaction so devices do not retransmit.
func (d *Dispatcher) DispatchMessage(category, cmdType string, req *sip.Request, tx sip.ServerTransaction, body []byte) error {
	h, ok := d.messages[messageKey{category, cmdType}]
	if !ok {
		return errors.Wrapf(errors.ErrUnregisteredCommand, "%s/%s", category, cmdType)
	}
	return h(req, tx, body)
}
