package sip

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gb28181-gateway/pkg/errors"
)

func TestDispatchRequestRoutesByMethod(t *testing.T) {
	d := NewDispatcher(newTestLogger())

	var handled *sip.Request
	d.OnRequest(sip.MESSAGE, func(req *sip.Request, tx sip.ServerTransaction) {
		handled = req
	})

	req := deviceRequest(sip.MESSAGE, testDeviceID, nil)
	tx := newFakeServerTx()
	require.NoError(t, d.DispatchRequest(req, tx))
	assert.Same(t, req, handled)
}

func TestDispatchRequestUnregisteredMethod(t *testing.T) {
	d := NewDispatcher(newTestLogger())

	req := deviceRequest(sip.SUBSCRIBE, testDeviceID, nil)
	tx := newFakeServerTx()
	err := d.DispatchRequest(req, tx)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnregisteredMethod))
	require.NotNil(t, tx.last())
	assert.Equal(t, 405, int(tx.last().StatusCode))
}

func TestDispatchResponseRoutesByCSeqMethod(t *testing.T) {
	d := NewDispatcher(newTestLogger())

	var got *sip.Response
	d.OnResponse("INVITE", func(resp *sip.Response) error {
		got = resp
		return nil
	})

	req := deviceRequest(sip.INVITE, testDeviceID, nil)
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	require.NoError(t, d.DispatchResponse(resp))
	assert.Same(t, resp, got)
}

func TestDispatchResponseUnregisteredMethod(t *testing.T) {
	d := NewDispatcher(newTestLogger())

	req := deviceRequest(sip.BYE, testDeviceID, nil)
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)

	err := d.DispatchResponse(resp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnregisteredMethod))
}

func TestDispatchMessageRoutesByCommand(t *testing.T) {
	d := NewDispatcher(newTestLogger())

	var gotBody []byte
	d.OnMessage("Notify", "Keepalive", func(req *sip.Request, tx sip.ServerTransaction, body []byte) error {
		gotBody = body
		return nil
	})

	req := deviceRequest(sip.MESSAGE, testDeviceID, []byte("<Notify/>"))
	tx := newFakeServerTx()
	require.NoError(t, d.DispatchMessage("Notify", "Keepalive", req, tx, req.Body()))
	assert.Equal(t, req.Body(), gotBody)
}

func TestDispatchMessageUnregisteredCommand(t *testing.T) {
	d := NewDispatcher(newTestLogger())

	req := deviceRequest(sip.MESSAGE, testDeviceID, []byte("<Notify/>"))
	tx := newFakeServerTx()
	err := d.DispatchMessage("Notify", "Alarm", req, tx, req.Body())

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnregisteredCommand))
}
