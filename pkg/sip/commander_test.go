package sip

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gb28181-gateway/pkg/errors"
	"gb28181-gateway/pkg/gb/correlation"
	"gb28181-gateway/pkg/gb/manscdp"
	"gb28181-gateway/pkg/gb/registry"
)

func deviceAnswer(ssrc string) []byte {
	return []byte(strings.Join([]string{
		"v=0",
		"o=" + testChannel + " 0 0 IN IP4 192.0.2.20",
		"s=Play",
		"c=IN IP4 192.0.2.20",
		"t=0 0",
		"m=video 62000 RTP/AVP 96",
		"a=sendonly",
		"a=rtpmap:96 PS/90000",
		"y=" + ssrc,
	}, "\r\n"))
}

func answerInvites(env *testEnv, status sip.StatusCode, body []byte) {
	env.sender.onSend = func(req *sip.Request, tx *fakeClientTx) {
		if req.Method != sip.INVITE {
			return
		}
		reason := "OK"
		if status != 200 {
			reason = "Busy Here"
		}
		tx.responses <- sip.NewResponseFromRequest(req, status, reason, body)
	}
}

func TestPlayEstablishesStream(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)
	answerInvites(env, 200, deviceAnswer("9000001"))

	info, err := env.commander.Play(context.Background(), testDeviceID, testChannel, "")
	require.NoError(t, err)

	assert.Equal(t, "9000001", info.StreamID)
	assert.Equal(t, ModeUDP, info.Transport)
	assert.Contains(t, info.Flv, testDeviceID+"@"+testChannel+".flv")
	assert.NotEmpty(t, info.Rtmp)
	assert.NotEmpty(t, info.WebRTC)

	invites := env.sender.sentRequests(sip.INVITE)
	require.Len(t, invites, 1)
	inv := invites[0]
	assert.Contains(t, string(inv.Body()), "y=0009000001")
	assert.Contains(t, string(inv.Body()), "s=Play")

	subject := inv.GetHeader("Subject")
	require.NotNil(t, subject)
	assert.Equal(t, testChannel+":9000001,"+testSerial+":0", subject.Value())

	// the 200 was acknowledged and the dialog recorded
	written := env.sender.writtenRequests()
	require.Len(t, written, 1)
	assert.Equal(t, sip.ACK, written[0].Method)
	assert.Len(t, env.commander.Dialogs(), 1)
}

func TestPlayIsIdempotentPerChannel(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)
	answerInvites(env, 200, deviceAnswer("9000001"))

	first, err := env.commander.Play(context.Background(), testDeviceID, testChannel, "")
	require.NoError(t, err)
	second, err := env.commander.Play(context.Background(), testDeviceID, testChannel, "")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, env.sender.sentRequests(sip.INVITE), 1)
}

func TestPlayUnknownDevice(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.commander.Play(context.Background(), testDeviceID, testChannel, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeviceNotFound))
}

func TestPlayOfflineDevice(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)
	env.registry.SetOffline(testDeviceID)

	_, err := env.commander.Play(context.Background(), testDeviceID, testChannel, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeviceOffline))
}

func TestPlayRejectedByDevice(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)
	answerInvites(env, 486, nil)

	_, err := env.commander.Play(context.Background(), testDeviceID, testChannel, "")
	require.Error(t, err)

	assert.Empty(t, env.commander.Dialogs())
	assert.GreaterOrEqual(t, env.media.deleteCount(), 1, "provisioned channel must be released")
}

func TestPlayTimeoutReleasesChannel(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)
	// device never answers

	start := time.Now()
	_, err := env.commander.Play(context.Background(), testDeviceID, testChannel, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCorrelationTimeout))
	assert.GreaterOrEqual(t, time.Since(start), env.config.SIP.InviteTimeout)

	assert.Empty(t, env.commander.Dialogs())
	assert.GreaterOrEqual(t, env.media.deleteCount(), 1)
	assert.False(t, env.hub.Pending(correlation.CategoryPlay, testDeviceID))
}

func TestPlayUsesDeviceMediaTransport(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)
	answerInvites(env, 200, deviceAnswer("9000001"))

	info, err := env.commander.Play(context.Background(), testDeviceID, testChannel, ModeTCPPassive)
	require.NoError(t, err)
	assert.Equal(t, ModeTCPPassive, info.Transport)

	inv := env.sender.sentRequests(sip.INVITE)[0]
	assert.Contains(t, string(inv.Body()), "TCP/RTP/AVP")
	assert.Contains(t, string(inv.Body()), "a=setup:passive")
}

func TestStopSendsByeAndReleasesChannel(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)
	answerInvites(env, 200, deviceAnswer("9000001"))

	_, err := env.commander.Play(context.Background(), testDeviceID, testChannel, "")
	require.NoError(t, err)

	require.NoError(t, env.commander.Stop(context.Background(), testDeviceID, testChannel))

	byes := env.sender.sentRequests(sip.BYE)
	require.Len(t, byes, 1)
	bye := byes[0]

	invite := env.sender.sentRequests(sip.INVITE)[0]
	assert.Equal(t, invite.CallID().Value(), bye.CallID().Value())
	assert.Equal(t, invite.CSeq().SeqNo+1, bye.CSeq().SeqNo)

	assert.Empty(t, env.commander.Dialogs())
	assert.GreaterOrEqual(t, env.media.deleteCount(), 1)
}

func TestStopWithoutDialog(t *testing.T) {
	env := newTestEnv(t)

	err := env.commander.Stop(context.Background(), testDeviceID, testChannel)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDialogNotFound))
}

func TestReleaseDeviceStopsAllStreams(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)
	answerInvites(env, 200, deviceAnswer("9000001"))

	_, err := env.commander.Play(context.Background(), testDeviceID, testChannel, "")
	require.NoError(t, err)

	env.commander.ReleaseDevice(context.Background(), testDeviceID)
	assert.Empty(t, env.commander.Dialogs())
	assert.Len(t, env.sender.sentRequests(sip.BYE), 1)
}

func TestControlPTZSendsDeviceControl(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)

	require.NoError(t, env.commander.ControlPTZ(context.Background(), testDeviceID, testChannel, "A50F01011F0000D6"))

	messages := env.sender.sentRequests(sip.MESSAGE)
	require.Len(t, messages, 1)
	msg := messages[0]

	category, cmdType, err := manscdp.Peek(msg.Body())
	require.NoError(t, err)
	assert.Equal(t, manscdp.CategoryControl, category)
	assert.Equal(t, manscdp.CmdDeviceControl, cmdType)

	var control manscdp.DeviceControl
	require.NoError(t, manscdp.Decode(msg.Body(), &control))
	assert.Equal(t, testChannel, control.DeviceID)
	assert.Equal(t, "A50F01011F0000D6", control.PTZCmd)
}

func TestSyncCatalogTimesOutWithoutResponses(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)

	_, err := env.commander.SyncCatalog(context.Background(), testDeviceID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCorrelationTimeout))
	assert.False(t, env.hub.Pending(correlation.CategoryCatalog, testDeviceID))
}

func TestMaintenanceSweepOfflinesSilentDevice(t *testing.T) {
	env := newTestEnv(t)
	stale := time.Now().Add(-10 * time.Minute)
	env.registry.RegisterOrUpdate(testDeviceID, registry.TransportInfo{
		RemoteIP:   "192.0.2.20",
		RemotePort: 5060,
		Transport:  "UDP",
	}, 3600, stale)
	answerInvites(env, 200, deviceAnswer("9000001"))

	_, err := env.commander.Play(context.Background(), testDeviceID, testChannel, "")
	require.NoError(t, err)

	env.commander.expireStaleDevices(context.Background(), env.config.SIP.KeepaliveTimeout)

	dev, ok := env.registry.Lookup(testDeviceID)
	require.True(t, ok)
	assert.False(t, dev.Online)
	assert.Empty(t, env.commander.Dialogs())
	assert.Len(t, env.sender.sentRequests(sip.BYE), 1)
}

func TestMaintenanceSweepLeavesLiveDevicesAlone(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(testDeviceID)

	env.commander.expireStaleDevices(context.Background(), env.config.SIP.KeepaliveTimeout)

	dev, _ := env.registry.Lookup(testDeviceID)
	assert.True(t, dev.Online)
}
