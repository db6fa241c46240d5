package registry

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	logger := logrus.New()
	logger.Out = io.Discard
	return New(logger)
}

func TestRegisterCreatesDeviceWithDefaults(t *testing.T) {
	reg := newTestRegistry()
	now := time.Now()

	device, created := reg.RegisterOrUpdate("34020000001320000001", TransportInfo{
		RemoteIP:   "192.168.1.20",
		RemotePort: 5060,
		Transport:  TransportUDP,
	}, 3600, now)

	assert.True(t, created)
	assert.True(t, device.Online)
	assert.Equal(t, "GB", device.Type)
	assert.Equal(t, DefaultCatalogInterval, device.CatalogInterval)
	assert.Equal(t, DefaultSubscribeInterval, device.SubscribeInterval)
	assert.False(t, device.CatalogSubscribe)
	assert.False(t, device.AlarmSubscribe)
	assert.False(t, device.PositionSubscribe)
	assert.Equal(t, "192.168.1.20", device.RemoteIP)
	assert.Equal(t, now, device.CreateTime)
}

func TestReRegisterRefreshesWithoutTouchingOtherFields(t *testing.T) {
	reg := newTestRegistry()
	first := time.Now()
	reg.RegisterOrUpdate("dev1", TransportInfo{RemoteIP: "10.0.0.1", RemotePort: 5060, Transport: TransportUDP}, 3600, first)
	reg.UpdateInfo("dev1", "front gate", "Hikvision", 4)

	second := first.Add(time.Minute)
	device, created := reg.RegisterOrUpdate("dev1", TransportInfo{RemoteIP: "10.0.0.2", RemotePort: 5062, Transport: TransportTCP}, 3600, second)

	assert.False(t, created)
	assert.True(t, device.Online)
	assert.Equal(t, "10.0.0.2", device.RemoteIP)
	assert.Equal(t, 5062, device.RemotePort)
	assert.Equal(t, TransportTCP, device.CommandTransport)
	assert.Equal(t, second, device.RegisterTime)
	assert.Equal(t, first, device.CreateTime)
	// Descriptive fields survive re-registration
	assert.Equal(t, "front gate", device.Name)
	assert.Equal(t, "Hikvision", device.Manufacturer)
	assert.Equal(t, 4, device.ChannelCount)
}

func TestRegisterWithZeroExpiryMarksOffline(t *testing.T) {
	reg := newTestRegistry()
	now := time.Now()
	reg.RegisterOrUpdate("dev1", TransportInfo{RemoteIP: "10.0.0.1", RemotePort: 5060, Transport: TransportUDP}, 3600, now)

	device, _ := reg.RegisterOrUpdate("dev1", TransportInfo{RemoteIP: "10.0.0.1", RemotePort: 5060, Transport: TransportUDP}, 0, now)
	assert.False(t, device.Online)
	assert.Equal(t, 0, reg.OnlineCount())
}

func TestKeepaliveUnknownDevice(t *testing.T) {
	reg := newTestRegistry()
	assert.False(t, reg.Keepalive("nobody", time.Now()))
}

func TestKeepaliveStampsLiveness(t *testing.T) {
	reg := newTestRegistry()
	start := time.Now()
	reg.RegisterOrUpdate("dev1", TransportInfo{RemoteIP: "10.0.0.1", RemotePort: 5060, Transport: TransportUDP}, 3600, start)

	later := start.Add(30 * time.Second)
	require.True(t, reg.Keepalive("dev1", later))

	device, ok := reg.Lookup("dev1")
	require.True(t, ok)
	assert.Equal(t, later, device.LastKeepalive)
}

func TestExpireStaleOfflinesLapsedDevices(t *testing.T) {
	reg := newTestRegistry()
	start := time.Now()
	reg.RegisterOrUpdate("dev1", TransportInfo{RemoteIP: "10.0.0.1", RemotePort: 5060, Transport: TransportUDP}, 3600, start)
	reg.RegisterOrUpdate("dev2", TransportInfo{RemoteIP: "10.0.0.2", RemotePort: 5060, Transport: TransportUDP}, 3600, start)
	require.True(t, reg.Keepalive("dev2", start.Add(2*time.Minute)))

	expired := reg.ExpireStale(start.Add(time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, "dev1", expired[0].ID)
	assert.False(t, expired[0].Online)

	device, _ := reg.Lookup("dev1")
	assert.False(t, device.Online)
	assert.Equal(t, 1, reg.OnlineCount())

	// A second sweep finds nothing new
	assert.Empty(t, reg.ExpireStale(start.Add(time.Minute)))
}

func TestUpsertChannelsIsKeyedByChannelID(t *testing.T) {
	reg := newTestRegistry()

	reg.UpsertChannels([]DeviceChannel{
		{DeviceID: "dev1", ChannelID: "ch1", Name: "old name"},
		{DeviceID: "dev1", ChannelID: "ch2", Name: "yard"},
	})
	reg.UpsertChannels([]DeviceChannel{
		{DeviceID: "dev1", ChannelID: "ch1", Name: "new name"},
		{DeviceID: "dev2", ChannelID: "ch1", Name: "other device"},
	})

	channels := reg.ChannelsOf("dev1")
	require.Len(t, channels, 2)
	assert.Equal(t, "new name", channels[0].Name)
	assert.Equal(t, "yard", channels[1].Name)

	// Same channel ID under a different device is an independent record
	assert.Len(t, reg.ChannelsOf("dev2"), 1)
	assert.Equal(t, 3, reg.ChannelCount())
}

func TestUpsertDuplicateBatchDoesNotMultiply(t *testing.T) {
	reg := newTestRegistry()
	batch := []DeviceChannel{
		{DeviceID: "dev1", ChannelID: "ch1"},
		{DeviceID: "dev1", ChannelID: "ch2"},
	}
	reg.UpsertChannels(batch)
	reg.UpsertChannels(batch)
	assert.Len(t, reg.ChannelsOf("dev1"), 2)
}

func TestListDevicesSorted(t *testing.T) {
	reg := newTestRegistry()
	now := time.Now()
	reg.RegisterOrUpdate("b", TransportInfo{Transport: TransportUDP}, 3600, now)
	reg.RegisterOrUpdate("a", TransportInfo{Transport: TransportUDP}, 3600, now)

	devices := reg.ListDevices()
	require.Len(t, devices, 2)
	assert.Equal(t, "a", devices[0].ID)
	assert.Equal(t, "b", devices[1].ID)
}
