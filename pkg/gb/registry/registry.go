package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults applied when a device registers for the first time
const (
	DefaultCatalogInterval   = 3600
	DefaultSubscribeInterval = 0
	deviceTypeGB             = "GB"
)

// TransportInfo carries the network facts of a registration
type TransportInfo struct {
	RemoteIP  string
	RemotePort int
	Transport string
}

// Registry owns the device and channel stores. All mutations are keyed
// upserts; independent keys never contend beyond the store lock.
type Registry struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	devices  map[string]*Device
	channels map[string]map[string]*DeviceChannel
}

// New creates an empty registry
func New(logger *logrus.Logger) *Registry {
	return &Registry{
		logger:   logger,
		devices:  make(map[string]*Device),
		channels: make(map[string]map[string]*DeviceChannel),
	}
}

// RegisterOrUpdate creates the device on first registration or refreshes its
// transport facts and timestamps on subsequent ones. A non-positive expiry
// marks the device offline instead of online. Returns the updated record and
// whether it was newly created.
func (r *Registry) RegisterOrUpdate(deviceID string, info TransportInfo, expires int, now time.Time) (Device, bool) {
	online := expires > 0

	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok {
		device = &Device{
			ID:                deviceID,
			Type:              deviceTypeGB,
			CatalogInterval:   DefaultCatalogInterval,
			SubscribeInterval: DefaultSubscribeInterval,
			MediaTransport:    TransportUDP,
			CreateTime:        now,
			RegisterTime:      now,
		}
		r.devices[deviceID] = device
	}

	device.Online = online
	device.CommandTransport = info.Transport
	device.RemoteIP = info.RemoteIP
	device.RemotePort = info.RemotePort
	device.RegisterTime = now
	device.LastKeepalive = now
	device.UpdateTime = now

	return *device, !ok
}

// Lookup returns a copy of the device record
func (r *Registry) Lookup(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *device, true
}

// UpdateInfo refreshes the descriptive fields reported by a DeviceInfo
// response. Unknown devices are ignored.
func (r *Registry) UpdateInfo(deviceID, name, manufacturer string, channelCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return
	}
	if name != "" {
		device.Name = name
	}
	if manufacturer != "" {
		device.Manufacturer = manufacturer
	}
	if channelCount > 0 {
		device.ChannelCount = channelCount
	}
	device.UpdateTime = time.Now()
}

// Keepalive stamps the device's liveness time. Returns false when the device
// is unknown so the caller can reject the notification.
func (r *Registry) Keepalive(deviceID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	device.LastKeepalive = now
	device.UpdateTime = now
	return true
}

// SetOffline soft-offlines the device. Records are never deleted.
func (r *Registry) SetOffline(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if device, ok := r.devices[deviceID]; ok {
		device.Online = false
		device.UpdateTime = time.Now()
	}
}

// ExpireStale offlines every online device whose last keepalive is older
// than the cutoff and returns copies of the expired records.
func (r *Registry) ExpireStale(cutoff time.Time) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []Device
	for _, device := range r.devices {
		if device.Online && device.LastKeepalive.Before(cutoff) {
			device.Online = false
			device.UpdateTime = time.Now()
			expired = append(expired, *device)
		}
	}
	return expired
}

// ListDevices returns copies of all device records sorted by ID
func (r *Registry) ListDevices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]Device, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, *device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// OnlineCount returns the number of online devices
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, device := range r.devices {
		if device.Online {
			count++
		}
	}
	return count
}

// UpsertChannels replaces channel records keyed by channel ID. Channels
// absent from the batch are left untouched: catalog responses may arrive in
// partial batches and absence is not deletion.
func (r *Registry) UpsertChannels(channels []DeviceChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range channels {
		ch := channels[i]
		inner, ok := r.channels[ch.DeviceID]
		if !ok {
			inner = make(map[string]*DeviceChannel)
			r.channels[ch.DeviceID] = inner
		}
		inner[ch.ChannelID] = &ch
	}
}

// ChannelsOf returns copies of the channels of one device sorted by channel ID
func (r *Registry) ChannelsOf(deviceID string) []DeviceChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inner := r.channels[deviceID]
	channels := make([]DeviceChannel, 0, len(inner))
	for _, ch := range inner {
		channels = append(channels, *ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ChannelID < channels[j].ChannelID })
	return channels
}

// ChannelCount returns the number of channels known across all devices
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, inner := range r.channels {
		count += len(inner)
	}
	return count
}
