package registry

import "time"

// Transport kinds a device can signal or receive media over
const (
	TransportUDP = "UDP"
	TransportTCP = "TCP"
)

// Device is the identity record for a registered GB28181 endpoint. The ID is
// the protocol-assigned serial and never changes once the record exists.
type Device struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`

	// Type is fixed to "GB" for national-standard devices
	Type string `json:"type"`

	ChannelCount int `json:"channel_count"`

	// MediaServerID pins the device to a specific media server; empty
	// means the gateway's configured default
	MediaServerID string `json:"media_server_id,omitempty"`

	// CatalogInterval is the catalog refresh period in seconds, 0 disables
	// background refresh
	CatalogInterval int `json:"catalog_interval"`

	// SubscribeInterval is the subscription renewal period in seconds
	SubscribeInterval int `json:"subscribe_interval"`

	CatalogSubscribe  bool `json:"catalog_subscribe"`
	AlarmSubscribe    bool `json:"alarm_subscribe"`
	PositionSubscribe bool `json:"position_subscribe"`

	Online bool `json:"online"`

	// Password overrides the gateway-wide registration password when set
	Password string `json:"-"`

	// CommandTransport is the transport REGISTER arrived on; outbound
	// signaling to the device follows it
	CommandTransport string `json:"command_transport"`

	// MediaTransport is the device's configured stream transport
	MediaTransport string `json:"media_transport"`

	// MediaTransportMode qualifies TCP media transport: active or passive
	MediaTransportMode string `json:"media_transport_mode,omitempty"`

	RemoteIP   string `json:"remote_ip"`
	RemotePort int    `json:"remote_port"`

	Longitude float64 `json:"longitude,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`

	RegisterTime  time.Time `json:"register_time"`
	LastKeepalive time.Time `json:"last_keepalive"`
	UpdateTime    time.Time `json:"update_time"`
	CreateTime    time.Time `json:"create_time"`
}

// DeviceChannel is one reporting unit (camera) under a device, as listed in
// a catalog response Item.
type DeviceChannel struct {
	DeviceID  string `json:"device_id"`
	ChannelID string `json:"channel_id"`

	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Owner        string `json:"owner"`

	// CivilCode is the administrative region code
	CivilCode string `json:"civil_code"`
	Address   string `json:"address"`

	// Parental is 1 when the item has child nodes in a hierarchical catalog
	Parental int    `json:"parental"`
	ParentID string `json:"parent_id"`

	SafetyWay   int    `json:"safety_way"`
	RegisterWay string `json:"register_way"`
	Secrecy     int    `json:"secrecy"`

	IPAddress string `json:"ip_address,omitempty"`
	Port      int    `json:"port,omitempty"`

	Longitude float64 `json:"longitude,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`

	// Status is the textual online state reported by the device ("ON"/"OFF")
	Status string `json:"status"`
}
