package media

import (
	"fmt"
	"strconv"
	"time"

	"gb28181-gateway/pkg/config"
)

// StreamInfo is the result of a successful stream invitation: the playback
// URLs for every protocol surface the media server exposes, plus identity
// and statistics placeholders filled in by the media server at play time.
// Immutable after construction.
type StreamInfo struct {
	DeviceID    string `json:"deviceid"`
	ChannelID   string `json:"channelid"`
	ChannelName string `json:"channelname,omitempty"`

	// StreamID is the decimal ssrc negotiated for the stream
	StreamID  string `json:"streamid"`
	Transport string `json:"transport"`

	Flv    string `json:"flv"`
	WsFlv  string `json:"ws_flv"`
	Hls    string `json:"hls"`
	Rtmp   string `json:"rtmp"`
	WebRTC string `json:"webrtc"`

	StartAt string `json:"startat"`

	// Statistics placeholders, populated by the media server's own
	// reporting surface rather than the gateway
	InBitrate    int64 `json:"inbitrate"`
	InBytes      int64 `json:"inbytes"`
	OutBytes     int64 `json:"outbytes"`
	RTPCount     int   `json:"rtpcount"`
	RTPLostCount int   `json:"rtplostcount"`
	NumOutputs   int   `json:"numoutputs"`
}

// BuildStreamInfo synthesizes the playback URLs for an invited stream from
// the media server's configured host/ports and the device+channel composite.
func BuildStreamInfo(cfg *config.MediaServerConfig, deviceID, channelID string, ssrc uint32, transport string) *StreamInfo {
	stream := StreamName(deviceID, channelID)
	host := cfg.Host

	return &StreamInfo{
		DeviceID:  deviceID,
		ChannelID: channelID,
		StreamID:  strconv.FormatUint(uint64(ssrc), 10),
		Transport: transport,
		Flv:       fmt.Sprintf("http://%s:%d/live/%s.flv", host, cfg.HTTPPort, stream),
		WsFlv:     fmt.Sprintf("ws://%s:%d/live/%s.flv", host, cfg.HTTPPort, stream),
		Hls:       fmt.Sprintf("http://%s:%d/live/%s.m3u8", host, cfg.HTTPPort, stream),
		Rtmp:      fmt.Sprintf("rtmp://%s:%d/live/%s", host, cfg.RTMPPort, stream),
		WebRTC:    fmt.Sprintf("webrtc://%s/live/%s", host, stream),
		StartAt:   time.Now().UTC().Format(time.RFC3339),
	}
}
