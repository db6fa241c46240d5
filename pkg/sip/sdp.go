package sip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"gb28181-gateway/pkg/errors"
)

// Stream transport modes negotiated between the gateway and a device
const (
	ModeUDP        = "UDP"
	ModeTCPActive  = "TCP-ACTIVE"
	ModeTCPPassive = "TCP-PASSIVE"
)

// OfferParams carries everything BuildOffer needs to produce the SDP body
// of an outgoing INVITE.
type OfferParams struct {
	ChannelID      string
	MediaIP        string
	MediaPort      int
	SSRC           uint32
	Mode           string
	ExtendedCodecs bool
}

// BuildOffer renders the session description for a live stream invitation.
// The line order is fixed; recorders in the field parse it positionally.
// The non-standard y= line carrying the SSRC trails the media section.
func BuildOffer(p OfferParams) string {
	payloads := "96 98 97"
	if p.ExtendedCodecs {
		payloads = "96 126 125 99 34 98 97"
	}

	proto := "RTP/AVP"
	if p.Mode != ModeUDP {
		proto = "TCP/RTP/AVP"
	}

	var b strings.Builder
	writeLine := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\r\n")
	}

	writeLine("v=0")
	writeLine("o=%s 0 0 IN IP4 %s", p.ChannelID, p.MediaIP)
	writeLine("s=Play")
	writeLine("c=IN IP4 %s", p.MediaIP)
	writeLine("t=0 0")
	writeLine("m=video %d %s %s", p.MediaPort, proto, payloads)
	writeLine("a=recvonly")
	writeLine("a=rtpmap:96 PS/90000")
	if p.ExtendedCodecs {
		writeLine("a=rtpmap:126 H264/90000")
		writeLine("a=rtpmap:125 H264S/90000")
		writeLine("a=rtpmap:99 H265/90000")
		writeLine("a=rtpmap:34 H263/90000")
	}
	writeLine("a=rtpmap:98 H264/90000")
	writeLine("a=rtpmap:97 MPEG4/90000")
	switch p.Mode {
	case ModeTCPActive:
		writeLine("a=setup:active")
		writeLine("a=connection:new")
	case ModeTCPPassive:
		writeLine("a=setup:passive")
		writeLine("a=connection:new")
	}
	writeLine("y=%010d", p.SSRC)
	return b.String()
}

// ResolveStreamMode picks the transport mode for a new stream. An explicit
// request wins, then the device's configured media transport, then UDP.
func ResolveStreamMode(requested, deviceTransport, deviceMode string) string {
	switch strings.ToUpper(requested) {
	case ModeUDP:
		return ModeUDP
	case ModeTCPActive:
		return ModeTCPActive
	case ModeTCPPassive:
		return ModeTCPPassive
	}
	if strings.EqualFold(deviceTransport, "TCP") {
		if strings.EqualFold(deviceMode, "active") {
			return ModeTCPActive
		}
		return ModeTCPPassive
	}
	return ModeUDP
}

// ExtractSSRC pulls the value of the y= line out of an SDP body. Returns
// zero when the line is absent.
func ExtractSSRC(body string) uint32 {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "y=") {
			v, err := strconv.ParseUint(strings.TrimPrefix(line, "y="), 10, 32)
			if err != nil {
				return 0
			}
			return uint32(v)
		}
	}
	return 0
}

// ParseAnswer parses the device's SDP answer. Devices emit the GB28181
// y= and f= extension lines which the standard grammar rejects, so those
// are stripped before handing the body to the parser.
func ParseAnswer(body []byte) (*sdp.SessionDescription, error) {
	var kept []string
	for _, line := range strings.Split(string(body), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "y=") || strings.HasPrefix(trimmed, "f=") {
			continue
		}
		kept = append(kept, trimmed)
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(strings.Join(kept, "\r\n") + "\r\n")); err != nil {
		return nil, errors.Wrap(err, "parsing SDP answer")
	}
	return desc, nil
}
