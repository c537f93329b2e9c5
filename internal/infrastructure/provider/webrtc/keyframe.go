package webrtc

import (
	"encoding/binary"
	"strings"

	"github.com/pion/webrtc/v3"
)

// H.264 NAL unit types
const (
	nalIDR   = 5
	nalSPS   = 7
	nalSTAPA = 24
	nalFUA   = 28
)

// isKeyframe reports whether an RTP payload starts a decodable picture.
// Codecs it does not know are always admitted.
func isKeyframe(mimeType string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(payload)
	default:
		return true
	}
}

func isVP8Keyframe(payload []byte) bool {
	// payload descriptor, RFC 7741 section 4.2
	start := payload[0]&0x10 != 0
	partition := payload[0] & 0x07
	if !start || partition != 0 {
		return false
	}
	offset := 1
	if payload[0]&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		offset++
		if ext&0x80 != 0 {
			if len(payload) <= offset {
				return false
			}
			if payload[offset]&0x80 != 0 {
				offset += 2
			} else {
				offset++
			}
		}
		if ext&0x40 != 0 {
			offset++
		}
		if ext&0x20 != 0 || ext&0x10 != 0 {
			offset++
		}
	}
	if len(payload) <= offset {
		return false
	}
	// P bit of the VP8 frame header is zero on key frames
	return payload[offset]&0x01 == 0
}

func isH264Keyframe(payload []byte) bool {
	switch payload[0] & 0x1F {
	case nalIDR, nalSPS:
		return true
	case nalSTAPA:
		offset := 1
		for offset+2 < len(payload) {
			size := int(binary.BigEndian.Uint16(payload[offset:]))
			nal := payload[offset+2] & 0x1F
			if nal == nalIDR || nal == nalSPS {
				return true
			}
			offset += 2 + size
		}
		return false
	case nalFUA:
		if len(payload) < 2 {
			return false
		}
		return payload[1]&0x80 != 0 && payload[1]&0x1F == nalIDR
	default:
		return false
	}
}

// keyframeGate holds back video until the first keyframe so the sink never
// starts decoding mid picture.
type keyframeGate struct {
	mimeType string
	open     bool
}

func (g *keyframeGate) admit(payload []byte) bool {
	if g.open {
		return true
	}
	g.open = isKeyframe(g.mimeType, payload)
	return g.open
}
