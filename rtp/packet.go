package rtp

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/codec"
)

const (
	// HeaderSize is the length of an RTP header without CSRCs or extensions.
	HeaderSize = 12

	// PayloadTypePCMU is the static payload type for G.711 μ-law.
	PayloadTypePCMU = 0

	rtpVersion = 2
)

// BuildHeader returns the 12-byte header for a packet.
func BuildHeader(seq uint16, timestamp, ssrc uint32) []byte {
	h := rtp.Header{
		Version:        rtpVersion,
		PayloadType:    PayloadTypePCMU,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		SSRC:           ssrc,
	}
	// a header without CSRCs or extensions cannot fail to marshal
	buf, _ := h.Marshal()
	return buf
}

// Packetize encodes the frame with c and prepends an RTP header.
func Packetize(c codec.Codec, f codec.Frame, seq uint16, timestamp, ssrc uint32) ([]byte, error) {
	return AppendPacket(make([]byte, 0, HeaderSize+f.Len()), c, f, seq, timestamp, ssrc)
}

// AppendPacket is Packetize writing into dst.
func AppendPacket(dst []byte, c codec.Codec, f codec.Frame, seq uint16, timestamp, ssrc uint32) ([]byte, error) {
	payload, err := c.Encode(f)
	if err != nil {
		return dst, fmt.Errorf("failed to encode frame: %w", err)
	}

	dst = append(dst, BuildHeader(seq, timestamp, ssrc)...)
	return append(dst, payload...), nil
}

// IsRTP reports whether buf starts with an RTP version 2 header.
func IsRTP(buf []byte) bool {
	return len(buf) >= HeaderSize && buf[0]>>6 == rtpVersion
}

// Depacketize strips the RTP header, when present, and decodes the payload.
// The returned header is nil for raw payloads.
func Depacketize(c codec.Codec, buf []byte, track codec.Track) (codec.Frame, *rtp.Header, error) {
	if !IsRTP(buf) {
		frame, err := c.Decode(buf, track)
		return frame, nil, err
	}

	var h rtp.Header
	if _, err := h.Unmarshal(buf); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Depacketize",
			"size":     len(buf),
			"error":    err.Error(),
		}).Debug("Unparseable RTP header, decoding as raw payload")
		frame, err := c.Decode(buf, track)
		return frame, nil, err
	}

	frame, err := c.Decode(buf[HeaderSize:], track)
	if err != nil {
		return codec.Frame{}, &h, err
	}
	return frame, &h, nil
}
