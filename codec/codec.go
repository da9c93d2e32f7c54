package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Codec names as used by the provider's stream_bidirectional_codec field.
const (
	NamePCMU = "PCMU"
	NameOpus = "OPUS"
)

var (
	ErrEncodeUnsupported = errors.New("codec: encode not supported")
	ErrUnknownCodec      = errors.New("codec: unknown codec")
)

// Codec is an encode/decode strategy selected per call.
type Codec interface {
	Name() string
	SampleRate() int
	Encode(f Frame) ([]byte, error)
	Decode(payload []byte, track Track) (Frame, error)
}

// PCMU is the G.711 μ-law codec at a fixed sample rate.
type PCMU struct {
	Rate int
}

// NewPCMU returns a μ-law codec. A non-positive rate defaults to 8 kHz.
func NewPCMU(rate int) *PCMU {
	if rate <= 0 {
		rate = 8000
	}
	return &PCMU{Rate: rate}
}

func (c *PCMU) Name() string    { return NamePCMU }
func (c *PCMU) SampleRate() int { return c.Rate }

func (c *PCMU) Encode(f Frame) ([]byte, error) {
	return EncodePCMU(f), nil
}

func (c *PCMU) Decode(payload []byte, track Track) (Frame, error) {
	return DecodePCMU(payload, track, c.Rate), nil
}

// CanEncode reports whether c can produce wire payloads.
func CanEncode(c Codec) bool {
	_, err := c.Encode(Frame{})
	return !errors.Is(err, ErrEncodeUnsupported)
}

// Lookup resolves a codec by name (case-insensitive).
func Lookup(name string, rate int) (Codec, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", NamePCMU:
		return NewPCMU(rate), nil
	case NameOpus:
		return NewOpus(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// EncodeBase64 encodes a binary payload for the wire envelope.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a wire payload.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return b, nil
}
