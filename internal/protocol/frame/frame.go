package frame

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/danmuck/framelink/internal/protocol/crc8"
)

const (
	// Delimiter terminates every frame on the wire.
	Delimiter byte = 0x00
	// Overhead is LEN + INDEX + CHECK + delimiter.
	Overhead = 4
	// MaxPayload keeps LEN inside one byte.
	MaxPayload = 252
	// MaxFrameLen is the largest encoded frame, delimiter included.
	MaxFrameLen = MaxPayload + Overhead

	minLengthByte = 3
)

var (
	ErrIncomplete      = errors.New("frame: incomplete")
	ErrFraming         = errors.New("frame: framing error")
	ErrIntegrity       = errors.New("frame: checksum mismatch")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Stuffing selects how frame content is protected from the delimiter.
type Stuffing uint8

const (
	// StuffingNone writes [LEN][INDEX][PAYLOAD][CHECK][0x00]. Content must not contain 0x00.
	StuffingNone Stuffing = iota
	// StuffingCOBS applies consistent-overhead byte stuffing to INDEX ++ PAYLOAD ++ CHECK.
	// Zero-free content encodes byte-identically to StuffingNone.
	StuffingCOBS
)

func (s Stuffing) String() string {
	switch s {
	case StuffingNone:
		return "none"
	case StuffingCOBS:
		return "cobs"
	default:
		return fmt.Sprintf("stuffing(%d)", uint8(s))
	}
}

// ParseStuffing maps a config value to a Stuffing.
func ParseStuffing(raw string) (Stuffing, error) {
	switch raw {
	case "", "none", "length":
		return StuffingNone, nil
	case "cobs":
		return StuffingCOBS, nil
	default:
		return 0, fmt.Errorf("frame: unknown stuffing %q", raw)
	}
}

// ChecksumScope selects which bytes the CHECK byte covers.
type ChecksumScope uint8

const (
	// ChecksumPayload covers the payload only. Reference peers compute this.
	ChecksumPayload ChecksumScope = iota
	// ChecksumIndexPayload covers INDEX ++ PAYLOAD so a corrupted index is rejected too.
	ChecksumIndexPayload
)

func (s ChecksumScope) String() string {
	switch s {
	case ChecksumPayload:
		return "payload"
	case ChecksumIndexPayload:
		return "index+payload"
	default:
		return fmt.Sprintf("checksum(%d)", uint8(s))
	}
}

// ParseChecksumScope maps a config value to a ChecksumScope.
func ParseChecksumScope(raw string) (ChecksumScope, error) {
	switch raw {
	case "", "payload":
		return ChecksumPayload, nil
	case "index+payload", "index_payload":
		return ChecksumIndexPayload, nil
	default:
		return 0, fmt.Errorf("frame: unknown checksum scope %q", raw)
	}
}

// Frame is one decoded wire message.
//
// Payload returned by Decode/DecodeInPlace aliases the input buffer.
type Frame struct {
	Index   uint8
	Payload []byte
}

// Clone returns a frame that owns its payload.
func (f Frame) Clone() Frame {
	out := Frame{Index: f.Index}
	if f.Payload != nil {
		out.Payload = append([]byte(nil), f.Payload...)
	}
	return out
}

// Options configures a Codec.
type Options struct {
	Stuffing Stuffing
	Checksum ChecksumScope
}

func DefaultOptions() Options {
	return Options{Stuffing: StuffingNone, Checksum: ChecksumPayload}
}

// Codec encodes and decodes frames. The zero value uses DefaultOptions.
type Codec struct {
	opts Options
}

func NewCodec(opts Options) Codec {
	return Codec{opts: opts}
}

var defaultCodec = NewCodec(DefaultOptions())

func (c Codec) Options() Options {
	return c.opts
}

// Encode builds a frame with the default codec.
func Encode(index uint8, payload []byte) ([]byte, error) {
	return defaultCodec.Encode(index, payload)
}

// Decode parses a frame with the default codec.
func Decode(buf []byte) (Frame, int, error) {
	return defaultCodec.Decode(buf)
}

func (c Codec) Encode(index uint8, payload []byte) ([]byte, error) {
	return c.AppendEncode(make([]byte, 0, len(payload)+Overhead), index, payload)
}

// AppendEncode appends the encoded frame to dst.
func (c Codec) AppendEncode(dst []byte, index uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	check := c.checksum(index, payload)

	if c.opts.Stuffing == StuffingCOBS {
		var content [MaxPayload + 2]byte
		content[0] = index
		n := 1 + copy(content[1:], payload)
		content[n] = check
		stuffed, err := stuff(content[:n+1])
		if err != nil {
			return dst, err
		}
		dst = append(dst, stuffed...)
		return append(dst, Delimiter), nil
	}

	dst = append(dst, byte(len(payload)+minLengthByte), index)
	dst = append(dst, payload...)
	return append(dst, check, Delimiter), nil
}

// Decode parses the frame at the start of buf.
//
// On success the int is the number of bytes the frame occupies. With ErrIncomplete it is
// the declared frame length when known, else 0. With ErrFraming or ErrIntegrity it is the
// number of bytes to discard to resynchronise (0 when buf holds no delimiter yet).
func (c Codec) Decode(buf []byte) (Frame, int, error) {
	if c.opts.Stuffing == StuffingCOBS {
		z := bytes.IndexByte(buf, Delimiter)
		if z < 0 {
			return Frame{}, 0, ErrIncomplete
		}
		if z == 0 {
			return Frame{}, 1, fmt.Errorf("%w: empty frame", ErrFraming)
		}
		content, err := unstuffCopy(buf[:z+1])
		if err != nil {
			return Frame{}, z + 1, err
		}
		return c.checkContent(content, z+1)
	}
	return c.decodeLength(buf)
}

// DecodeInPlace is Decode without copying. With StuffingCOBS the frame bytes in buf are
// overwritten by the unstuffed content, so buf must not be reused for the same frame.
func (c Codec) DecodeInPlace(buf []byte) (Frame, int, error) {
	if c.opts.Stuffing == StuffingCOBS {
		return c.decodeStuffed(buf)
	}
	return c.decodeLength(buf)
}

func (c Codec) decodeLength(buf []byte) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, ErrIncomplete
	}
	n := int(buf[0])
	if n < minLengthByte {
		return Frame{}, resyncLen(buf), fmt.Errorf("%w: length byte %d", ErrFraming, n)
	}
	total := n + 1
	if len(buf) < total {
		return Frame{}, total, ErrIncomplete
	}
	if buf[n] != Delimiter {
		return Frame{}, resyncLen(buf), fmt.Errorf("%w: offset %d holds 0x%02x, want delimiter", ErrFraming, n, buf[n])
	}

	index := buf[1]
	payload := buf[2 : n-1]
	check := buf[n-1]
	if sum := c.checksum(index, payload); sum != check {
		// LEN itself may be corrupt: discard only through the first delimiter.
		return Frame{}, resyncLen(buf), fmt.Errorf("%w: index=0x%02x recv=0x%02x calc=0x%02x", ErrIntegrity, index, check, sum)
	}
	return Frame{Index: index, Payload: payload}, total, nil
}

func (c Codec) decodeStuffed(buf []byte) (Frame, int, error) {
	z := bytes.IndexByte(buf, Delimiter)
	if z < 0 {
		return Frame{}, 0, ErrIncomplete
	}
	total := z + 1
	if z == 0 {
		return Frame{}, total, fmt.Errorf("%w: empty frame", ErrFraming)
	}

	n, err := unstuff(buf[:z])
	if err != nil {
		return Frame{}, total, err
	}
	return c.checkContent(buf[:n], total)
}

// checkContent splits unstuffed INDEX ++ PAYLOAD ++ CHECK and verifies the checksum.
func (c Codec) checkContent(content []byte, total int) (Frame, int, error) {
	n := len(content)
	if n < 2 {
		return Frame{}, total, fmt.Errorf("%w: content too short (%d bytes)", ErrFraming, n)
	}
	if n-2 > MaxPayload {
		return Frame{}, total, fmt.Errorf("%w: payload %d > %d", ErrFraming, n-2, MaxPayload)
	}

	index := content[0]
	payload := content[1 : n-1]
	check := content[n-1]
	if sum := c.checksum(index, payload); sum != check {
		return Frame{}, total, fmt.Errorf("%w: index=0x%02x recv=0x%02x calc=0x%02x", ErrIntegrity, index, check, sum)
	}
	return Frame{Index: index, Payload: payload}, total, nil
}

func (c Codec) checksum(index uint8, payload []byte) byte {
	if c.opts.Checksum == ChecksumIndexPayload {
		return crc8.Update(crc8.Update(crc8.Init, []byte{index}), payload)
	}
	return crc8.Checksum(payload)
}

func resyncLen(buf []byte) int {
	i := bytes.IndexByte(buf, Delimiter)
	if i < 0 {
		return 0
	}
	return i + 1
}
