package payload

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownFormat = errors.New("payload: unknown format")

// Mode selects how structs are laid out on the wire.
type Mode uint8

const (
	// ModePositional encodes struct fields as an ordered array.
	ModePositional Mode = iota
	// ModeNamed encodes struct fields as a map keyed by field name.
	ModeNamed
)

func (m Mode) String() string {
	switch m {
	case ModePositional:
		return "positional"
	case ModeNamed:
		return "named"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "positional", "array":
		return ModePositional, nil
	case "named", "map":
		return ModeNamed, nil
	default:
		return ModePositional, fmt.Errorf("payload: unknown mode %q", raw)
	}
}

// Format serializes structured values into frame payloads.
//
// Frames using the length layout must not carry 0x00 inside the payload, so a Format used
// there is only safe for values whose encoding avoids that byte. COBS framing lifts this.
type Format interface {
	Name() string
	Marshal(v any, mode Mode) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var formats = map[string]Format{
	"msgpack": MsgPack{},
	"cbor":    CBOR{},
}

// Lookup resolves a format by name. The empty name selects msgpack.
func Lookup(name string) (Format, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "msgpack"
	}
	f, ok := formats[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownFormat, name, strings.Join(Names(), ", "))
	}
	return f, nil
}

// Names lists the registered formats.
func Names() []string {
	out := make([]string, 0, len(formats))
	for name := range formats {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
