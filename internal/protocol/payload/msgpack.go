package payload

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack encodes with the smallest integer width that fits and sorted map keys, so equal
// values always produce equal bytes.
type MsgPack struct{}

func (MsgPack) Name() string {
	return "msgpack"
}

func (MsgPack) Marshal(v any, mode Mode) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	enc.SetSortMapKeys(true)
	enc.UseArrayEncodedStructs(mode == ModePositional)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal accepts structs in either layout. Untyped targets receive int64, uint64 and
// float64 rather than the narrowest wire type.
func (MsgPack) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
