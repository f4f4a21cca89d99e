package payload

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

const cborMajorArray = 4

var (
	cborEnc = mustEncMode(cbor.CoreDetEncOptions())
	cborDec = mustDecMode(cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	dm, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// CBOR uses core deterministic encoding. Positional mode flattens the top-level struct
// into an array of its exported fields; nested structs follow their own cbor tags.
type CBOR struct{}

func (CBOR) Name() string {
	return "cbor"
}

func (CBOR) Marshal(v any, mode Mode) ([]byte, error) {
	if mode == ModePositional {
		if rv, ok := structValue(reflect.ValueOf(v)); ok {
			return cborEnc.Marshal(structFields(rv))
		}
	}
	return cborEnc.Marshal(v)
}

func (CBOR) Unmarshal(data []byte, v any) error {
	if len(data) > 0 && data[0]>>5 == cborMajorArray {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct {
			return unmarshalPositional(data, rv.Elem())
		}
	}
	return cborDec.Unmarshal(data, v)
}

func unmarshalPositional(data []byte, rv reflect.Value) error {
	var items []cbor.RawMessage
	if err := cborDec.Unmarshal(data, &items); err != nil {
		return err
	}
	idx := exportedFields(rv.Type())
	if len(items) != len(idx) {
		return fmt.Errorf("cbor: array of %d items for %s with %d fields", len(items), rv.Type(), len(idx))
	}
	for i, fi := range idx {
		if err := cborDec.Unmarshal(items[i], rv.Field(fi).Addr().Interface()); err != nil {
			return fmt.Errorf("cbor: field %s: %w", rv.Type().Field(fi).Name, err)
		}
	}
	return nil
}

func structValue(rv reflect.Value) (reflect.Value, bool) {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return rv, false
		}
		rv = rv.Elem()
	}
	return rv, rv.Kind() == reflect.Struct
}

func structFields(rv reflect.Value) []any {
	idx := exportedFields(rv.Type())
	out := make([]any, 0, len(idx))
	for _, fi := range idx {
		out = append(out, rv.Field(fi).Interface())
	}
	return out
}

func exportedFields(t reflect.Type) []int {
	out := make([]int, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("cbor") == "-" {
			continue
		}
		out = append(out, i)
	}
	return out
}
