package ckvd

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Value codec.
//
// The ledger's DATA section is an opaque, self-describing byte blob (§6).
// The reference implementation's requirement -- strings, IEEE-754 numbers,
// booleans, null, dates, ordered maps, sets, byte strings, and recursive
// combinations thereof, round-tripping through (decode . encode), with
// cross-language readers able to deserialize the same ledger -- is exactly
// what CBOR (RFC 8949) is for: a compact, self-describing, widely
// implemented binary format with first-class support for all of those
// shapes. [cbor.Marshal]/[cbor.Unmarshal] are the codec's entire surface.

var (
	codecEncMode cbor.EncMode
	codecDecMode cbor.DecMode
)

func init() {
	encOpts := cbor.CanonicalEncOptions()
	// Dates are written as tag-1 epoch time (fractional seconds when the
	// value carries milliseconds), so they decode back as time.Time.
	encOpts.Time = cbor.TimeUnixDynamic
	encOpts.TimeTag = cbor.EncTagRequired

	mode, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("ckvd: building cbor encode mode: %v", err))
	}

	codecEncMode = mode

	decOpts := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}

	decMode, err := decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("ckvd: building cbor decode mode: %v", err))
	}

	codecDecMode = decMode
}

// OrderedMap preserves key/value insertion order through the codec, unlike
// a plain Go map. It is encoded as a CBOR array of [key, value] pairs in
// Keys order.
type OrderedMap struct {
	Keys   []string
	Values []any
}

// cborOrderedMapEntry is one element of the wire shape OrderedMap marshals to/from: a list of
// [key, value] pairs, which CBOR preserves in encoded order.
type cborOrderedMapEntry struct {
	_     struct{} `cbor:",toarray"`
	Key   string
	Value any
}

// MarshalCBOR implements [cbor.Marshaler].
func (m OrderedMap) MarshalCBOR() ([]byte, error) {
	entries := make([]cborOrderedMapEntry, len(m.Keys))
	for i, k := range m.Keys {
		entries[i] = cborOrderedMapEntry{Key: k, Value: m.Values[i]}
	}

	return codecEncMode.Marshal(entries)
}

// UnmarshalCBOR implements [cbor.Unmarshaler].
func (m *OrderedMap) UnmarshalCBOR(data []byte) error {
	var entries []cborOrderedMapEntry

	if err := cbor.Unmarshal(data, &entries); err != nil {
		return err
	}

	m.Keys = make([]string, len(entries))
	m.Values = make([]any, len(entries))

	for i, e := range entries {
		m.Keys[i] = e.Key
		m.Values[i] = e.Value
	}

	return nil
}

// Set is an unordered collection of distinct values, preserved through the
// codec as a CBOR tag-258 set (the de facto convention for sets in CBOR).
type Set struct {
	Values []any
}

const cborTagSet = 258

// MarshalCBOR implements [cbor.Marshaler].
func (s Set) MarshalCBOR() ([]byte, error) {
	return codecEncMode.Marshal(cbor.Tag{Number: cborTagSet, Content: s.Values})
}

// UnmarshalCBOR implements [cbor.Unmarshaler].
func (s *Set) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag

	if err := cbor.Unmarshal(data, &tag); err != nil {
		return err
	}

	values, ok := tag.Content.([]any)
	if !ok {
		return fmt.Errorf("ckvd: expected set tag content to be an array, got %T", tag.Content)
	}

	s.Values = values

	return nil
}

// encodeValue serializes v for storage in a transaction's DATA section
// (§4.2 `create`). v may be any value CBOR-encodable, including strings,
// float64, bool, nil, time.Time, [OrderedMap], [Set], []byte, and nested
// combinations of the above.
func encodeValue(v any) ([]byte, error) {
	b, err := codecEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ckvd: encoding value: %w", err)
	}

	return b, nil
}

// decodeValue deserializes a transaction's DATA section back into a Go
// value (§4.2 `decode_data`).
func decodeValue(data []byte) (any, error) {
	var v any

	if err := codecDecMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("ckvd: decoding value: %w", err)
	}

	return v, nil
}
