package graphstore

import (
	"encoding/json"
	"regexp"
	"sort"

	"github.com/lodestar-ai/ragstore/storeerr"
)

// Reserved property names. sequence_id carries the dense index, name/source/
// target carry identity, and _enc records which attribute keys were
// JSON-encoded so decoding never has to sniff value types.
const (
	propName     = "name"
	propSource   = "source"
	propTarget   = "target"
	propSequence = "sequence_id"
	propEncoded  = "_enc"
)

var reservedProps = map[string]struct{}{
	propName:     {},
	propSource:   {},
	propTarget:   {},
	propSequence: {},
	propEncoded:  {},
}

// Attribute keys become backend property names and, for RelationshipAttrs,
// are spliced into query text as dynamic property accessors. Anything
// outside this shape is rejected before a network call.
var attrKeyRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateAttrKey rejects malformed or reserved attribute keys.
func ValidateAttrKey(op, key string) error {
	if !attrKeyRE.MatchString(key) {
		return storeerr.Newf(storeerr.KindValidation, op, "invalid attribute key %q", key)
	}
	if _, ok := reservedProps[key]; ok {
		return storeerr.Newf(storeerr.KindValidation, op, "attribute key %q is reserved", key)
	}
	return nil
}

// encodeAttrs flattens an attribute bag into backend properties. Scalars
// and homogeneous primitive slices pass through as native property values;
// nested or mixed structures are JSON-encoded, and the names of the encoded
// keys are persisted under _enc so decodeAttrs can reverse the encoding
// without guessing.
func encodeAttrs(op string, attrs map[string]any) (map[string]any, error) {
	props := make(map[string]any, len(attrs)+1)
	var encoded []string

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := ValidateAttrKey(op, k); err != nil {
			return nil, err
		}
		v := attrs[k]
		if isNativeProperty(v) {
			props[k] = v
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, storeerr.Wrapf(err, storeerr.KindSerialization, op, "encode attribute %q", k)
		}
		props[k] = string(raw)
		encoded = append(encoded, k)
	}
	if len(encoded) > 0 {
		props[propEncoded] = encoded
	}
	return props, nil
}

// decodeAttrs reverses encodeAttrs: reserved properties are stripped and
// keys listed under _enc are JSON-decoded back into structured values.
func decodeAttrs(op string, props map[string]any) (map[string]any, error) {
	encoded := encodedKeySet(props[propEncoded])

	attrs := make(map[string]any, len(props))
	for k, v := range props {
		if _, ok := reservedProps[k]; ok {
			continue
		}
		if _, enc := encoded[k]; !enc {
			attrs[k] = v
			continue
		}
		raw, ok := v.(string)
		if !ok {
			return nil, storeerr.Newf(storeerr.KindSerialization, op, "attribute %q marked encoded but stored as %T", k, v)
		}
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, storeerr.Wrapf(err, storeerr.KindSerialization, op, "decode attribute %q", k)
		}
		attrs[k] = decoded
	}
	return attrs, nil
}

// decodeAttrValue decodes a single attribute read back from the backend,
// given the raw _enc property of its entity.
func decodeAttrValue(op, key string, value, encProp any) (any, error) {
	if _, enc := encodedKeySet(encProp)[key]; !enc {
		return value, nil
	}
	raw, ok := value.(string)
	if !ok {
		return nil, storeerr.Newf(storeerr.KindSerialization, op, "attribute %q marked encoded but stored as %T", key, value)
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, storeerr.Wrapf(err, storeerr.KindSerialization, op, "decode attribute %q", key)
	}
	return decoded, nil
}

func encodedKeySet(encProp any) map[string]struct{} {
	set := map[string]struct{}{}
	switch enc := encProp.(type) {
	case []string:
		for _, k := range enc {
			set[k] = struct{}{}
		}
	case []any:
		for _, k := range enc {
			if s, ok := k.(string); ok {
				set[s] = struct{}{}
			}
		}
	}
	return set
}

// isNativeProperty reports whether v maps directly onto the backend
// property model: nil, booleans, integers, floats, strings, and homogeneous
// slices of those. []any always goes through JSON because element
// homogeneity cannot be guaranteed.
func isNativeProperty(v any) bool {
	switch v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint8, uint16, uint32,
		float32, float64,
		[]bool, []string,
		[]int, []int64, []float32, []float64:
		return true
	default:
		return false
	}
}

// jsonRoundTrip encodes a whole attribute bag as one JSON document. Used by
// backends with a schema-full property model (Kuzu), where dynamic
// properties are not available and the bag lives in a single STRING column.
func jsonRoundTrip(op string, attrs map[string]any) (string, error) {
	for k := range attrs {
		if err := ValidateAttrKey(op, k); err != nil {
			return "", err
		}
	}
	if len(attrs) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", storeerr.Wrap(err, storeerr.KindSerialization, op)
	}
	return string(raw), nil
}

func jsonBag(op, raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindSerialization, op)
	}
	return attrs, nil
}

// mergeEncodedProps reconciles a freshly encoded property bag against the
// raw properties already stored for the entity, producing the update to
// send. Keys listed in either _enc merge into one marker; a key that
// changed from encoded to native drops out of it. The result always
// carries an _enc entry: the merged list, or nil so backends where
// assigning null removes a property clear a stale marker instead of
// leaving it to poison later decodes.
func mergeEncodedProps(existing, update map[string]any) map[string]any {
	out := make(map[string]any, len(update)+1)
	enc := encodedKeySet(existing[propEncoded])
	incoming := encodedKeySet(update[propEncoded])
	for k, v := range update {
		if k == propEncoded {
			continue
		}
		out[k] = v
		if _, ok := incoming[k]; ok {
			enc[k] = struct{}{}
		} else {
			delete(enc, k)
		}
	}
	if len(enc) == 0 {
		out[propEncoded] = nil
		return out
	}
	keys := make([]string, 0, len(enc))
	for k := range enc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out[propEncoded] = keys
	return out
}

// mergeAttrs overlays src onto a copy of dst, leaving both inputs intact.
func mergeAttrs(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
