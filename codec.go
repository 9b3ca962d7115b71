package dynatx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Canonical attribute-map codec. The encoding is type-tagged JSON with sorted
// object keys (encoding/json emits map keys sorted) and sorted set elements,
// so the same item always encodes to the same bytes. Serialized requests are
// persisted inside the transaction record, and a resumed coordinator must
// deserialize them identically, which is why stability matters more here than
// compactness.
//
// The encoding must stay fixed per deployment; bump codecVersion if it ever changes.

type encodedValue struct {
	S    *string                 `json:"S,omitempty"`
	N    *string                 `json:"N,omitempty"`
	B    []byte                  `json:"B,omitempty"`
	BOOL *bool                   `json:"BOOL,omitempty"`
	NULL *bool                   `json:"NULL,omitempty"`
	SS   []string                `json:"SS,omitempty"`
	NS   []string                `json:"NS,omitempty"`
	BS   [][]byte                `json:"BS,omitempty"`
	L    []encodedValue          `json:"L"`
	M    map[string]encodedValue `json:"M"`
}

func encodeValue(v types.AttributeValue) (encodedValue, error) {
	var e encodedValue
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		e.S = &tv.Value
	case *types.AttributeValueMemberN:
		e.N = &tv.Value
	case *types.AttributeValueMemberB:
		e.B = tv.Value
	case *types.AttributeValueMemberBOOL:
		e.BOOL = &tv.Value
	case *types.AttributeValueMemberNULL:
		e.NULL = &tv.Value
	case *types.AttributeValueMemberSS:
		e.SS = append([]string(nil), tv.Value...)
		sort.Strings(e.SS)
	case *types.AttributeValueMemberNS:
		e.NS = append([]string(nil), tv.Value...)
		sort.Strings(e.NS)
	case *types.AttributeValueMemberBS:
		e.BS = sortedByteSet(tv.Value)
	case *types.AttributeValueMemberL:
		e.L = make([]encodedValue, len(tv.Value))
		for i := range tv.Value {
			ev, err := encodeValue(tv.Value[i])
			if err != nil {
				return e, err
			}
			e.L[i] = ev
		}
	case *types.AttributeValueMemberM:
		e.M = make(map[string]encodedValue, len(tv.Value))
		for k, mv := range tv.Value {
			ev, err := encodeValue(mv)
			if err != nil {
				return e, err
			}
			e.M[k] = ev
		}
	default:
		return e, fmt.Errorf("unsupported attribute value type %T", v)
	}
	return e, nil
}

func decodeValue(e encodedValue) (types.AttributeValue, error) {
	switch {
	case e.S != nil:
		return &types.AttributeValueMemberS{Value: *e.S}, nil
	case e.N != nil:
		return &types.AttributeValueMemberN{Value: *e.N}, nil
	case e.B != nil:
		return &types.AttributeValueMemberB{Value: e.B}, nil
	case e.BOOL != nil:
		return &types.AttributeValueMemberBOOL{Value: *e.BOOL}, nil
	case e.NULL != nil:
		return &types.AttributeValueMemberNULL{Value: *e.NULL}, nil
	case e.SS != nil:
		return &types.AttributeValueMemberSS{Value: e.SS}, nil
	case e.NS != nil:
		return &types.AttributeValueMemberNS{Value: e.NS}, nil
	case e.BS != nil:
		return &types.AttributeValueMemberBS{Value: e.BS}, nil
	case e.L != nil:
		l := make([]types.AttributeValue, len(e.L))
		for i := range e.L {
			v, err := decodeValue(e.L[i])
			if err != nil {
				return nil, err
			}
			l[i] = v
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	case e.M != nil:
		m := make(Item, len(e.M))
		for k, ev := range e.M {
			v, err := decodeValue(ev)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	}
	return nil, fmt.Errorf("empty encoded attribute value")
}

// MarshalValue encodes a single attribute value to its canonical byte form.
func MarshalValue(v types.AttributeValue) ([]byte, error) {
	e, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalValue decodes the canonical byte form of a single attribute value.
func UnmarshalValue(data []byte) (types.AttributeValue, error) {
	var e encodedValue
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal value failed, details: %w", err)
	}
	return decodeValue(e)
}

// MarshalItem encodes an item to its canonical byte form. The same item
// (set order excluded) always yields the same bytes.
func MarshalItem(item Item) ([]byte, error) {
	em := make(map[string]encodedValue, len(item))
	for k, v := range item {
		ev, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("marshal attribute %s failed, details: %w", k, err)
		}
		em[k] = ev
	}
	return json.Marshal(em)
}

// UnmarshalItem decodes the canonical byte form back into an item.
func UnmarshalItem(data []byte) (Item, error) {
	var em map[string]encodedValue
	d := json.NewDecoder(bytes.NewReader(data))
	if err := d.Decode(&em); err != nil {
		return nil, fmt.Errorf("unmarshal item failed, details: %w", err)
	}
	item := make(Item, len(em))
	for k, ev := range em {
		v, err := decodeValue(ev)
		if err != nil {
			return nil, fmt.Errorf("unmarshal attribute %s failed, details: %w", k, err)
		}
		item[k] = v
	}
	return item, nil
}
