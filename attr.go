package dynatx

import (
	"bytes"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is one row of a table, attribute name to attribute value. A nil Item
// means "absent" throughout this module.
type Item = map[string]types.AttributeValue

// ExpectedValue is a per-attribute write predicate. Exactly one of the two
// forms is meaningful: Value non-nil asserts equality; Value nil with
// Exists false asserts absence.
type ExpectedValue struct {
	Exists bool
	Value  types.AttributeValue
}

// ExpectAbsent asserts the named attribute does not exist.
func ExpectAbsent() ExpectedValue {
	return ExpectedValue{Exists: false}
}

// ExpectEqual asserts the named attribute exists and equals v.
func ExpectEqual(v types.AttributeValue) ExpectedValue {
	return ExpectedValue{Exists: true, Value: v}
}

// UpdateAction enumerates the attribute-level update actions of the backing store.
type UpdateAction int

const (
	// UpdatePut sets the attribute to the given value.
	UpdatePut UpdateAction = iota
	// UpdateAdd adds to a number attribute or unions into a set attribute.
	UpdateAdd
	// UpdateDelete removes the attribute, or removes elements from a set attribute
	// when a set value is given.
	UpdateDelete
)

// AttributeUpdate is one attribute-level action of an update operation.
type AttributeUpdate struct {
	Action UpdateAction
	Value  types.AttributeValue
}

// Put is shorthand for an UpdatePut action.
func Put(v types.AttributeValue) AttributeUpdate {
	return AttributeUpdate{Action: UpdatePut, Value: v}
}

// Add is shorthand for an UpdateAdd action.
func Add(v types.AttributeValue) AttributeUpdate {
	return AttributeUpdate{Action: UpdateAdd, Value: v}
}

// Delete is shorthand for an UpdateDelete action. v may be nil to remove the
// attribute outright.
func Delete(v types.AttributeValue) AttributeUpdate {
	return AttributeUpdate{Action: UpdateDelete, Value: v}
}

// CopyItem returns a deep copy of item. Returns nil for nil input.
func CopyItem(item Item) Item {
	if item == nil {
		return nil
	}
	target := make(Item, len(item))
	for k, v := range item {
		target[k] = CopyValue(v)
	}
	return target
}

// CopyValue returns a deep copy of an attribute value.
func CopyValue(v types.AttributeValue) types.AttributeValue {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: tv.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: tv.Value}
	case *types.AttributeValueMemberB:
		return &types.AttributeValueMemberB{Value: append([]byte(nil), tv.Value...)}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: tv.Value}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: tv.Value}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), tv.Value...)}
	case *types.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: append([]string(nil), tv.Value...)}
	case *types.AttributeValueMemberBS:
		ba := make([][]byte, len(tv.Value))
		for i := range tv.Value {
			ba[i] = append([]byte(nil), tv.Value[i]...)
		}
		return &types.AttributeValueMemberBS{Value: ba}
	case *types.AttributeValueMemberL:
		l := make([]types.AttributeValue, len(tv.Value))
		for i := range tv.Value {
			l[i] = CopyValue(tv.Value[i])
		}
		return &types.AttributeValueMemberL{Value: l}
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: CopyItem(tv.Value)}
	}
	return v
}

// ValueEqual compares two attribute values structurally. Set-typed values
// compare order-insensitively because the backing store does not preserve
// element order in sets.
func ValueEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		return ok && bytes.Equal(av.Value, bv.Value)
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberNULL:
		bv, ok := b.(*types.AttributeValueMemberNULL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberSS:
		bv, ok := b.(*types.AttributeValueMemberSS)
		return ok && stringSetEqual(av.Value, bv.Value)
	case *types.AttributeValueMemberNS:
		bv, ok := b.(*types.AttributeValueMemberNS)
		return ok && stringSetEqual(av.Value, bv.Value)
	case *types.AttributeValueMemberBS:
		bv, ok := b.(*types.AttributeValueMemberBS)
		return ok && byteSetEqual(av.Value, bv.Value)
	case *types.AttributeValueMemberL:
		bv, ok := b.(*types.AttributeValueMemberL)
		if !ok || len(av.Value) != len(bv.Value) {
			return false
		}
		for i := range av.Value {
			if !ValueEqual(av.Value[i], bv.Value[i]) {
				return false
			}
		}
		return true
	case *types.AttributeValueMemberM:
		bv, ok := b.(*types.AttributeValueMemberM)
		return ok && ItemEqual(av.Value, bv.Value)
	}
	return false
}

// ItemEqual compares two items structurally, set order excluded.
func ItemEqual(a, b Item) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !ValueEqual(av, bv) {
			return false
		}
	}
	return true
}

func stringSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func byteSetEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	as := sortedByteSet(a)
	bs := sortedByteSet(b)
	for i := range as {
		if !bytes.Equal(as[i], bs[i]) {
			return false
		}
	}
	return true
}

func sortedByteSet(v [][]byte) [][]byte {
	s := append([][]byte(nil), v...)
	sort.Slice(s, func(i, j int) bool { return bytes.Compare(s[i], s[j]) < 0 })
	return s
}
