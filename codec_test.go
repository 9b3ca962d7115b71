package dynatx

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func sampleItem() Item {
	return Item{
		"ID":    &types.AttributeValueMemberS{Value: "joe"},
		"N":     &types.AttributeValueMemberN{Value: "42.5"},
		"B":     &types.AttributeValueMemberB{Value: []byte{1, 2, 3}},
		"Flag":  &types.AttributeValueMemberBOOL{Value: true},
		"Null":  &types.AttributeValueMemberNULL{Value: true},
		"SS":    &types.AttributeValueMemberSS{Value: []string{"b", "a"}},
		"NS":    &types.AttributeValueMemberNS{Value: []string{"2", "1"}},
		"BS":    &types.AttributeValueMemberBS{Value: [][]byte{{2}, {1}}},
		"List":  &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: "x"}}},
		"Map":   &types.AttributeValueMemberM{Value: Item{"k": &types.AttributeValueMemberN{Value: "1"}}},
		"Empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
	}
}

func TestItemCodecRoundTrip(t *testing.T) {
	src := sampleItem()
	ba, err := MarshalItem(src)
	if err != nil {
		t.Fatalf("MarshalItem failed, details: %v", err)
	}
	got, err := UnmarshalItem(ba)
	if err != nil {
		t.Fatalf("UnmarshalItem failed, details: %v", err)
	}
	if !ItemEqual(got, src) {
		t.Errorf("round trip mismatch:\n got %v\nwant %v", got, src)
	}
	// Empty list survives as an empty list, not as absent.
	l, ok := got["Empty"].(*types.AttributeValueMemberL)
	if !ok || len(l.Value) != 0 {
		t.Errorf("empty list round trip got %v", got["Empty"])
	}
}

func TestItemCodecIsDeterministic(t *testing.T) {
	a, err := MarshalItem(sampleItem())
	if err != nil {
		t.Fatalf("MarshalItem failed, details: %v", err)
	}
	// Same content, set elements in a different order.
	other := sampleItem()
	other["SS"] = &types.AttributeValueMemberSS{Value: []string{"a", "b"}}
	other["NS"] = &types.AttributeValueMemberNS{Value: []string{"1", "2"}}
	other["BS"] = &types.AttributeValueMemberBS{Value: [][]byte{{1}, {2}}}
	b, err := MarshalItem(other)
	if err != nil {
		t.Fatalf("second MarshalItem failed, details: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("encodings differ:\n a: %s\n b: %s", a, b)
	}
}

func TestValueCodecRoundTrip(t *testing.T) {
	src := &types.AttributeValueMemberM{Value: Item{
		"inner": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberBOOL{Value: false},
			&types.AttributeValueMemberM{Value: Item{}},
		}},
	}}
	ba, err := MarshalValue(src)
	if err != nil {
		t.Fatalf("MarshalValue failed, details: %v", err)
	}
	got, err := UnmarshalValue(ba)
	if err != nil {
		t.Fatalf("UnmarshalValue failed, details: %v", err)
	}
	if !ValueEqual(got, src) {
		t.Errorf("round trip mismatch: got %v, want %v", got, src)
	}
}

func TestImmutableKeyEquality(t *testing.T) {
	schema := []string{"ID", "Set"}
	a, err := NewImmutableKey("T", Item{
		"ID":    &types.AttributeValueMemberS{Value: "joe"},
		"Set":   &types.AttributeValueMemberSS{Value: []string{"x", "y"}},
		"Extra": &types.AttributeValueMemberS{Value: "ignored"},
	}, schema)
	if err != nil {
		t.Fatalf("NewImmutableKey failed, details: %v", err)
	}
	b, err := NewImmutableKey("T", Item{
		"ID":  &types.AttributeValueMemberS{Value: "joe"},
		"Set": &types.AttributeValueMemberSS{Value: []string{"y", "x"}},
	}, schema)
	if err != nil {
		t.Fatalf("second NewImmutableKey failed, details: %v", err)
	}
	if a != b {
		t.Error("equal keys compare unequal")
	}
	seen := map[ImmutableKey]bool{a: true}
	if !seen[b] {
		t.Error("key is not usable as a map key")
	}
	c, err := NewImmutableKey("Other", Item{"ID": &types.AttributeValueMemberS{Value: "joe"},
		"Set": &types.AttributeValueMemberSS{Value: []string{"x", "y"}}}, schema)
	if err != nil {
		t.Fatalf("third NewImmutableKey failed, details: %v", err)
	}
	if a == c {
		t.Error("keys of different tables compare equal")
	}
	if _, err := NewImmutableKey("T", Item{"ID": &types.AttributeValueMemberS{Value: "joe"}}, schema); CodeOf(err) != InvalidRequest {
		t.Errorf("missing key attribute got %v, want InvalidRequest", err)
	}
	key, err := a.KeyItem()
	if err != nil {
		t.Fatalf("KeyItem failed, details: %v", err)
	}
	if len(key) != 2 || key["ID"].(*types.AttributeValueMemberS).Value != "joe" {
		t.Errorf("KeyItem got %v", key)
	}
}

func TestReservedAttributeHelpers(t *testing.T) {
	item := Item{
		"ID":          &types.AttributeValueMemberS{Value: "joe"},
		AttrTxID:      &types.AttributeValueMemberS{Value: "t1"},
		AttrTransient: &types.AttributeValueMemberS{Value: BoolFlagValue},
		AttrApplied:   &types.AttributeValueMemberS{Value: BoolFlagValue},
	}
	if LockOwner(item) != "t1" {
		t.Errorf("LockOwner got %q", LockOwner(item))
	}
	if !IsTransient(item) || !IsApplied(item) {
		t.Error("flag helpers missed set flags")
	}
	stripped := StripReservedAttributes(item)
	if len(stripped) != 1 || stripped["ID"] == nil {
		t.Errorf("StripReservedAttributes got %v", stripped)
	}
	if LockOwner(nil) != "" || StripReservedAttributes(nil) != nil {
		t.Error("nil item handling broken")
	}
	if !IsReservedAttribute("_TxAnything") || IsReservedAttribute("Tx") {
		t.Error("IsReservedAttribute misclassified")
	}
}

func TestCopyItemIsDeep(t *testing.T) {
	src := sampleItem()
	cp := CopyItem(src)
	cp["ID"].(*types.AttributeValueMemberS).Value = "mutated"
	cp["BS"].(*types.AttributeValueMemberBS).Value[0][0] = 99
	if src["ID"].(*types.AttributeValueMemberS).Value != "joe" {
		t.Error("scalar copy is shallow")
	}
	if src["BS"].(*types.AttributeValueMemberBS).Value[0][0] == 99 {
		t.Error("binary set copy is shallow")
	}
}
