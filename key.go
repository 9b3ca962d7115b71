package dynatx

import (
	"fmt"
)

// ImmutableKey identifies one row of one table. It is a comparable value type
// usable as a Go map key; equality is structural over the primary key
// attributes and insensitive to set element order (the canonical codec sorts
// sets).
type ImmutableKey struct {
	table string
	key   string
}

// NewImmutableKey extracts the primary key attributes named by keyAttrs from
// item and returns the immutable key for (table, key). Missing key attributes
// are an InvalidRequest error.
func NewImmutableKey(table string, item Item, keyAttrs []string) (ImmutableKey, error) {
	if table == "" {
		return ImmutableKey{}, Error{Code: InvalidRequest, Err: fmt.Errorf("table name is required")}
	}
	if len(keyAttrs) == 0 {
		return ImmutableKey{}, Error{Code: InvalidRequest, Err: fmt.Errorf("key schema for table %s is empty", table)}
	}
	key := make(Item, len(keyAttrs))
	for _, a := range keyAttrs {
		v, ok := item[a]
		if !ok {
			return ImmutableKey{}, Error{Code: InvalidRequest, Err: fmt.Errorf("item is missing key attribute %s of table %s", a, table)}
		}
		key[a] = v
	}
	ba, err := MarshalItem(key)
	if err != nil {
		return ImmutableKey{}, err
	}
	return ImmutableKey{table: table, key: string(ba)}, nil
}

// Table returns the table name of the key.
func (k ImmutableKey) Table() string {
	return k.table
}

// KeyItem reconstructs the primary key attributes of the key.
func (k ImmutableKey) KeyItem() (Item, error) {
	return UnmarshalItem([]byte(k.key))
}

func (k ImmutableKey) String() string {
	return fmt.Sprintf("%s:%s", k.table, k.key)
}
