// Package mocks provides an in-memory ItemStore with the same conditional
// write semantics as the real backing store, for tests.
package mocks

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sharedcode/dynatx"
)

const defaultScanPageSize = 100

type mockTable struct {
	keyAttrs []string
	// rows keyed by the canonical encoding of their primary key.
	rows map[string]dynatx.Item
}

// MockStore is an in-memory dynatx.ItemStore. Conditional writes, attribute
// update actions (including ADD arithmetic and set union), and paged scans
// behave like the real store. Safe for concurrent use; every operation is
// atomic under one mutex, which is exactly the single-item atomicity the
// protocol assumes.
type MockStore struct {
	mu     sync.Mutex
	tables map[string]*mockTable

	// Hook, when set, runs before every operation and can inject a failure.
	// op is one of get, put, update, delete, scan, query, schema.
	Hook func(op, table string) error
}

// NewMockStore instantiates an empty store.
func NewMockStore() *MockStore {
	return &MockStore{tables: map[string]*mockTable{}}
}

// CreateTable registers a table with the given primary key attribute names.
func (s *MockStore) CreateTable(table string, keyAttrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = &mockTable{keyAttrs: keyAttrs, rows: map[string]dynatx.Item{}}
}

func (s *MockStore) hook(op, table string) error {
	if s.Hook != nil {
		return s.Hook(op, table)
	}
	return nil
}

func (s *MockStore) table(table string) (*mockTable, error) {
	t, ok := s.tables[table]
	if !ok {
		return nil, dynatx.Error{Code: dynatx.BackingStoreFailure, Err: fmt.Errorf("table %s does not exist", table)}
	}
	return t, nil
}

func (t *mockTable) rowKey(table string, item dynatx.Item) (string, error) {
	ik, err := dynatx.NewImmutableKey(table, item, t.keyAttrs)
	if err != nil {
		return "", err
	}
	return ik.String(), nil
}

// checkExpected evaluates the write predicates against the current row (nil
// when absent). A failed predicate is ConditionalCheckFailed.
func checkExpected(row dynatx.Item, expected map[string]dynatx.ExpectedValue) error {
	for name, exp := range expected {
		var cur types.AttributeValue
		if row != nil {
			cur = row[name]
		}
		if !exp.Exists {
			if cur != nil {
				return dynatx.Error{Code: dynatx.ConditionalCheckFailed,
					Err: fmt.Errorf("attribute %s exists but was expected absent", name)}
			}
			continue
		}
		if cur == nil || !dynatx.ValueEqual(cur, exp.Value) {
			return dynatx.Error{Code: dynatx.ConditionalCheckFailed,
				Err: fmt.Errorf("attribute %s does not match its expected value", name)}
		}
	}
	return nil
}

func (s *MockStore) GetItem(_ context.Context, table string, key dynatx.Item, _ bool) (dynatx.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook("get", table); err != nil {
		return nil, err
	}
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	rk, err := t.rowKey(table, key)
	if err != nil {
		return nil, err
	}
	row, ok := t.rows[rk]
	if !ok {
		return nil, nil
	}
	return dynatx.CopyItem(row), nil
}

func (s *MockStore) PutItem(_ context.Context, table string, item dynatx.Item, expected map[string]dynatx.ExpectedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook("put", table); err != nil {
		return err
	}
	t, err := s.table(table)
	if err != nil {
		return err
	}
	rk, err := t.rowKey(table, item)
	if err != nil {
		return err
	}
	if err := checkExpected(t.rows[rk], expected); err != nil {
		return err
	}
	t.rows[rk] = dynatx.CopyItem(item)
	return nil
}

func (s *MockStore) UpdateItem(_ context.Context, table string, key dynatx.Item, updates map[string]dynatx.AttributeUpdate, expected map[string]dynatx.ExpectedValue) (dynatx.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook("update", table); err != nil {
		return nil, err
	}
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	rk, err := t.rowKey(table, key)
	if err != nil {
		return nil, err
	}
	row, exists := t.rows[rk]
	if err := checkExpected(row, expected); err != nil {
		return nil, err
	}
	var next dynatx.Item
	if exists {
		next = dynatx.CopyItem(row)
	} else {
		// Updates create the row, key attributes included.
		next = dynatx.CopyItem(key)
	}
	for name, u := range updates {
		switch u.Action {
		case dynatx.UpdatePut:
			next[name] = dynatx.CopyValue(u.Value)
		case dynatx.UpdateAdd:
			nv, err := addValue(next[name], u.Value)
			if err != nil {
				return nil, dynatx.Error{Code: dynatx.BackingStoreFailure,
					Err: fmt.Errorf("ADD on attribute %s failed, details: %w", name, err)}
			}
			next[name] = nv
		case dynatx.UpdateDelete:
			if u.Value == nil {
				delete(next, name)
				continue
			}
			nv, err := deleteFromSet(next[name], u.Value)
			if err != nil {
				return nil, dynatx.Error{Code: dynatx.BackingStoreFailure,
					Err: fmt.Errorf("DELETE on attribute %s failed, details: %w", name, err)}
			}
			if nv == nil {
				delete(next, name)
			} else {
				next[name] = nv
			}
		default:
			return nil, dynatx.Error{Code: dynatx.BackingStoreFailure,
				Err: fmt.Errorf("unknown update action %d on attribute %s", int(u.Action), name)}
		}
	}
	t.rows[rk] = next
	return dynatx.CopyItem(next), nil
}

func (s *MockStore) DeleteItem(_ context.Context, table string, key dynatx.Item, expected map[string]dynatx.ExpectedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook("delete", table); err != nil {
		return err
	}
	t, err := s.table(table)
	if err != nil {
		return err
	}
	rk, err := t.rowKey(table, key)
	if err != nil {
		return err
	}
	if err := checkExpected(t.rows[rk], expected); err != nil {
		return err
	}
	delete(t.rows, rk)
	return nil
}

func (s *MockStore) Scan(_ context.Context, table string, startKey dynatx.Item, limit int32) ([]dynatx.Item, dynatx.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook("scan", table); err != nil {
		return nil, nil, err
	}
	t, err := s.table(table)
	if err != nil {
		return nil, nil, err
	}
	if limit <= 0 {
		limit = defaultScanPageSize
	}
	after := ""
	if startKey != nil {
		if after, err = t.rowKey(table, startKey); err != nil {
			return nil, nil, err
		}
	}
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		if k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var items []dynatx.Item
	for i, k := range keys {
		if int32(i) >= limit {
			break
		}
		items = append(items, dynatx.CopyItem(t.rows[k]))
	}
	if int32(len(keys)) <= limit {
		return items, nil, nil
	}
	last := items[len(items)-1]
	nextKey := make(dynatx.Item, len(t.keyAttrs))
	for _, a := range t.keyAttrs {
		nextKey[a] = dynatx.CopyValue(last[a])
	}
	return items, nextKey, nil
}

func (s *MockStore) Query(_ context.Context, table string, keyConditions dynatx.Item, startKey dynatx.Item, limit int32) ([]dynatx.Item, dynatx.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook("query", table); err != nil {
		return nil, nil, err
	}
	t, err := s.table(table)
	if err != nil {
		return nil, nil, err
	}
	if len(keyConditions) == 0 {
		return nil, nil, dynatx.Error{Code: dynatx.BackingStoreFailure,
			Err: fmt.Errorf("query on table %s requires at least one key condition", table)}
	}
	if limit <= 0 {
		limit = defaultScanPageSize
	}
	after := ""
	if startKey != nil {
		if after, err = t.rowKey(table, startKey); err != nil {
			return nil, nil, err
		}
	}
	keys := make([]string, 0, len(t.rows))
	for k, row := range t.rows {
		if k <= after {
			continue
		}
		match := true
		for name, want := range keyConditions {
			cur := row[name]
			if cur == nil || !dynatx.ValueEqual(cur, want) {
				match = false
				break
			}
		}
		if match {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var items []dynatx.Item
	for i, k := range keys {
		if int32(i) >= limit {
			break
		}
		items = append(items, dynatx.CopyItem(t.rows[k]))
	}
	if int32(len(keys)) <= limit {
		return items, nil, nil
	}
	last := items[len(items)-1]
	nextKey := make(dynatx.Item, len(t.keyAttrs))
	for _, a := range t.keyAttrs {
		nextKey[a] = dynatx.CopyValue(last[a])
	}
	return items, nextKey, nil
}

func (s *MockStore) KeySchema(_ context.Context, table string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook("schema", table); err != nil {
		return nil, err
	}
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), t.keyAttrs...), nil
}

// RowCount reports the number of rows of a table. Zero for unknown tables.
func (s *MockStore) RowCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

// addValue implements the store's ADD action: numeric addition on N, union on
// sets, and the value itself when the attribute is absent. Anything else is a
// type mismatch.
func addValue(cur, v types.AttributeValue) (types.AttributeValue, error) {
	switch av := v.(type) {
	case *types.AttributeValueMemberN:
		if cur == nil {
			return dynatx.CopyValue(v), nil
		}
		cn, ok := cur.(*types.AttributeValueMemberN)
		if !ok {
			return nil, fmt.Errorf("ADD of a number to a %T attribute", cur)
		}
		sum, err := addNumbers(cn.Value, av.Value)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberN{Value: sum}, nil
	case *types.AttributeValueMemberSS:
		if cur == nil {
			return dynatx.CopyValue(v), nil
		}
		cs, ok := cur.(*types.AttributeValueMemberSS)
		if !ok {
			return nil, fmt.Errorf("ADD of a string set to a %T attribute", cur)
		}
		return &types.AttributeValueMemberSS{Value: unionStrings(cs.Value, av.Value)}, nil
	case *types.AttributeValueMemberNS:
		if cur == nil {
			return dynatx.CopyValue(v), nil
		}
		cs, ok := cur.(*types.AttributeValueMemberNS)
		if !ok {
			return nil, fmt.Errorf("ADD of a number set to a %T attribute", cur)
		}
		return &types.AttributeValueMemberNS{Value: unionStrings(cs.Value, av.Value)}, nil
	case *types.AttributeValueMemberBS:
		if cur == nil {
			return dynatx.CopyValue(v), nil
		}
		cs, ok := cur.(*types.AttributeValueMemberBS)
		if !ok {
			return nil, fmt.Errorf("ADD of a binary set to a %T attribute", cur)
		}
		return &types.AttributeValueMemberBS{Value: unionBytes(cs.Value, av.Value)}, nil
	}
	return nil, fmt.Errorf("ADD value type %T is not a number or set", v)
}

func addNumbers(a, b string) (string, error) {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return strconv.FormatInt(ai+bi, 10), nil
	}
	af, aerr := strconv.ParseFloat(a, 64)
	bf, berr := strconv.ParseFloat(b, 64)
	if aerr != nil || berr != nil {
		return "", fmt.Errorf("non-numeric N values %q and %q", a, b)
	}
	return strconv.FormatFloat(af+bf, 'g', -1, 64), nil
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func unionBytes(a, b [][]byte) [][]byte {
	seen := map[string]bool{}
	var out [][]byte
	for _, v := range a {
		if !seen[string(v)] {
			seen[string(v)] = true
			out = append(out, append([]byte(nil), v...))
		}
	}
	for _, v := range b {
		if !seen[string(v)] {
			seen[string(v)] = true
			out = append(out, append([]byte(nil), v...))
		}
	}
	return out
}

// deleteFromSet implements DELETE with a set value: remove the elements, and
// collapse to absent when the set empties. nil return means remove the attribute.
func deleteFromSet(cur, v types.AttributeValue) (types.AttributeValue, error) {
	if cur == nil {
		return nil, nil
	}
	switch dv := v.(type) {
	case *types.AttributeValueMemberSS:
		cs, ok := cur.(*types.AttributeValueMemberSS)
		if !ok {
			return nil, fmt.Errorf("DELETE of a string set from a %T attribute", cur)
		}
		out := subtractStrings(cs.Value, dv.Value)
		if len(out) == 0 {
			return nil, nil
		}
		return &types.AttributeValueMemberSS{Value: out}, nil
	case *types.AttributeValueMemberNS:
		cs, ok := cur.(*types.AttributeValueMemberNS)
		if !ok {
			return nil, fmt.Errorf("DELETE of a number set from a %T attribute", cur)
		}
		out := subtractStrings(cs.Value, dv.Value)
		if len(out) == 0 {
			return nil, nil
		}
		return &types.AttributeValueMemberNS{Value: out}, nil
	case *types.AttributeValueMemberBS:
		cs, ok := cur.(*types.AttributeValueMemberBS)
		if !ok {
			return nil, fmt.Errorf("DELETE of a binary set from a %T attribute", cur)
		}
		drop := map[string]bool{}
		for _, b := range dv.Value {
			drop[string(b)] = true
		}
		var out [][]byte
		for _, b := range cs.Value {
			if !drop[string(b)] {
				out = append(out, append([]byte(nil), b...))
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return &types.AttributeValueMemberBS{Value: out}, nil
	}
	return nil, fmt.Errorf("DELETE value type %T is not a set", v)
}

func subtractStrings(a, drop []string) []string {
	dm := map[string]bool{}
	for _, v := range drop {
		dm[v] = true
	}
	var out []string
	for _, v := range a {
		if !dm[v] {
			out = append(out, v)
		}
	}
	return out
}
