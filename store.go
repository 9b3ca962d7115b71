package dynatx

import (
	"context"
)

// ItemStore is the typed contract the transaction protocol is written
// against: single-item conditional writes with per-attribute exists/equals
// predicates, strongly consistent reads, and paged scans. Package dynamodb
// implements it over the real backing store; core/mocks implements it in
// memory for tests.
//
// Implementations must map the store's conditional write failure to
// Error{Code: ConditionalCheckFailed} so it is distinguishable from other
// failures, and wrap everything else as BackingStoreFailure.
type ItemStore interface {
	// GetItem fetches one row by primary key. Returns nil when the row is absent.
	GetItem(ctx context.Context, table string, key Item, consistent bool) (Item, error)
	// PutItem writes the full row, subject to the expected predicates.
	PutItem(ctx context.Context, table string, item Item, expected map[string]ExpectedValue) error
	// UpdateItem applies attribute-level actions to the row (creating it when
	// absent), subject to the expected predicates. Returns the new row image.
	UpdateItem(ctx context.Context, table string, key Item, updates map[string]AttributeUpdate, expected map[string]ExpectedValue) (Item, error)
	// DeleteItem removes the row, subject to the expected predicates.
	DeleteItem(ctx context.Context, table string, key Item, expected map[string]ExpectedValue) error
	// Scan returns one page of rows plus the continuation key, nil when the
	// scan is complete. limit <= 0 means store default.
	Scan(ctx context.Context, table string, startKey Item, limit int32) ([]Item, Item, error)
	// Query returns one page of rows whose attributes equal every key
	// condition (partition key equality, optionally the range key too), plus
	// the continuation key. limit <= 0 means store default.
	Query(ctx context.Context, table string, keyConditions Item, startKey Item, limit int32) ([]Item, Item, error)
	// KeySchema returns the ordered primary key attribute names of the table
	// (partition key first).
	KeySchema(ctx context.Context, table string) ([]string, error)
}
