// Package dynatx implements client-side ACID multi-item transactions on top of
// a key-value store that natively supports only single-item atomic conditional
// writes (DynamoDB).
//
// The durable coordinator state for each transaction lives in a transaction
// table row; pre-images of mutated items live in an item-image table; locks
// live in reserved attributes on the user items themselves. Multiple
// coordinators may drive the same transaction concurrently, and any
// coordinator can complete (commit or roll back) a transaction it collides
// with, so the protocol survives coordinator crashes at any point.
//
// This root package holds the shared value types, the error taxonomy, and the
// ItemStore contract the protocol is written against. Package core contains
// the transaction manager and the commit/rollback driver; package dynamodb
// contains the real backing-store adapter.
package dynatx
