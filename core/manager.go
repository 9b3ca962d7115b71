package core

import (
	"context"
	"fmt"
	log "log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sharedcode/dynatx"
)

// ManagerOptions tunes a TransactionManager. Zero values take the defaults;
// 'call Validate (or let NewTransactionManager do it) before use.
type ManagerOptions struct {
	// TransactionTable holds transaction records, hash key dynatx.AttrTxID.
	TransactionTable string
	// ImageTable holds pre-images, hash key dynatx.AttrImageID.
	ImageTable string
	// LockAttempts bounds item lock acquisition, contention resolution included.
	LockAttempts int
	// CommitAttempts bounds version-race retries on the transaction record.
	CommitAttempts int
	// CommittedReadAttempts bounds re-reads when a committed-isolation read
	// races the lock owner's completion.
	CommittedReadAttempts int
	// SchemaCacheSize caps the per-table key schema cache.
	SchemaCacheSize int
}

const (
	defaultLockAttempts          = 3
	defaultCommitAttempts        = 3
	defaultCommittedReadAttempts = 3
	defaultSchemaCacheSize       = 128
)

// Validate fills in defaults and rejects unusable options.
func (o *ManagerOptions) Validate() error {
	if o.TransactionTable == "" || o.ImageTable == "" {
		return fmt.Errorf("transaction and image table names are required")
	}
	if o.TransactionTable == o.ImageTable {
		return fmt.Errorf("transaction and image tables must differ")
	}
	if o.LockAttempts <= 0 {
		o.LockAttempts = defaultLockAttempts
	}
	if o.CommitAttempts <= 0 {
		o.CommitAttempts = defaultCommitAttempts
	}
	if o.CommittedReadAttempts <= 0 {
		o.CommittedReadAttempts = defaultCommittedReadAttempts
	}
	if o.SchemaCacheSize <= 0 {
		o.SchemaCacheSize = defaultSchemaCacheSize
	}
	return nil
}

// TransactionManager creates, resumes, and reads around transactions against
// one pair of (transaction, image) tables. Safe for concurrent use.
type TransactionManager struct {
	store dynatx.ItemStore
	repo  recordRepository
	opts  ManagerOptions

	// Key schemas are immutable for a table's lifetime, so cache hits never
	// need invalidation.
	schemas *lru.Cache[string, []string]
}

// NewTransactionManager constructs a manager over the given item store.
func NewTransactionManager(store dynatx.ItemStore, opts ManagerOptions) (*TransactionManager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	schemas, err := lru.New[string, []string](opts.SchemaCacheSize)
	if err != nil {
		return nil, err
	}
	return &TransactionManager{
		store:   store,
		repo:    recordRepository{store: store, transactionTable: opts.TransactionTable, imageTable: opts.ImageTable},
		opts:    opts,
		schemas: schemas,
	}, nil
}

func (m *TransactionManager) keySchema(ctx context.Context, table string) ([]string, error) {
	if s, ok := m.schemas.Get(table); ok {
		return s, nil
	}
	s, err := m.store.KeySchema(ctx, table)
	if err != nil {
		return nil, err
	}
	m.schemas.Add(table, s)
	return s, nil
}

// New starts a fresh transaction with a generated ID.
func (m *TransactionManager) New(ctx context.Context) (*Transaction, error) {
	id := dynatx.NewUUID().String()
	rec, err := m.repo.insert(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Debug("transaction started", "tid", id)
	return &Transaction{manager: m, rec: rec, fullyApplied: map[int]bool{}}, nil
}

// Resume attaches a coordinator to an existing transaction by ID, loading its
// durable record. The returned Transaction can drive the protocol exactly as
// the original coordinator would.
func (m *TransactionManager) Resume(ctx context.Context, id string) (*Transaction, error) {
	rec, err := m.repo.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Transaction{manager: m, rec: rec, fullyApplied: map[int]bool{}}, nil
}

// ResumeFromItem attaches a coordinator from a raw transaction table row,
// as handed out by a scan. The caller still races the record's owner; every
// subsequent step re-verifies against the durable row.
func (m *TransactionManager) ResumeFromItem(item dynatx.Item) (*Transaction, error) {
	rec, err := parseRecord(item)
	if err != nil {
		return nil, err
	}
	return &Transaction{manager: m, rec: rec, fullyApplied: map[int]bool{}}, nil
}

func (m *TransactionManager) handlerFor(level IsolationLevel) (isolationHandler, error) {
	switch level {
	case IsolationUncommitted:
		return uncommittedHandler{}, nil
	case IsolationCommitted:
		return committedHandler{manager: m, attempts: m.opts.CommittedReadAttempts}, nil
	case IsolationReadLock:
		return nil, dynatx.Error{Code: dynatx.InvalidRequest,
			Err: fmt.Errorf("read-lock isolation requires a transaction, 'use Transaction.GetItem")}
	}
	return nil, dynatx.Error{Code: dynatx.InvalidRequest, Err: fmt.Errorf("unknown isolation level %d", int(level))}
}

// GetItem reads one row outside any transaction at the given isolation level.
func (m *TransactionManager) GetItem(ctx context.Context, table string, key dynatx.Item, level IsolationLevel) (dynatx.Item, error) {
	h, err := m.handlerFor(level)
	if err != nil {
		return nil, err
	}
	item, err := m.store.GetItem(ctx, table, key, true)
	if err != nil {
		return nil, err
	}
	return h.handle(ctx, table, item)
}

// Scan pages through a table outside any transaction, filtering every row
// through the isolation handler. Rows that resolve to absent are dropped.
func (m *TransactionManager) Scan(ctx context.Context, table string, startKey dynatx.Item, limit int32, level IsolationLevel) ([]dynatx.Item, dynatx.Item, error) {
	h, err := m.handlerFor(level)
	if err != nil {
		return nil, nil, err
	}
	raw, nextKey, err := m.store.Scan(ctx, table, startKey, limit)
	if err != nil {
		return nil, nil, err
	}
	items := make([]dynatx.Item, 0, len(raw))
	for _, it := range raw {
		resolved, err := h.handle(ctx, table, it)
		if err != nil {
			return nil, nil, err
		}
		if resolved != nil {
			items = append(items, resolved)
		}
	}
	return items, nextKey, nil
}

// Query pages through the rows matching the key conditions outside any
// transaction, filtering every row through the isolation handler exactly as
// Scan does. Rows that resolve to absent are dropped.
func (m *TransactionManager) Query(ctx context.Context, table string, keyConditions dynatx.Item, startKey dynatx.Item, limit int32, level IsolationLevel) ([]dynatx.Item, dynatx.Item, error) {
	h, err := m.handlerFor(level)
	if err != nil {
		return nil, nil, err
	}
	raw, nextKey, err := m.store.Query(ctx, table, keyConditions, startKey, limit)
	if err != nil {
		return nil, nil, err
	}
	items := make([]dynatx.Item, 0, len(raw))
	for _, it := range raw {
		resolved, err := h.handle(ctx, table, it)
		if err != nil {
			return nil, nil, err
		}
		if resolved != nil {
			items = append(items, resolved)
		}
	}
	return items, nextKey, nil
}

// BatchGetItem reads several rows at the given isolation level. Each read is
// an independent single-item get; rows that resolve to absent are dropped.
// The batch as a whole is not a consistent snapshot.
func (m *TransactionManager) BatchGetItem(ctx context.Context, table string, keys []dynatx.Item, level IsolationLevel) ([]dynatx.Item, error) {
	h, err := m.handlerFor(level)
	if err != nil {
		return nil, err
	}
	items := make([]dynatx.Item, 0, len(keys))
	for _, key := range keys {
		item, err := m.store.GetItem(ctx, table, key, true)
		if err != nil {
			return nil, err
		}
		resolved, err := h.handle(ctx, table, item)
		if err != nil {
			return nil, err
		}
		if resolved != nil {
			items = append(items, resolved)
		}
	}
	return items, nil
}

// BreakLock forcibly removes txid's abandoned lock from a row. It refuses
// while txid's transaction record still exists; 'roll the owner back instead.
// A row that is unlocked, or locked by some other transaction by the time the
// row is read, is left alone. Meant for operator cleanup after
// releaseLockBestEffort left a row behind.
func (m *TransactionManager) BreakLock(ctx context.Context, table string, key dynatx.Item, txid string) error {
	item, err := m.store.GetItem(ctx, table, key, true)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}
	owner := dynatx.LockOwner(item)
	if owner == "" || owner != txid {
		return nil
	}
	if _, err := m.repo.load(ctx, txid); err == nil {
		return dynatx.Error{Code: dynatx.InvalidRequest,
			Err: fmt.Errorf("transaction %s still exists, 'resume and roll it back instead of breaking its lock", txid)}
	} else if dynatx.CodeOf(err) != dynatx.TransactionNotFound {
		return err
	}
	log.Warn("breaking abandoned lock", "table", table, "owner", owner)
	if dynatx.IsTransient(item) && !dynatx.IsApplied(item) {
		err := m.store.DeleteItem(ctx, table, key, map[string]dynatx.ExpectedValue{
			dynatx.AttrTxID: dynatx.ExpectEqual(item[dynatx.AttrTxID]),
		})
		if err != nil && dynatx.CodeOf(err) != dynatx.ConditionalCheckFailed {
			return err
		}
		return nil
	}
	_, err = m.store.UpdateItem(ctx, table, key, map[string]dynatx.AttributeUpdate{
		dynatx.AttrTxID:      dynatx.Delete(nil),
		dynatx.AttrDate:      dynatx.Delete(nil),
		dynatx.AttrTransient: dynatx.Delete(nil),
		dynatx.AttrApplied:   dynatx.Delete(nil),
	}, map[string]dynatx.ExpectedValue{
		dynatx.AttrTxID: dynatx.ExpectEqual(item[dynatx.AttrTxID]),
	})
	if err != nil && dynatx.CodeOf(err) != dynatx.ConditionalCheckFailed {
		return err
	}
	return nil
}
