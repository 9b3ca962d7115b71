package core

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sharedcode/dynatx"
)

// Transaction is one in-process coordinator of a transaction. Multiple
// coordinators (in this or other processes) may drive the same transaction
// record concurrently; every step below is idempotent and conditioned on the
// durable state, so all of them converge on the same outcome.
//
// A Transaction is safe for use by multiple goroutines; operations serialize
// on the per-transaction mutex. Different transactions are fully parallel.
type Transaction struct {
	manager *TransactionManager
	rec     *record
	mu      sync.Mutex

	// rids this coordinator has itself fully applied; lets verifyLocks skip
	// work it has already observed through to completion.
	fullyApplied map[int]bool
}

// ID returns the transaction ID.
func (t *Transaction) ID() string {
	return t.rec.id
}

// PutItem stages a full-row write inside the transaction. The write is
// applied to the live row under lock; commit makes it permanent, rollback
// restores the pre-image.
func (t *Transaction) PutItem(ctx context.Context, table string, item dynatx.Item, mode ReturnMode) (dynatx.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driveRequest(ctx, &Request{Kind: RequestPut, Table: table, Item: item, ReturnMode: mode})
}

// UpdateItem stages attribute-level updates inside the transaction.
func (t *Transaction) UpdateItem(ctx context.Context, table string, key dynatx.Item, updates map[string]dynatx.AttributeUpdate, mode ReturnMode) (dynatx.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driveRequest(ctx, &Request{Kind: RequestUpdate, Table: table, Key: key, Updates: updates, ReturnMode: mode})
}

// DeleteItem stages a row removal. The row stays in place (locked) until
// commit; only the unlock after commit realizes the delete.
func (t *Transaction) DeleteItem(ctx context.Context, table string, key dynatx.Item, mode ReturnMode) (dynatx.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driveRequest(ctx, &Request{Kind: RequestDelete, Table: table, Key: key, ReturnMode: mode})
}

// GetItem reads a row under a full lock (serializable isolation). Reads after
// writes of the same (table, key) within this transaction see the post-apply
// bytes; a read after a same-transaction delete sees absent.
func (t *Transaction) GetItem(ctx context.Context, table string, key dynatx.Item) (dynatx.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driveRequest(ctx, &Request{Kind: RequestGetLock, Table: table, Key: key})
}

// driveRequest is the per-request protocol: validate, merge or reject
// duplicates, add to the record, then lock/save/verify/apply.
func (t *Transaction) driveRequest(ctx context.Context, req *Request) (dynatx.Item, error) {
	schema, err := t.manager.keySchema(ctx, req.Table)
	if err != nil {
		return nil, err
	}
	if err := req.validate(schema); err != nil {
		return nil, err
	}
	ik, err := req.immutableKey(schema)
	if err != nil {
		return nil, err
	}
	// Classification runs against the current record view and must rerun
	// whenever the durable record turns out newer: another coordinator of this
	// same transaction may have appended a request for the same key meanwhile.
	attempts := t.manager.opts.CommitAttempts
	for attempt := 0; ; attempt++ {
		existing, err := t.requestForKey(ctx, ik)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if req.Kind == RequestGetLock {
				// A read lock merges into any pre-existing request for the same
				// (table, key); a write wins for visibility.
				return t.readOwnRequest(ctx, existing, schema)
			}
			if existing.IsMutating() {
				return nil, dynatx.Error{Code: dynatx.DuplicateRequest,
					Err: fmt.Errorf("transaction %s already has a %s request for the same key of table %s", t.rec.id, existing.Kind, req.Table)}
			}
			// A write over an earlier read lock is an upgrade; both stay in the record.
		}
		err = t.addRequest(ctx, req)
		if err == nil {
			break
		}
		if !errors.Is(err, errStaleRecord) {
			return nil, err
		}
		if attempt+1 >= attempts {
			return nil, fmt.Errorf("unable to add request to transaction %s after %d attempts", t.rec.id, attempts)
		}
		dynatx.RandomSleep(ctx)
	}
	applied, locked, err := t.processRequest(ctx, req, schema)
	if err != nil {
		return nil, err
	}
	return t.requestReturnValue(ctx, req, applied, locked)
}

// errStaleRecord means the durable record moved past the in-memory view while
// appending a request; the caller must re-classify against the refreshed
// request set before retrying.
var errStaleRecord = errors.New("transaction record changed underneath the coordinator")

// addRequest runs VerifyLocks then appends req to the record, once. A lost
// version race reloads the record and reports errStaleRecord.
func (t *Transaction) addRequest(ctx context.Context, req *Request) error {
	// Catch up on everything already in the record before taking new locks.
	if err := t.verifyLocks(ctx); err != nil {
		return err
	}
	err := t.manager.repo.addRequest(ctx, t.rec, req)
	if err == nil {
		return nil
	}
	if dynatx.CodeOf(err) != dynatx.ConditionalCheckFailed {
		return err
	}
	rec2, lerr := t.manager.repo.load(ctx, t.rec.id)
	if lerr != nil {
		if dynatx.CodeOf(lerr) == dynatx.TransactionNotFound {
			// The record vanished between observation and action.
			return dynatx.Error{Code: dynatx.UnknownCompleted,
				Err: fmt.Errorf("transaction %s completed and was deleted; outcome unknown", t.rec.id)}
		}
		return lerr
	}
	t.rec = rec2
	switch rec2.state {
	case StateCommitted:
		if err := t.doCommit(ctx); err != nil {
			return err
		}
		return dynatx.Error{Code: dynatx.TransactionCommitted,
			Err: fmt.Errorf("transaction %s is already committed", t.rec.id)}
	case StateRolledBack:
		if err := t.doRollback(ctx); err != nil {
			return err
		}
		return dynatx.Error{Code: dynatx.TransactionRolledBack,
			Err: fmt.Errorf("transaction %s is already rolled back", t.rec.id)}
	}
	return errStaleRecord
}

// processRequest runs lock/save/verify/apply for one request, resolving
// contention with other transactions by rolling them back and retrying.
func (t *Transaction) processRequest(ctx context.Context, req *Request, schema []string) (applied, locked dynatx.Item, err error) {
	attempts := t.manager.opts.LockAttempts
	for attempt := 0; ; attempt++ {
		applied, locked, err = t.lockSaveApply(ctx, req, schema)
		if err == nil || dynatx.CodeOf(err) != dynatx.ItemNotLocked {
			return applied, locked, err
		}
		if attempt+1 >= attempts {
			return nil, nil, err
		}
		var de dynatx.Error
		if errors.As(err, &de) {
			if info, ok := de.UserData.(dynatx.LockInfo); ok && info.OwnerID != "" {
				t.resolveConflict(ctx, info)
			}
		}
		dynatx.RandomSleep(ctx)
	}
}

// resolveConflict force-completes the transaction owning a contended lock.
// Every coordinator is willing to roll back whatever blocks it; that is how
// the protocol breaks deadlocks. If the owner already committed, its commit
// path completes and releases the lock instead.
func (t *Transaction) resolveConflict(ctx context.Context, info dynatx.LockInfo) {
	other, err := t.manager.Resume(ctx, info.OwnerID)
	if err != nil {
		// Owner's record is gone; its unlock should land shortly.
		log.Debug("conflict resolution: owner record not found", "owner", info.OwnerID, "error", err)
		return
	}
	if err := other.Rollback(ctx); err != nil && !dynatx.IsTransactionCompleted(err) {
		log.Debug("conflict resolution: rollback of owner failed", "owner", info.OwnerID, "error", err)
	}
}

// lockSaveApply is steps lock (B), save pre-image (C), re-verify record (D),
// apply (E) for one request.
func (t *Transaction) lockSaveApply(ctx context.Context, req *Request, schema []string) (dynatx.Item, dynatx.Item, error) {
	keyItem, err := req.keyItem(schema)
	if err != nil {
		return nil, nil, err
	}
	locked, err := t.lockItem(ctx, req, keyItem)
	if err != nil {
		return nil, nil, err
	}
	// Save the pre-image before the first mutating apply. Transient rows have
	// nothing to preserve; deletes and read locks never mutate at apply time.
	if (req.Kind == RequestPut || req.Kind == RequestUpdate) &&
		!dynatx.IsTransient(locked) && !dynatx.IsApplied(locked) {
		if err := t.manager.repo.saveImage(ctx, t.rec.id, req.rid, locked); err != nil {
			return nil, nil, err
		}
	}
	// The record may have reached a terminal state while we were locking.
	rec2, err := t.manager.repo.load(ctx, t.rec.id)
	if err != nil {
		if dynatx.CodeOf(err) == dynatx.TransactionNotFound {
			t.releaseLockBestEffort(ctx, req, keyItem, locked)
			return nil, nil, dynatx.Error{Code: dynatx.TransactionNotFound,
				Err: fmt.Errorf("transaction %s vanished while locking", t.rec.id)}
		}
		return nil, nil, err
	}
	t.rec = rec2
	switch rec2.state {
	case StateCommitted:
		if err := t.doCommit(ctx); err != nil {
			return nil, nil, err
		}
		return nil, nil, dynatx.Error{Code: dynatx.TransactionCommitted,
			Err: fmt.Errorf("transaction %s committed while a request was in flight", t.rec.id)}
	case StateRolledBack:
		if err := t.doRollback(ctx); err != nil {
			return nil, nil, err
		}
		return nil, nil, dynatx.Error{Code: dynatx.TransactionRolledBack,
			Err: fmt.Errorf("transaction %s rolled back while a request was in flight", t.rec.id)}
	}
	applied, err := t.applyRequest(ctx, req, keyItem, locked)
	if err != nil {
		return nil, nil, err
	}
	t.fullyApplied[req.rid] = true
	return applied, locked, nil
}

// lockItem acquires the item lock with a conditional write asserting no
// current owner. It flips between expect-exists and expect-not-exists shapes
// as the row appears or vanishes; a row owned by another transaction raises
// ItemNotLocked carrying the owner for contention resolution.
func (t *Transaction) lockItem(ctx context.Context, req *Request, keyItem dynatx.Item) (dynatx.Item, error) {
	expectExists := req.Kind != RequestPut
	attempts := t.manager.opts.LockAttempts
	for i := 0; i < attempts; i++ {
		updates := map[string]dynatx.AttributeUpdate{
			dynatx.AttrTxID: dynatx.Put(&types.AttributeValueMemberS{Value: t.rec.id}),
			dynatx.AttrDate: dynatx.Put(nowSeconds()),
		}
		expected := map[string]dynatx.ExpectedValue{
			dynatx.AttrTxID: dynatx.ExpectAbsent(),
		}
		if expectExists {
			for a, v := range keyItem {
				expected[a] = dynatx.ExpectEqual(v)
			}
		} else {
			updates[dynatx.AttrTransient] = dynatx.Put(&types.AttributeValueMemberS{Value: dynatx.BoolFlagValue})
			for a := range keyItem {
				expected[a] = dynatx.ExpectAbsent()
			}
		}
		newImage, err := t.manager.store.UpdateItem(ctx, req.Table, keyItem, updates, expected)
		if err == nil {
			return newImage, nil
		}
		if dynatx.CodeOf(err) != dynatx.ConditionalCheckFailed {
			return nil, err
		}
		item, gerr := t.manager.store.GetItem(ctx, req.Table, keyItem, true)
		if gerr != nil {
			return nil, gerr
		}
		if item == nil {
			// Row vanished; switch existence mode and retry.
			expectExists = false
			continue
		}
		owner := dynatx.LockOwner(item)
		if owner == t.rec.id {
			return item, nil
		}
		if owner == "" {
			// Row exists and is unowned; the conditional lost an existence race.
			expectExists = true
			continue
		}
		return nil, dynatx.Error{Code: dynatx.ItemNotLocked,
			Err:      fmt.Errorf("item of table %s is locked by transaction %s", req.Table, owner),
			UserData: dynatx.LockInfo{OwnerID: owner, Table: req.Table, Key: keyItem}}
	}
	return nil, dynatx.Error{Code: dynatx.ItemNotLocked,
		Err:      fmt.Errorf("unable to acquire lock on item of table %s after %d attempts", req.Table, attempts),
		UserData: dynatx.LockInfo{Table: req.Table, Key: keyItem}}
}

// applyRequest executes the request's mutation on the locked row, at most
// once: the write is conditioned on the applied flag being absent.
func (t *Transaction) applyRequest(ctx context.Context, req *Request, keyItem, locked dynatx.Item) (dynatx.Item, error) {
	if dynatx.IsApplied(locked) {
		return locked, nil
	}
	switch req.Kind {
	case RequestGetLock, RequestDelete:
		// Read locks never mutate; deletes are realized at unlock-after-commit.
		return locked, nil
	case RequestPut:
		newItem := dynatx.CopyItem(req.Item)
		newItem[dynatx.AttrTxID] = &types.AttributeValueMemberS{Value: t.rec.id}
		if d, ok := locked[dynatx.AttrDate]; ok {
			newItem[dynatx.AttrDate] = dynatx.CopyValue(d)
		} else {
			newItem[dynatx.AttrDate] = nowSeconds()
		}
		if dynatx.IsTransient(locked) {
			newItem[dynatx.AttrTransient] = &types.AttributeValueMemberS{Value: dynatx.BoolFlagValue}
		}
		newItem[dynatx.AttrApplied] = &types.AttributeValueMemberS{Value: dynatx.BoolFlagValue}
		err := t.manager.store.PutItem(ctx, req.Table, newItem, map[string]dynatx.ExpectedValue{
			dynatx.AttrTxID:    dynatx.ExpectEqual(&types.AttributeValueMemberS{Value: t.rec.id}),
			dynatx.AttrApplied: dynatx.ExpectAbsent(),
		})
		if err == nil {
			return newItem, nil
		}
		if dynatx.CodeOf(err) == dynatx.ConditionalCheckFailed {
			// Another coordinator already applied this rid; the row is authoritative.
			return t.manager.store.GetItem(ctx, req.Table, keyItem, true)
		}
		return nil, err
	case RequestUpdate:
		updates := make(map[string]dynatx.AttributeUpdate, len(req.Updates)+1)
		for k, v := range req.Updates {
			updates[k] = v
		}
		updates[dynatx.AttrApplied] = dynatx.Put(&types.AttributeValueMemberS{Value: dynatx.BoolFlagValue})
		newImage, err := t.manager.store.UpdateItem(ctx, req.Table, keyItem, updates, map[string]dynatx.ExpectedValue{
			dynatx.AttrTxID:    dynatx.ExpectEqual(&types.AttributeValueMemberS{Value: t.rec.id}),
			dynatx.AttrApplied: dynatx.ExpectAbsent(),
		})
		if err == nil {
			return newImage, nil
		}
		if dynatx.CodeOf(err) == dynatx.ConditionalCheckFailed {
			return t.manager.store.GetItem(ctx, req.Table, keyItem, true)
		}
		// A store-side validation failure surfaces as-is; the item stays
		// locked so rollback can restore the pre-image.
		return nil, err
	}
	return nil, dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("apply of unknown request kind %d", int(req.Kind))}
}

// verifyLocks runs lock/save/apply for every request in the record this
// coordinator has not itself fully applied. A second coordinator catches up
// on a partially applied transaction here without re-doing observed work.
func (t *Transaction) verifyLocks(ctx context.Context) error {
	reqs := append([]*Request(nil), t.rec.requests...)
	for _, req := range reqs {
		if t.fullyApplied[req.rid] {
			continue
		}
		schema, err := t.manager.keySchema(ctx, req.Table)
		if err != nil {
			return err
		}
		if _, _, err := t.processRequest(ctx, req, schema); err != nil {
			return err
		}
	}
	return nil
}

// Commit drives the transaction to Committed and completes it: verify all
// locks, flip the record state version-conditioned, then unlock items, drop
// pre-images, and finalize. Committing a Committed transaction is a no-op.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	attempts := t.manager.opts.CommitAttempts
	for i := 0; i < attempts; i++ {
		rec2, err := t.manager.repo.load(ctx, t.rec.id)
		if err != nil {
			if dynatx.CodeOf(err) == dynatx.TransactionNotFound {
				return dynatx.Error{Code: dynatx.UnknownCompleted,
					Err: fmt.Errorf("transaction %s completed and was deleted; outcome unknown", t.rec.id)}
			}
			return err
		}
		t.rec = rec2
		switch rec2.state {
		case StateCommitted:
			return t.doCommit(ctx)
		case StateRolledBack:
			if err := t.doRollback(ctx); err != nil {
				return err
			}
			return dynatx.Error{Code: dynatx.TransactionRolledBack,
				Err: fmt.Errorf("transaction %s was rolled back", t.rec.id)}
		}
		if err := t.verifyLocks(ctx); err != nil {
			return err
		}
		ferr := t.manager.repo.finish(ctx, t.rec, StateCommitted)
		if ferr == nil {
			return t.doCommit(ctx)
		}
		if dynatx.CodeOf(ferr) != dynatx.ConditionalCheckFailed {
			return ferr
		}
		// Fresh requests raced in, or another coordinator finished first.
		log.Debug("commit lost the version race, reloading", "tid", t.rec.id)
		dynatx.RandomSleep(ctx)
	}
	return fmt.Errorf("unable to commit transaction %s after %d attempts", t.rec.id, attempts)
}

// Rollback drives the transaction to RolledBack and completes it, restoring
// pre-images. Rolling back a Committed transaction completes the commit and
// reports TransactionCommitted.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollback(ctx)
}

func (t *Transaction) rollback(ctx context.Context) error {
	attempts := t.manager.opts.CommitAttempts
	for i := 0; i < attempts; i++ {
		rec2, err := t.manager.repo.load(ctx, t.rec.id)
		if err != nil {
			if dynatx.CodeOf(err) == dynatx.TransactionNotFound {
				return dynatx.Error{Code: dynatx.UnknownCompleted,
					Err: fmt.Errorf("transaction %s completed and was deleted; outcome unknown", t.rec.id)}
			}
			return err
		}
		t.rec = rec2
		switch rec2.state {
		case StateCommitted:
			if err := t.doCommit(ctx); err != nil {
				return err
			}
			return dynatx.Error{Code: dynatx.TransactionCommitted,
				Err: fmt.Errorf("transaction %s is already committed", t.rec.id)}
		case StateRolledBack:
			return t.doRollback(ctx)
		}
		ferr := t.manager.repo.finish(ctx, t.rec, StateRolledBack)
		if ferr == nil {
			return t.doRollback(ctx)
		}
		if dynatx.CodeOf(ferr) != dynatx.ConditionalCheckFailed {
			return ferr
		}
		log.Debug("rollback lost the version race, reloading", "tid", t.rec.id)
		dynatx.RandomSleep(ctx)
	}
	return fmt.Errorf("unable to roll back transaction %s after %d attempts", t.rec.id, attempts)
}

// doCommit is the post-Committed completion path: unlock every item, delete
// every pre-image, finalize. Each step is conditioned on current ownership,
// so replays by any coordinator are safe.
func (t *Transaction) doCommit(ctx context.Context) error {
	for _, req := range t.rec.requests {
		if err := t.unlockItemAfterCommit(ctx, req); err != nil {
			return err
		}
	}
	for _, req := range t.rec.requests {
		if err := t.manager.repo.deleteImage(ctx, t.rec.id, req.rid); err != nil {
			return err
		}
	}
	if t.rec.finalized {
		return nil
	}
	return t.manager.repo.finalize(ctx, t.rec)
}

// doRollback is the post-RolledBack completion path: restore or release every
// item, delete every pre-image, finalize.
func (t *Transaction) doRollback(ctx context.Context) error {
	for _, req := range t.rec.requests {
		if err := t.rollbackItemAndReleaseLock(ctx, req); err != nil {
			return err
		}
	}
	for _, req := range t.rec.requests {
		if err := t.manager.repo.deleteImage(ctx, t.rec.id, req.rid); err != nil {
			return err
		}
	}
	if t.rec.finalized {
		return nil
	}
	return t.manager.repo.finalize(ctx, t.rec)
}

// unlockItemAfterCommit makes the request's outcome permanent on the row:
// writes shed their reserved attributes, deletes remove the row, read locks
// release.
func (t *Transaction) unlockItemAfterCommit(ctx context.Context, req *Request) error {
	schema, err := t.manager.keySchema(ctx, req.Table)
	if err != nil {
		return err
	}
	keyItem, err := req.keyItem(schema)
	if err != nil {
		return err
	}
	ownsLock := map[string]dynatx.ExpectedValue{
		dynatx.AttrTxID: dynatx.ExpectEqual(&types.AttributeValueMemberS{Value: t.rec.id}),
	}
	switch req.Kind {
	case RequestPut, RequestUpdate:
		_, err := t.manager.store.UpdateItem(ctx, req.Table, keyItem, map[string]dynatx.AttributeUpdate{
			dynatx.AttrTxID:      dynatx.Delete(nil),
			dynatx.AttrDate:      dynatx.Delete(nil),
			dynatx.AttrTransient: dynatx.Delete(nil),
			dynatx.AttrApplied:   dynatx.Delete(nil),
		}, ownsLock)
		if err != nil && dynatx.CodeOf(err) != dynatx.ConditionalCheckFailed {
			return err
		}
		return nil
	case RequestDelete:
		err := t.manager.store.DeleteItem(ctx, req.Table, keyItem, ownsLock)
		if err != nil && dynatx.CodeOf(err) != dynatx.ConditionalCheckFailed {
			return err
		}
		return nil
	case RequestGetLock:
		return t.releaseReadLock(ctx, req.Table, keyItem)
	}
	return dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("unlock of unknown request kind %d", int(req.Kind))}
}

// rollbackItemAndReleaseLock undoes one request on its row: restore the
// pre-image when one exists, delete the row when it was transient, release
// the lock otherwise.
func (t *Transaction) rollbackItemAndReleaseLock(ctx context.Context, req *Request) error {
	schema, err := t.manager.keySchema(ctx, req.Table)
	if err != nil {
		return err
	}
	keyItem, err := req.keyItem(schema)
	if err != nil {
		return err
	}
	if !req.IsMutating() {
		return t.releaseReadLock(ctx, req.Table, keyItem)
	}
	img, err := t.manager.repo.loadImage(ctx, t.rec.id, req.rid)
	if err != nil {
		return err
	}
	ours := &types.AttributeValueMemberS{Value: t.rec.id}
	if img != nil {
		restored := dynatx.CopyItem(img)
		delete(restored, dynatx.AttrImageID)
		delete(restored, dynatx.AttrTxID)
		delete(restored, dynatx.AttrDate)
		if dynatx.IsApplied(restored) {
			return dynatx.Error{Code: dynatx.AssertionFailure,
				Err: fmt.Errorf("pre-image %s carries the applied flag", imageID(t.rec.id, req.rid))}
		}
		err := t.manager.store.PutItem(ctx, req.Table, restored, map[string]dynatx.ExpectedValue{
			dynatx.AttrTxID: dynatx.ExpectEqual(ours),
		})
		if err != nil && dynatx.CodeOf(err) != dynatx.ConditionalCheckFailed {
			return err
		}
		return nil
	}
	// No pre-image: the row was transient (or the request never mutated it).
	err = t.manager.store.DeleteItem(ctx, req.Table, keyItem, map[string]dynatx.ExpectedValue{
		dynatx.AttrTxID:      dynatx.ExpectEqual(ours),
		dynatx.AttrTransient: dynatx.ExpectEqual(&types.AttributeValueMemberS{Value: dynatx.BoolFlagValue}),
	})
	if err == nil {
		return nil
	}
	if dynatx.CodeOf(err) != dynatx.ConditionalCheckFailed {
		return err
	}
	item, gerr := t.manager.store.GetItem(ctx, req.Table, keyItem, true)
	if gerr != nil {
		return gerr
	}
	if item == nil || dynatx.LockOwner(item) != t.rec.id {
		// Ownership is gone; another coordinator finished this row.
		return nil
	}
	if dynatx.IsApplied(item) {
		return dynatx.Error{Code: dynatx.AssertionFailure,
			Err: fmt.Errorf("item of table %s is applied by transaction %s but has no pre-image", req.Table, t.rec.id)}
	}
	return t.releaseReadLock(ctx, req.Table, keyItem)
}

// releaseReadLock removes the lock attributes from a row that was never
// mutated. A transient row (created only to hold the lock) is deleted instead.
func (t *Transaction) releaseReadLock(ctx context.Context, table string, keyItem dynatx.Item) error {
	ours := &types.AttributeValueMemberS{Value: t.rec.id}
	_, err := t.manager.store.UpdateItem(ctx, table, keyItem, map[string]dynatx.AttributeUpdate{
		dynatx.AttrTxID: dynatx.Delete(nil),
		dynatx.AttrDate: dynatx.Delete(nil),
	}, map[string]dynatx.ExpectedValue{
		dynatx.AttrTxID:      dynatx.ExpectEqual(ours),
		dynatx.AttrTransient: dynatx.ExpectAbsent(),
		dynatx.AttrApplied:   dynatx.ExpectAbsent(),
	})
	if err == nil || dynatx.CodeOf(err) != dynatx.ConditionalCheckFailed {
		return err
	}
	// The phantom case: the lock was taken by a read and the row did not
	// exist before it.
	derr := t.manager.store.DeleteItem(ctx, table, keyItem, map[string]dynatx.ExpectedValue{
		dynatx.AttrTxID:      dynatx.ExpectEqual(ours),
		dynatx.AttrTransient: dynatx.ExpectEqual(&types.AttributeValueMemberS{Value: dynatx.BoolFlagValue}),
	})
	if derr != nil && dynatx.CodeOf(derr) != dynatx.ConditionalCheckFailed {
		return derr
	}
	return nil
}

// releaseLockBestEffort frees a just-taken lock after the record vanished
// underneath us. Applied rows stay locked for the sweeper or an operator
// break-lock; there is no record left to coordinate a restore against.
func (t *Transaction) releaseLockBestEffort(ctx context.Context, req *Request, keyItem, locked dynatx.Item) {
	if dynatx.IsApplied(locked) {
		log.Warn("leaving applied item locked after record vanished", "tid", t.rec.id, "table", req.Table)
		return
	}
	if err := t.releaseReadLock(ctx, req.Table, keyItem); err != nil {
		log.Warn("best-effort unlock failed", "tid", t.rec.id, "table", req.Table, "error", err)
	}
}

// Delete removes the transaction record once it is finalized. Already-deleted
// is success.
func (t *Transaction) Delete(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.manager.repo.delete(ctx, t.rec.id)
}

// requestForKey returns the earliest still-authoritative request for the same
// (table, key): the mutating one if any, else the first read lock.
func (t *Transaction) requestForKey(ctx context.Context, ik dynatx.ImmutableKey) (*Request, error) {
	var readLock *Request
	for _, req := range t.rec.requests {
		schema, err := t.manager.keySchema(ctx, req.Table)
		if err != nil {
			return nil, err
		}
		rik, err := req.immutableKey(schema)
		if err != nil {
			return nil, err
		}
		if rik != ik {
			continue
		}
		if req.IsMutating() {
			return req, nil
		}
		if readLock == nil {
			readLock = req
		}
	}
	return readLock, nil
}

// readOwnRequest answers a read for a (table, key) this transaction already
// holds: a staged delete reads as absent; a staged write reads as the applied
// row. Read-after-write visibility comes from the lock persisting on the row.
func (t *Transaction) readOwnRequest(ctx context.Context, existing *Request, schema []string) (dynatx.Item, error) {
	if existing.Kind == RequestDelete {
		return nil, nil
	}
	// Make sure the existing request is locked and applied before reading.
	if !t.fullyApplied[existing.rid] {
		if _, _, err := t.processRequest(ctx, existing, schema); err != nil {
			return nil, err
		}
	}
	keyItem, err := existing.keyItem(schema)
	if err != nil {
		return nil, err
	}
	item, err := t.manager.store.GetItem(ctx, existing.Table, keyItem, true)
	if err != nil {
		return nil, err
	}
	if item == nil || (dynatx.IsTransient(item) && !dynatx.IsApplied(item)) {
		return nil, nil
	}
	return dynatx.StripReservedAttributes(item), nil
}

// requestReturnValue shapes the caller-visible result of a driven request.
func (t *Transaction) requestReturnValue(ctx context.Context, req *Request, applied, locked dynatx.Item) (dynatx.Item, error) {
	if req.Kind == RequestGetLock {
		if applied == nil || (dynatx.IsTransient(applied) && !dynatx.IsApplied(applied)) {
			return nil, nil
		}
		return dynatx.StripReservedAttributes(applied), nil
	}
	switch req.ReturnMode {
	case ReturnAllNew:
		if req.Kind == RequestDelete {
			return nil, nil
		}
		return dynatx.StripReservedAttributes(applied), nil
	case ReturnAllOld:
		if !dynatx.IsApplied(locked) {
			if dynatx.IsTransient(locked) {
				return nil, nil
			}
			return dynatx.StripReservedAttributes(locked), nil
		}
		img, err := t.manager.repo.loadImage(ctx, t.rec.id, req.rid)
		if err != nil {
			return nil, err
		}
		return dynatx.StripReservedAttributes(img), nil
	}
	return nil, nil
}
