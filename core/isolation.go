package core

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/dynatx"
)

// IsolationLevel selects how non-transactional reads treat rows touched by
// in-flight transactions.
type IsolationLevel int

const (
	// IsolationUncommitted returns whatever the row holds right now, reserved
	// attributes stripped. Dirty reads are possible.
	IsolationUncommitted IsolationLevel = iota + 1
	// IsolationCommitted returns the last committed image of the row, using
	// the owner's saved pre-image when the row is mid-write. No locks taken.
	IsolationCommitted
	// IsolationReadLock acquires a full read lock inside a transaction.
	// Only valid on Transaction.GetItem; manager-level reads reject it.
	IsolationReadLock
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationUncommitted:
		return "uncommitted"
	case IsolationCommitted:
		return "committed"
	case IsolationReadLock:
		return "read-lock"
	}
	return fmt.Sprintf("unknown(%d)", int(l))
}

// isolationHandler filters one raw row per its isolation level. A nil result
// with nil error means the row reads as absent.
type isolationHandler interface {
	handle(ctx context.Context, table string, item dynatx.Item) (dynatx.Item, error)
}

// uncommittedHandler hides rows that only exist to hold a lock (transient and
// not applied) and strips reserved attributes from everything else.
type uncommittedHandler struct{}

func (uncommittedHandler) handle(_ context.Context, _ string, item dynatx.Item) (dynatx.Item, error) {
	if item == nil {
		return nil, nil
	}
	if dynatx.IsTransient(item) && !dynatx.IsApplied(item) {
		return nil, nil
	}
	return dynatx.StripReservedAttributes(item), nil
}

// committedHandler resolves a locked row to its last committed image without
// taking locks. When the owning transaction has already applied a write, the
// committed image lives in the owner's pre-image row; races with the owner
// completing are handled by re-reading, bounded by attempts.
type committedHandler struct {
	manager  *TransactionManager
	attempts int
}

func (h committedHandler) handle(ctx context.Context, table string, item dynatx.Item) (dynatx.Item, error) {
	for i := 0; i < h.attempts; i++ {
		resolved, retry, err := h.resolveOnce(ctx, table, item)
		if err != nil {
			return nil, err
		}
		if !retry {
			return resolved, nil
		}
		// The owner completed mid-read; the row is the freshest truth now.
		keyItem, err := h.keyOf(ctx, table, item)
		if err != nil {
			return nil, err
		}
		item, err = h.manager.store.GetItem(ctx, table, keyItem, true)
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("unable to resolve a committed image of an item of table %s after %d attempts", table, h.attempts)
}

func (h committedHandler) keyOf(ctx context.Context, table string, item dynatx.Item) (dynatx.Item, error) {
	schema, err := h.manager.keySchema(ctx, table)
	if err != nil {
		return nil, err
	}
	key := make(dynatx.Item, len(schema))
	for _, a := range schema {
		v, ok := item[a]
		if !ok {
			return nil, dynatx.Error{Code: dynatx.AssertionFailure,
				Err: fmt.Errorf("item of table %s is missing key attribute %s", table, a)}
		}
		key[a] = v
	}
	return key, nil
}

// resolveOnce classifies the row once. retry=true means the observed lock
// state went stale and the caller should re-read.
func (h committedHandler) resolveOnce(ctx context.Context, table string, item dynatx.Item) (resolved dynatx.Item, retry bool, err error) {
	if item == nil {
		return nil, false, nil
	}
	owner := dynatx.LockOwner(item)
	if owner == "" {
		return dynatx.StripReservedAttributes(item), false, nil
	}
	if !dynatx.IsApplied(item) {
		// Locked but not yet written; the row itself is the committed image.
		if dynatx.IsTransient(item) {
			return nil, false, nil
		}
		return dynatx.StripReservedAttributes(item), false, nil
	}
	rec, err := h.manager.repo.load(ctx, owner)
	if err != nil {
		if dynatx.CodeOf(err) == dynatx.TransactionNotFound {
			return nil, true, nil
		}
		return nil, false, err
	}
	if rec.state == StateCommitted {
		// The applied write is (or is about to be) durable.
		return dynatx.StripReservedAttributes(item), false, nil
	}
	rid, err := h.ridFor(ctx, rec, table, item)
	if err != nil {
		return nil, false, err
	}
	if rid == 0 {
		log.Debug("lock owner has no matching request, re-reading", "owner", owner, "table", table)
		return nil, true, nil
	}
	img, err := h.manager.repo.loadImage(ctx, owner, rid)
	if err != nil {
		return nil, false, err
	}
	if img == nil {
		// Either the row was transient (no committed image exists) or the
		// image is already cleaned up; distinguish via the transient flag.
		if dynatx.IsTransient(item) {
			return nil, false, nil
		}
		return nil, true, nil
	}
	restored := dynatx.CopyItem(img)
	delete(restored, dynatx.AttrImageID)
	return dynatx.StripReservedAttributes(restored), false, nil
}

// ridFor finds the owner's mutating request matching this row.
func (h committedHandler) ridFor(ctx context.Context, rec *record, table string, item dynatx.Item) (int, error) {
	schema, err := h.manager.keySchema(ctx, table)
	if err != nil {
		return 0, err
	}
	ik, err := dynatx.NewImmutableKey(table, item, schema)
	if err != nil {
		return 0, err
	}
	for _, req := range rec.requests {
		if !req.IsMutating() {
			continue
		}
		rik, err := req.immutableKey(schema)
		if err != nil {
			return 0, err
		}
		if rik == ik {
			return req.rid, nil
		}
	}
	return 0, nil
}
