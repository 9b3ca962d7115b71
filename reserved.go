package dynatx

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Reserved attribute namespace. Every attribute beginning with ReservedPrefix
// is owned by dynatx; request validation rejects user attributes under it.
// These names are part of the persisted wire contract and must stay stable
// across all deployments sharing a transaction table family.
const ReservedPrefix = "_Tx"

const (
	// AttrTxID is the lock holder's transaction ID on user items, and the
	// primary key of the transaction table.
	AttrTxID = "_TxId"
	// AttrDate is the wall-clock seconds when the lock was taken, and the
	// last-updated timestamp on the transaction record.
	AttrDate = "_TxD"
	// AttrTransient flags a user row that did not exist before the lock.
	AttrTransient = "_TxT"
	// AttrApplied flags a user row whose owning request has been applied.
	AttrApplied = "_TxA"
	// AttrState is the transaction record's state tag.
	AttrState = "_TxS"
	// AttrVersion is the transaction record's optimistic concurrency counter.
	AttrVersion = "_TxV"
	// AttrFinalized flags a transaction record whose post-terminal cleanup is complete.
	AttrFinalized = "_TxF"
	// AttrRequests is the byte-set of serialized requests on the transaction record.
	AttrRequests = "_TxR"
	// AttrImageID is the primary key of the item-image table: "<txid>#<rid>".
	AttrImageID = "_TxI"
)

// BoolFlagValue is the stored representation of the transient/applied flags.
const BoolFlagValue = "1"

// IsReservedAttribute reports whether name is in the dynatx-owned namespace.
func IsReservedAttribute(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// StripReservedAttributes returns a copy of item without any reserved
// attributes; callers get back the user bytes only. Returns nil for nil input.
func StripReservedAttributes(item Item) Item {
	if item == nil {
		return nil
	}
	target := make(Item, len(item))
	for k, v := range item {
		if IsReservedAttribute(k) {
			continue
		}
		target[k] = CopyValue(v)
	}
	return target
}

// LockOwner returns the transaction ID holding the lock on item, or "" when unlocked.
func LockOwner(item Item) string {
	if item == nil {
		return ""
	}
	if v, ok := item[AttrTxID].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// IsTransient reports whether the row exists only to hold a lock.
func IsTransient(item Item) bool {
	_, ok := item[AttrTransient]
	return ok
}

// IsApplied reports whether the owning request's write has been executed on the row.
func IsApplied(item Item) bool {
	_, ok := item[AttrApplied]
	return ok
}
