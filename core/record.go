package core

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sharedcode/dynatx"
)

// TxState is the transaction record's state tag.
type TxState string

const (
	StatePending    TxState = "P"
	StateCommitted  TxState = "C"
	StateRolledBack TxState = "R"
)

// Terminal reports whether the state is Committed or RolledBack.
func (s TxState) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// record is the in-memory view of one transaction table row. The durable row
// is the source of truth; every coordinator refreshes its view before acting
// on it, and every write back is version-conditioned.
//
// State only moves Pending -> Committed/RolledBack -> Finalized -> deleted.
type record struct {
	id          string
	state       TxState
	version     int
	lastUpdated time.Time
	finalized   bool
	// requests, ordered by rid.
	requests []*Request
}

// requestByRid returns the request with the given rid, or nil.
func (r *record) requestByRid(rid int) *Request {
	for _, req := range r.requests {
		if req.rid == rid {
			return req
		}
	}
	return nil
}

// sizeEstimate approximates the serialized record size for the max-item-size check.
func (r *record) sizeEstimate() int {
	// Fixed attributes are small; the request set dominates.
	size := 128
	for _, req := range r.requests {
		if ba, err := serializeRequest(req); err == nil {
			size += len(ba)
		}
	}
	return size
}

// parseRecord decodes a transaction table row.
func parseRecord(item dynatx.Item) (*record, error) {
	rec := record{}
	id, ok := item[dynatx.AttrTxID].(*types.AttributeValueMemberS)
	if !ok {
		return nil, dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("transaction record has no %s attribute", dynatx.AttrTxID)}
	}
	rec.id = id.Value
	state, ok := item[dynatx.AttrState].(*types.AttributeValueMemberS)
	if !ok {
		return nil, dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("transaction record %s has no state", rec.id)}
	}
	rec.state = TxState(state.Value)
	switch rec.state {
	case StatePending, StateCommitted, StateRolledBack:
	default:
		return nil, dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("transaction record %s has illegal state %q", rec.id, state.Value)}
	}
	version, ok := item[dynatx.AttrVersion].(*types.AttributeValueMemberN)
	if !ok {
		return nil, dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("transaction record %s has no version", rec.id)}
	}
	v, err := strconv.Atoi(version.Value)
	if err != nil {
		return nil, dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("transaction record %s version is not an integer: %w", rec.id, err)}
	}
	rec.version = v
	if date, ok := item[dynatx.AttrDate].(*types.AttributeValueMemberN); ok {
		sec, err := strconv.ParseFloat(date.Value, 64)
		if err != nil {
			return nil, dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("transaction record %s date is not numeric: %w", rec.id, err)}
		}
		rec.lastUpdated = time.Unix(int64(sec), 0)
	}
	if fin, ok := item[dynatx.AttrFinalized].(*types.AttributeValueMemberBOOL); ok {
		rec.finalized = fin.Value
	}
	if rec.finalized && rec.state == StatePending {
		return nil, dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("transaction record %s is finalized while pending", rec.id)}
	}
	if blobs, ok := item[dynatx.AttrRequests].(*types.AttributeValueMemberBS); ok {
		rec.requests = make([]*Request, 0, len(blobs.Value))
		for _, ba := range blobs.Value {
			req, err := deserializeRequest(ba)
			if err != nil {
				return nil, dynatx.Error{Code: dynatx.AssertionFailure,
					Err: fmt.Errorf("transaction record %s carries an undecodable request: %w", rec.id, err)}
			}
			rec.requests = append(rec.requests, req)
		}
		// The store does not preserve set element order; rids do.
		sort.Slice(rec.requests, func(i, j int) bool { return rec.requests[i].rid < rec.requests[j].rid })
	}
	return &rec, nil
}
