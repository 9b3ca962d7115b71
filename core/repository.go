package core

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sharedcode/dynatx"
)

// recordRepository persists transaction records and item images. Every write
// is a single-item conditional operation; the version condition on the record
// serializes coordinators of the same transaction, and the absence condition
// on images guarantees the stored pre-image is the true pre-image.
type recordRepository struct {
	store            dynatx.ItemStore
	transactionTable string
	imageTable       string
}

func (rp recordRepository) txKey(id string) dynatx.Item {
	return dynatx.Item{dynatx.AttrTxID: &types.AttributeValueMemberS{Value: id}}
}

func imageID(txID string, rid int) string {
	return fmt.Sprintf("%s#%d", txID, rid)
}

func (rp recordRepository) imageKey(txID string, rid int) dynatx.Item {
	return dynatx.Item{dynatx.AttrImageID: &types.AttributeValueMemberS{Value: imageID(txID, rid)}}
}

func nowSeconds() *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(dynatx.Now().Unix(), 10)}
}

func numberValue(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

// insert creates a fresh Pending record, demanding the row is absent.
func (rp recordRepository) insert(ctx context.Context, id string) (*record, error) {
	now := dynatx.Now()
	item := dynatx.Item{
		dynatx.AttrTxID:    &types.AttributeValueMemberS{Value: id},
		dynatx.AttrState:   &types.AttributeValueMemberS{Value: string(StatePending)},
		dynatx.AttrVersion: numberValue(1),
		dynatx.AttrDate:    nowSeconds(),
	}
	err := rp.store.PutItem(ctx, rp.transactionTable, item, map[string]dynatx.ExpectedValue{
		dynatx.AttrTxID:  dynatx.ExpectAbsent(),
		dynatx.AttrState: dynatx.ExpectAbsent(),
	})
	if err != nil {
		if dynatx.CodeOf(err) == dynatx.ConditionalCheckFailed {
			return nil, fmt.Errorf("transaction %s already exists, details: %w", id, err)
		}
		return nil, err
	}
	return &record{id: id, state: StatePending, version: 1, lastUpdated: now}, nil
}

// load fetches the record with a strongly consistent read. Missing means TransactionNotFound.
func (rp recordRepository) load(ctx context.Context, id string) (*record, error) {
	item, err := rp.store.GetItem(ctx, rp.transactionTable, rp.txKey(id), true)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, dynatx.Error{Code: dynatx.TransactionNotFound, Err: fmt.Errorf("transaction %s does not exist", id)}
	}
	return parseRecord(item)
}

// addRequest appends the serialized request to the record, bumping version and
// last-updated, conditioned on state still Pending at the observed version.
// On success the request owns rid = version at add-time.
func (rp recordRepository) addRequest(ctx context.Context, rec *record, req *Request) error {
	req.rid = rec.version
	blob, err := serializeRequest(req)
	if err != nil {
		return err
	}
	if rec.sizeEstimate()+len(blob) > MaxItemSizeBytes {
		return dynatx.Error{Code: dynatx.ItemSizeExceeded,
			Err: fmt.Errorf("transaction %s record would exceed %d bytes", rec.id, MaxItemSizeBytes)}
	}
	now := dynatx.Now()
	_, err = rp.store.UpdateItem(ctx, rp.transactionTable, rp.txKey(rec.id),
		map[string]dynatx.AttributeUpdate{
			dynatx.AttrRequests: dynatx.Add(&types.AttributeValueMemberBS{Value: [][]byte{blob}}),
			dynatx.AttrVersion:  dynatx.Add(numberValue(1)),
			dynatx.AttrDate:     dynatx.Put(nowSeconds()),
		},
		map[string]dynatx.ExpectedValue{
			dynatx.AttrState:     dynatx.ExpectEqual(&types.AttributeValueMemberS{Value: string(StatePending)}),
			dynatx.AttrVersion:   dynatx.ExpectEqual(numberValue(rec.version)),
			dynatx.AttrFinalized: dynatx.ExpectAbsent(),
		})
	if err != nil {
		req.rid = 0
		return err
	}
	rec.version++
	rec.lastUpdated = now
	rec.requests = append(rec.requests, req)
	return nil
}

// finish transitions the record from Pending to the target terminal state,
// conditioned on the observed version so no request slips in unnoticed.
func (rp recordRepository) finish(ctx context.Context, rec *record, target TxState) error {
	if !target.Terminal() {
		return dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("finish target %q is not terminal", target)}
	}
	now := dynatx.Now()
	_, err := rp.store.UpdateItem(ctx, rp.transactionTable, rp.txKey(rec.id),
		map[string]dynatx.AttributeUpdate{
			dynatx.AttrState:   dynatx.Put(&types.AttributeValueMemberS{Value: string(target)}),
			dynatx.AttrVersion: dynatx.Add(numberValue(1)),
			dynatx.AttrDate:    dynatx.Put(nowSeconds()),
		},
		map[string]dynatx.ExpectedValue{
			dynatx.AttrState:     dynatx.ExpectEqual(&types.AttributeValueMemberS{Value: string(StatePending)}),
			dynatx.AttrVersion:   dynatx.ExpectEqual(numberValue(rec.version)),
			dynatx.AttrFinalized: dynatx.ExpectAbsent(),
		})
	if err != nil {
		return err
	}
	rec.state = target
	rec.version++
	rec.lastUpdated = now
	return nil
}

// finalize marks post-terminal cleanup complete, conditioned on the record's
// current terminal state.
func (rp recordRepository) finalize(ctx context.Context, rec *record) error {
	if !rec.state.Terminal() {
		return dynatx.Error{Code: dynatx.AssertionFailure, Err: fmt.Errorf("cannot finalize transaction %s in state %q", rec.id, rec.state)}
	}
	_, err := rp.store.UpdateItem(ctx, rp.transactionTable, rp.txKey(rec.id),
		map[string]dynatx.AttributeUpdate{
			dynatx.AttrFinalized: dynatx.Put(&types.AttributeValueMemberBOOL{Value: true}),
			dynatx.AttrDate:      dynatx.Put(nowSeconds()),
		},
		map[string]dynatx.ExpectedValue{
			dynatx.AttrState: dynatx.ExpectEqual(&types.AttributeValueMemberS{Value: string(rec.state)}),
		})
	if err != nil {
		return err
	}
	rec.finalized = true
	return nil
}

// delete removes a finalized record. Already-deleted is success.
func (rp recordRepository) delete(ctx context.Context, id string) error {
	err := rp.store.DeleteItem(ctx, rp.transactionTable, rp.txKey(id), map[string]dynatx.ExpectedValue{
		dynatx.AttrFinalized: dynatx.ExpectEqual(&types.AttributeValueMemberBOOL{Value: true}),
	})
	if err == nil || dynatx.CodeOf(err) != dynatx.ConditionalCheckFailed {
		return err
	}
	item, gerr := rp.store.GetItem(ctx, rp.transactionTable, rp.txKey(id), true)
	if gerr != nil {
		return gerr
	}
	if item == nil {
		return nil
	}
	return fmt.Errorf("transaction %s is not finalized, 'cannot delete its record: %w", id, err)
}

// saveImage stores the pre-image of item under txid#rid, demanding the image
// row is absent so a replaying coordinator can never overwrite the true
// pre-image with a later applied state.
func (rp recordRepository) saveImage(ctx context.Context, txID string, rid int, item dynatx.Item) error {
	if dynatx.IsApplied(item) {
		return dynatx.Error{Code: dynatx.AssertionFailure,
			Err: fmt.Errorf("pre-image of %s carries the applied flag", imageID(txID, rid))}
	}
	img := dynatx.CopyItem(item)
	img[dynatx.AttrImageID] = &types.AttributeValueMemberS{Value: imageID(txID, rid)}
	err := rp.store.PutItem(ctx, rp.imageTable, img, map[string]dynatx.ExpectedValue{
		dynatx.AttrImageID: dynatx.ExpectAbsent(),
	})
	if dynatx.CodeOf(err) == dynatx.ConditionalCheckFailed {
		// Another coordinator beat us to it; theirs is the authoritative pre-image.
		return nil
	}
	return err
}

// loadImage fetches the pre-image for txid#rid, nil when absent.
func (rp recordRepository) loadImage(ctx context.Context, txID string, rid int) (dynatx.Item, error) {
	return rp.store.GetItem(ctx, rp.imageTable, rp.imageKey(txID, rid), true)
}

// deleteImage removes the pre-image for txid#rid. Only called at finalize
// time; pre-images outlive the coordinator that created them.
func (rp recordRepository) deleteImage(ctx context.Context, txID string, rid int) error {
	return rp.store.DeleteItem(ctx, rp.imageTable, rp.imageKey(txID, rid), nil)
}
