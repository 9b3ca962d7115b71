package core

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sharedcode/dynatx"
	"github.com/sharedcode/dynatx/core/mocks"
)

const (
	testTxTable   = "TxRecords"
	testImgTable  = "TxImages"
	testUserTable = "Users"
)

var ctx = context.Background()

func newTestEnv(t *testing.T) (*mocks.MockStore, *TransactionManager) {
	t.Helper()
	store := mocks.NewMockStore()
	store.CreateTable(testTxTable, dynatx.AttrTxID)
	store.CreateTable(testImgTable, dynatx.AttrImageID)
	store.CreateTable(testUserTable, "ID")
	m, err := NewTransactionManager(store, ManagerOptions{TransactionTable: testTxTable, ImageTable: testImgTable})
	if err != nil {
		t.Fatalf("NewTransactionManager failed, details: %v", err)
	}
	return store, m
}

func userKey(id string) dynatx.Item {
	return dynatx.Item{"ID": &types.AttributeValueMemberS{Value: id}}
}

func userItem(id, name string, balance int) dynatx.Item {
	return dynatx.Item{
		"ID":      &types.AttributeValueMemberS{Value: id},
		"Name":    &types.AttributeValueMemberS{Value: name},
		"Balance": &types.AttributeValueMemberN{Value: intString(balance)},
	}
}

func intString(n int) string {
	return numberValue(n).Value
}

func seedUser(t *testing.T, store *mocks.MockStore, id, name string, balance int) {
	t.Helper()
	if err := store.PutItem(ctx, testUserTable, userItem(id, name, balance), nil); err != nil {
		t.Fatalf("seed of user %s failed, details: %v", id, err)
	}
}

func rawUser(t *testing.T, store *mocks.MockStore, id string) dynatx.Item {
	t.Helper()
	item, err := store.GetItem(ctx, testUserTable, userKey(id), true)
	if err != nil {
		t.Fatalf("raw read of user %s failed, details: %v", id, err)
	}
	return item
}

func assertUnlocked(t *testing.T, item dynatx.Item) {
	t.Helper()
	for name := range item {
		if dynatx.IsReservedAttribute(name) {
			t.Errorf("item still carries reserved attribute %s", name)
		}
	}
}

func TestCommitAppliesAllWrites(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)
	seedUser(t, store, "zach", "Zach", 50)
	seedUser(t, store, "gone", "Gone", 1)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.PutItem(ctx, testUserTable, userItem("mia", "Mia", 7), ReturnNone); err != nil {
		t.Fatalf("PutItem failed, details: %v", err)
	}
	if _, err := tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Add(&types.AttributeValueMemberN{Value: "-30"}),
	}, ReturnNone); err != nil {
		t.Fatalf("UpdateItem of joe failed, details: %v", err)
	}
	if _, err := tx.UpdateItem(ctx, testUserTable, userKey("zach"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Add(&types.AttributeValueMemberN{Value: "30"}),
	}, ReturnNone); err != nil {
		t.Fatalf("UpdateItem of zach failed, details: %v", err)
	}
	if _, err := tx.DeleteItem(ctx, testUserTable, userKey("gone"), ReturnNone); err != nil {
		t.Fatalf("DeleteItem failed, details: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed, details: %v", err)
	}

	joe := rawUser(t, store, "joe")
	assertUnlocked(t, joe)
	if got := joe["Balance"].(*types.AttributeValueMemberN).Value; got != "70" {
		t.Errorf("joe balance got %s, want 70", got)
	}
	zach := rawUser(t, store, "zach")
	if got := zach["Balance"].(*types.AttributeValueMemberN).Value; got != "80" {
		t.Errorf("zach balance got %s, want 80", got)
	}
	mia := rawUser(t, store, "mia")
	assertUnlocked(t, mia)
	if mia == nil {
		t.Fatal("mia was not created")
	}
	if gone := rawUser(t, store, "gone"); gone != nil {
		t.Errorf("gone still exists: %v", gone)
	}
	if n := store.RowCount(testImgTable); n != 0 {
		t.Errorf("%d pre-images left after commit", n)
	}
	if err := tx.Delete(ctx); err != nil {
		t.Fatalf("Delete of finalized record failed, details: %v", err)
	}
	if n := store.RowCount(testTxTable); n != 0 {
		t.Errorf("%d transaction records left after delete", n)
	}
}

func TestReadAfterWrite(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.PutItem(ctx, testUserTable, userItem("joe", "Joseph", 42), ReturnNone); err != nil {
		t.Fatalf("PutItem failed, details: %v", err)
	}
	got, err := tx.GetItem(ctx, testUserTable, userKey("joe"))
	if err != nil {
		t.Fatalf("GetItem failed, details: %v", err)
	}
	if got["Name"].(*types.AttributeValueMemberS).Value != "Joseph" {
		t.Errorf("read did not see own write: %v", got)
	}
	assertUnlocked(t, got)

	if _, err := tx.DeleteItem(ctx, testUserTable, userKey("joe"), ReturnNone); err == nil {
		t.Fatal("second mutating request for the same key was accepted")
	} else if dynatx.CodeOf(err) != dynatx.DuplicateRequest {
		t.Fatalf("got %v, want DuplicateRequest", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed, details: %v", err)
	}
}

func TestReadOfOwnDeleteSeesAbsent(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.DeleteItem(ctx, testUserTable, userKey("joe"), ReturnNone); err != nil {
		t.Fatalf("DeleteItem failed, details: %v", err)
	}
	got, err := tx.GetItem(ctx, testUserTable, userKey("joe"))
	if err != nil {
		t.Fatalf("GetItem failed, details: %v", err)
	}
	if got != nil {
		t.Errorf("read of own staged delete returned %v, want absent", got)
	}
	// The row is still physically present until commit.
	if rawUser(t, store, "joe") == nil {
		t.Error("row vanished before commit")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed, details: %v", err)
	}
	if rawUser(t, store, "joe") != nil {
		t.Error("row survived the committed delete")
	}
}

func TestRollbackRestoresPreImages(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)
	before := rawUser(t, store, "joe")

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Put(&types.AttributeValueMemberN{Value: "0"}),
		"Flagged": dynatx.Put(&types.AttributeValueMemberBOOL{Value: true}),
	}, ReturnNone); err != nil {
		t.Fatalf("UpdateItem failed, details: %v", err)
	}
	if _, err := tx.PutItem(ctx, testUserTable, userItem("mia", "Mia", 7), ReturnNone); err != nil {
		t.Fatalf("PutItem failed, details: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed, details: %v", err)
	}

	joe := rawUser(t, store, "joe")
	if !dynatx.ItemEqual(joe, before) {
		t.Errorf("rollback did not restore joe: got %v, want %v", joe, before)
	}
	if mia := rawUser(t, store, "mia"); mia != nil {
		t.Errorf("rollback left the new row behind: %v", mia)
	}
	if n := store.RowCount(testImgTable); n != 0 {
		t.Errorf("%d pre-images left after rollback", n)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Add(&types.AttributeValueMemberN{Value: "1"}),
	}, ReturnNone); err != nil {
		t.Fatalf("UpdateItem failed, details: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("first Commit failed, details: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("second Commit failed, details: %v", err)
	}
	if got := rawUser(t, store, "joe")["Balance"].(*types.AttributeValueMemberN).Value; got != "101" {
		t.Errorf("balance got %s after double commit, want 101", got)
	}
	err = tx.Rollback(ctx)
	if dynatx.CodeOf(err) != dynatx.TransactionCommitted {
		t.Errorf("Rollback after Commit got %v, want TransactionCommitted", err)
	}
}

func TestReturnModes(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	old, err := tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Put(&types.AttributeValueMemberN{Value: "5"}),
	}, ReturnAllOld)
	if err != nil {
		t.Fatalf("UpdateItem failed, details: %v", err)
	}
	if got := old["Balance"].(*types.AttributeValueMemberN).Value; got != "100" {
		t.Errorf("ReturnAllOld balance got %s, want 100", got)
	}
	assertUnlocked(t, old)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed, details: %v", err)
	}

	tx2, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	neu, err := tx2.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Add(&types.AttributeValueMemberN{Value: "2"}),
	}, ReturnAllNew)
	if err != nil {
		t.Fatalf("UpdateItem failed, details: %v", err)
	}
	if got := neu["Balance"].(*types.AttributeValueMemberN).Value; got != "7" {
		t.Errorf("ReturnAllNew balance got %s, want 7", got)
	}
	assertUnlocked(t, neu)
	none, err := tx2.DeleteItem(ctx, testUserTable, userKey("zz-absent"), ReturnNone)
	if err != nil {
		t.Fatalf("DeleteItem failed, details: %v", err)
	}
	if none != nil {
		t.Errorf("ReturnNone returned %v", none)
	}
	if err := tx2.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed, details: %v", err)
	}
	if got := rawUser(t, store, "joe")["Balance"].(*types.AttributeValueMemberN).Value; got != "5" {
		t.Errorf("balance got %s after rollback, want 5", got)
	}
}

func TestContentionRollsBackOwner(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	tx1, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New tx1 failed, details: %v", err)
	}
	if _, err := tx1.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Put(&types.AttributeValueMemberN{Value: "0"}),
	}, ReturnNone); err != nil {
		t.Fatalf("UpdateItem of tx1 failed, details: %v", err)
	}

	// tx2 wants the same item; it resolves the conflict by rolling tx1 back.
	tx2, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New tx2 failed, details: %v", err)
	}
	if _, err := tx2.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Put(&types.AttributeValueMemberN{Value: "77"}),
	}, ReturnNone); err != nil {
		t.Fatalf("UpdateItem of tx2 failed, details: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatalf("Commit of tx2 failed, details: %v", err)
	}
	if got := rawUser(t, store, "joe")["Balance"].(*types.AttributeValueMemberN).Value; got != "77" {
		t.Errorf("balance got %s, want 77", got)
	}
	err = tx1.Commit(ctx)
	if dynatx.CodeOf(err) != dynatx.TransactionRolledBack {
		t.Errorf("Commit of the rolled back tx1 got %v, want TransactionRolledBack", err)
	}
}

func TestResumeCompletesAbandonedTransaction(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	// Coordinator one stages a write, then "crashes" before committing.
	tx1, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx1.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Put(&types.AttributeValueMemberN{Value: "55"}),
	}, ReturnNone); err != nil {
		t.Fatalf("UpdateItem failed, details: %v", err)
	}
	tid := tx1.ID()

	// A second coordinator resumes from the durable record and commits.
	m2, err := NewTransactionManager(store, ManagerOptions{TransactionTable: testTxTable, ImageTable: testImgTable})
	if err != nil {
		t.Fatalf("second NewTransactionManager failed, details: %v", err)
	}
	tx2, err := m2.Resume(ctx, tid)
	if err != nil {
		t.Fatalf("Resume failed, details: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatalf("Commit by the resumed coordinator failed, details: %v", err)
	}
	joe := rawUser(t, store, "joe")
	assertUnlocked(t, joe)
	if got := joe["Balance"].(*types.AttributeValueMemberN).Value; got != "55" {
		t.Errorf("balance got %s, want 55", got)
	}
}

func TestInvalidApplyLeavesItemRecoverable(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)
	before := rawUser(t, store, "joe")

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	// ADD a number to a string attribute: the store rejects it at apply time,
	// after the lock is taken and the pre-image saved.
	_, err = tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Name": dynatx.Add(&types.AttributeValueMemberN{Value: "1"}),
	}, ReturnNone)
	if dynatx.CodeOf(err) != dynatx.BackingStoreFailure {
		t.Fatalf("invalid apply got %v, want BackingStoreFailure", err)
	}
	if dynatx.LockOwner(rawUser(t, store, "joe")) != tx.ID() {
		t.Fatal("item is not locked after the failed apply")
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed, details: %v", err)
	}
	joe := rawUser(t, store, "joe")
	if !dynatx.ItemEqual(joe, before) {
		t.Errorf("rollback did not restore joe: got %v, want %v", joe, before)
	}
}

func TestPhantomReadLockLeavesNoRow(t *testing.T) {
	store, m := newTestEnv(t)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	got, err := tx.GetItem(ctx, testUserTable, userKey("ghost"))
	if err != nil {
		t.Fatalf("GetItem failed, details: %v", err)
	}
	if got != nil {
		t.Errorf("read of an absent row returned %v", got)
	}
	// The lock is held on a transient row.
	if raw := rawUser(t, store, "ghost"); raw == nil || !dynatx.IsTransient(raw) {
		t.Fatalf("expected a transient lock row, got %v", raw)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed, details: %v", err)
	}
	if raw := rawUser(t, store, "ghost"); raw != nil {
		t.Errorf("transient lock row survived rollback: %v", raw)
	}
}

func TestPhantomReadLockCommitLeavesNoRow(t *testing.T) {
	store, m := newTestEnv(t)
	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.GetItem(ctx, testUserTable, userKey("ghost")); err != nil {
		t.Fatalf("GetItem failed, details: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed, details: %v", err)
	}
	if raw := rawUser(t, store, "ghost"); raw != nil {
		t.Errorf("transient lock row survived commit: %v", raw)
	}
}

func TestWriteUpgradesOwnReadLock(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.GetItem(ctx, testUserTable, userKey("joe")); err != nil {
		t.Fatalf("GetItem failed, details: %v", err)
	}
	if _, err := tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Put(&types.AttributeValueMemberN{Value: "1"}),
	}, ReturnNone); err != nil {
		t.Fatalf("write over own read lock failed, details: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed, details: %v", err)
	}
	joe := rawUser(t, store, "joe")
	assertUnlocked(t, joe)
	if got := joe["Balance"].(*types.AttributeValueMemberN).Value; got != "1" {
		t.Errorf("balance got %s, want 1", got)
	}
}

func TestStaleCoordinatorRejectsConflictingRequest(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	tx1, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	// A second coordinator attaches before any request exists, so its view of
	// the record goes stale as soon as the first coordinator stages a write.
	tx2, err := m.Resume(ctx, tx1.ID())
	if err != nil {
		t.Fatalf("Resume failed, details: %v", err)
	}
	if _, err := tx1.PutItem(ctx, testUserTable, userItem("joe", "Joe", 1), ReturnNone); err != nil {
		t.Fatalf("PutItem failed, details: %v", err)
	}

	// The stale coordinator loses the version race on the record; after the
	// reload it must see the put and refuse a second mutating request for the
	// same key instead of appending it.
	_, err = tx2.DeleteItem(ctx, testUserTable, userKey("joe"), ReturnNone)
	if dynatx.CodeOf(err) != dynatx.DuplicateRequest {
		t.Fatalf("conflicting delete got %v, want DuplicateRequest", err)
	}
	if len(tx2.rec.requests) != 1 {
		t.Fatalf("record holds %d requests, want just the put", len(tx2.rec.requests))
	}

	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("Commit failed, details: %v", err)
	}
	joe := rawUser(t, store, "joe")
	if joe == nil {
		t.Fatal("committed put vanished")
	}
	assertUnlocked(t, joe)
	if got := joe["Balance"].(*types.AttributeValueMemberN).Value; got != "1" {
		t.Errorf("balance got %s, want 1", got)
	}
}

func TestRequestValidationSurfacesBeforeLocking(t *testing.T) {
	store, m := newTestEnv(t)
	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	_, err = tx.PutItem(ctx, testUserTable, dynatx.Item{
		"ID":      &types.AttributeValueMemberS{Value: "joe"},
		"_TxEvil": &types.AttributeValueMemberS{Value: "x"},
	}, ReturnNone)
	if dynatx.CodeOf(err) != dynatx.InvalidRequest {
		t.Errorf("reserved attribute got %v, want InvalidRequest", err)
	}
	_, err = tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"ID": dynatx.Put(&types.AttributeValueMemberS{Value: "other"}),
	}, ReturnNone)
	if dynatx.CodeOf(err) != dynatx.InvalidRequest {
		t.Errorf("key attribute update got %v, want InvalidRequest", err)
	}
	if store.RowCount(testImgTable) != 0 {
		t.Error("validation failures left pre-images behind")
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed, details: %v", err)
	}
}

func TestOversizedRequestRejected(t *testing.T) {
	_, m := newTestEnv(t)
	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	big := userItem("joe", "Joe", 1)
	big["Blob"] = &types.AttributeValueMemberS{Value: strings.Repeat("x", MaxItemSizeBytes)}
	_, err = tx.PutItem(ctx, testUserTable, big, ReturnNone)
	if dynatx.CodeOf(err) != dynatx.ItemSizeExceeded {
		t.Errorf("oversized request got %v, want ItemSizeExceeded", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed, details: %v", err)
	}
}
