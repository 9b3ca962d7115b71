package core

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sharedcode/dynatx"
)

func TestSweeperRollsBackStaleTransactions(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)
	before := rawUser(t, store, "joe")

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Put(&types.AttributeValueMemberN{Value: "0"}),
	}, ReturnNone); err != nil {
		t.Fatalf("UpdateItem failed, details: %v", err)
	}

	// Abandon the coordinator and move the clock past the rollback threshold.
	base := time.Now()
	dynatx.Now = func() time.Time { return base.Add(time.Hour) }
	defer func() { dynatx.Now = time.Now }()

	s := NewSweeper(m)
	if err := s.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce failed, details: %v", err)
	}
	joe := rawUser(t, store, "joe")
	if !dynatx.ItemEqual(joe, before) {
		t.Errorf("sweep did not roll joe back: got %v, want %v", joe, before)
	}
	rec, err := m.repo.load(ctx, tx.ID())
	if err != nil {
		t.Fatalf("record load failed, details: %v", err)
	}
	if rec.state != StateRolledBack || !rec.finalized {
		t.Errorf("record state %q finalized %v, want rolled back and finalized", rec.state, rec.finalized)
	}

	// Past the retention threshold the finalized record is deleted.
	dynatx.Now = func() time.Time { return base.Add(time.Hour + 25*time.Hour) }
	if err := s.SweepOnce(ctx); err != nil {
		t.Fatalf("second SweepOnce failed, details: %v", err)
	}
	if n := store.RowCount(testTxTable); n != 0 {
		t.Errorf("%d transaction records left after retention sweep", n)
	}
}

func TestSweeperLeavesFreshTransactionsAlone(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Put(&types.AttributeValueMemberN{Value: "1"}),
	}, ReturnNone); err != nil {
		t.Fatalf("UpdateItem failed, details: %v", err)
	}

	s := NewSweeper(m)
	if err := s.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce failed, details: %v", err)
	}
	// The live transaction is untouched and can still commit.
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit after sweep failed, details: %v", err)
	}
	if got := rawUser(t, store, "joe")["Balance"].(*types.AttributeValueMemberN).Value; got != "1" {
		t.Errorf("balance got %s, want 1", got)
	}
}

func TestSweeperCompletesUnfinalizedTerminalRecords(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Balance": dynatx.Put(&types.AttributeValueMemberN{Value: "9"}),
	}, ReturnNone); err != nil {
		t.Fatalf("UpdateItem failed, details: %v", err)
	}
	// Flip the record to Committed without running cleanup, simulating a
	// coordinator that died right after the decision write.
	if err := m.repo.finish(ctx, tx.rec, StateCommitted); err != nil {
		t.Fatalf("finish failed, details: %v", err)
	}
	if dynatx.LockOwner(rawUser(t, store, "joe")) == "" {
		t.Fatal("expected joe to still be locked")
	}

	s := NewSweeper(m)
	if err := s.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce failed, details: %v", err)
	}
	joe := rawUser(t, store, "joe")
	assertUnlocked(t, joe)
	if got := joe["Balance"].(*types.AttributeValueMemberN).Value; got != "9" {
		t.Errorf("balance got %s, want the committed 9", got)
	}
	rec, err := m.repo.load(ctx, tx.ID())
	if err != nil {
		t.Fatalf("record load failed, details: %v", err)
	}
	if rec.state != StateCommitted || !rec.finalized {
		t.Errorf("record state %q finalized %v, want committed and finalized", rec.state, rec.finalized)
	}
}
