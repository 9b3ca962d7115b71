package core

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sharedcode/dynatx"
)

func TestRecordVersionTracksRequestCount(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)
	seedUser(t, store, "zach", "Zach", 50)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if tx.rec.version != 1 {
		t.Fatalf("fresh record version %d, want 1", tx.rec.version)
	}
	for i, id := range []string{"joe", "zach"} {
		if _, err := tx.UpdateItem(ctx, testUserTable, userKey(id), map[string]dynatx.AttributeUpdate{
			"Balance": dynatx.Add(&types.AttributeValueMemberN{Value: "1"}),
		}, ReturnNone); err != nil {
			t.Fatalf("UpdateItem of %s failed, details: %v", id, err)
		}
		rec, err := m.repo.load(ctx, tx.ID())
		if err != nil {
			t.Fatalf("record load failed, details: %v", err)
		}
		// While pending, version = number of requests + 1.
		if len(rec.requests) != i+1 || rec.version != len(rec.requests)+1 {
			t.Fatalf("after request %d: %d requests at version %d", i+1, len(rec.requests), rec.version)
		}
		if rec.requests[i].Rid() != i+1 {
			t.Errorf("request %d has rid %d", i+1, rec.requests[i].Rid())
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed, details: %v", err)
	}
	rec, err := m.repo.load(ctx, tx.ID())
	if err != nil {
		t.Fatalf("record load failed, details: %v", err)
	}
	if rec.version != 4 {
		t.Errorf("post-commit version %d, want 4", rec.version)
	}
}

func TestRecordSurvivesRoundTrip(t *testing.T) {
	store, m := newTestEnv(t)
	seedUser(t, store, "joe", "Joe", 100)

	tx, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New failed, details: %v", err)
	}
	if _, err := tx.UpdateItem(ctx, testUserTable, userKey("joe"), map[string]dynatx.AttributeUpdate{
		"Tags":    dynatx.Add(&types.AttributeValueMemberSS{Value: []string{"b", "a"}}),
		"Balance": dynatx.Delete(nil),
	}, ReturnAllNew); err != nil {
		t.Fatalf("UpdateItem failed, details: %v", err)
	}

	rec, err := m.repo.load(ctx, tx.ID())
	if err != nil {
		t.Fatalf("record load failed, details: %v", err)
	}
	if len(rec.requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(rec.requests))
	}
	req := rec.requests[0]
	if req.Kind != RequestUpdate || req.Table != testUserTable || req.ReturnMode != ReturnAllNew {
		t.Errorf("request round trip mangled the envelope: %+v", req)
	}
	if !dynatx.ItemEqual(req.Key, userKey("joe")) {
		t.Errorf("request key round trip got %v", req.Key)
	}
	if u := req.Updates["Tags"]; u.Action != dynatx.UpdateAdd || !dynatx.ValueEqual(u.Value, &types.AttributeValueMemberSS{Value: []string{"a", "b"}}) {
		t.Errorf("Tags update round trip got %+v", u)
	}
	if u := req.Updates["Balance"]; u.Action != dynatx.UpdateDelete || u.Value != nil {
		t.Errorf("Balance update round trip got %+v", u)
	}
	if r := rec.requestByRid(1); r != req {
		t.Error("requestByRid did not find rid 1")
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed, details: %v", err)
	}
}

func TestParseRecordRejectsCorruptRows(t *testing.T) {
	base := func() dynatx.Item {
		return dynatx.Item{
			dynatx.AttrTxID:    &types.AttributeValueMemberS{Value: "t1"},
			dynatx.AttrState:   &types.AttributeValueMemberS{Value: string(StatePending)},
			dynatx.AttrVersion: &types.AttributeValueMemberN{Value: "1"},
		}
	}
	if _, err := parseRecord(base()); err != nil {
		t.Fatalf("well-formed record rejected, details: %v", err)
	}

	bad := base()
	bad[dynatx.AttrState] = &types.AttributeValueMemberS{Value: "X"}
	if _, err := parseRecord(bad); dynatx.CodeOf(err) != dynatx.AssertionFailure {
		t.Errorf("illegal state got %v, want AssertionFailure", err)
	}

	bad = base()
	bad[dynatx.AttrFinalized] = &types.AttributeValueMemberBOOL{Value: true}
	if _, err := parseRecord(bad); dynatx.CodeOf(err) != dynatx.AssertionFailure {
		t.Errorf("finalized-while-pending got %v, want AssertionFailure", err)
	}

	bad = base()
	delete(bad, dynatx.AttrVersion)
	if _, err := parseRecord(bad); dynatx.CodeOf(err) != dynatx.AssertionFailure {
		t.Errorf("missing version got %v, want AssertionFailure", err)
	}

	bad = base()
	bad[dynatx.AttrRequests] = &types.AttributeValueMemberBS{Value: [][]byte{{9, 9}}}
	if _, err := parseRecord(bad); dynatx.CodeOf(err) != dynatx.AssertionFailure {
		t.Errorf("undecodable request blob got %v, want AssertionFailure", err)
	}
}
