package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/callsight/callsight/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestStringSetRoundTrip(t *testing.T) {
	s := NewStringSet("b", "a", "b")
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["a","b"]` {
		t.Errorf("marshaled form = %s, want sorted deduplicated list", data)
	}

	var back StringSet
	if err := json.Unmarshal([]byte(`["x","x","y"]`), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Len() != 2 || !back.Has("x") || !back.Has("y") {
		t.Errorf("unmarshaled set = %v, want {x y}", back)
	}
}

func TestPutGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := New("c1", "chan-1", "1001")
	sess.AgentChannel = "agent-1"
	sess.Status = StatusRinging
	sess.Up.Add("agent-1")

	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRinging {
		t.Errorf("Status = %q", got.Status)
	}
	if !got.Up.Has("agent-1") {
		t.Error("Up set lost agent channel")
	}

	// Both legs must resolve through the channel index.
	for _, ch := range []string{"chan-1", "agent-1"} {
		callID, err := store.GetByChannel(ctx, ch)
		if err != nil {
			t.Fatalf("get by channel %s: %v", ch, err)
		}
		if callID != "c1" {
			t.Errorf("channel %s maps to %q, want c1", ch, callID)
		}
	}

	if err := store.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
	if _, err := store.GetByChannel(ctx, "chan-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("channel index survived delete: %v", err)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	store := newTestStore(t)
	if err := store.Delete(context.Background(), "never-existed"); err != nil {
		t.Errorf("deleting a missing session should be a no-op, got %v", err)
	}
}

func TestPutReplacesChannelIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := New("c1", "chan-1", "1001")
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Adding the agent leg must extend the index without duplicating rows.
	sess.AgentChannel = "agent-1"
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("second put: %v", err)
	}

	callID, err := store.GetByChannel(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get by agent channel: %v", err)
	}
	if callID != "c1" {
		t.Errorf("agent channel maps to %q", callID)
	}
}

func TestListAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		if err := store.Put(ctx, New(id, "chan-"+id, "1001")); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	sessions, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("len(sessions) = %d, want 2", len(sessions))
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestSweepStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tearing := New("stuck", "chan-s", "1001")
	tearing.Status = StatusTearingDown
	if err := store.Put(ctx, tearing); err != nil {
		t.Fatalf("put: %v", err)
	}
	live := New("live", "chan-l", "1002")
	live.Status = StatusConnected
	if err := store.Put(ctx, live); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Not stale yet with a generous TTL.
	stale, err := store.SweepStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("len(stale) = %d, want 0", len(stale))
	}

	// With a negative TTL the tearing-down session qualifies immediately;
	// the connected one never does.
	stale, err = store.SweepStale(ctx, -time.Second)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(stale) != 1 || stale[0].CallID != "stuck" {
		t.Errorf("stale = %+v, want only the stuck session", stale)
	}
}
