package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/saurabh81106/onceview/internal/models"
	"github.com/saurabh81106/onceview/internal/store"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestSession(t *testing.T, backend *store.MemoryStore, clientID string, opts Options) *Session {
	t.Helper()
	conn := backend.Open()
	t.Cleanup(func() { conn.Close() })
	return NewSession(conn, clientID, zerolog.Nop(), opts)
}

func readStatus(t *testing.T, backend *store.MemoryStore, room, clientID string) models.PresenceRecord {
	t.Helper()
	snap, err := backend.ReadOnce(context.Background(), "rooms/"+room+"/status")
	if err != nil {
		t.Fatal(err)
	}
	raw, ok := snap[clientID]
	if !ok {
		t.Fatalf("no presence record for %s", clientID)
	}
	var rec models.PresenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestJoinValidation(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{})

	if err := s.Join("  "); err != ErrEmptyRoomCode {
		t.Fatalf("expected ErrEmptyRoomCode, got %v", err)
	}
	if s.Room() != "" {
		t.Fatal("failed join must not change state")
	}
}

func TestJoinSendResolve(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{})

	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	if s.Room() != "lobby" {
		t.Fatalf("expected room lobby, got %q", s.Room())
	}

	if err := s.Send("hello"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Messages()) == 1 })

	msg := s.Messages()[0]
	if msg.Text != "hello" || msg.Sender != "alice" || msg.ID == "" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	got, ok := s.Resolve(msg.ID)
	if !ok || got.Text != "hello" {
		t.Fatalf("resolve failed: %+v ok=%v", got, ok)
	}
	if _, ok := s.Resolve("no-such-id"); ok {
		t.Fatal("unknown id must not resolve")
	}
}

func TestSendValidation(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{})

	if err := s.Send("hi"); err != ErrNotJoined {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	if err := s.Send("   "); err != ErrEmptyMessage {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestSendRateLimited(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{})
	fixed := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return fixed }

	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	if err := s.Send("one"); err != nil {
		t.Fatal(err)
	}
	if err := s.Send("two"); err != nil {
		t.Fatal(err)
	}
	if err := s.Send("three"); err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// The rejected send left no trace.
	snap, _ := backend.ReadOnce(context.Background(), "rooms/lobby/messages")
	if len(snap) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(snap))
	}
}

func TestTwoSessionsConverge(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	alice := newTestSession(t, backend, "alice", Options{})
	bob := newTestSession(t, backend, "bob", Options{})

	if err := alice.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	if err := bob.Join("lobby"); err != nil {
		t.Fatal(err)
	}

	if err := alice.Send("hi bob"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(bob.Messages()) == 1 })

	first := bob.Messages()[0]
	bob.SelectReply(first.ID)
	if err := bob.Send("hi alice"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(alice.Messages()) == 2 })
	reply := alice.Messages()[1]
	if reply.ReplyTo != first.ID {
		t.Fatalf("expected replyTo %q, got %q", first.ID, reply.ReplyTo)
	}
	quoted, ok := alice.Resolve(reply.ReplyTo)
	if !ok || quoted.Text != "hi bob" {
		t.Fatalf("reply target did not resolve: %+v ok=%v", quoted, ok)
	}

	// Both observe each other online.
	waitFor(t, func() bool {
		p := alice.Presence()
		return p["alice"].Online && p["bob"].Online
	})
}

func TestReplySelectionClearedAfterSend(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{})
	// Step the clock a second per call so the burst window never trips.
	clock := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}

	if err := s.Send("first"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Messages()) == 1 })
	s.SelectReply(s.Messages()[0].ID)

	if err := s.Send("second"); err != nil {
		t.Fatal(err)
	}
	if err := s.Send("third"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Messages()) == 3 })

	msgs := s.Messages()
	if msgs[1].ReplyTo == "" {
		t.Fatal("second message should carry the reply selection")
	}
	if msgs[2].ReplyTo != "" {
		t.Fatal("reply selection must clear after one send")
	}
}

func TestClearReply(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{})
	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}

	s.SelectReply("some-id")
	s.ClearReply()
	if err := s.Send("plain"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Messages()) == 1 })
	if s.Messages()[0].ReplyTo != "" {
		t.Fatal("cleared selection must not attach")
	}
}

func TestMessagesSortedDespiteArrivalOrder(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	ctx := context.Background()

	// Seed out of timestamp order, straight into the store.
	for _, m := range []struct {
		id string
		ts int64
	}{
		{"m-c", 3000}, {"m-a", 1000}, {"m-b", 2000},
	} {
		err := backend.Write(ctx, "rooms/lobby/messages/"+m.id, models.Message{
			Text: m.id, Timestamp: m.ts, Sender: "seed",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	s := newTestSession(t, backend, "alice", Options{})
	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Messages()) == 3 })

	msgs := s.Messages()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp < msgs[i-1].Timestamp {
			t.Fatalf("messages not sorted: %v", msgs)
		}
	}
	if msgs[0].ID != "m-a" || msgs[2].ID != "m-c" {
		t.Fatalf("unexpected order: %v", msgs)
	}
}

func TestTimestampTiesBreakByID(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	ctx := context.Background()
	for _, id := range []string{"m-b", "m-a"} {
		err := backend.Write(ctx, "rooms/lobby/messages/"+id, models.Message{
			Text: id, Timestamp: 1000, Sender: "seed",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	s := newTestSession(t, backend, "alice", Options{})
	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Messages()) == 2 })
	if s.Messages()[0].ID != "m-a" {
		t.Fatalf("tie should break by id: %v", s.Messages())
	}
}

func TestPresenceLifecycle(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{})

	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	rec := readStatus(t, backend, "lobby", "alice")
	if !rec.Online || rec.Typing || rec.LastSeen == 0 {
		t.Fatalf("unexpected announce record: %+v", rec)
	}

	if err := s.SetTyping(true); err != nil {
		t.Fatal(err)
	}
	rec = readStatus(t, backend, "lobby", "alice")
	if !rec.Typing || !rec.Online {
		t.Fatalf("typing merge clobbered record: %+v", rec)
	}

	// Sending clears the typing flag.
	if err := s.Send("hi"); err != nil {
		t.Fatal(err)
	}
	rec = readStatus(t, backend, "lobby", "alice")
	if rec.Typing {
		t.Fatal("send should clear typing")
	}

	s.Leave()
	rec = readStatus(t, backend, "lobby", "alice")
	if rec.Online || rec.Typing || rec.LastSeen == 0 {
		t.Fatalf("unexpected record after leave: %+v", rec)
	}
	if s.Room() != "" {
		t.Fatal("leave must clear the room")
	}
	if err := s.SetTyping(true); err != ErrNotJoined {
		t.Fatalf("expected ErrNotJoined after leave, got %v", err)
	}
}

func TestDisconnectMarksOffline(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	conn := backend.Open()
	s := NewSession(conn, "alice", zerolog.Nop(), Options{})

	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTyping(true); err != nil {
		t.Fatal(err)
	}

	// Connection drops without a clean leave.
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}

	rec := readStatus(t, backend, "lobby", "alice")
	if rec.Online || rec.Typing || rec.LastSeen == 0 {
		t.Fatalf("disconnect hook not applied: %+v", rec)
	}
}

func TestSessionGuardExpires(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{SessionTTL: 50 * time.Millisecond})

	expired := make(chan struct{}, 2)
	s.OnExpire(func() { expired <- struct{}{} })

	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("session guard did not fire")
	}
	if s.Room() != "" {
		t.Fatal("expiry must force the client out of the room")
	}

	rec := readStatus(t, backend, "lobby", "alice")
	if rec.Online {
		t.Fatal("expiry must write offline presence")
	}

	// Fires exactly once.
	select {
	case <-expired:
		t.Fatal("guard fired twice")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestLeaveCancelsGuard(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{SessionTTL: 50 * time.Millisecond})

	expired := make(chan struct{}, 1)
	s.OnExpire(func() { expired <- struct{}{} })

	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	s.Leave()

	select {
	case <-expired:
		t.Fatal("guard fired after an explicit leave")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRejoinResetsGuard(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{SessionTTL: 150 * time.Millisecond})

	expired := make(chan struct{}, 1)
	s.OnExpire(func() { expired <- struct{}{} })

	if err := s.Join("first"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := s.Join("second"); err != nil {
		t.Fatal(err)
	}

	// Past the first room's deadline: the re-join reset the clock.
	select {
	case <-expired:
		t.Fatal("stale guard fired after re-join")
	case <-time.After(100 * time.Millisecond):
	}
	if s.Room() != "second" {
		t.Fatalf("expected room second, got %q", s.Room())
	}
}

func TestRejoinDropsStaleUpdates(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{})

	if err := s.Join("first"); err != nil {
		t.Fatal(err)
	}
	if err := s.Send("in first"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Messages()) == 1 })

	if err := s.Join("second"); err != nil {
		t.Fatal(err)
	}

	// Traffic in the old room must not surface in the new view.
	_, err := backend.AppendUnique(context.Background(), "rooms/first/messages",
		models.Message{Text: "late", Timestamp: time.Now().UnixMilli(), Sender: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	for _, m := range s.Messages() {
		if m.Text == "late" || m.Text == "in first" {
			t.Fatalf("old room message leaked into new room view: %+v", m)
		}
	}
}

func TestClearMessages(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	s := newTestSession(t, backend, "alice", Options{})

	if err := s.ClearMessages(); err != ErrNotJoined {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}

	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	if err := s.Send("going away"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Messages()) == 1 })

	if err := s.ClearMessages(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Messages()) == 0 })
}

func TestRoster(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()
	ctx := context.Background()

	// Two offline records; only the most recently seen should surface.
	seed := map[string]models.PresenceRecord{
		"zed":   {Online: true, Typing: true, LastSeen: 500},
		"old":   {Online: false, LastSeen: 100},
		"newer": {Online: false, LastSeen: 200},
		"ghost": {Online: false, Typing: true, LastSeen: 50},
	}
	for id, rec := range seed {
		if err := backend.Write(ctx, "rooms/lobby/status/"+id, rec); err != nil {
			t.Fatal(err)
		}
	}

	s := newTestSession(t, backend, "alice", Options{})
	if err := s.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Presence()) == 5 })

	roster := s.Roster()
	if len(roster) != 3 {
		t.Fatalf("expected 3 roster rows, got %d: %+v", len(roster), roster)
	}
	if !roster[0].You || roster[0].ID != "alice" {
		t.Fatalf("self must come first: %+v", roster[0])
	}
	if roster[1].ID != "zed" || !roster[1].Typing {
		t.Fatalf("expected typing zed second: %+v", roster[1])
	}
	if roster[2].ID != "newer" || roster[2].Online || roster[2].Typing {
		t.Fatalf("expected the most recently seen offline participant last: %+v", roster[2])
	}
}
