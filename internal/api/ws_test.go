package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/saurabh81106/onceview/internal/client"
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

func startServer(t *testing.T) (*store.MemoryStore, string) {
	t.Helper()
	backend := store.NewMemoryStore()
	srv := httptest.NewServer(NewRouter(zerolog.Nop(), backend))
	t.Cleanup(func() {
		srv.Close()
		backend.Close()
	})
	return backend, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialConn(t *testing.T, url string) *store.RemoteConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := store.Dial(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRemoteRoundTrip(t *testing.T) {
	backend, url := startServer(t)
	conn := dialConn(t, url)
	ctx := context.Background()

	err := conn.Write(ctx, "rooms/r1/status/c1", models.PresenceRecord{Online: true, LastSeen: 100})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Merge(ctx, "rooms/r1/status/c1", map[string]any{"typing": true}); err != nil {
		t.Fatal(err)
	}

	snap, err := conn.ReadOnce(ctx, "rooms/r1/status")
	if err != nil {
		t.Fatal(err)
	}
	var rec models.PresenceRecord
	if err := json.Unmarshal(snap["c1"], &rec); err != nil {
		t.Fatal(err)
	}
	if !rec.Online || !rec.Typing || rec.LastSeen != 100 {
		t.Fatalf("unexpected record after write+merge: %+v", rec)
	}

	key, err := conn.AppendUnique(ctx, "rooms/r1/messages", models.Message{
		Text: "over the wire", Timestamp: 1, Sender: "c1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if key == "" {
		t.Fatal("expected a server-generated key")
	}

	if err := conn.Delete(ctx, "rooms/r1/messages/"+key); err != nil {
		t.Fatal(err)
	}
	got, _ := backend.ReadOnce(ctx, "rooms/r1/messages")
	if len(got) != 0 {
		t.Fatalf("expected empty collection after delete, got %d", len(got))
	}
}

func TestRemoteErrorPropagation(t *testing.T) {
	_, url := startServer(t)
	conn := dialConn(t, url)
	ctx := context.Background()

	if err := conn.Write(ctx, "bogus/path", "x"); err == nil {
		t.Fatal("expected bad path error over the wire")
	}
	if err := conn.Write(ctx, "rooms/r1/messages", "x"); err == nil {
		t.Fatal("expected collection write rejection over the wire")
	}
}

func TestRemoteSubscription(t *testing.T) {
	backend, url := startServer(t)
	conn := dialConn(t, url)
	ctx := context.Background()

	backend.AppendUnique(ctx, "rooms/r1/messages", models.Message{Text: "pre", Timestamp: 1})

	var mu sync.Mutex
	var last store.Snapshot
	cancel, err := conn.Subscribe("rooms/r1/messages", func(snap store.Snapshot) {
		mu.Lock()
		last = snap
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	// Initial snapshot includes the pre-existing message.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1
	})

	backend.AppendUnique(ctx, "rooms/r1/messages", models.Message{Text: "live", Timestamp: 2})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2
	})

	cancel()
	time.Sleep(50 * time.Millisecond)
	backend.AppendUnique(ctx, "rooms/r1/messages", models.Message{Text: "unseen", Timestamp: 3})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(last) != 2 {
		t.Fatalf("delivery after unsubscribe: %d entries", len(last))
	}
}

func TestRemoteDisconnectMerge(t *testing.T) {
	backend, url := startServer(t)
	conn := dialConn(t, url)
	ctx := context.Background()

	err := conn.Write(ctx, "rooms/r1/status/c1", models.PresenceRecord{Online: true, LastSeen: 100})
	if err != nil {
		t.Fatal(err)
	}
	err = conn.OnDisconnectMerge("rooms/r1/status/c1", map[string]any{
		"online":   false,
		"typing":   false,
		"lastSeen": store.ServerTimestamp,
	})
	if err != nil {
		t.Fatal(err)
	}

	conn.Close()

	// The server applies the armed merge once it observes the close.
	waitFor(t, func() bool {
		snap, err := backend.ReadOnce(ctx, "rooms/r1/status")
		if err != nil {
			return false
		}
		var rec models.PresenceRecord
		if json.Unmarshal(snap["c1"], &rec) != nil {
			return false
		}
		return !rec.Online && rec.LastSeen > 100
	})
}

func TestSessionOverWebSocket(t *testing.T) {
	backend, url := startServer(t)
	aliceConn := dialConn(t, url)
	bobConn := dialConn(t, url)

	alice := client.NewSession(aliceConn, "alice", zerolog.Nop(), client.Options{})
	bob := client.NewSession(bobConn, "bob", zerolog.Nop(), client.Options{})

	if err := alice.Join("lobby"); err != nil {
		t.Fatal(err)
	}
	if err := bob.Join("lobby"); err != nil {
		t.Fatal(err)
	}

	if err := alice.Send("hello over the wire"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(bob.Messages()) == 1 })
	if bob.Messages()[0].Sender != "alice" {
		t.Fatalf("unexpected sender: %+v", bob.Messages()[0])
	}

	waitFor(t, func() bool {
		p := bob.Presence()
		return p["alice"].Online && p["bob"].Online
	})

	// Alice's socket dies; the server marks her offline for everyone.
	aliceConn.Close()
	waitFor(t, func() bool {
		p := bob.Presence()
		rec, ok := p["alice"]
		return ok && !rec.Online
	})

	// Bob is unaffected.
	if err := bob.Send("still here"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		snap, err := backend.ReadOnce(context.Background(), "rooms/lobby/messages")
		return err == nil && len(snap) == 2
	})
}
