package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is the embedded backend: a process-local room tree with
// subscriptions. It backs tests and single-process deployments, and is
// the server's store when no Redis URL is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	rooms   map[string]*roomData
	subs    map[int64]*memSub
	nextSub int64
	now     func() time.Time
}

type roomData struct {
	messages map[string]json.RawMessage
	status   map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*roomData),
		subs:  make(map[int64]*memSub),
		now:   time.Now,
	}
}

// Close stops all subscription pumps.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		sub.pump.stop()
		delete(s.subs, id)
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (r *roomData) collection(kind string) map[string]json.RawMessage {
	if kind == "status" {
		return r.status
	}
	return r.messages
}

func (r *roomData) empty() bool {
	return len(r.messages) == 0 && len(r.status) == 0
}

// room returns the room's data, creating it on first write. Rooms
// materialize implicitly; there is no registration step.
func (s *MemoryStore) room(code string) *roomData {
	r, ok := s.rooms[code]
	if !ok {
		r = &roomData{
			messages: make(map[string]json.RawMessage),
			status:   make(map[string]json.RawMessage),
		}
		s.rooms[code] = r
	}
	return r
}

// Write replaces the value at a child path.
func (s *MemoryStore) Write(ctx context.Context, path string, value any) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if p.IsCollection() {
		return fmt.Errorf("%w: write requires a child path, got %q", ErrBadPath, path)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.room(p.Room).collection(p.Kind)[p.Child] = raw
	s.notifyLocked(p)
	s.mu.Unlock()
	return nil
}

// Merge shallow-merges fields into the record at a child path without
// disturbing sibling fields. Merging into a missing record creates it.
func (s *MemoryStore) Merge(ctx context.Context, path string, partial map[string]any) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if p.IsCollection() {
		return fmt.Errorf("%w: merge requires a child path, got %q", ErrBadPath, path)
	}
	fields, err := encodePartial(partial, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	col := s.room(p.Room).collection(p.Kind)
	col[p.Child] = mergeRaw(col[p.Child], fields)
	s.notifyLocked(p)
	s.mu.Unlock()
	return nil
}

// AppendUnique creates a new child under a message collection with a
// store-generated ULID key and returns the key. ULIDs are time-ordered,
// so key order matches arrival order for a single writer.
func (s *MemoryStore) AppendUnique(ctx context.Context, path string, value any) (string, error) {
	p, err := ParsePath(path)
	if err != nil {
		return "", err
	}
	if !p.IsCollection() || p.Kind != "messages" {
		return "", fmt.Errorf("%w: append requires a message collection path, got %q", ErrBadPath, path)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	key := ulid.Make().String()

	s.mu.Lock()
	s.room(p.Room).messages[key] = raw
	s.notifyLocked(p)
	s.mu.Unlock()
	return key, nil
}

// Delete removes the subtree at a path: a single child or a whole
// collection. Deleting from a missing room is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[p.Room]
	if !ok {
		return nil
	}
	if p.IsCollection() {
		if p.Kind == "status" {
			r.status = make(map[string]json.RawMessage)
		} else {
			r.messages = make(map[string]json.RawMessage)
		}
	} else {
		delete(r.collection(p.Kind), p.Child)
	}
	if r.empty() {
		delete(s.rooms, p.Room)
	}
	s.notifyLocked(p)
	return nil
}

// ReadOnce returns the current snapshot of a collection.
func (s *MemoryStore) ReadOnce(ctx context.Context, path string) (Snapshot, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if !p.IsCollection() {
		return nil, fmt.Errorf("%w: read requires a collection path, got %q", ErrBadPath, path)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(p), nil
}

// Subscribe registers a change callback for a collection. The current
// snapshot is delivered immediately, then the full snapshot again on
// every change. Delivery is in order per subscription; intermediate
// snapshots may be coalesced into the latest one.
func (s *MemoryStore) Subscribe(path string, fn func(Snapshot)) (func(), error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if !p.IsCollection() {
		return nil, fmt.Errorf("%w: subscribe requires a collection path, got %q", ErrBadPath, path)
	}

	sub := &memSub{path: Path{Room: p.Room, Kind: p.Kind}, pump: newSubPump(fn)}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	sub.pump.notify(s.snapshotLocked(p))
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if sb, ok := s.subs[id]; ok {
			sb.pump.stop()
			delete(s.subs, id)
		}
		s.mu.Unlock()
	}, nil
}

// Rooms lists room codes currently holding any data.
func (s *MemoryStore) Rooms(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes := make([]string, 0, len(s.rooms))
	for code := range s.rooms {
		codes = append(codes, code)
	}
	return codes, nil
}

func (s *MemoryStore) snapshotLocked(p Path) Snapshot {
	snap := make(Snapshot)
	if r, ok := s.rooms[p.Room]; ok {
		for k, v := range r.collection(p.Kind) {
			snap[k] = v
		}
	}
	return snap
}

func (s *MemoryStore) notifyLocked(p Path) {
	col := Path{Room: p.Room, Kind: p.Kind}
	var snap Snapshot
	for _, sub := range s.subs {
		if sub.path != col {
			continue
		}
		if snap == nil {
			snap = s.snapshotLocked(col)
		}
		sub.pump.notify(snap)
	}
}

// memSub ties a subscription's collection to its delivery pump.
type memSub struct {
	path Path
	pump *subPump
}
