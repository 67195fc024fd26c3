// Package client is the room engine run by every participant: it keeps
// a local, reactive view of one room's message log and presence map,
// gates outbound sends, triggers inline retention, and enforces the
// session ceiling. All persisted state lives in the shared store; the
// engine's own state is a cache replaced wholesale on every store
// notification.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/saurabh81106/onceview/internal/metrics"
	"github.com/saurabh81106/onceview/internal/models"
	"github.com/saurabh81106/onceview/internal/store"
)

var (
	// ErrNotJoined is returned by room operations before a successful Join.
	ErrNotJoined = errors.New("client: no room joined")

	// ErrEmptyRoomCode is returned by Join for a blank room code.
	ErrEmptyRoomCode = errors.New("client: empty room code")

	// ErrEmptyMessage is returned by Send when the text trims to nothing.
	ErrEmptyMessage = errors.New("client: empty message")

	// ErrRateLimited is returned by Send when admission control denies
	// the attempt. The send is rejected outright, never queued.
	ErrRateLimited = errors.New("client: rate limit exceeded, slow down")
)

// Defaults for Options fields left zero.
const (
	DefaultSessionTTL   = 10 * time.Minute
	DefaultRetentionAge = 72 * time.Hour
	DefaultMaxMessages  = 500

	opTimeout = 10 * time.Second
)

// Options tune a session. Zero values take the defaults above.
type Options struct {
	SessionTTL   time.Duration // forced exit after this long in a room
	RetentionAge time.Duration // inline prune cutoff
	MaxMessages  int           // inline prune count ceiling
}

// Session is one client's live attachment to the store. It serializes
// every state mutation behind a single mutex: store notifications,
// timer firings and caller operations all take the same lock, so the
// engine behaves like the single-threaded event loop it models.
type Session struct {
	conn     store.Conn
	clientID string
	log      zerolog.Logger

	sessionTTL   time.Duration
	retentionAge time.Duration
	maxMessages  int
	now          func() time.Time

	mu           sync.Mutex
	room         string
	msgs         []models.Message
	byID         map[string]models.Message
	presence     map[string]models.PresenceRecord
	pendingReply string
	limiter      rateLimiter
	guard        *time.Timer
	cancels      []func()
	epoch        int // bumped on every join/leave; fences stale callbacks
	onExpire     func()
	onUpdate     func()
}

// NewSession creates a session for the given store connection and
// client identity.
func NewSession(conn store.Conn, clientID string, logger zerolog.Logger, opts Options) *Session {
	if opts.SessionTTL == 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.RetentionAge == 0 {
		opts.RetentionAge = DefaultRetentionAge
	}
	if opts.MaxMessages == 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	return &Session{
		conn:         conn,
		clientID:     clientID,
		log:          logger,
		sessionTTL:   opts.SessionTTL,
		retentionAge: opts.RetentionAge,
		maxMessages:  opts.MaxMessages,
		now:          time.Now,
	}
}

// ClientID returns the session's identity.
func (s *Session) ClientID() string { return s.clientID }

// OnUpdate registers a hook invoked after every applied message or
// presence snapshot, for re-rendering.
func (s *Session) OnUpdate(fn func()) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// OnExpire registers a hook invoked when the session ceiling forces
// the client out of a room.
func (s *Session) OnExpire(fn func()) {
	s.mu.Lock()
	s.onExpire = fn
	s.mu.Unlock()
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// Join attaches the session to a room, leaving any current room first.
// The presence announcement and its disconnect hook are issued before
// anything else: the hook must be armed before this client can fail.
// Rooms materialize on first write; there is no existence check.
func (s *Session) Join(roomCode string) error {
	roomCode = strings.TrimSpace(roomCode)
	if roomCode == "" {
		return ErrEmptyRoomCode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.room != "" {
		s.leaveLocked()
	}

	s.epoch++
	epoch := s.epoch

	ctx, cancel := opCtx()
	defer cancel()

	statusPath := store.StatusPath(roomCode, s.clientID)
	announce := models.PresenceRecord{Online: true, Typing: false, LastSeen: s.now().UnixMilli()}
	if err := s.conn.Write(ctx, statusPath, announce); err != nil {
		s.log.Warn().Err(err).Str("room", roomCode).Msg("presence announce failed")
	}
	if err := s.conn.OnDisconnectMerge(statusPath, map[string]any{
		"online":   false,
		"typing":   false,
		"lastSeen": store.ServerTimestamp,
	}); err != nil {
		// Known staleness risk: this client will keep appearing online
		// after a crash until it explicitly leaves.
		s.log.Warn().Err(err).Str("room", roomCode).Msg("disconnect hook not armed")
	}

	cancelMsgs, err := s.conn.Subscribe(store.MessagesPath(roomCode), func(snap store.Snapshot) {
		s.applyMessages(epoch, snap)
	})
	if err != nil {
		return err
	}
	cancelStatus, err := s.conn.Subscribe("rooms/"+roomCode+"/status", func(snap store.Snapshot) {
		s.applyPresence(epoch, snap)
	})
	if err != nil {
		cancelMsgs()
		return err
	}

	s.room = roomCode
	s.msgs = nil
	s.byID = make(map[string]models.Message)
	s.presence = make(map[string]models.PresenceRecord)
	s.pendingReply = ""
	s.cancels = []func(){cancelMsgs, cancelStatus}
	s.guard = time.AfterFunc(s.sessionTTL, func() { s.expire(epoch) })

	s.log.Info().Str("room", roomCode).Msg("joined room")
	return nil
}

// Leave detaches from the current room: writes the offline presence
// record, cancels the session timer and tears down subscriptions so no
// stale update can leak into a later room. No-op when not joined.
func (s *Session) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" {
		return
	}
	s.leaveLocked()
}

// leaveLocked does the shared teardown for Leave, expiry and re-join.
func (s *Session) leaveLocked() {
	room := s.room
	s.epoch++

	if s.guard != nil {
		s.guard.Stop()
		s.guard = nil
	}
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil

	ctx, cancel := opCtx()
	defer cancel()
	err := s.conn.Merge(ctx, store.StatusPath(room, s.clientID), map[string]any{
		"online":   false,
		"typing":   false,
		"lastSeen": s.now().UnixMilli(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("room", room).Msg("offline presence write failed")
	}

	s.room = ""
	s.msgs = nil
	s.byID = nil
	s.presence = nil
	s.pendingReply = ""
	s.log.Info().Str("room", room).Msg("left room")
}

// expire is the session guard firing. The epoch fence makes a late
// timer harmless after the client already left or re-joined.
func (s *Session) expire(epoch int) {
	s.mu.Lock()
	if s.room == "" || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	room := s.room
	s.leaveLocked()
	cb := s.onExpire
	s.mu.Unlock()

	s.log.Info().Str("room", room).Msg("session expired")
	if cb != nil {
		cb()
	}
}

// Send validates, admission-checks and appends a message carrying any
// pending reply selection, then clears the typing flag and runs the
// inline retention pass. Store failures are logged and swallowed: the
// send is a best-effort no-op the caller may simply re-invoke.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.room == "" {
		return ErrNotJoined
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	now := s.now()
	if !s.limiter.permit(now) {
		metrics.SendsDenied.Inc()
		return ErrRateLimited
	}

	msg := models.Message{
		Text:      text,
		Timestamp: now.UnixMilli(),
		Sender:    s.clientID,
		ReplyTo:   s.pendingReply,
	}

	ctx, cancel := opCtx()
	defer cancel()
	if _, err := s.conn.AppendUnique(ctx, store.MessagesPath(s.room), msg); err != nil {
		s.log.Warn().Err(err).Str("room", s.room).Msg("send failed")
		return nil
	}

	s.limiter.record(now)
	s.pendingReply = ""
	if err := s.conn.Merge(ctx, store.StatusPath(s.room, s.clientID), map[string]any{"typing": false}); err != nil {
		s.log.Warn().Err(err).Msg("typing clear failed")
	}

	s.pruneLocked(ctx, now)
	return nil
}

// SetTyping merges only the typing flag, leaving online and lastSeen
// untouched.
func (s *Session) SetTyping(typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" {
		return ErrNotJoined
	}
	ctx, cancel := opCtx()
	defer cancel()
	if err := s.conn.Merge(ctx, store.StatusPath(s.room, s.clientID), map[string]any{"typing": typing}); err != nil {
		s.log.Warn().Err(err).Msg("typing update failed")
	}
	return nil
}

// SelectReply marks the message the next send replies to. The id is
// not validated; a reference that goes dangling renders as not-found.
func (s *Session) SelectReply(id string) {
	s.mu.Lock()
	s.pendingReply = id
	s.mu.Unlock()
}

// ClearReply drops any pending reply selection.
func (s *Session) ClearReply() {
	s.mu.Lock()
	s.pendingReply = ""
	s.mu.Unlock()
}

// Resolve looks a message id up in the current local snapshot. A
// pruned or never-seen id is simply not found, never an error.
func (s *Session) Resolve(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	return m, ok
}

// Messages returns the local view, sorted ascending by timestamp.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Presence returns the observed presence map for the current room.
func (s *Session) Presence() map[string]models.PresenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.PresenceRecord, len(s.presence))
	for id, rec := range s.presence {
		out[id] = rec
	}
	return out
}

// Room returns the currently joined room code, empty when not joined.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// ClearMessages deletes every message in the current room.
func (s *Session) ClearMessages() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" {
		return ErrNotJoined
	}
	ctx, cancel := opCtx()
	defer cancel()
	return s.conn.Delete(ctx, store.MessagesPath(s.room))
}

// applyMessages replaces the local message view with a freshly decoded,
// freshly sorted snapshot. No diffing: out-of-order notification
// delivery cannot corrupt state that is rebuilt from scratch each time.
func (s *Session) applyMessages(epoch int, snap store.Snapshot) {
	msgs := make([]models.Message, 0, len(snap))
	byID := make(map[string]models.Message, len(snap))
	for id, raw := range snap {
		var m models.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("undecodable message skipped")
			continue
		}
		m.ID = id
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		// ULID keys encode arrival order for timestamp ties.
		return msgs[i].ID < msgs[j].ID
	})
	for _, m := range msgs {
		byID[m.ID] = m
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.msgs = msgs
	s.byID = byID
	cb := s.onUpdate
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (s *Session) applyPresence(epoch int, snap store.Snapshot) {
	presence := make(map[string]models.PresenceRecord, len(snap))
	for id, raw := range snap {
		var rec models.PresenceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("undecodable presence skipped")
			continue
		}
		presence[id] = rec
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.presence = presence
	cb := s.onUpdate
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// pruneLocked is the inline retention pass run after each send: one
// read, then at most one count-cutoff delete plus any number of
// age-cutoff deletes. Reads and deletes race with other senders by
// design; the bounds are approximate.
func (s *Session) pruneLocked(ctx context.Context, now time.Time) {
	path := store.MessagesPath(s.room)
	snap, err := s.conn.ReadOnce(ctx, path)
	if err != nil {
		s.log.Warn().Err(err).Msg("retention read failed")
		return
	}

	type entry struct {
		id string
		ts int64
	}
	entries := make([]entry, 0, len(snap))
	for id, raw := range snap {
		var m models.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		entries = append(entries, entry{id: id, ts: m.Timestamp})
	}

	// Count cutoff: exactly the single oldest, one trim per send.
	if len(entries) > s.maxMessages {
		oldest := entries[0]
		for _, e := range entries[1:] {
			if e.ts < oldest.ts || (e.ts == oldest.ts && e.id < oldest.id) {
				oldest = e
			}
		}
		if err := s.conn.Delete(ctx, path+"/"+oldest.id); err != nil {
			s.log.Warn().Err(err).Str("id", oldest.id).Msg("count prune failed")
		} else {
			metrics.MessagesPruned.WithLabelValues("count").Inc()
		}
	}

	// Age cutoff: everything older than the retention window.
	cutoff := now.Add(-s.retentionAge).UnixMilli()
	for _, e := range entries {
		if e.ts >= cutoff {
			continue
		}
		if err := s.conn.Delete(ctx, path+"/"+e.id); err != nil {
			s.log.Warn().Err(err).Str("id", e.id).Msg("age prune failed")
			continue
		}
		metrics.MessagesPruned.WithLabelValues("age").Inc()
	}
}
