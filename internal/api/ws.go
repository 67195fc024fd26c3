package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/saurabh81106/onceview/internal/metrics"
	"github.com/saurabh81106/onceview/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsReadLimit  = 64 * 1024
	wsOpTimeout  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsHandler serves the store wire protocol. Each connection is one
// client's store session: its subscriptions and armed disconnect
// merges live and die with the socket.
type wsHandler struct {
	backend store.Backend
	log     zerolog.Logger
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := &wsSession{
		ws:      ws,
		backend: h.backend,
		log:     h.log.With().Str("remote_addr", r.RemoteAddr).Logger(),
		send:    make(chan store.Frame, 256),
		done:    make(chan struct{}),
		subs:    make(map[int64]func()),
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	go sess.writePump()
	sess.readPump()
	sess.finish()
}

type wsSession struct {
	ws      *websocket.Conn
	backend store.Backend
	log     zerolog.Logger
	send    chan store.Frame
	done    chan struct{}

	mu    sync.Mutex
	subs  map[int64]func()
	armed []struct {
		path    string
		partial map[string]any
	}
}

func (s *wsSession) readPump() {
	s.ws.SetReadLimit(wsReadLimit)
	s.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var f store.Frame
		if err := s.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		s.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		s.handle(f)
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer s.ws.Close()

	for {
		select {
		case f := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// push queues a frame for the write pump. A full queue drops the
// frame: subscription pushes are full snapshots, so the next change
// re-delivers everything the client missed.
func (s *wsSession) push(f store.Frame) {
	select {
	case s.send <- f:
	default:
		s.log.Warn().Int64("seq", f.Seq).Str("event", f.Event).Msg("send queue full, frame dropped")
	}
}

func (s *wsSession) handle(f store.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), wsOpTimeout)
	defer cancel()

	reply := store.Frame{Seq: f.Seq}
	var err error

	switch f.Op {
	case store.OpWrite:
		err = s.backend.Write(ctx, f.Path, f.Value)

	case store.OpMerge:
		var partial map[string]any
		if partial, err = decodePartial(f.Value); err == nil {
			err = s.backend.Merge(ctx, f.Path, partial)
		}

	case store.OpAppend:
		reply.Key, err = s.backend.AppendUnique(ctx, f.Path, f.Value)
		if err == nil {
			metrics.MessagesAppended.Inc()
		}

	case store.OpDelete:
		err = s.backend.Delete(ctx, f.Path)

	case store.OpRead:
		reply.Snap, err = s.backend.ReadOnce(ctx, f.Path)

	case store.OpSub:
		err = s.subscribe(f)

	case store.OpUnsub:
		s.mu.Lock()
		if cancelSub, ok := s.subs[f.Sub]; ok {
			delete(s.subs, f.Sub)
			cancelSub()
		}
		s.mu.Unlock()

	case store.OpArmDC:
		var partial map[string]any
		if partial, err = decodePartial(f.Value); err == nil {
			if _, err = store.ParsePath(f.Path); err == nil {
				s.mu.Lock()
				s.armed = append(s.armed, struct {
					path    string
					partial map[string]any
				}{f.Path, partial})
				s.mu.Unlock()
			}
		}

	default:
		err = fmt.Errorf("unknown op %q", f.Op)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		reply.Error = err.Error()
	} else {
		reply.OK = true
	}
	metrics.StoreOps.WithLabelValues(f.Op, outcome).Inc()

	s.push(reply)
}

func (s *wsSession) subscribe(f store.Frame) error {
	seq := f.Seq
	path := f.Path
	cancelSub, err := s.backend.Subscribe(path, func(snap store.Snapshot) {
		s.push(store.Frame{Event: store.EventChange, Sub: seq, Path: path, Snap: snap})
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.subs[seq] = cancelSub
	s.mu.Unlock()
	return nil
}

// finish tears down subscriptions and fires armed disconnect merges.
// It runs on every connection end, clean close included, mirroring the
// reference store's disconnect semantics.
func (s *wsSession) finish() {
	close(s.done)

	s.mu.Lock()
	subs := s.subs
	armed := s.armed
	s.subs = make(map[int64]func())
	s.armed = nil
	s.mu.Unlock()

	for _, cancelSub := range subs {
		cancelSub()
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsOpTimeout)
	defer cancel()
	for _, a := range armed {
		if err := s.backend.Merge(ctx, a.path, a.partial); err != nil {
			s.log.Warn().Err(err).Str("path", a.path).Msg("disconnect merge failed")
			continue
		}
		metrics.DisconnectMergesApplied.Inc()
	}
}

// decodePartial turns a wire merge payload into backend merge fields.
// Raw JSON values pass through untouched so timestamp sentinels survive
// until the backend resolves them.
func decodePartial(raw json.RawMessage) (map[string]any, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid merge payload: %w", err)
	}
	partial := make(map[string]any, len(fields))
	for k, v := range fields {
		partial[k] = v
	}
	return partial, nil
}
