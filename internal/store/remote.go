package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	remoteWriteWait  = 10 * time.Second
	remotePingPeriod = 54 * time.Second
	remotePongWait   = 60 * time.Second
)

// RemoteConn is a client's store connection over a WebSocket to the
// store server. The server owns this connection's armed disconnect
// merges and applies them when the socket dies, so presence cleanup
// survives a client crash.
type RemoteConn struct {
	ws   *websocket.Conn
	send chan Frame
	done chan struct{}

	mu      sync.Mutex
	seq     int64
	pending map[int64]chan Frame
	subs    map[int64]*subPump
	closed  bool

	closeOnce sync.Once
}

// Dial connects to a store server's /ws endpoint.
func Dial(ctx context.Context, url string) (*RemoteConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &RemoteConn{
		ws:      ws,
		send:    make(chan Frame, 64),
		done:    make(chan struct{}),
		pending: make(map[int64]chan Frame),
		subs:    make(map[int64]*subPump),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

func (c *RemoteConn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(1 << 20)
	c.ws.SetReadDeadline(time.Now().Add(remotePongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(remotePongWait))
		return nil
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(remotePongWait))

		if f.Event == EventChange {
			c.mu.Lock()
			pump := c.subs[f.Sub]
			c.mu.Unlock()
			if pump != nil {
				pump.notify(f.Snap)
			}
			continue
		}

		c.mu.Lock()
		ch := c.pending[f.Seq]
		delete(c.pending, f.Seq)
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	}
}

func (c *RemoteConn) writePump() {
	ticker := time.NewTicker(remotePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(remoteWriteWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(remoteWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(remoteWriteWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// teardown releases everything waiting on the connection.
func (c *RemoteConn) teardown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	subs := c.subs
	c.pending = make(map[int64]chan Frame)
	c.subs = make(map[int64]*subPump)
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	for _, ch := range pending {
		close(ch)
	}
	for _, pump := range subs {
		pump.stop()
	}
	c.ws.Close()
}

// request performs one round trip and returns the server's reply.
func (c *RemoteConn) request(ctx context.Context, f Frame) (Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, ErrClosed
	}
	c.seq++
	f.Seq = c.seq
	ch := make(chan Frame, 1)
	c.pending[f.Seq] = ch
	c.mu.Unlock()

	select {
	case c.send <- f:
	case <-c.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		c.forget(f.Seq)
		return Frame{}, ctx.Err()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, ErrClosed
		}
		if !resp.OK {
			return Frame{}, fmt.Errorf("store: remote: %s", resp.Error)
		}
		return resp, nil
	case <-c.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		c.forget(f.Seq)
		return Frame{}, ctx.Err()
	}
}

func (c *RemoteConn) forget(seq int64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func marshalValue(value any) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Write replaces the value at a child path.
func (c *RemoteConn) Write(ctx context.Context, path string, value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, Frame{Op: OpWrite, Path: path, Value: raw})
	return err
}

// Merge shallow-merges fields at a child path.
func (c *RemoteConn) Merge(ctx context.Context, path string, partial map[string]any) error {
	raw, err := marshalValue(partial)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, Frame{Op: OpMerge, Path: path, Value: raw})
	return err
}

// AppendUnique creates a new child and returns its server-generated key.
func (c *RemoteConn) AppendUnique(ctx context.Context, path string, value any) (string, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return "", err
	}
	resp, err := c.request(ctx, Frame{Op: OpAppend, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return resp.Key, nil
}

// Delete removes the subtree at a path.
func (c *RemoteConn) Delete(ctx context.Context, path string) error {
	_, err := c.request(ctx, Frame{Op: OpDelete, Path: path})
	return err
}

// ReadOnce returns the current snapshot of a collection.
func (c *RemoteConn) ReadOnce(ctx context.Context, path string) (Snapshot, error) {
	resp, err := c.request(ctx, Frame{Op: OpRead, Path: path})
	if err != nil {
		return nil, err
	}
	if resp.Snap == nil {
		return Snapshot{}, nil
	}
	return resp.Snap, nil
}

// Subscribe opens a server-side subscription. The callback pump is
// registered before the request is sent so no push can be lost.
func (c *RemoteConn) Subscribe(path string, fn func(Snapshot)) (func(), error) {
	pump := newSubPump(fn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pump.stop()
		return nil, ErrClosed
	}
	c.seq++
	seq := c.seq
	ch := make(chan Frame, 1)
	c.pending[seq] = ch
	c.subs[seq] = pump
	c.mu.Unlock()

	fail := func() {
		c.mu.Lock()
		delete(c.pending, seq)
		delete(c.subs, seq)
		c.mu.Unlock()
		pump.stop()
	}

	select {
	case c.send <- Frame{Seq: seq, Op: OpSub, Path: path}:
	case <-c.done:
		fail()
		return nil, ErrClosed
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			fail()
			return nil, ErrClosed
		}
		if !resp.OK {
			fail()
			return nil, fmt.Errorf("store: remote: %s", resp.Error)
		}
	case <-c.done:
		fail()
		return nil, ErrClosed
	}

	return func() {
		c.mu.Lock()
		if p, ok := c.subs[seq]; ok {
			delete(c.subs, seq)
			p.stop()
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = c.request(ctx, Frame{Op: OpUnsub, Sub: seq})
	}, nil
}

// OnDisconnectMerge arms a merge on the server, applied when this
// connection is lost or closed.
func (c *RemoteConn) OnDisconnectMerge(path string, partial map[string]any) error {
	raw, err := marshalValue(partial)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.request(ctx, Frame{Op: OpArmDC, Path: path, Value: raw})
	return err
}

// Close shuts the connection down. The server fires any armed
// disconnect merges when it observes the close.
func (c *RemoteConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	// readPump unblocks on the socket closing and runs teardown.
	time.AfterFunc(remoteWriteWait, func() { c.ws.Close() })
	return nil
}
