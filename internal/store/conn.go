package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("store: connection closed")

// LocalConn is a client's handle on an in-process Backend. It tracks
// the client's subscriptions and armed disconnect merges; Close tears
// the former down and applies the latter, mirroring what the store
// server does for a remote client whose socket dies.
type LocalConn struct {
	backend Backend

	mu      sync.Mutex
	cancels []func()
	armed   []armedMerge
	closed  bool
}

type armedMerge struct {
	path    string
	partial map[string]any
}

// NewLocalConn wraps a backend in a per-client connection.
func NewLocalConn(b Backend) *LocalConn {
	return &LocalConn{backend: b}
}

// Open returns a new connection on this store.
func (s *MemoryStore) Open() *LocalConn { return NewLocalConn(s) }

func (c *LocalConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Write replaces the value at a child path.
func (c *LocalConn) Write(ctx context.Context, path string, value any) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.backend.Write(ctx, path, value)
}

// Merge shallow-merges fields at a child path.
func (c *LocalConn) Merge(ctx context.Context, path string, partial map[string]any) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.backend.Merge(ctx, path, partial)
}

// AppendUnique creates a new child with a store-generated key.
func (c *LocalConn) AppendUnique(ctx context.Context, path string, value any) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	return c.backend.AppendUnique(ctx, path, value)
}

// Delete removes the subtree at a path.
func (c *LocalConn) Delete(ctx context.Context, path string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.backend.Delete(ctx, path)
}

// ReadOnce returns the current snapshot of a collection.
func (c *LocalConn) ReadOnce(ctx context.Context, path string) (Snapshot, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.backend.ReadOnce(ctx, path)
}

// Subscribe registers a change callback; the returned cancel is also
// invoked by Close.
func (c *LocalConn) Subscribe(path string, fn func(Snapshot)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	cancel, err := c.backend.Subscribe(path, fn)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()
	return cancel, nil
}

// OnDisconnectMerge arms a merge applied when this connection closes.
func (c *LocalConn) OnDisconnectMerge(path string, partial map[string]any) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if p.IsCollection() {
		return fmt.Errorf("%w: disconnect merge requires a child path, got %q", ErrBadPath, path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.armed = append(c.armed, armedMerge{path: path, partial: partial})
	return nil
}

// Close cancels subscriptions and fires armed disconnect merges.
// Idempotent.
func (c *LocalConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := c.cancels
	armed := c.armed
	c.cancels = nil
	c.armed = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var firstErr error
	for _, a := range armed {
		if err := c.backend.Merge(ctx, a.path, a.partial); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
