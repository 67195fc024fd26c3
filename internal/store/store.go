package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadPath is returned for paths outside the rooms/{code}/messages
// and rooms/{code}/status layout.
var ErrBadPath = errors.New("store: bad path")

// Snapshot holds the children of a collection path, keyed by child ID,
// each value JSON-encoded. Subscriptions always deliver the full
// snapshot of the subscribed path, never a diff.
type Snapshot map[string]json.RawMessage

// Backend defines the flat operation set shared by all connections.
// Both MemoryStore and RedisStore implement this interface.
type Backend interface {
	// Connection management
	Close() error
	Ping(ctx context.Context) error

	// Tree operations
	Write(ctx context.Context, path string, value any) error
	Merge(ctx context.Context, path string, partial map[string]any) error
	AppendUnique(ctx context.Context, path string, value any) (string, error)
	Delete(ctx context.Context, path string) error
	ReadOnce(ctx context.Context, path string) (Snapshot, error)
	Subscribe(path string, fn func(Snapshot)) (func(), error)

	// Rooms enumerates room codes currently holding data, for the sweep.
	Rooms(ctx context.Context) ([]string, error)
}

// Conn is a single client's handle on the store. On top of the shared
// operations it tracks armed disconnect actions, which fire when the
// connection is lost or closed, and tears down its own subscriptions.
type Conn interface {
	Write(ctx context.Context, path string, value any) error
	Merge(ctx context.Context, path string, partial map[string]any) error
	AppendUnique(ctx context.Context, path string, value any) (string, error)
	Delete(ctx context.Context, path string) error
	ReadOnce(ctx context.Context, path string) (Snapshot, error)
	Subscribe(path string, fn func(Snapshot)) (func(), error)

	// OnDisconnectMerge arms a merge applied when the connection ends,
	// cleanly or not. Fields set to ServerTimestamp resolve to the
	// server's clock at apply time.
	OnDisconnectMerge(path string, partial map[string]any) error

	Close() error
}

// ServerTimestamp marks a field to be resolved to the store's clock at
// the moment a write is applied. Used by armed disconnect merges so
// lastSeen reflects the time of disconnect, not the time of arming.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

var serverTimestampJSON = []byte(`{".sv":"timestamp"}`)

// MarshalJSON encodes the sentinel in its wire form.
func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return serverTimestampJSON, nil
}

// isServerTimestamp reports whether an encoded value is the sentinel.
func isServerTimestamp(raw []byte) bool {
	var v struct {
		SV string `json:".sv"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v.SV == "timestamp"
}

// encodePartial marshals a merge's fields, resolving timestamp
// sentinels against the given clock.
func encodePartial(partial map[string]any, now time.Time) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(partial))
	for k, v := range partial {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("store: encode field %q: %w", k, err)
		}
		if isServerTimestamp(raw) {
			raw, _ = json.Marshal(now.UnixMilli())
		}
		out[k] = raw
	}
	return out, nil
}

// mergeRaw shallow-merges encoded fields into an encoded JSON object.
// A missing or invalid base is treated as empty, so merging into a
// nonexistent record materializes it.
func mergeRaw(base json.RawMessage, fields map[string]json.RawMessage) json.RawMessage {
	obj := make(map[string]json.RawMessage)
	if len(base) > 0 {
		_ = json.Unmarshal(base, &obj)
	}
	for k, v := range fields {
		obj[k] = v
	}
	out, _ := json.Marshal(obj)
	return out
}

// Path is a parsed store path. Only two shapes exist:
// rooms/{code}/messages[/{id}] and rooms/{code}/status[/{clientId}].
type Path struct {
	Room  string
	Kind  string // "messages" or "status"
	Child string // empty for a collection path
}

// IsCollection reports whether the path addresses a whole collection.
func (p Path) IsCollection() bool { return p.Child == "" }

func (p Path) String() string {
	s := "rooms/" + p.Room + "/" + p.Kind
	if p.Child != "" {
		s += "/" + p.Child
	}
	return s
}

// MessagesPath returns the message collection path for a room.
func MessagesPath(room string) string { return "rooms/" + room + "/messages" }

// StatusPath returns the presence record path for a client in a room.
func StatusPath(room, clientID string) string { return "rooms/" + room + "/status/" + clientID }

// ParsePath validates and splits a store path.
func ParsePath(path string) (Path, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != "rooms" {
		return Path{}, fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	if parts[1] == "" {
		return Path{}, fmt.Errorf("%w: empty room code in %q", ErrBadPath, path)
	}
	if parts[2] != "messages" && parts[2] != "status" {
		return Path{}, fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	p := Path{Room: parts[1], Kind: parts[2]}
	if len(parts) == 4 {
		if parts[3] == "" {
			return Path{}, fmt.Errorf("%w: empty child in %q", ErrBadPath, path)
		}
		p.Child = parts[3]
	}
	return p, nil
}
