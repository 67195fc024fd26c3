package store

import "encoding/json"

// Wire operations understood by the store server. One WebSocket frame
// carries one request, reply, or subscription push.
const (
	OpWrite  = "write"
	OpMerge  = "merge"
	OpAppend = "append"
	OpDelete = "delete"
	OpRead   = "read"
	OpSub    = "sub"
	OpUnsub  = "unsub"
	OpArmDC  = "armdc" // arm a disconnect merge
)

// EventChange tags server pushes for an active subscription.
const EventChange = "change"

// Frame is the single message shape on the wire. Requests set Seq, Op,
// Path and optionally Value; replies echo Seq and set OK/Key/Snap or
// Error; subscription pushes set Event, Sub and Snap. A subscription is
// identified by the Seq of the frame that opened it.
type Frame struct {
	Seq   int64           `json:"seq,omitempty"`
	Op    string          `json:"op,omitempty"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Sub   int64           `json:"sub,omitempty"`

	OK    bool     `json:"ok,omitempty"`
	Key   string   `json:"key,omitempty"`
	Snap  Snapshot `json:"snap,omitempty"`
	Error string   `json:"error,omitempty"`
	Event string   `json:"event,omitempty"`
}
