package models

// Message represents a chat message stored under a room's message
// collection. The ID is the store-generated child key (a ULID) and is
// not part of the persisted value.
type Message struct {
	ID        string `json:"-"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`         // Unix ms
	Sender    string `json:"sender"`            // Client UUID
	ReplyTo   string `json:"replyTo,omitempty"` // For threading
}
