package models

// PresenceRecord is a participant's state within one room, keyed by
// client ID under the room's status collection. There is exactly one
// record per (room, client) pair; rejoining overwrites it.
type PresenceRecord struct {
	Online   bool  `json:"online"`
	Typing   bool  `json:"typing"`
	LastSeen int64 `json:"lastSeen,omitempty"` // Unix ms, absent until first leave
}
