package client

import (
	"sort"

	"github.com/saurabh81106/onceview/internal/models"
)

// Participant is one roster row derived from a presence record.
type Participant struct {
	ID       string
	You      bool
	Online   bool
	Typing   bool
	LastSeen int64
}

// Roster applies the presentation policy to the observed presence map:
// yourself first, then everyone online, then the single most recently
// seen offline participant. Typing only shows for online others; a
// stale typing flag on an offline record means nothing.
func (s *Session) Roster() []Participant {
	s.mu.Lock()
	presence := make(map[string]models.PresenceRecord, len(s.presence))
	for id, rec := range s.presence {
		presence[id] = rec
	}
	self := s.clientID
	s.mu.Unlock()

	var roster []Participant
	var lastOffline *Participant

	for id, rec := range presence {
		p := Participant{
			ID:       id,
			You:      id == self,
			Online:   rec.Online,
			Typing:   rec.Online && rec.Typing && id != self,
			LastSeen: rec.LastSeen,
		}
		switch {
		case p.You, p.Online:
			roster = append(roster, p)
		default:
			if lastOffline == nil || p.LastSeen > lastOffline.LastSeen {
				q := p
				lastOffline = &q
			}
		}
	}

	sort.Slice(roster, func(i, j int) bool {
		if roster[i].You != roster[j].You {
			return roster[i].You
		}
		return roster[i].ID < roster[j].ID
	})
	if lastOffline != nil {
		roster = append(roster, *lastOffline)
	}
	return roster
}
