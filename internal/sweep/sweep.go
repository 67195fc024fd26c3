// Package sweep implements the out-of-band retention pass: a periodic
// scan over every room deleting messages past the age cutoff. It is the
// durability backstop for rooms with no connected clients to trigger
// inline pruning.
package sweep

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/saurabh81106/onceview/internal/metrics"
	"github.com/saurabh81106/onceview/internal/models"
	"github.com/saurabh81106/onceview/internal/store"
)

// Sweeper removes messages older than MaxAge from every room.
type Sweeper struct {
	Backend store.Backend
	Log     zerolog.Logger
	MaxAge  time.Duration

	now func() time.Time
}

// New creates a sweeper with the given age cutoff.
func New(backend store.Backend, logger zerolog.Logger, maxAge time.Duration) *Sweeper {
	return &Sweeper{Backend: backend, Log: logger, MaxAge: maxAge, now: time.Now}
}

// Run performs one full sweep. It is idempotent and safe to run
// concurrently with live traffic: each delete targets one message by
// id, and messages appended mid-sweep are never older than the cutoff.
func (s *Sweeper) Run(ctx context.Context) error {
	start := s.clock()()
	cutoff := start.Add(-s.MaxAge).UnixMilli()

	rooms, err := s.Backend.Rooms(ctx)
	if err != nil {
		return err
	}

	deleted := 0
	for _, room := range rooms {
		n, err := s.sweepRoom(ctx, room, cutoff)
		if err != nil {
			s.Log.Warn().Err(err).Str("room", room).Msg("room sweep failed")
			continue
		}
		deleted += n
	}

	metrics.SweepRuns.Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())

	s.Log.Info().
		Int("rooms", len(rooms)).
		Int("deleted", deleted).
		Dur("took", time.Since(start)).
		Msg("retention sweep completed")
	return nil
}

func (s *Sweeper) sweepRoom(ctx context.Context, room string, cutoff int64) (int, error) {
	path := store.MessagesPath(room)
	snap, err := s.Backend.ReadOnce(ctx, path)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for id, raw := range snap {
		var m models.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			// Undecodable entries are left alone rather than guessed at.
			continue
		}
		if m.Timestamp >= cutoff {
			continue
		}
		if err := s.Backend.Delete(ctx, path+"/"+id); err != nil {
			s.Log.Warn().Err(err).Str("room", room).Str("id", id).Msg("sweep delete failed")
			continue
		}
		metrics.MessagesPruned.WithLabelValues("sweep").Inc()
		deleted++
	}
	return deleted, nil
}

func (s *Sweeper) clock() func() time.Time {
	if s.now != nil {
		return s.now
	}
	return time.Now
}
