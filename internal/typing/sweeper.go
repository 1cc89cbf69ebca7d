// Package typing keeps per-room typing indicators and clears the ones that
// went stale because a client stopped updating them.
package typing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-notify/internal/metrics"
)

// DefaultFreshness is how long a typing indicator stays valid without a
// refresh.
const DefaultFreshness = 10 * time.Second

// RoomStore is the room state the sweeper works against.
type RoomStore interface {
	Load(ctx context.Context, roomID string) (State, int, error)
	Clear(ctx context.Context, roomID string, stale State) (int, error)
	Rooms(ctx context.Context) ([]string, error)
	Forget(ctx context.Context, roomID string) error
}

// Sweeper clears stale typing indicators. Sweeps of different rooms may run
// concurrently, and repeating a sweep for the same room is harmless.
type Sweeper struct {
	store     RoomStore
	threshold time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. A non-positive threshold selects
// DefaultFreshness.
func NewSweeper(store RoomStore, threshold time.Duration, log zerolog.Logger) *Sweeper {
	if threshold <= 0 {
		threshold = DefaultFreshness
	}
	return &Sweeper{
		store:     store,
		threshold: threshold,
		log:       log.With().Str("comp", "typing").Logger(),
		now:       time.Now,
	}
}

// Stale returns the entries of state that are typing and older than
// threshold at now.
func Stale(state State, now time.Time, threshold time.Duration) State {
	var stale State
	for userID, e := range state {
		if !e.IsTyping {
			continue
		}
		if now.Sub(e.Since) > threshold {
			if stale == nil {
				stale = make(State)
			}
			stale[userID] = e
		}
	}
	return stale
}

// Sweep clears stale entries of one room and returns how many were cleared.
// No write happens when nothing qualifies.
func (s *Sweeper) Sweep(ctx context.Context, roomID string) (int, error) {
	state, bad, err := s.store.Load(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return s.sweepLoaded(ctx, roomID, state, bad)
}

// sweepLoaded clears the stale entries of an already loaded room state.
func (s *Sweeper) sweepLoaded(ctx context.Context, roomID string, state State, bad int) (int, error) {
	if bad > 0 {
		s.log.Warn().Str("room_id", roomID).Int("entries", bad).Msg("skipped malformed typing entries")
	}

	stale := Stale(state, s.now(), s.threshold)
	if len(stale) == 0 {
		return 0, nil
	}

	cleared, err := s.store.Clear(ctx, roomID, stale)
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		metrics.TypingCleared.Add(float64(cleared))
		s.log.Debug().Str("room_id", roomID).Int("cleared", cleared).Msg("cleared stale typing")
	}
	return cleared, nil
}

// SweepAll sweeps every indexed room. Rooms without state are dropped from
// the index. A failing room does not stop the pass; errors are joined and
// returned once every room was visited.
func (s *Sweeper) SweepAll(ctx context.Context) (int, error) {
	rooms, err := s.store.Rooms(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	var errs []error
	for _, roomID := range rooms {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		state, bad, err := s.store.Load(ctx, roomID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(state) == 0 && bad == 0 {
			if err := s.store.Forget(ctx, roomID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		n, err := s.sweepLoaded(ctx, roomID, state, bad)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}

	if total > 0 {
		s.log.Info().Int("rooms", len(rooms)).Int("cleared", total).Msg("sweep pass finished")
	}
	return total, errors.Join(errs...)
}
