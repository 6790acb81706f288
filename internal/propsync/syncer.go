// Package propsync keeps a connection's shared properties eventually
// consistent: it periodically recomputes the presenter-side snapshot
// and pushes it only when it differs from the last value actually sent.
package propsync

import (
	"context"
	"sync"
	"time"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/rs/zerolog"
)

// DefaultInterval is the periodic recompute cadence. Missed ticks are
// harmless; the next tick converges.
const DefaultInterval = 3 * time.Second

// Source recomputes the current properties snapshot (available
// displays, secure-attention capability, block list).
type Source interface {
	CurrentProperties() (protocol.ConnectionProperties, error)
}

// Pusher sends an accepted snapshot over the wire.
type Pusher interface {
	PushProperties(protocol.ConnectionProperties) error
}

// Syncer drives the periodic diff-and-push loop.
type Syncer struct {
	logger   zerolog.Logger
	source   Source
	push     Pusher
	interval time.Duration

	mu       sync.Mutex
	lastSent *protocol.ConnectionProperties
}

// NewSyncer builds a syncer. interval ≤ 0 takes DefaultInterval.
func NewSyncer(logger zerolog.Logger, source Source, push Pusher, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Syncer{
		logger:   logger.With().Str("component", "propsync").Logger(),
		source:   source,
		push:     push,
		interval: interval,
	}
}

// Run pushes on a timer until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncNow(); err != nil {
				s.logger.Warn().Err(err).Msg("properties sync failed")
			}
		}
	}
}

// SyncNow recomputes the snapshot and pushes it if it changed since the
// last successful push. Returns nil when nothing needed sending.
func (s *Syncer) SyncNow() error {
	props, err := s.source.CurrentProperties()
	if err != nil {
		return err
	}

	s.mu.Lock()
	unchanged := s.lastSent != nil && s.lastSent.Equal(props)
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := s.push.PushProperties(props); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSent = &props
	s.mu.Unlock()

	s.logger.Debug().Int("displays", len(props.AvailableDisplays)).Msg("properties pushed")
	return nil
}

// Invalidate forgets the last-sent value so the next SyncNow pushes
// unconditionally (used after reconnects).
func (s *Syncer) Invalidate() {
	s.mu.Lock()
	s.lastSent = nil
	s.mu.Unlock()
}
