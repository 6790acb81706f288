// Package clipboard syncs clipboard contents between connection
// participants by polling the host clipboard capability and routing
// deduplicated updates.
package clipboard

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is the clipboard poll cadence.
const DefaultPollInterval = time.Second

// Capability is the host clipboard interface. Failures are transient
// (clipboard busy, no data of the requested format) and recovered by
// the next poll.
type Capability interface {
	Text() (string, error)
	SetText(string) error
	Image() ([]byte, error)
	SetImage([]byte) error
	Formats() []string
}

// Sender routes a clipboard update to the other participants.
type Sender interface {
	Send(messageType string, payload []byte) error
}

// Syncer polls the clipboard and sends updates only when content
// actually changed, comparing by hash so large bitmaps are cheap to
// dedupe. Inbound updates are applied back through the capability and
// recorded so they do not echo.
type Syncer struct {
	logger zerolog.Logger
	clip   Capability
	sender Sender

	mu        sync.Mutex
	lastText  [32]byte
	lastImage [32]byte
}

// NewSyncer builds a clipboard syncer.
func NewSyncer(logger zerolog.Logger, clip Capability, sender Sender) *Syncer {
	return &Syncer{
		logger: logger.With().Str("component", "clipboard").Logger(),
		clip:   clip,
		sender: sender,
	}
}

// Run polls until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Syncer) poll() {
	if text, err := s.clip.Text(); err == nil && text != "" {
		sum := sha256.Sum256([]byte(text))
		if s.markText(sum) {
			s.emit(protocol.KeyClipboardText, protocol.ClipboardText{Text: text})
		}
	}
	if img, err := s.clip.Image(); err == nil && len(img) > 0 {
		sum := sha256.Sum256(img)
		if s.markImage(sum) {
			s.emit(protocol.KeyClipboardImage, protocol.ClipboardImage{Data: img})
		}
	}
}

// Apply handles an inbound clipboard update from a peer. The applied
// content is recorded as seen so the next poll does not echo it back.
func (s *Syncer) Apply(messageType string, payload []byte) {
	switch messageType {
	case protocol.KeyClipboardText:
		var msg protocol.ClipboardText
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		s.markText(sha256.Sum256([]byte(msg.Text)))
		if err := s.clip.SetText(msg.Text); err != nil {
			s.logger.Warn().Err(err).Msg("apply clipboard text")
		}
	case protocol.KeyClipboardImage:
		var msg protocol.ClipboardImage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		s.markImage(sha256.Sum256(msg.Data))
		if err := s.clip.SetImage(msg.Data); err != nil {
			s.logger.Warn().Err(err).Msg("apply clipboard image")
		}
	}
}

func (s *Syncer) markText(sum [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastText == sum {
		return false
	}
	s.lastText = sum
	return true
}

func (s *Syncer) markImage(sum [32]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastImage == sum {
		return false
	}
	s.lastImage = sum
	return true
}

func (s *Syncer) emit(messageType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.sender.Send(messageType, data); err != nil {
		s.logger.Warn().Err(err).Str("messageType", messageType).Msg("send clipboard update")
	}
}
