package screen

import (
	"context"
	"image"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/google/uuid"
)

// DisplayService enumerates the presenter's displays. Implemented by
// the host environment.
type DisplayService interface {
	Displays() ([]protocol.DisplayInfo, error)
}

// ScreenshotService captures one display into a pixel buffer.
// Implemented by the host environment.
type ScreenshotService interface {
	Capture(ctx context.Context, displayID string) (*image.RGBA, error)
}

// FrameSink receives encoded frames together with the viewers that
// should see them. Implementations queue onto the transport and must
// not block the capture loop indefinitely.
type FrameSink interface {
	SendFrame(frame protocol.Frame, viewerIDs []uuid.UUID) error
}

// WatcherSource reports, per display id, which viewers are currently
// watching it. Viewers with no explicit selection count against the
// primary display.
type WatcherSource interface {
	Watchers() map[string][]uuid.UUID
}
