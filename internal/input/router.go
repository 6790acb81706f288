// Package input routes viewer input events into the presenter's
// injection capability and tracks which display each viewer watches.
package input

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/avaropoint/relay/internal/screen"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnknownDisplay is returned when a viewer selects a display that is
// not currently attached.
var ErrUnknownDisplay = errors.New("unknown display")

// InjectionService is the host capability that performs input
// injection. Coordinates are normalized to [0,1] within the target
// display.
type InjectionService interface {
	MouseMove(displayID string, x, y float64) error
	MouseButton(displayID string, x, y float64, button int, down bool) error
	MouseWheel(displayID string, x, y float64, deltaY int) error
	Key(key string, code int, down bool) error
	SendSecureAttention() error
	ReleaseAllKeys() error
}

// ActivityMonitor reports recent local (physical) input on the
// presenter, used to temporarily suppress remote input so the remote
// user never fights the local one.
type ActivityMonitor interface {
	RecentLocalActivity() bool
}

// Router holds per-viewer display selections and dispatches input.
// Viewers without a selection watch the primary display.
type Router struct {
	logger   zerolog.Logger
	displays screen.DisplayService
	inject   InjectionService
	monitor  ActivityMonitor

	// forceKeyframe is invoked after every display switch so the viewer
	// never sits on a stale or black frame.
	forceKeyframe func(displayID string)

	mu         sync.Mutex
	viewers    map[uuid.UUID]struct{}
	selections map[uuid.UUID]string
	blocked    map[uuid.UUID]struct{}
}

// NewRouter wires the router. monitor may be nil (no suppression);
// forceKeyframe may be nil.
func NewRouter(logger zerolog.Logger, displays screen.DisplayService, inject InjectionService, monitor ActivityMonitor, forceKeyframe func(displayID string)) *Router {
	if forceKeyframe == nil {
		forceKeyframe = func(string) {}
	}
	return &Router{
		logger:        logger.With().Str("component", "input").Logger(),
		displays:      displays,
		inject:        inject,
		monitor:       monitor,
		forceKeyframe: forceKeyframe,
		viewers:       make(map[uuid.UUID]struct{}),
		selections:    make(map[uuid.UUID]string),
		blocked:       make(map[uuid.UUID]struct{}),
	}
}

// SetViewers replaces the current viewer set. Selections of departed
// viewers are dropped, and held keys are released so a disconnecting
// viewer can never leave a modifier stuck down.
func (r *Router) SetViewers(ids []uuid.UUID) {
	next := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	r.mu.Lock()
	var departed bool
	for id := range r.viewers {
		if _, ok := next[id]; !ok {
			delete(r.selections, id)
			departed = true
		}
	}
	r.viewers = next
	r.mu.Unlock()

	if departed {
		if err := r.inject.ReleaseAllKeys(); err != nil {
			r.logger.Warn().Err(err).Msg("release keys on viewer departure")
		}
	}
}

// SetBlocked replaces the set of viewers whose input is ignored.
func (r *Router) SetBlocked(ids []uuid.UUID) {
	blocked := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		blocked[id] = struct{}{}
	}
	r.mu.Lock()
	r.blocked = blocked
	r.mu.Unlock()
}

// Blocked returns the current blocked viewer ids.
func (r *Router) Blocked() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, 0, len(r.blocked))
	for id := range r.blocked {
		out = append(out, id)
	}
	return out
}

// SelectedDisplay returns the display a viewer watches, defaulting to
// the primary display.
func (r *Router) SelectedDisplay(viewerID uuid.UUID) string {
	r.mu.Lock()
	id, ok := r.selections[viewerID]
	r.mu.Unlock()
	if ok {
		return id
	}
	return r.primaryDisplay()
}

// CycleDisplay advances a viewer to the next display in enumeration
// order, wrapping around, and forces a keyframe on the new display.
func (r *Router) CycleDisplay(viewerID uuid.UUID) (string, error) {
	displays, err := r.displays.Displays()
	if err != nil {
		return "", err
	}
	if len(displays) == 0 {
		return "", ErrUnknownDisplay
	}

	current := r.SelectedDisplay(viewerID)
	next := displays[0].ID
	for i, d := range displays {
		if d.ID == current {
			next = displays[(i+1)%len(displays)].ID
			break
		}
	}

	r.setSelection(viewerID, next)
	return next, nil
}

// SelectDisplay pins a viewer to a specific display, validating it
// exists, and forces a keyframe there.
func (r *Router) SelectDisplay(viewerID uuid.UUID, displayID string) error {
	displays, err := r.displays.Displays()
	if err != nil {
		return err
	}
	for _, d := range displays {
		if d.ID == displayID {
			r.setSelection(viewerID, displayID)
			return nil
		}
	}
	return ErrUnknownDisplay
}

// Watchers groups the current viewers by watched display. This is the
// fan-out map consumed by the capture orchestrator.
func (r *Router) Watchers() map[string][]uuid.UUID {
	primary := r.primaryDisplay()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]uuid.UUID)
	for id := range r.viewers {
		display, ok := r.selections[id]
		if !ok {
			display = primary
		}
		if display == "" {
			continue
		}
		out[display] = append(out[display], id)
	}
	return out
}

// HandleMessage dispatches one routed input or display-selection
// message from a viewer. Unknown types are logged and ignored.
func (r *Router) HandleMessage(viewerID uuid.UUID, messageType string, payload []byte) {
	switch messageType {
	case protocol.KeyDisplayCycle:
		if _, err := r.CycleDisplay(viewerID); err != nil {
			r.logger.Warn().Err(err).Msg("cycle display")
		}
		return
	case protocol.KeyDisplaySwitch:
		var sel protocol.DisplaySelect
		if err := json.Unmarshal(payload, &sel); err != nil {
			return
		}
		if err := r.SelectDisplay(viewerID, sel.DisplayID); err != nil {
			r.logger.Warn().Err(err).Str("display", sel.DisplayID).Msg("select display")
		}
		return
	}

	if r.suppressed(viewerID) {
		return
	}
	display := r.SelectedDisplay(viewerID)

	var err error
	switch messageType {
	case protocol.KeyInputMouseMove:
		var ev protocol.MouseEvent
		if json.Unmarshal(payload, &ev) == nil {
			err = r.inject.MouseMove(display, ev.X, ev.Y)
		}
	case protocol.KeyInputMouseDown:
		var ev protocol.MouseEvent
		if json.Unmarshal(payload, &ev) == nil {
			err = r.inject.MouseButton(display, ev.X, ev.Y, ev.Button, true)
		}
	case protocol.KeyInputMouseUp:
		var ev protocol.MouseEvent
		if json.Unmarshal(payload, &ev) == nil {
			err = r.inject.MouseButton(display, ev.X, ev.Y, ev.Button, false)
		}
	case protocol.KeyInputMouseWheel:
		var ev protocol.MouseEvent
		if json.Unmarshal(payload, &ev) == nil {
			err = r.inject.MouseWheel(display, ev.X, ev.Y, ev.DeltaY)
		}
	case protocol.KeyInputKeyDown:
		var ev protocol.KeyEvent
		if json.Unmarshal(payload, &ev) == nil {
			err = r.inject.Key(ev.Key, ev.Code, true)
		}
	case protocol.KeyInputKeyUp:
		var ev protocol.KeyEvent
		if json.Unmarshal(payload, &ev) == nil {
			err = r.inject.Key(ev.Key, ev.Code, false)
		}
	case protocol.KeyInputSAS:
		err = r.inject.SendSecureAttention()
	default:
		r.logger.Debug().Str("messageType", messageType).Msg("unknown input message ignored")
		return
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("messageType", messageType).Msg("input injection failed")
	}
}

// suppressed reports whether input from a viewer must be dropped:
// either the viewer is on the block list, or the local user is active.
func (r *Router) suppressed(viewerID uuid.UUID) bool {
	r.mu.Lock()
	_, blocked := r.blocked[viewerID]
	r.mu.Unlock()
	if blocked {
		r.logger.Debug().Str("viewer", viewerID.String()).Msg("input dropped, viewer blocked")
		return true
	}
	if r.monitor != nil && r.monitor.RecentLocalActivity() {
		r.logger.Debug().Msg("input dropped, local user active")
		return true
	}
	return false
}

func (r *Router) setSelection(viewerID uuid.UUID, displayID string) {
	r.mu.Lock()
	r.selections[viewerID] = displayID
	r.mu.Unlock()
	r.forceKeyframe(displayID)
}

func (r *Router) primaryDisplay() string {
	displays, err := r.displays.Displays()
	if err != nil || len(displays) == 0 {
		return ""
	}
	for _, d := range displays {
		if d.IsPrimary {
			return d.ID
		}
	}
	return displays[0].ID
}
