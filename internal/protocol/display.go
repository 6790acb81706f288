package protocol

import "github.com/google/uuid"

// Bounds is a display rectangle in virtual-desktop coordinates.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DisplayInfo describes a single display attached to the presenter.
type DisplayInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrimary bool   `json:"is_primary"`
	Bounds    Bounds `json:"bounds"`
}

// ConnectionProperties is the shared mutable state of one connection,
// written by the presenter and read by every participant.
type ConnectionProperties struct {
	CanSendSecureAttentionSequence bool          `json:"can_send_sas"`
	InputBlockedViewerIDs          []uuid.UUID   `json:"input_blocked_viewer_ids,omitempty"`
	AvailableDisplays              []DisplayInfo `json:"available_displays,omitempty"`
}

// Equal compares two property snapshots by value. Blocked-viewer order is
// not significant; display order is (it follows the stable enumeration
// order used for cycling).
func (p ConnectionProperties) Equal(o ConnectionProperties) bool {
	if p.CanSendSecureAttentionSequence != o.CanSendSecureAttentionSequence {
		return false
	}
	if len(p.InputBlockedViewerIDs) != len(o.InputBlockedViewerIDs) {
		return false
	}
	blocked := make(map[uuid.UUID]struct{}, len(p.InputBlockedViewerIDs))
	for _, id := range p.InputBlockedViewerIDs {
		blocked[id] = struct{}{}
	}
	for _, id := range o.InputBlockedViewerIDs {
		if _, ok := blocked[id]; !ok {
			return false
		}
	}
	if len(p.AvailableDisplays) != len(o.AvailableDisplays) {
		return false
	}
	for i, d := range p.AvailableDisplays {
		if d != o.AvailableDisplays[i] {
			return false
		}
	}
	return true
}

// DisplaySelect asks the presenter to switch the sending viewer to a
// specific display.
type DisplaySelect struct {
	DisplayID string `json:"display_id"`
}
