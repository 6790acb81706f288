package protocol

// MouseEvent is a routed pointer event. Coordinates are normalized to
// [0,1] relative to the selected display so presenter and viewer never
// need to agree on resolution.
type MouseEvent struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Button int     `json:"button,omitempty"`
	DeltaY int     `json:"delta_y,omitempty"`
}

// KeyEvent is a routed keyboard event.
type KeyEvent struct {
	Key  string `json:"key"`
	Code int    `json:"code,omitempty"`
}
