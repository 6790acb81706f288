package protocol

// Codec identifies the per-region image encoding of a frame.
const CodecJPEG = "jpeg"

// FrameRegion is one rectangular patch of a display: either the whole
// frame (keyframe) or a changed sub-rectangle (delta). Data holds the
// independently encoded image bytes for exactly this rectangle.
type FrameRegion struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"`
}

// Frame is one captured update for a display. FrameNumber is monotonic
// per pipeline and used only for staleness checks; there is no reorder
// buffer, last write wins on the canvas.
type Frame struct {
	DisplayID   string        `json:"display_id"`
	FrameNumber uint64        `json:"frame_number"`
	Keyframe    bool          `json:"keyframe"`
	Codec       string        `json:"codec"`
	Regions     []FrameRegion `json:"regions"`
}
