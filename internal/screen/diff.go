// Package screen implements the frame delta pipeline: block-level change
// detection on the presenter side, canvas composition on the viewer
// side, and the per-display capture orchestrator between them.
package screen

import (
	"bytes"
	"image"
)

const (
	// DefaultBlockSize is the side length of the square comparison blocks.
	DefaultBlockSize = 32

	// DefaultKeyframeThreshold is the fraction of changed blocks above
	// which delta encoding is abandoned in favour of a full keyframe.
	DefaultKeyframeThreshold = 0.8

	bytesPerPixel = 4
)

// DiffOptions tunes change detection. Both knobs default to the values
// above when zero.
type DiffOptions struct {
	BlockSize         int
	KeyframeThreshold float64
}

func (o DiffOptions) withDefaults() DiffOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.KeyframeThreshold <= 0 {
		o.KeyframeThreshold = DefaultKeyframeThreshold
	}
	return o
}

// DetectChanges compares two RGBA buffers of identical geometry and
// returns the changed regions, merged so adjacent changed blocks share
// a rectangle. keyframe is true when more than the threshold fraction
// of blocks changed (regions is nil in that case and the caller should
// send a full keyframe instead). An empty, non-nil region list means
// nothing changed and nothing needs sending.
func DetectChanges(current, previous []byte, width, height, stride int, opts DiffOptions) (regions []image.Rectangle, keyframe bool) {
	opts = opts.withDefaults()
	block := opts.BlockSize

	blocksX := (width + block - 1) / block
	blocksY := (height + block - 1) / block
	totalBlocks := blocksX * blocksY
	limit := int(float64(totalBlocks) * opts.KeyframeThreshold)

	changed := make([]bool, totalBlocks)
	changedCount := 0

	for by := 0; by < blocksY; by++ {
		yEnd := min((by+1)*block, height)
		for bx := 0; bx < blocksX; bx++ {
			xStart := bx * block * bytesPerPixel
			xEnd := min((bx+1)*block, width) * bytesPerPixel

			for y := by * block; y < yEnd; y++ {
				row := y * stride
				if !bytes.Equal(current[row+xStart:row+xEnd], previous[row+xStart:row+xEnd]) {
					changed[by*blocksX+bx] = true
					changedCount++
					break
				}
			}
			if changedCount > limit {
				// Too much of the screen moved; deltas would cost more
				// than a keyframe.
				return nil, true
			}
		}
	}

	rects := make([]image.Rectangle, 0, changedCount)
	for by := 0; by < blocksY; by++ {
		for bx := 0; bx < blocksX; bx++ {
			if changed[by*blocksX+bx] {
				rects = append(rects, image.Rect(bx, by, bx+1, by+1))
			}
		}
	}

	rects = mergeAdjacent(rects)

	// Scale block coordinates back to pixels, clamped to the frame.
	for i, rc := range rects {
		rects[i] = image.Rect(
			rc.Min.X*block, rc.Min.Y*block,
			min(rc.Max.X*block, width), min(rc.Max.Y*block, height),
		)
	}
	return rects, false
}

// mergeAdjacent repeatedly merges rectangles sharing a full edge (same
// rows and touching columns, or same columns and touching rows) until
// no further merge applies. Input and output are block coordinates.
func mergeAdjacent(rects []image.Rectangle) []image.Rectangle {
	for {
		merged := false
	scan:
		for i := 0; i < len(rects); i++ {
			for j := i + 1; j < len(rects); j++ {
				if !mergeable(rects[i], rects[j]) {
					continue
				}
				rects[i] = rects[i].Union(rects[j])
				rects = append(rects[:j], rects[j+1:]...)
				merged = true
				break scan
			}
		}
		if !merged {
			return rects
		}
	}
}

func mergeable(a, b image.Rectangle) bool {
	sameRows := a.Min.Y == b.Min.Y && a.Max.Y == b.Max.Y
	sameCols := a.Min.X == b.Min.X && a.Max.X == b.Max.X
	touchX := a.Max.X == b.Min.X || b.Max.X == a.Min.X
	touchY := a.Max.Y == b.Min.Y || b.Max.Y == a.Min.Y
	return (sameRows && touchX) || (sameCols && touchY)
}
