package screen

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/avaropoint/relay/internal/protocol"
)

// Canvas is the viewer-side composition target. Regions are painted in
// arrival order; frame numbers are recorded but never reordered, so a
// late frame may paint stale pixels but can never corrupt the canvas
// (all blits are clamped to its bounds).
//
// Canvas is single-writer: one Apply call at a time.
type Canvas struct {
	img         *image.RGBA
	frameNumber uint64
}

// ApplyKeyframe (re)establishes the canvas baseline. The destination
// buffer is reallocated when dimensions change, then every region
// (normally exactly one, covering the full frame) is decoded and blitted.
func (c *Canvas) ApplyKeyframe(regions []protocol.FrameRegion, width, height int, frameNumber uint64) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid canvas size %dx%d", width, height)
	}
	if c.img == nil || c.img.Rect.Dx() != width || c.img.Rect.Dy() != height {
		c.img = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	for _, region := range regions {
		if err := c.blit(region); err != nil {
			return err
		}
	}
	c.frameNumber = frameNumber
	return nil
}

// ApplyDeltaRegions paints changed sub-rectangles onto an existing
// canvas. Without a prior keyframe there is nothing to paint onto and
// the call is a no-op: a receiver must never composite deltas against
// an unestablished baseline.
func (c *Canvas) ApplyDeltaRegions(regions []protocol.FrameRegion, frameNumber uint64) error {
	if c.img == nil {
		return nil
	}
	for _, region := range regions {
		if err := c.blit(region); err != nil {
			return err
		}
	}
	c.frameNumber = frameNumber
	return nil
}

// Image returns the composition target. Callers must not retain it
// across Apply calls; the canvas is single-writer and the buffer is
// reused between frames.
func (c *Canvas) Image() *image.RGBA { return c.img }

// FrameNumber reports the number of the last applied frame, zero before
// any keyframe.
func (c *Canvas) FrameNumber() uint64 { return c.frameNumber }

// Established reports whether a keyframe has allocated the canvas.
func (c *Canvas) Established() bool { return c.img != nil }

// blit decodes one region and copies it row by row at its declared
// offset, clamped to the canvas bounds.
func (c *Canvas) blit(region protocol.FrameRegion) error {
	decoded, err := jpeg.Decode(bytes.NewReader(region.Data))
	if err != nil {
		return fmt.Errorf("decode region: %w", err)
	}
	src := toRGBA(decoded)

	bounds := c.img.Rect
	srcW := src.Rect.Dx()
	srcH := src.Rect.Dy()

	for row := 0; row < srcH; row++ {
		dstY := region.Y + row
		if dstY < 0 || dstY >= bounds.Dy() {
			continue
		}
		dstX := region.X
		width := srcW
		srcX := 0
		if dstX < 0 {
			srcX = -dstX
			width += dstX
			dstX = 0
		}
		if dstX+width > bounds.Dx() {
			width = bounds.Dx() - dstX
		}
		if width <= 0 {
			continue
		}
		dstOff := c.img.PixOffset(dstX, dstY)
		srcOff := src.PixOffset(src.Rect.Min.X+srcX, src.Rect.Min.Y+row)
		copy(c.img.Pix[dstOff:dstOff+width*bytesPerPixel], src.Pix[srcOff:srcOff+width*bytesPerPixel])
	}
	return nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Rect, img, img.Bounds().Min, draw.Src)
	return out
}
