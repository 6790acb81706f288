package screen

import (
	"image"
	"testing"
)

// newBuf returns a solid RGBA buffer for the given geometry.
func newBuf(width, height int, val byte) []byte {
	buf := make([]byte, width*height*bytesPerPixel)
	for i := range buf {
		buf[i] = val
	}
	return buf
}

func setPixel(buf []byte, x, y, stride int, val byte) {
	off := y*stride + x*bytesPerPixel
	buf[off], buf[off+1], buf[off+2] = val, val, val
}

func TestDetectChangesIdentical(t *testing.T) {
	const w, h = 128, 128
	a := newBuf(w, h, 10)
	b := newBuf(w, h, 10)

	regions, keyframe := DetectChanges(a, b, w, h, w*bytesPerPixel, DiffOptions{})
	if keyframe {
		t.Fatal("identical buffers requested a keyframe")
	}
	if regions == nil {
		t.Fatal("regions nil, want empty non-nil")
	}
	if len(regions) != 0 {
		t.Fatalf("regions = %v, want none", regions)
	}
}

func TestDetectChangesSinglePixel(t *testing.T) {
	const w, h = 128, 128
	stride := w * bytesPerPixel
	prev := newBuf(w, h, 10)
	cur := newBuf(w, h, 10)
	setPixel(cur, 40, 40, stride, 200)

	regions, keyframe := DetectChanges(cur, prev, w, h, stride, DiffOptions{})
	if keyframe {
		t.Fatal("single pixel change requested a keyframe")
	}
	want := image.Rect(32, 32, 64, 64)
	if len(regions) != 1 || regions[0] != want {
		t.Fatalf("regions = %v, want [%v]", regions, want)
	}
}

func TestDetectChangesClampsPartialBlocks(t *testing.T) {
	// 100 px is not a multiple of the 32 px block; the edge blocks must
	// be clamped to the frame, never extended past it.
	const w, h = 100, 100
	stride := w * bytesPerPixel
	prev := newBuf(w, h, 10)
	cur := newBuf(w, h, 10)
	setPixel(cur, 99, 99, stride, 200)

	regions, keyframe := DetectChanges(cur, prev, w, h, stride, DiffOptions{})
	if keyframe {
		t.Fatal("unexpected keyframe")
	}
	want := image.Rect(96, 96, 100, 100)
	if len(regions) != 1 || regions[0] != want {
		t.Fatalf("regions = %v, want [%v]", regions, want)
	}
}

func TestDetectChangesMergesAdjacentBlocks(t *testing.T) {
	const w, h = 128, 128
	stride := w * bytesPerPixel
	prev := newBuf(w, h, 10)
	cur := newBuf(w, h, 10)
	// Two horizontally adjacent blocks in the top row.
	setPixel(cur, 10, 10, stride, 200)
	setPixel(cur, 42, 10, stride, 200)

	regions, _ := DetectChanges(cur, prev, w, h, stride, DiffOptions{})
	want := image.Rect(0, 0, 64, 32)
	if len(regions) != 1 || regions[0] != want {
		t.Fatalf("regions = %v, want merged [%v]", regions, want)
	}
}

func TestDetectChangesDiagonalBlocksStaySeparate(t *testing.T) {
	const w, h = 128, 128
	stride := w * bytesPerPixel
	prev := newBuf(w, h, 10)
	cur := newBuf(w, h, 10)
	setPixel(cur, 10, 10, stride, 200)  // block (0,0)
	setPixel(cur, 40, 40, stride, 200)  // block (1,1)

	regions, _ := DetectChanges(cur, prev, w, h, stride, DiffOptions{})
	if len(regions) != 2 {
		t.Fatalf("regions = %v, want two separate rectangles", regions)
	}
}

func TestDetectChangesKeyframeThreshold(t *testing.T) {
	const w, h = 128, 128
	prev := newBuf(w, h, 10)
	cur := newBuf(w, h, 200) // every block changed

	regions, keyframe := DetectChanges(cur, prev, w, h, w*bytesPerPixel, DiffOptions{})
	if !keyframe {
		t.Fatal("full-frame change did not request a keyframe")
	}
	if regions != nil {
		t.Fatalf("regions = %v, want nil with keyframe", regions)
	}
}

func TestDetectChangesCustomThreshold(t *testing.T) {
	const w, h = 128, 128
	stride := w * bytesPerPixel
	prev := newBuf(w, h, 10)
	cur := newBuf(w, h, 10)
	// Change 2 of 16 blocks: 12.5%, above a 10% threshold.
	setPixel(cur, 0, 0, stride, 200)
	setPixel(cur, 0, 127, stride, 200)

	_, keyframe := DetectChanges(cur, prev, w, h, stride, DiffOptions{KeyframeThreshold: 0.1})
	if !keyframe {
		t.Fatal("changes above the custom threshold did not request a keyframe")
	}
}
