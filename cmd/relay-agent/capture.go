package main

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/avaropoint/relay/internal/protocol"
)

const (
	testPatternWidth  = 800
	testPatternHeight = 600
)

// testPatternScreen is the built-in capture backend: a single synthetic
// display rendering an animated test pattern. Platform capture backends
// plug in by satisfying the same screen.DisplayService and
// screen.ScreenshotService interfaces.
type testPatternScreen struct {
	mu  sync.Mutex
	img *image.RGBA
}

func newTestPatternScreen() *testPatternScreen {
	return &testPatternScreen{
		img: image.NewRGBA(image.Rect(0, 0, testPatternWidth, testPatternHeight)),
	}
}

func (t *testPatternScreen) Displays() ([]protocol.DisplayInfo, error) {
	return []protocol.DisplayInfo{
		{
			ID:        "display-1",
			Name:      "Test Pattern",
			IsPrimary: true,
			Bounds:    protocol.Bounds{Width: testPatternWidth, Height: testPatternHeight},
		},
	}, nil
}

func (t *testPatternScreen) Capture(ctx context.Context, displayID string) (*image.RGBA, error) {
	if displayID != "display-1" {
		return nil, fmt.Errorf("no such display: %s", displayID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.render()

	// The capture loop keeps its own previous-frame copy, so handing out
	// a fresh image each call keeps diffing correct.
	out := image.NewRGBA(t.img.Rect)
	copy(out.Pix, t.img.Pix)
	return out, nil
}

// render redraws the pattern: gradient background, grid lines, and a
// dot that sweeps the width once a minute so deltas are exercised.
func (t *testPatternScreen) render() {
	const width, height = testPatternWidth, testPatternHeight
	pix := t.img.Pix
	stride := t.img.Stride

	for y := 0; y < height; y++ {
		g := uint8(50 + (y * 100 / height))
		off := y * stride
		for x := 0; x < width; x++ {
			i := off + x*4
			pix[i+0] = uint8(50 + (x * 100 / width))
			pix[i+1] = g
			pix[i+2] = 100
			pix[i+3] = 255
		}
	}

	for x := 0; x < width; x += 50 {
		for y := 0; y < height; y++ {
			i := y*stride + x*4
			pix[i], pix[i+1], pix[i+2], pix[i+3] = 255, 255, 255, 100
		}
	}
	for y := 0; y < height; y += 50 {
		off := y * stride
		for x := 0; x < width; x++ {
			i := off + x*4
			pix[i], pix[i+1], pix[i+2], pix[i+3] = 255, 255, 255, 100
		}
	}

	sec := time.Now().Second()
	cx := (sec * width) / 60
	for dy := -5; dy <= 5; dy++ {
		for dx := -5; dx <= 5; dx++ {
			if dx*dx+dy*dy > 25 {
				continue
			}
			px, py := cx+dx, height/2+dy
			if px >= 0 && px < width && py >= 0 && py < height {
				i := py*stride + px*4
				pix[i], pix[i+1], pix[i+2], pix[i+3] = 255, 100, 100, 255
			}
		}
	}
}
