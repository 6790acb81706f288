package screen

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeShots struct {
	mu       sync.Mutex
	img      *image.RGBA
	failures int
}

func (f *fakeShots) Capture(ctx context.Context, displayID string) (*image.RGBA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("capture backend unavailable")
	}
	out := &image.RGBA{
		Pix:    append([]uint8(nil), f.img.Pix...),
		Stride: f.img.Stride,
		Rect:   f.img.Rect,
	}
	return out, nil
}

func (f *fakeShots) setImage(img *image.RGBA) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.img = img
}

func (f *fakeShots) setPixel(x, y int, val uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := f.img.PixOffset(x, y)
	f.img.Pix[off] = val
}

type fakeSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (f *fakeSink) SendFrame(frame protocol.Frame, viewerIDs []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSink) snapshot() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.frames...)
}

type fakeWatchers struct {
	mu sync.Mutex
	m  map[string][]uuid.UUID
}

func (f *fakeWatchers) Watchers() map[string][]uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]uuid.UUID, len(f.m))
	for k, v := range f.m {
		out[k] = append([]uuid.UUID(nil), v...)
	}
	return out
}

func (f *fakeWatchers) set(m map[string][]uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m = m
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func testOrchestrator(shots *fakeShots, sink *fakeSink, watchers *fakeWatchers) *Orchestrator {
	return NewOrchestrator(zerolog.Nop(), shots, sink, watchers, Options{
		FrameRate:         MaxFrameRate,
		ReconcileInterval: 5 * time.Millisecond,
	})
}

func TestOrchestratorFirstFrameIsKeyframe(t *testing.T) {
	shots := &fakeShots{img: image.NewRGBA(image.Rect(0, 0, 64, 64))}
	sink := &fakeSink{}
	watchers := &fakeWatchers{m: map[string][]uuid.UUID{"display-1": {uuid.New()}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := testOrchestrator(shots, sink, watchers)
	go o.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return len(sink.snapshot()) > 0 }, "first frame sent")

	frames := sink.snapshot()
	if !frames[0].Keyframe {
		t.Error("first frame is not a keyframe")
	}
	if frames[0].DisplayID != "display-1" {
		t.Errorf("frame display = %s", frames[0].DisplayID)
	}
	if len(frames[0].Regions) != 1 || frames[0].Regions[0].Width != 64 {
		t.Errorf("keyframe regions = %+v", frames[0].Regions)
	}
}

func TestOrchestratorSendsDeltaOnChange(t *testing.T) {
	shots := &fakeShots{img: image.NewRGBA(image.Rect(0, 0, 64, 64))}
	sink := &fakeSink{}
	watchers := &fakeWatchers{m: map[string][]uuid.UUID{"display-1": {uuid.New()}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := testOrchestrator(shots, sink, watchers)
	go o.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return len(sink.snapshot()) > 0 }, "keyframe sent")
	shots.setPixel(40, 40, 255)
	waitFor(t, 2*time.Second, func() bool {
		for _, f := range sink.snapshot() {
			if !f.Keyframe {
				return true
			}
		}
		return false
	}, "delta frame sent")

	var delta *protocol.Frame
	for _, f := range sink.snapshot() {
		if !f.Keyframe {
			f := f
			delta = &f
			break
		}
	}
	if len(delta.Regions) != 1 {
		t.Fatalf("delta regions = %+v", delta.Regions)
	}
	r := delta.Regions[0]
	if r.X != 32 || r.Y != 32 || r.Width != 32 || r.Height != 32 {
		t.Errorf("delta region = %+v, want the changed 32px block", r)
	}
}

func TestOrchestratorStopsUnwatchedPipelines(t *testing.T) {
	shots := &fakeShots{img: image.NewRGBA(image.Rect(0, 0, 32, 32))}
	sink := &fakeSink{}
	watchers := &fakeWatchers{m: map[string][]uuid.UUID{"display-1": {uuid.New()}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := testOrchestrator(shots, sink, watchers)
	go o.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return len(o.ActiveDisplays()) == 1 }, "pipeline started")
	watchers.set(nil)
	waitFor(t, 2*time.Second, func() bool { return len(o.ActiveDisplays()) == 0 }, "pipeline stopped")
}

func TestOrchestratorRestartsFaultedPipeline(t *testing.T) {
	shots := &fakeShots{img: image.NewRGBA(image.Rect(0, 0, 32, 32)), failures: 1}
	sink := &fakeSink{}
	watchers := &fakeWatchers{m: map[string][]uuid.UUID{"display-1": {uuid.New()}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := testOrchestrator(shots, sink, watchers)
	go o.Run(ctx)

	// The first capture faults the pipeline; the reconciler must start a
	// fresh one that then delivers frames.
	waitFor(t, 2*time.Second, func() bool { return len(sink.snapshot()) > 0 }, "frame after restart")
}

func TestOrchestratorKeyframesOnStrideChange(t *testing.T) {
	shots := &fakeShots{img: image.NewRGBA(image.Rect(0, 0, 64, 64))}
	sink := &fakeSink{}
	watchers := &fakeWatchers{m: map[string][]uuid.UUID{"display-1": {uuid.New()}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := testOrchestrator(shots, sink, watchers)
	go o.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return len(sink.snapshot()) > 0 }, "first keyframe sent")

	// Same dimensions, wider row stride: the previous buffer's layout no
	// longer matches, so the pipeline must re-key rather than diff.
	padded := &image.RGBA{
		Pix:    make([]uint8, 512*64),
		Stride: 512,
		Rect:   image.Rect(0, 0, 64, 64),
	}
	shots.setImage(padded)

	waitFor(t, 2*time.Second, func() bool { return len(sink.snapshot()) > 1 }, "frame after stride change")
	frames := sink.snapshot()
	if !frames[1].Keyframe {
		t.Error("stride change did not produce a keyframe")
	}
}

func TestOptionsClampFrameRate(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, DefaultFrameRate},
		{-5, MinFrameRate},
		{500, MaxFrameRate},
		{30, 30},
	}
	for _, tt := range tests {
		got := Options{FrameRate: tt.in}.withDefaults().FrameRate
		if got != tt.want {
			t.Errorf("FrameRate %d clamped to %d, want %d", tt.in, got, tt.want)
		}
	}
}
