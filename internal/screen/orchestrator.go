package screen

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// DefaultReconcileInterval is the cadence of the pipeline
	// reconciliation loop (not the per-frame rate).
	DefaultReconcileInterval = 100 * time.Millisecond

	// DefaultFrameRate is the target capture rate per display.
	DefaultFrameRate = 10

	// Frame rate clamp bounds.
	MinFrameRate = 1
	MaxFrameRate = 120

	// DefaultJPEGQuality sets region compression.
	DefaultJPEGQuality = 70
)

// Options tunes the orchestrator. Zero values take the defaults above.
type Options struct {
	FrameRate         int
	ReconcileInterval time.Duration
	JPEGQuality       int
	Diff              DiffOptions
}

func (o Options) withDefaults() Options {
	if o.FrameRate == 0 {
		o.FrameRate = DefaultFrameRate
	}
	if o.FrameRate < MinFrameRate {
		o.FrameRate = MinFrameRate
	}
	if o.FrameRate > MaxFrameRate {
		o.FrameRate = MaxFrameRate
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = DefaultReconcileInterval
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = DefaultJPEGQuality
	}
	return o
}

// Orchestrator reconciles one capture pipeline per watched display:
// it starts pipelines for newly watched displays, stops pipelines for
// displays nobody watches, and restarts pipelines that faulted. Each
// pipeline is independent; one failing never affects the others.
type Orchestrator struct {
	logger   zerolog.Logger
	shots    ScreenshotService
	sink     FrameSink
	watchers WatcherSource
	opts     Options

	mu        sync.Mutex
	pipelines map[string]*pipeline
}

// NewOrchestrator wires the capture capabilities together.
func NewOrchestrator(logger zerolog.Logger, shots ScreenshotService, sink FrameSink, watchers WatcherSource, opts Options) *Orchestrator {
	return &Orchestrator{
		logger:    logger.With().Str("component", "capture").Logger(),
		shots:     shots,
		sink:      sink,
		watchers:  watchers,
		opts:      opts.withDefaults(),
		pipelines: make(map[string]*pipeline),
	}
}

// Run drives the reconciliation loop until ctx is cancelled, then stops
// every pipeline and waits for them to unwind.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.stopAll()
			return
		case <-ticker.C:
			o.reconcile(ctx)
		}
	}
}

// ForceKeyframe makes the next captured frame of a display a keyframe,
// used after display switches so a new watcher never sees a stale or
// black frame.
func (o *Orchestrator) ForceKeyframe(displayID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.pipelines[displayID]; ok {
		p.forceKeyframe.Store(true)
	}
}

// ActiveDisplays reports which displays currently have a live pipeline.
func (o *Orchestrator) ActiveDisplays() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.pipelines))
	for id := range o.pipelines {
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) reconcile(ctx context.Context) {
	watched := o.watchers.Watchers()

	o.mu.Lock()
	defer o.mu.Unlock()

	// Stop pipelines for displays no longer watched; reap and restart
	// faulted ones.
	for id, p := range o.pipelines {
		if _, ok := watched[id]; !ok {
			p.stop()
			delete(o.pipelines, id)
			o.logger.Info().Str("display", id).Msg("pipeline stopped, no watchers")
			continue
		}
		select {
		case <-p.done:
			delete(o.pipelines, id)
			if p.faulted.Load() {
				o.logger.Warn().Str("display", id).Msg("pipeline faulted, will restart")
			}
		default:
		}
	}

	// Start pipelines for newly watched displays.
	for id := range watched {
		if _, ok := o.pipelines[id]; ok {
			continue
		}
		p := newPipeline(id, o)
		o.pipelines[id] = p
		go p.run(ctx)
		o.logger.Info().Str("display", id).Msg("pipeline started")
	}
}

func (o *Orchestrator) stopAll() {
	o.mu.Lock()
	pipelines := o.pipelines
	o.pipelines = make(map[string]*pipeline)
	o.mu.Unlock()

	for _, p := range pipelines {
		p.stop()
		<-p.done
	}
}

// pipeline is one per-display capture+diff+encode+send loop.
type pipeline struct {
	displayID string
	o         *Orchestrator

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	faulted       atomic.Bool
	forceKeyframe atomic.Bool

	frameNumber uint64
	previous    []byte
	width       int
	height      int
	stride      int
}

func newPipeline(displayID string, o *Orchestrator) *pipeline {
	p := &pipeline{
		displayID: displayID,
		o:         o,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	// First frame of a pipeline is always a keyframe.
	p.forceKeyframe.Store(true)
	return p
}

func (p *pipeline) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *pipeline) run(ctx context.Context) {
	defer close(p.done)

	interval := time.Second / time.Duration(p.o.opts.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.captureOnce(ctx); err != nil {
				p.faulted.Store(true)
				p.o.logger.Error().Err(err).Str("display", p.displayID).Msg("capture pipeline failed")
				return
			}
		}
	}
}

func (p *pipeline) captureOnce(ctx context.Context) error {
	viewers := p.o.watchers.Watchers()[p.displayID]
	if len(viewers) == 0 {
		// Raced with the reconciler; it will stop us shortly.
		return nil
	}

	img, err := p.o.shots.Capture(ctx, p.displayID)
	if err != nil {
		return err
	}

	width := img.Rect.Dx()
	height := img.Rect.Dy()
	// A stride change invalidates the previous buffer's layout even when
	// the dimensions are unchanged, so it forces a keyframe too.
	resized := width != p.width || height != p.height || img.Stride != p.stride

	var frame *protocol.Frame
	if p.forceKeyframe.Load() || p.previous == nil || resized {
		frame, err = p.encodeKeyframe(img)
		if err != nil {
			return err
		}
		p.forceKeyframe.Store(false)
	} else {
		regions, keyframe := DetectChanges(img.Pix, p.previous, width, height, img.Stride, p.o.opts.Diff)
		switch {
		case keyframe:
			frame, err = p.encodeKeyframe(img)
		case len(regions) > 0:
			frame, err = p.encodeDeltas(img, regions)
		}
		if err != nil {
			return err
		}
	}

	p.width = width
	p.height = height
	p.stride = img.Stride
	p.previous = append(p.previous[:0], img.Pix...)

	if frame == nil {
		return nil
	}
	return p.o.sink.SendFrame(*frame, viewers)
}

func (p *pipeline) encodeKeyframe(img *image.RGBA) (*protocol.Frame, error) {
	data, err := p.encodeRect(img, img.Rect)
	if err != nil {
		return nil, err
	}
	p.frameNumber++
	return &protocol.Frame{
		DisplayID:   p.displayID,
		FrameNumber: p.frameNumber,
		Keyframe:    true,
		Codec:       protocol.CodecJPEG,
		Regions: []protocol.FrameRegion{{
			X: 0, Y: 0,
			Width:  img.Rect.Dx(),
			Height: img.Rect.Dy(),
			Data:   data,
		}},
	}, nil
}

func (p *pipeline) encodeDeltas(img *image.RGBA, rects []image.Rectangle) (*protocol.Frame, error) {
	regions := make([]protocol.FrameRegion, 0, len(rects))
	for _, rc := range rects {
		data, err := p.encodeRect(img, rc.Add(img.Rect.Min))
		if err != nil {
			return nil, err
		}
		regions = append(regions, protocol.FrameRegion{
			X:      rc.Min.X,
			Y:      rc.Min.Y,
			Width:  rc.Dx(),
			Height: rc.Dy(),
			Data:   data,
		})
	}
	p.frameNumber++
	return &protocol.Frame{
		DisplayID:   p.displayID,
		FrameNumber: p.frameNumber,
		Codec:       protocol.CodecJPEG,
		Regions:     regions,
	}, nil
}

func (p *pipeline) encodeRect(img *image.RGBA, rc image.Rectangle) ([]byte, error) {
	var buf bytes.Buffer
	sub := img.SubImage(rc)
	if err := jpeg.Encode(&buf, sub, &jpeg.Options{Quality: p.o.opts.JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
