package main

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// hostInjector is the input-injection integration point. The built-in
// implementation only records events; platform builds replace the
// method bodies with real injection calls.
type hostInjector struct {
	logger zerolog.Logger
}

func (h *hostInjector) CanSendSecureAttention() bool { return false }

func (h *hostInjector) MouseMove(displayID string, x, y float64) error {
	h.logger.Debug().Str("display", displayID).Float64("x", x).Float64("y", y).Msg("mouse move")
	return nil
}

func (h *hostInjector) MouseButton(displayID string, x, y float64, button int, down bool) error {
	h.logger.Debug().Str("display", displayID).Int("button", button).Bool("down", down).Msg("mouse button")
	return nil
}

func (h *hostInjector) MouseWheel(displayID string, x, y float64, deltaY int) error {
	h.logger.Debug().Str("display", displayID).Int("deltaY", deltaY).Msg("mouse wheel")
	return nil
}

func (h *hostInjector) Key(key string, code int, down bool) error {
	h.logger.Debug().Str("key", key).Int("code", code).Bool("down", down).Msg("key")
	return nil
}

func (h *hostInjector) SendSecureAttention() error {
	return errors.New("secure attention sequence not supported on this host")
}

func (h *hostInjector) ReleaseAllKeys() error {
	h.logger.Debug().Msg("release all keys")
	return nil
}

// hostClipboard is an in-memory clipboard used until a platform
// clipboard backend is wired in. It still exercises the full sync path.
type hostClipboard struct {
	mu    sync.Mutex
	text  string
	image []byte
}

func (c *hostClipboard) Text() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, nil
}

func (c *hostClipboard) SetText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	return nil
}

func (c *hostClipboard) Image() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.image, nil
}

func (c *hostClipboard) SetImage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.image = data
	return nil
}

func (c *hostClipboard) Formats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var formats []string
	if c.text != "" {
		formats = append(formats, "text")
	}
	if len(c.image) > 0 {
		formats = append(formats, "image")
	}
	return formats
}
