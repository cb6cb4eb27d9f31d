package console

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/image/bmp"

	"github.com/tinyrange/ramfb/internal/devices/ramfb"
)

var ErrNoSurface = errors.New("console: no surface attached")

// Headless is a console without a window. It owns the attached surface,
// counts redraw requests and can dump the current frame to an image file.
type Headless struct {
	mu sync.Mutex

	surface  *ramfb.Surface
	replaced uint64
	redraws  uint64
	closed   bool
}

// NewHeadless creates a headless console with no surface.
func NewHeadless() *Headless {
	return &Headless{}
}

// ReplaceSurface implements ramfb.Console. The previous surface is released.
func (h *Headless) ReplaceSurface(s *ramfb.Surface) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.Release()
		return
	}
	old := h.surface
	h.surface = s
	h.replaced++
	h.mu.Unlock()

	if old != nil && old != s {
		old.Release()
	}
	slog.Debug("console: surface replaced", "surface", s.String())
}

// UpdateFull implements ramfb.Console.
func (h *Headless) UpdateFull() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redraws++
}

// Stats returns how many surfaces have been attached and how many redraws
// were requested.
func (h *Headless) Stats() (replaced, redraws uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replaced, h.redraws
}

// Surface returns the attached surface, or nil. The console keeps
// ownership.
func (h *Headless) Surface() *ramfb.Surface {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.surface
}

// Snapshot copies the current frame into an NRGBA image.
func (h *Headless) Snapshot() (*image.NRGBA, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.surface == nil {
		return nil, ErrNoSurface
	}
	src := NewSurfaceImage(h.surface)
	dst := image.NewNRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, image.Point{}, draw.Src)
	return dst, nil
}

// WriteImage encodes the current frame to w as "png" or "bmp".
func (h *Headless) WriteImage(w io.Writer, format string) error {
	img, err := h.Snapshot()
	if err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case "png":
		return png.Encode(w, img)
	case "bmp":
		return bmp.Encode(w, img)
	default:
		return fmt.Errorf("console: unsupported image format %q", format)
	}
}

// Screendump writes the current frame to path, choosing the encoding from
// the file extension.
func (h *Headless) Screendump(path string) error {
	format := strings.TrimPrefix(filepath.Ext(path), ".")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("console: screendump: %w", err)
	}

	if err := h.WriteImage(f, format); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("console: screendump %s: %w", path, err)
	}
	return f.Close()
}

// Close releases the attached surface. Surfaces attached afterwards are
// released immediately.
func (h *Headless) Close() error {
	h.mu.Lock()
	s := h.surface
	h.surface = nil
	h.closed = true
	h.mu.Unlock()

	if s != nil {
		s.Release()
	}
	return nil
}

var _ ramfb.Console = (*Headless)(nil)
