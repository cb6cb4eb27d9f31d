package console

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/ramfb/internal/devices/ramfb"
)

// upperHalfBlock paints the top half of a cell with the foreground colour
// and the bottom half with the background colour, giving two pixels per cell.
const upperHalfBlock = "▀"

// Terminal renders the framebuffer into a truecolor ANSI terminal,
// downsampling to fit the given cell grid.
type Terminal struct {
	mu sync.Mutex

	out        io.Writer
	cols, rows int

	surface *ramfb.Surface
	started bool
	frames  uint64
	closed  bool

	buf bytes.Buffer
}

// NewTerminal creates a terminal console drawing into a cols×rows cell grid.
func NewTerminal(out io.Writer, cols, rows int) *Terminal {
	return &Terminal{
		out:  out,
		cols: max(cols, 1),
		rows: max(rows, 1),
	}
}

// OpenTerminal creates a terminal console sized to the terminal attached to
// f. One row is left free for the shell prompt.
func OpenTerminal(f *os.File) (*Terminal, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("console: %s is not a terminal", f.Name())
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return nil, fmt.Errorf("console: terminal size: %w", err)
	}
	return NewTerminal(f, cols, rows-1), nil
}

// ReplaceSurface implements ramfb.Console. The previous surface is released,
// as is s itself once the terminal is closed.
func (t *Terminal) ReplaceSurface(s *ramfb.Surface) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.Release()
		return
	}
	old := t.surface
	t.surface = s
	t.mu.Unlock()

	if old != nil && old != s {
		old.Release()
	}
}

// UpdateFull implements ramfb.Console by repainting the whole grid.
func (t *Terminal) UpdateFull() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.surface == nil {
		return
	}

	t.buf.Reset()
	if !t.started {
		t.buf.WriteString(ansi.HideCursor)
		t.started = true
	}
	t.buf.WriteString(ansi.CursorHomePosition)
	t.render(NewSurfaceImage(t.surface))

	// Write errors are not fatal for a display; the next frame retries.
	_, _ = t.out.Write(t.buf.Bytes())
	t.frames++
}

// render must be called with the lock held.
func (t *Terminal) render(img *SurfaceImage) {
	w, h := img.s.Width(), img.s.Height()

	// Nearest-neighbour scale that fits both axes, two pixels per cell
	// vertically.
	scale := max((w+t.cols-1)/t.cols, (h+2*t.rows-1)/(2*t.rows), 1)
	cols := w / scale
	rows := h / (2 * scale)

	for row := 0; row < rows; row++ {
		y := row * 2 * scale
		for col := 0; col < cols; col++ {
			x := col * scale
			top := opaque(img.NRGBAAt(x, y))
			bottom := opaque(img.NRGBAAt(x, y+scale))
			t.buf.WriteString(ansi.Style{}.ForegroundColor(top).BackgroundColor(bottom).String())
			t.buf.WriteString(upperHalfBlock)
		}
		t.buf.WriteString(ansi.ResetStyle)
		t.buf.WriteString("\r\n")
	}
}

func opaque(c color.NRGBA) color.RGBA {
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff}
}

// Frames returns the number of frames drawn.
func (t *Terminal) Frames() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// Close restores the cursor and releases the attached surface.
func (t *Terminal) Close() error {
	t.mu.Lock()
	s := t.surface
	t.surface = nil
	started := t.started && !t.closed
	t.closed = true
	t.mu.Unlock()

	if s != nil {
		s.Release()
	}
	if started {
		if _, err := io.WriteString(t.out, ansi.ResetStyle+ansi.ShowCursor); err != nil {
			return fmt.Errorf("console: restore terminal: %w", err)
		}
	}
	return nil
}

var _ ramfb.Console = (*Terminal)(nil)
