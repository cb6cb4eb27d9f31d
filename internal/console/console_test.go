package console

import (
	"bytes"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/tinyrange/ramfb/internal/devices/ramfb"
)

// sliceMemory is guest RAM at address zero that counts live mappings.
type sliceMemory struct {
	mem  []byte
	live int
}

func (m *sliceMemory) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.mem[off:]), nil }
func (m *sliceMemory) WriteAt(p []byte, off int64) (int, error) { return copy(m.mem[off:], p), nil }

func (m *sliceMemory) Map(addr, size uint64) []byte {
	m.live++
	end := min(addr+size, uint64(len(m.mem)))
	return m.mem[addr:end]
}

func (m *sliceMemory) Unmap([]byte) {
	m.live--
}

func newSurface(t *testing.T, mem *sliceMemory, w, h uint32, code uint32) *ramfb.Surface {
	t.Helper()
	s, err := ramfb.NewMapper(mem).BuildSurface(w, h, code, 0, 0)
	require.NoError(t, err)
	return s
}

func TestSurfaceImageFormats(t *testing.T) {
	tests := []struct {
		name  string
		code  uint32
		pixel []byte
		want  color.NRGBA
	}{
		{"XRGB8888", ramfb.DRM_FORMAT_XRGB8888, []byte{0x30, 0x20, 0x10, 0x00}, color.NRGBA{0x10, 0x20, 0x30, 0xff}},
		{"ARGB8888", ramfb.DRM_FORMAT_ARGB8888, []byte{0x30, 0x20, 0x10, 0x80}, color.NRGBA{0x10, 0x20, 0x30, 0x80}},
		{"XBGR8888", ramfb.DRM_FORMAT_XBGR8888, []byte{0x10, 0x20, 0x30, 0x00}, color.NRGBA{0x10, 0x20, 0x30, 0xff}},
		{"RGBA8888", ramfb.DRM_FORMAT_RGBA8888, []byte{0x80, 0x30, 0x20, 0x10}, color.NRGBA{0x10, 0x20, 0x30, 0x80}},
		{"BGRX8888", ramfb.DRM_FORMAT_BGRX8888, []byte{0x00, 0x10, 0x20, 0x30}, color.NRGBA{0x10, 0x20, 0x30, 0xff}},
		{"RGB888", ramfb.DRM_FORMAT_RGB888, []byte{0x30, 0x20, 0x10}, color.NRGBA{0x10, 0x20, 0x30, 0xff}},
		{"BGR888", ramfb.DRM_FORMAT_BGR888, []byte{0x10, 0x20, 0x30}, color.NRGBA{0x10, 0x20, 0x30, 0xff}},
		{"RGB565 white", ramfb.DRM_FORMAT_RGB565, []byte{0xff, 0xff}, color.NRGBA{0xff, 0xff, 0xff, 0xff}},
		{"RGB565 red", ramfb.DRM_FORMAT_RGB565, []byte{0x00, 0xf8}, color.NRGBA{0xff, 0x00, 0x00, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := &sliceMemory{mem: make([]byte, 0x4000)}
			s := newSurface(t, mem, 16, 16, tt.code)
			defer s.Release()

			// Pixel (3, 2).
			off := 2*s.Stride() + 3*len(tt.pixel)
			copy(mem.mem[off:], tt.pixel)

			img := NewSurfaceImage(s)
			assert.Equal(t, tt.want, img.NRGBAAt(3, 2))
			assert.Equal(t, color.NRGBA{A: 0xff}, opaqueBlack(img.NRGBAAt(0, 0), s))
			assert.Equal(t, color.NRGBA{}, img.NRGBAAt(16, 0))
			assert.Equal(t, color.NRGBA{}, img.NRGBAAt(0, -1))
		})
	}
}

// opaqueBlack normalises an untouched pixel: formats without alpha read as
// opaque, formats with alpha read the zero byte.
func opaqueBlack(c color.NRGBA, s *ramfb.Surface) color.NRGBA {
	if s.Format().HasAlpha() {
		c.A = 0xff
	}
	return c
}

func TestHeadlessOwnership(t *testing.T) {
	mem := &sliceMemory{mem: make([]byte, 0x10000)}
	h := NewHeadless()

	_, err := h.Snapshot()
	assert.ErrorIs(t, err, ErrNoSurface)

	first := newSurface(t, mem, 16, 16, ramfb.DRM_FORMAT_XRGB8888)
	h.ReplaceSurface(first)
	h.UpdateFull()

	second := newSurface(t, mem, 32, 16, ramfb.DRM_FORMAT_XRGB8888)
	h.ReplaceSurface(second)
	h.UpdateFull()

	assert.True(t, first.Released())
	assert.False(t, second.Released())
	assert.Same(t, second, h.Surface())

	replaced, redraws := h.Stats()
	assert.Equal(t, uint64(2), replaced)
	assert.Equal(t, uint64(2), redraws)

	require.NoError(t, h.Close())
	assert.True(t, second.Released())
	assert.Equal(t, 0, mem.live)

	// Surfaces handed over after close are not kept.
	third := newSurface(t, mem, 16, 16, ramfb.DRM_FORMAT_XRGB8888)
	h.ReplaceSurface(third)
	assert.True(t, third.Released())
	assert.Equal(t, 0, mem.live)
}

func TestHeadlessScreendump(t *testing.T) {
	mem := &sliceMemory{mem: make([]byte, 0x10000)}
	h := NewHeadless()
	defer h.Close()

	s := newSurface(t, mem, 20, 16, ramfb.DRM_FORMAT_XRGB8888)
	// Pixel (1, 0) pure green.
	copy(mem.mem[4:], []byte{0x00, 0xff, 0x00, 0x00})
	h.ReplaceSurface(s)

	dir := t.TempDir()

	pngPath := filepath.Join(dir, "frame.png")
	require.NoError(t, h.Screendump(pngPath))
	f, err := os.Open(pngPath)
	require.NoError(t, err)
	img, err := png.Decode(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
	r, g, b, _ := img.At(1, 0).RGBA()
	assert.Equal(t, []uint32{0, 0xffff, 0}, []uint32{r, g, b})

	var buf bytes.Buffer
	require.NoError(t, h.WriteImage(&buf, "BMP"))
	bimg, err := bmp.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 20, bimg.Bounds().Dx())

	badPath := filepath.Join(dir, "frame.gif")
	assert.Error(t, h.Screendump(badPath))
	_, err = os.Stat(badPath)
	assert.True(t, os.IsNotExist(err))
}

func TestTerminalRender(t *testing.T) {
	mem := &sliceMemory{mem: make([]byte, 0x10000)}
	var out bytes.Buffer
	con := NewTerminal(&out, 8, 4)

	// Nothing attached: nothing drawn.
	con.UpdateFull()
	assert.Zero(t, out.Len())

	s := newSurface(t, mem, 32, 16, ramfb.DRM_FORMAT_XRGB8888)
	con.ReplaceSurface(s)
	con.UpdateFull()
	con.UpdateFull()
	assert.Equal(t, uint64(2), con.Frames())

	text := out.String()
	assert.Equal(t, 1, strings.Count(text, ansi.HideCursor))
	assert.Equal(t, 2, strings.Count(text, ansi.CursorHomePosition))

	// 32x16 into 8x4 cells: scale 4, 8 columns by 2 rows per frame.
	assert.Equal(t, 2*8*2, strings.Count(text, upperHalfBlock))
	assert.Equal(t, 2*2, strings.Count(text, "\r\n"))

	require.NoError(t, con.Close())
	assert.True(t, s.Released())
	assert.True(t, strings.HasSuffix(out.String(), ansi.ShowCursor))
	assert.Equal(t, 0, mem.live)

	// Surfaces handed over after close are not kept, and nothing is drawn.
	written := out.Len()
	late := newSurface(t, mem, 16, 16, ramfb.DRM_FORMAT_XRGB8888)
	con.ReplaceSurface(late)
	con.UpdateFull()
	assert.True(t, late.Released())
	assert.Equal(t, 0, mem.live)
	assert.Equal(t, written, out.Len())
	require.NoError(t, con.Close())
	assert.Equal(t, written, out.Len())
}
