//go:build linux || darwin

package main

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/ramfb/internal/chipset"
	"github.com/tinyrange/ramfb/internal/console"
	"github.com/tinyrange/ramfb/internal/devices/fwcfg"
	"github.com/tinyrange/ramfb/internal/devices/ramfb"
	"github.com/tinyrange/ramfb/internal/hv"
)

const (
	lowBase = 0x40000000
	fbAddr  = 0xA00000000
)

type testMachine struct {
	mem *hv.Memory
	cs  *chipset.Chipset
	fb  *ramfb.RAMFB
	g   *guest
}

func newTestMachine(t *testing.T) *testMachine {
	t.Helper()

	layout := hv.NewAddressSpace(hostArchitecture())
	_, err := layout.AddRAM("low", lowBase, 0x100000)
	require.NoError(t, err)
	_, err = layout.AddRAM("framebuffer", fbAddr, 0x10000)
	require.NoError(t, err)

	mem, err := hv.NewMemory(layout)
	require.NoError(t, err)

	fw := fwcfg.NewDefault()
	fb := ramfb.New()
	fb.Register(fw)

	b := chipset.NewBuilder()
	require.NoError(t, b.RegisterDevice("fw_cfg", fw))
	require.NoError(t, b.RegisterDevice("ramfb", fb))
	cs, err := b.Build(mem)
	require.NoError(t, err)
	require.NoError(t, cs.Start())

	return &testMachine{
		mem: mem,
		cs:  cs,
		fb:  fb,
		g: &guest{
			bus:     cs,
			mem:     mem,
			fwBase:  fw.Base(),
			scratch: lowBase + 0x100000 - scratchSize,
		},
	}
}

func TestGuestProgramsDisplay(t *testing.T) {
	m := newTestMachine(t)
	h := console.NewHeadless()

	cfg := ramfb.Config{
		Addr:   fbAddr,
		FourCC: ramfb.DRM_FORMAT_XRGB8888,
		Width:  64,
		Height: 32,
	}
	require.NoError(t, m.g.paint(cfg, 0))
	require.NoError(t, m.g.programRAMFB(cfg))

	got, ok := m.fb.Config()
	require.True(t, ok)
	assert.Equal(t, cfg, got)

	m.fb.Refresh(h)
	m.fb.Refresh(h)
	replaced, redraws := h.Stats()
	assert.Equal(t, uint64(1), replaced)
	assert.Equal(t, uint64(2), redraws)

	img, err := h.Snapshot()
	require.NoError(t, err)
	white := color.NRGBA{0xff, 0xff, 0xff, 0xff}
	black := color.NRGBA{0x00, 0x00, 0x00, 0xff}
	assert.Equal(t, white, img.NRGBAAt(0, 0), "scan line")
	assert.Equal(t, white, img.NRGBAAt(0, 5))
	assert.Equal(t, black, img.NRGBAAt(63, 5))
	assert.Equal(t, black, img.NRGBAAt(0, 31))
	assert.Equal(t, white, img.NRGBAAt(63, 31))

	// The console reads guest memory live.
	require.NoError(t, m.g.paint(cfg, 1))
	img, err = h.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, white, img.NRGBAAt(63, 4), "scan line moved")

	require.NoError(t, h.Close())
	require.NoError(t, m.cs.Close())
	assert.Zero(t, m.mem.Outstanding())
	require.NoError(t, m.mem.Close())
}

func TestGuestRejectedConfig(t *testing.T) {
	m := newTestMachine(t)

	// Beyond the framebuffer bank: the device drops it without failing DMA.
	cfg := ramfb.Config{
		Addr:   fbAddr,
		FourCC: ramfb.DRM_FORMAT_XRGB8888,
		Width:  1024,
		Height: 768,
	}
	require.NoError(t, m.g.programRAMFB(cfg))
	_, ok := m.fb.Config()
	assert.False(t, ok)
	assert.Zero(t, m.mem.Outstanding())

	require.NoError(t, m.cs.Close())
	require.NoError(t, m.mem.Close())
}

func TestGuestFindFile(t *testing.T) {
	m := newTestMachine(t)
	defer m.mem.Close()

	sel, size, err := m.g.findFile(ramfb.FileName)
	require.NoError(t, err)
	assert.Equal(t, uint16(fwcfg.FW_CFG_FILE_FIRST), sel)
	assert.Equal(t, uint32(ramfb.ConfigSize), size)

	_, _, err = m.g.findFile("etc/missing")
	assert.Error(t, err)
}

func TestEncodePixel(t *testing.T) {
	for _, code := range []uint32{
		ramfb.DRM_FORMAT_XRGB8888, ramfb.DRM_FORMAT_ABGR8888,
		ramfb.DRM_FORMAT_RGBA8888, ramfb.DRM_FORMAT_BGR888,
		ramfb.DRM_FORMAT_RGB565,
	} {
		f, ok := ramfb.LookupFormat(code)
		require.True(t, ok)

		t.Run(f.Name, func(t *testing.T) {
			mem := make([]byte, 16*16*4)
			s, err := ramfb.NewMapper(&flatMemory{mem}).BuildSurface(16, 16, code, 0, 0)
			require.NoError(t, err)
			defer s.Release()

			bpp := f.BytesPerPixel()
			for i, c := range bars {
				encodePixel(mem[i*bpp:(i+1)*bpp], f, c)
			}
			img := console.NewSurfaceImage(s)
			for i, c := range bars {
				assert.Equal(t, c, img.NRGBAAt(i, 0), "bar %d", i)
			}
		})
	}
}

type flatMemory struct{ b []byte }

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.b[off:]), nil }
func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) { return copy(m.b[off:], p), nil }
func (m *flatMemory) Map(addr, size uint64) []byte           { return m.b[addr : addr+size] }
func (m *flatMemory) Unmap([]byte)                           {}
