//go:build linux || darwin

package main

import (
	"encoding/binary"
	"fmt"
	"image/color"
	"strings"

	"github.com/tinyrange/ramfb/internal/devices/fwcfg"
	"github.com/tinyrange/ramfb/internal/devices/ramfb"
	"github.com/tinyrange/ramfb/internal/hv"
)

// mmioBus is the slice of the chipset the guest driver talks to.
type mmioBus interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

const (
	scratchSize = 0x1000

	// Offsets into the scratch page.
	descOffset = 0x000
	bufOffset  = 0x100

	dmaDescSize = 16
	dirEntry    = 64
)

// guest plays the part of firmware: it drives fw_cfg through MMIO and DMA
// and paints into its own RAM, exactly as a booted guest would.
type guest struct {
	bus     mmioBus
	mem     hv.GuestMemory
	fwBase  uint64
	scratch uint64
}

// dma runs one fw_cfg DMA transfer through the split 32-bit address
// registers and checks the result word.
func (g *guest) dma(control, length uint32, addr uint64) error {
	desc := make([]byte, dmaDescSize)
	binary.BigEndian.PutUint32(desc[0:4], control)
	binary.BigEndian.PutUint32(desc[4:8], length)
	binary.BigEndian.PutUint64(desc[8:16], addr)

	descAddr := g.scratch + descOffset
	if _, err := g.mem.WriteAt(desc, int64(descAddr)); err != nil {
		return fmt.Errorf("guest: write DMA descriptor: %w", err)
	}

	var reg [4]byte
	binary.BigEndian.PutUint32(reg[:], uint32(descAddr>>32))
	if err := g.bus.HandleMMIO(g.fwBase+fwcfg.FW_CFG_DMA_ADDR, reg[:], true); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(reg[:], uint32(descAddr))
	if err := g.bus.HandleMMIO(g.fwBase+fwcfg.FW_CFG_DMA_ADDR+4, reg[:], true); err != nil {
		return err
	}

	if _, err := g.mem.ReadAt(reg[:], int64(descAddr)); err != nil {
		return fmt.Errorf("guest: read DMA result: %w", err)
	}
	if binary.BigEndian.Uint32(reg[:])&fwcfg.FW_CFG_DMA_CTL_ERROR != 0 {
		return fmt.Errorf("guest: DMA control 0x%x failed", control)
	}
	return nil
}

// findFile walks the fw_cfg file directory for name.
func (g *guest) findFile(name string) (selector uint16, size uint32, err error) {
	buf := g.scratch + bufOffset

	ctl := uint32(fwcfg.FW_CFG_FILE_DIR)<<16 | fwcfg.FW_CFG_DMA_CTL_SELECT | fwcfg.FW_CFG_DMA_CTL_READ
	if err := g.dma(ctl, 4, buf); err != nil {
		return 0, 0, err
	}
	var hdr [4]byte
	if _, err := g.mem.ReadAt(hdr[:], int64(buf)); err != nil {
		return 0, 0, err
	}
	count := binary.BigEndian.Uint32(hdr[:])
	if uint64(count)*dirEntry > scratchSize-bufOffset {
		return 0, 0, fmt.Errorf("guest: fw_cfg directory too large (%d files)", count)
	}

	// The data offset already sits past the count.
	if err := g.dma(fwcfg.FW_CFG_DMA_CTL_READ, count*dirEntry, buf); err != nil {
		return 0, 0, err
	}
	dir := make([]byte, count*dirEntry)
	if _, err := g.mem.ReadAt(dir, int64(buf)); err != nil {
		return 0, 0, err
	}

	for i := uint32(0); i < count; i++ {
		e := dir[i*dirEntry : (i+1)*dirEntry]
		if strings.TrimRight(string(e[8:]), "\x00") == name {
			return binary.BigEndian.Uint16(e[4:6]), binary.BigEndian.Uint32(e[0:4]), nil
		}
	}
	return 0, 0, fmt.Errorf("guest: fw_cfg file %q not found", name)
}

// programRAMFB writes cfg to etc/ramfb.
func (g *guest) programRAMFB(cfg ramfb.Config) error {
	sel, size, err := g.findFile(ramfb.FileName)
	if err != nil {
		return err
	}
	if size != ramfb.ConfigSize {
		return fmt.Errorf("guest: %s has size %d, want %d", ramfb.FileName, size, ramfb.ConfigSize)
	}

	buf := g.scratch + bufOffset
	if _, err := g.mem.WriteAt(cfg.Encode(), int64(buf)); err != nil {
		return err
	}
	ctl := uint32(sel)<<16 | fwcfg.FW_CFG_DMA_CTL_SELECT | fwcfg.FW_CFG_DMA_CTL_WRITE
	return g.dma(ctl, ramfb.ConfigSize, buf)
}

var bars = []color.NRGBA{
	{0xff, 0xff, 0xff, 0xff},
	{0xff, 0xff, 0x00, 0xff},
	{0x00, 0xff, 0xff, 0xff},
	{0x00, 0xff, 0x00, 0xff},
	{0xff, 0x00, 0xff, 0xff},
	{0xff, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xff, 0xff},
	{0x00, 0x00, 0x00, 0xff},
}

// patternAt is the test card: colour bars over a grey ramp, with a white
// scan line that moves down one eighth of the screen per frame.
func patternAt(x, y, width, height, frame int) color.NRGBA {
	if height >= 8 && y == (frame*height/8)%height {
		return color.NRGBA{0xff, 0xff, 0xff, 0xff}
	}
	if y < height*2/3 {
		return bars[x*len(bars)/width]
	}
	v := uint8(x * 0xff / max(width-1, 1))
	return color.NRGBA{v, v, v, 0xff}
}

// paint draws the test card for frame into the framebuffer described by cfg.
func (g *guest) paint(cfg ramfb.Config, frame int) error {
	f, ok := ramfb.LookupFormat(cfg.FourCC)
	if !ok {
		return fmt.Errorf("guest: unknown format %s", ramfb.FourCCString(cfg.FourCC))
	}
	bpp := f.BytesPerPixel()
	width, height := int(cfg.Width), int(cfg.Height)
	stride := int(cfg.Stride)
	if stride == 0 {
		stride = width * bpp
	}

	row := make([]byte, width*bpp)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			encodePixel(row[x*bpp:(x+1)*bpp], f, patternAt(x, y, width, height, frame))
		}
		if _, err := g.mem.WriteAt(row, int64(cfg.Addr)+int64(y*stride)); err != nil {
			return fmt.Errorf("guest: paint row %d: %w", y, err)
		}
	}
	return nil
}

// encodePixel packs c into dst as a little-endian value in format f.
func encodePixel(dst []byte, f ramfb.Format, c color.NRGBA) {
	v := pack(c.R, f.R) | pack(c.G, f.G) | pack(c.B, f.B) | pack(c.A, f.A)
	for i := range dst {
		dst[i] = byte(v >> (8 * i))
	}
}

func pack(v uint8, ch ramfb.Channel) uint32 {
	if ch.Bits == 0 {
		return 0
	}
	return uint32(v) >> (8 - ch.Bits) << ch.Shift
}
