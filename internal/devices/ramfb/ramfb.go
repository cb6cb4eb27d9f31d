// Package ramfb implements a simple RAM-based framebuffer configured over
// QEMU fw_cfg.
//
// The guest picks a region of its own RAM and writes the geometry to the
// fw_cfg file "etc/ramfb". The device maps that region and hands it to the
// host console as a pixel surface.
package ramfb

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/ramfb/internal/chipset"
	"github.com/tinyrange/ramfb/internal/devices/fwcfg"
	"github.com/tinyrange/ramfb/internal/hv"
)

// FileName is the fw_cfg file the guest writes its configuration to.
const FileName = "etc/ramfb"

// Console is the display side of the framebuffer.
type Console interface {
	// ReplaceSurface installs new backing storage. The console takes
	// ownership of s and must Release it when it is no longer displayed.
	ReplaceSurface(s *Surface)

	// UpdateFull requests a repaint of the whole surface.
	UpdateFull()
}

// RAMFB implements a RAM-based framebuffer.
type RAMFB struct {
	mu     sync.Mutex
	mapper *Mapper

	// width and height are zero until a configuration maps successfully
	width  uint32
	height uint32
	config Config

	// pending is owned here until Refresh hands it to the console
	pending *Surface

	closed bool
}

// New creates a new RAMFB device.
func New() *RAMFB {
	return &RAMFB{}
}

// Register registers the RAMFB with a fw_cfg device.
// The fw_cfg device will call our callback when the guest writes configuration.
func (r *RAMFB) Register(fw *fwcfg.FwCfg) {
	fw.AddFileWithCallback(FileName, make([]byte, ConfigSize), r.handleWrite)
}

// Init implements hv.Device.
func (r *RAMFB) Init(mem hv.GuestMemory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.mapper = NewMapper(mem)
	return nil
}

// handleWrite is called when the guest writes configuration via fw_cfg DMA.
// A configuration the device rejects is not a transfer error.
func (r *RAMFB) handleWrite(data []byte) error {
	cfg, err := DecodeConfig(data)
	if err != nil {
		return err
	}
	if err := r.ApplyConfig(cfg); err != nil {
		if !isRejection(err) {
			return err
		}
		// The guest can rewrite the record at will; keep rejections quiet.
		slog.Debug("ramfb: configuration rejected", "config", cfg.String(), "err", err)
	}
	return nil
}

func isRejection(err error) bool {
	return errors.Is(err, ErrInvalidGeometry) || errors.Is(err, ErrMappingUnavailable)
}

// ApplyConfig maps the framebuffer described by cfg and makes it the pending
// surface. A rejected configuration leaves the current state untouched and
// is returned to the caller without logging.
func (r *RAMFB) ApplyConfig(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("ramfb: device closed")
	}
	if r.mapper == nil {
		return fmt.Errorf("ramfb: guest memory not initialized")
	}

	surface, err := r.mapper.BuildSurface(cfg.Width, cfg.Height, cfg.FourCC, cfg.Stride, cfg.Addr)
	if err != nil {
		return err
	}

	// A surface the console never saw would otherwise leak its mapping.
	if r.pending != nil {
		r.pending.Release()
	}

	r.pending = surface
	r.config = cfg
	r.width = cfg.Width
	r.height = cfg.Height

	slog.Debug("ramfb: configured", "surface", surface.String(), "size", surface.Size())
	return nil
}

// Refresh runs one display cycle: a newly configured surface is handed to
// con once, then a full redraw is requested. Refresh does nothing until a
// configuration has been applied, and nothing after Close.
func (r *RAMFB) Refresh(con Console) {
	r.mu.Lock()
	if r.closed || r.width == 0 || r.height == 0 {
		r.mu.Unlock()
		return
	}
	surface := r.pending
	r.pending = nil
	r.mu.Unlock()

	if surface != nil {
		con.ReplaceSurface(surface)
	}

	// simple full screen update
	con.UpdateFull()
}

// Config returns the last applied configuration.
func (r *RAMFB) Config() (Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config, r.width != 0 && r.height != 0
}

// Size returns the current display size, or 0x0 if unconfigured.
func (r *RAMFB) Size() (width, height uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.width, r.height
}

// Start implements chipset.ChangeDeviceState.
func (r *RAMFB) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (r *RAMFB) Stop() error {
	return nil
}

// Reset implements chipset.ChangeDeviceState. The device forgets its
// configuration; a surface already handed to the console stays there.
func (r *RAMFB) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropPending()
	r.config = Config{}
	r.width = 0
	r.height = 0
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice. ramfb is reached through
// fw_cfg only.
func (r *RAMFB) SupportsMmio() *chipset.MmioIntercept {
	return nil
}

// Close releases a surface that was configured but never displayed.
func (r *RAMFB) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropPending()
	r.closed = true
	return nil
}

// dropPending must be called with the lock held.
func (r *RAMFB) dropPending() {
	if r.pending != nil {
		r.pending.Release()
		r.pending = nil
	}
}

var (
	_ hv.Device             = (*RAMFB)(nil)
	_ chipset.ChipsetDevice = (*RAMFB)(nil)
)
