// Package config loads the machine description used by the ramfb host.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ramfb/internal/devices/fwcfg"
	"github.com/tinyrange/ramfb/internal/devices/ramfb"
)

// Defaults for the built-in framebuffer: 1024x1024 ARGB8888 at 40GiB.
const (
	DefaultFramebufferAddr = 0xA00000000
	DefaultWidth           = 1024
	DefaultHeight          = 1024
	DefaultStride          = 4096
	DefaultFormat          = "ARGB8888"
	DefaultRefresh         = 100 * time.Millisecond
)

// Machine describes guest memory, the fw_cfg device and the display.
type Machine struct {
	Memory  []Bank  `yaml:"memory"`
	FwCfg   FwCfg   `yaml:"fwcfg"`
	Display Display `yaml:"display"`
}

// Bank is one RAM bank of guest-physical memory.
type Bank struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

type FwCfg struct {
	Base uint64 `yaml:"base,omitempty"`
}

// Display holds the framebuffer the host programs on behalf of the guest
// and how it is shown.
type Display struct {
	Addr   uint64 `yaml:"addr,omitempty"`
	Format string `yaml:"format,omitempty"`
	Width  uint32 `yaml:"width,omitempty"`
	Height uint32 `yaml:"height,omitempty"`
	Stride uint32 `yaml:"stride,omitempty"`

	// Console is "headless" or "terminal".
	Console string        `yaml:"console,omitempty"`
	Refresh time.Duration `yaml:"refresh,omitempty"`
}

// Default returns the built-in machine: a small low RAM bank for DMA
// descriptors and a bank that fully backs the default framebuffer.
func Default() Machine {
	m := Machine{
		Memory: []Bank{
			{Name: "low", Base: 0x40000000, Size: 16 << 20},
			{Name: "framebuffer", Base: DefaultFramebufferAddr, Size: 4 << 20},
		},
	}
	m.normalize()
	return m
}

func (m *Machine) normalize() {
	if m.FwCfg.Base == 0 {
		m.FwCfg.Base = fwcfg.DefaultBase
	}
	d := &m.Display
	if d.Addr == 0 {
		d.Addr = DefaultFramebufferAddr
	}
	if d.Format == "" {
		d.Format = DefaultFormat
	}
	if d.Width == 0 && d.Height == 0 {
		d.Width = DefaultWidth
		d.Height = DefaultHeight
		if d.Stride == 0 {
			d.Stride = DefaultStride
		}
	}
	if d.Console == "" {
		d.Console = "headless"
	}
	if d.Refresh == 0 {
		d.Refresh = DefaultRefresh
	}
	for i := range m.Memory {
		if m.Memory[i].Name == "" {
			m.Memory[i].Name = fmt.Sprintf("bank%d", i)
		}
	}
}

// Validate checks the parts of the configuration the host relies on. The
// framebuffer geometry itself is left to the device, which must cope with
// untrusted values anyway.
func (m Machine) Validate() error {
	if len(m.Memory) == 0 {
		return errors.New("config: no memory banks")
	}
	for _, b := range m.Memory {
		if b.Size == 0 {
			return fmt.Errorf("config: memory bank %s has zero size", b.Name)
		}
	}
	if _, err := m.Display.FourCC(); err != nil {
		return err
	}
	switch m.Display.Console {
	case "headless", "terminal":
	default:
		return fmt.Errorf("config: unknown console %q", m.Display.Console)
	}
	if m.Display.Refresh < 0 {
		return fmt.Errorf("config: negative refresh interval %s", m.Display.Refresh)
	}
	return nil
}

// FourCC resolves the display format name, e.g. "XRGB8888".
func (d Display) FourCC() (uint32, error) {
	for _, code := range []uint32{
		ramfb.DRM_FORMAT_XRGB8888, ramfb.DRM_FORMAT_ARGB8888,
		ramfb.DRM_FORMAT_XBGR8888, ramfb.DRM_FORMAT_ABGR8888,
		ramfb.DRM_FORMAT_RGBX8888, ramfb.DRM_FORMAT_BGRX8888,
		ramfb.DRM_FORMAT_RGBA8888, ramfb.DRM_FORMAT_BGRA8888,
		ramfb.DRM_FORMAT_RGB888, ramfb.DRM_FORMAT_BGR888,
		ramfb.DRM_FORMAT_RGB565,
	} {
		f, _ := ramfb.LookupFormat(code)
		if strings.EqualFold(f.Name, d.Format) {
			return code, nil
		}
	}
	return 0, fmt.Errorf("config: unknown pixel format %q", d.Format)
}

// RAMFBConfig builds the configuration record the guest would write.
func (d Display) RAMFBConfig() (ramfb.Config, error) {
	code, err := d.FourCC()
	if err != nil {
		return ramfb.Config{}, err
	}
	return ramfb.Config{
		Addr:   d.Addr,
		FourCC: code,
		Width:  d.Width,
		Height: d.Height,
		Stride: d.Stride,
	}, nil
}

// Parse decodes a YAML machine description, filling in defaults. Unknown
// keys are rejected.
func Parse(data []byte) (Machine, error) {
	var m Machine
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Machine{}, fmt.Errorf("config: parse: %w", err)
	}
	if len(m.Memory) == 0 {
		m.Memory = Default().Memory
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return Machine{}, err
	}
	return m, nil
}

// Load reads the machine description at path.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return Machine{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Marshal encodes the machine description as YAML.
func (m Machine) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}
