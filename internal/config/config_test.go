package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/ramfb/internal/devices/fwcfg"
	"github.com/tinyrange/ramfb/internal/devices/ramfb"
)

func TestDefault(t *testing.T) {
	m := Default()
	require.NoError(t, m.Validate())
	assert.Equal(t, uint64(fwcfg.DefaultBase), m.FwCfg.Base)
	assert.Equal(t, "headless", m.Display.Console)

	cfg, err := m.Display.RAMFBConfig()
	require.NoError(t, err)
	assert.Equal(t, ramfb.Config{
		Addr:   0xA00000000,
		FourCC: ramfb.DRM_FORMAT_ARGB8888,
		Width:  1024,
		Height: 1024,
		Stride: 4096,
	}, cfg)
}

func TestParseEmpty(t *testing.T) {
	m, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), m)
}

func TestParse(t *testing.T) {
	m, err := Parse([]byte(`
memory:
  - base: 0x80000000
    size: 0x1000000
fwcfg:
  base: 0x9030000
display:
  addr: 0x80000000
  format: xrgb8888
  width: 640
  height: 480
  stride: 2560
  console: terminal
  refresh: 50ms
`))
	require.NoError(t, err)

	require.Len(t, m.Memory, 1)
	assert.Equal(t, Bank{Name: "bank0", Base: 0x80000000, Size: 0x1000000}, m.Memory[0])
	assert.Equal(t, uint64(0x9030000), m.FwCfg.Base)
	assert.Equal(t, 50*time.Millisecond, m.Display.Refresh)

	cfg, err := m.Display.RAMFBConfig()
	require.NoError(t, err)
	assert.Equal(t, uint32(ramfb.DRM_FORMAT_XRGB8888), cfg.FourCC)
	assert.Equal(t, uint32(2560), cfg.Stride)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "display:\n  colour: red\n"},
		{"unknown format", "display:\n  format: YUYV\n"},
		{"unknown console", "display:\n  console: vnc\n"},
		{"zero bank", "memory:\n  - base: 0x1000\n"},
		{"negative refresh", "display:\n  refresh: -1s\n"},
		{"not yaml", "memory: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")

	data, err := Default().Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), m)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
