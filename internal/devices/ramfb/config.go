package ramfb

import (
	"encoding/binary"
	"fmt"
)

// ConfigSize is the size of the configuration record on the wire.
const ConfigSize = 28

// Config represents the ramfb configuration structure.
// This is written by the guest via fw_cfg DMA.
type Config struct {
	Addr   uint64 // Guest physical address of framebuffer
	FourCC uint32 // Pixel format (big-endian in wire format)
	Flags  uint32
	Width  uint32
	Height uint32
	Stride uint32
}

// DecodeConfig parses the big-endian wire form of the record.
func DecodeConfig(data []byte) (Config, error) {
	if len(data) < ConfigSize {
		return Config{}, fmt.Errorf("ramfb: config too short: %d bytes", len(data))
	}

	return Config{
		Addr:   binary.BigEndian.Uint64(data[0:8]),
		FourCC: binary.BigEndian.Uint32(data[8:12]),
		Flags:  binary.BigEndian.Uint32(data[12:16]),
		Width:  binary.BigEndian.Uint32(data[16:20]),
		Height: binary.BigEndian.Uint32(data[20:24]),
		Stride: binary.BigEndian.Uint32(data[24:28]),
	}, nil
}

// Encode returns the big-endian wire form of the record.
func (c Config) Encode() []byte {
	buf := make([]byte, ConfigSize)
	binary.BigEndian.PutUint64(buf[0:8], c.Addr)
	binary.BigEndian.PutUint32(buf[8:12], c.FourCC)
	binary.BigEndian.PutUint32(buf[12:16], c.Flags)
	binary.BigEndian.PutUint32(buf[16:20], c.Width)
	binary.BigEndian.PutUint32(buf[20:24], c.Height)
	binary.BigEndian.PutUint32(buf[24:28], c.Stride)
	return buf
}

func (c Config) String() string {
	return fmt.Sprintf("%dx%d %s stride=%d addr=0x%x", c.Width, c.Height, FourCCString(c.FourCC), c.Stride, c.Addr)
}
