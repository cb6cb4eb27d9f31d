package ramfb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/ramfb/internal/hv"
)

// Geometry limits, shared with the Bochs VBE DISPI interface.
const (
	MinResolution = 16
	MaxWidth      = 16000
	MaxHeight     = 12000
)

var (
	// ErrInvalidGeometry rejects a configuration before any memory is mapped:
	// width or height out of range, unknown format, or a stride shorter than
	// one scanline.
	ErrInvalidGeometry = errors.New("invalid geometry or format")

	// ErrMappingUnavailable rejects a configuration whose guest range is not
	// fully backed by RAM.
	ErrMappingUnavailable = errors.New("framebuffer mapping unavailable")
)

// Surface is a pixel surface backed by mapped guest memory.
//
// A Surface owns its mapping. Release returns it to guest memory exactly
// once; whoever holds the Surface is responsible for calling it.
type Surface struct {
	mem  hv.GuestMemory
	data []byte
	addr uint64

	width  int
	height int
	stride int
	format Format

	once sync.Once
	gone bool
}

// Width returns the surface width in pixels.
func (s *Surface) Width() int { return s.width }

// Height returns the surface height in pixels.
func (s *Surface) Height() int { return s.height }

// Stride returns the byte distance between consecutive scanlines.
func (s *Surface) Stride() int { return s.stride }

// Format returns the pixel format descriptor.
func (s *Surface) Format() Format { return s.format }

// Addr returns the guest-physical address of the first pixel.
func (s *Surface) Addr() uint64 { return s.addr }

// Size returns the byte extent of the image, stride × height.
func (s *Surface) Size() uint64 {
	return uint64(s.stride) * uint64(s.height)
}

// Data returns the mapped pixel bytes. The final scanline is only as long as
// its visible pixels, so len(Data()) can be less than Size when the stride
// carries padding. Data returns nil once the surface has been released.
func (s *Surface) Data() []byte {
	if s.gone {
		return nil
	}
	return s.data
}

// Row returns the visible bytes of scanline y.
func (s *Surface) Row(y int) []byte {
	data := s.Data()
	if data == nil || y < 0 || y >= s.height {
		return nil
	}
	off := y * s.stride
	return data[off : off+s.width*s.format.BytesPerPixel()]
}

// Released reports whether Release has been called.
func (s *Surface) Released() bool {
	return s.gone
}

// Release unmaps the surface memory. Calls after the first are no-ops.
func (s *Surface) Release() {
	s.once.Do(func() {
		s.mem.Unmap(s.data)
		s.data = nil
		s.gone = true
	})
}

func (s *Surface) String() string {
	return fmt.Sprintf("%dx%d %s stride=%d @0x%x", s.width, s.height, s.format, s.stride, s.addr)
}

// Mapper turns validated framebuffer geometry into surfaces over guest
// memory.
type Mapper struct {
	mem hv.GuestMemory
}

// NewMapper creates a Mapper that maps through mem.
func NewMapper(mem hv.GuestMemory) *Mapper {
	return &Mapper{mem: mem}
}

// BuildSurface validates the geometry, maps the framebuffer range and wraps
// it in a Surface. Rejections wrap ErrInvalidGeometry or
// ErrMappingUnavailable. No memory is mapped unless the geometry is valid, and
// a partial mapping is returned to guest memory before rejecting.
func (m *Mapper) BuildSurface(width, height, code, stride uint32, addr uint64) (*Surface, error) {
	if width < MinResolution || width > MaxWidth ||
		height < MinResolution || height > MaxHeight {
		return nil, fmt.Errorf("ramfb: %dx%d out of range: %w", width, height, ErrInvalidGeometry)
	}

	format, ok := LookupFormat(code)
	if !ok {
		return nil, fmt.Errorf("ramfb: unknown format %s: %w", FourCCString(code), ErrInvalidGeometry)
	}

	linesize := uint64(width) * uint64(format.BytesPerPixel())
	pitch := uint64(stride)
	if pitch == 0 {
		pitch = linesize
	}
	if pitch < linesize {
		return nil, fmt.Errorf("ramfb: stride %d shorter than scanline %d: %w", pitch, linesize, ErrInvalidGeometry)
	}

	size := pitch*uint64(height-1) + linesize
	if addr+size < addr {
		return nil, fmt.Errorf("ramfb: range 0x%x+0x%x wraps: %w", addr, size, ErrInvalidGeometry)
	}

	data := m.mem.Map(addr, size)
	if uint64(len(data)) != size {
		m.mem.Unmap(data)
		return nil, fmt.Errorf("ramfb: mapped 0x%x of 0x%x bytes at 0x%x: %w",
			len(data), size, addr, ErrMappingUnavailable)
	}

	return &Surface{
		mem:    m.mem,
		data:   data,
		addr:   addr,
		width:  int(width),
		height: int(height),
		stride: int(pitch),
		format: format,
	}, nil
}
