package ramfb

import "fmt"

// DRM FourCC pixel format codes (stored big-endian in the config record).
const (
	DRM_FORMAT_XRGB8888 = 0x34325258 // XR24
	DRM_FORMAT_ARGB8888 = 0x34325241 // AR24
	DRM_FORMAT_XBGR8888 = 0x34324258 // XB24
	DRM_FORMAT_ABGR8888 = 0x34324241 // AB24
	DRM_FORMAT_RGBX8888 = 0x34325852 // RX24
	DRM_FORMAT_BGRX8888 = 0x34325842 // BX24
	DRM_FORMAT_RGBA8888 = 0x34324152 // RA24
	DRM_FORMAT_BGRA8888 = 0x34324142 // BA24
	DRM_FORMAT_RGB888   = 0x34324752 // RG24
	DRM_FORMAT_BGR888   = 0x34324742 // BG24
	DRM_FORMAT_RGB565   = 0x36314752 // RG16
)

// Channel locates one colour component inside a little-endian packed pixel.
// A zero Bits means the component is absent.
type Channel struct {
	Shift uint8
	Bits  uint8
}

// Format describes how a renderer interprets the bytes of one pixel.
type Format struct {
	FourCC       uint32
	Name         string
	BitsPerPixel int

	R, G, B, A Channel
}

// BytesPerPixel returns the pixel size in bytes.
func (f Format) BytesPerPixel() int {
	return f.BitsPerPixel / 8
}

// HasAlpha reports whether the format carries an alpha channel.
func (f Format) HasAlpha() bool {
	return f.A.Bits != 0
}

func (f Format) String() string {
	return f.Name
}

var formats = map[uint32]Format{}

func init() {
	for _, f := range []Format{
		{DRM_FORMAT_XRGB8888, "XRGB8888", 32, Channel{16, 8}, Channel{8, 8}, Channel{0, 8}, Channel{}},
		{DRM_FORMAT_ARGB8888, "ARGB8888", 32, Channel{16, 8}, Channel{8, 8}, Channel{0, 8}, Channel{24, 8}},
		{DRM_FORMAT_XBGR8888, "XBGR8888", 32, Channel{0, 8}, Channel{8, 8}, Channel{16, 8}, Channel{}},
		{DRM_FORMAT_ABGR8888, "ABGR8888", 32, Channel{0, 8}, Channel{8, 8}, Channel{16, 8}, Channel{24, 8}},
		{DRM_FORMAT_RGBX8888, "RGBX8888", 32, Channel{24, 8}, Channel{16, 8}, Channel{8, 8}, Channel{}},
		{DRM_FORMAT_BGRX8888, "BGRX8888", 32, Channel{8, 8}, Channel{16, 8}, Channel{24, 8}, Channel{}},
		{DRM_FORMAT_RGBA8888, "RGBA8888", 32, Channel{24, 8}, Channel{16, 8}, Channel{8, 8}, Channel{0, 8}},
		{DRM_FORMAT_BGRA8888, "BGRA8888", 32, Channel{8, 8}, Channel{16, 8}, Channel{24, 8}, Channel{0, 8}},
		{DRM_FORMAT_RGB888, "RGB888", 24, Channel{16, 8}, Channel{8, 8}, Channel{0, 8}, Channel{}},
		{DRM_FORMAT_BGR888, "BGR888", 24, Channel{0, 8}, Channel{8, 8}, Channel{16, 8}, Channel{}},
		{DRM_FORMAT_RGB565, "RGB565", 16, Channel{11, 5}, Channel{5, 6}, Channel{0, 5}, Channel{}},
	} {
		formats[f.FourCC] = f
	}
}

// LookupFormat resolves a DRM FourCC code. Unknown codes, including zero,
// report false.
func LookupFormat(code uint32) (Format, bool) {
	f, ok := formats[code]
	return f, ok
}

// FourCCString renders a format code as its four characters, e.g. "AR24".
func FourCCString(code uint32) string {
	b := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '?'
		}
	}
	return fmt.Sprintf("%s(0x%08x)", b, code)
}
