package hv

import (
	"errors"
	"io"
)

var (
	ErrUnbackedAddress = errors.New("guest address not backed by RAM")
	ErrUnknownMapping  = errors.New("unmap of unknown mapping")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// GuestMemory gives host code access to guest-physical memory.
//
// Map returns host bytes aliasing the guest range starting at addr. The
// returned slice is shorter than size when the range is only partially
// backed (it may be empty). Every slice returned by Map, including a short
// one, must be passed to Unmap exactly once.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	Map(addr, size uint64) []byte
	Unmap(b []byte)
}

type Device interface {
	Init(mem GuestMemory) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+size) lies within the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}
