//go:build linux || darwin

package hv

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

type ramBank struct {
	Region
	mem []byte
}

// Memory backs the RAM banks of an AddressSpace with anonymous host
// mappings and implements GuestMemory over them.
//
// Mappings handed out by Map alias the bank memory directly. Memory tracks
// them so that Close can refuse to unmap banks that still have live
// mappings.
type Memory struct {
	mu sync.Mutex

	layout *AddressSpace
	banks  []ramBank

	// live mappings keyed by host start address; values are reference counts
	mappings map[uintptr]int
	closed   bool
}

// NewMemory allocates host memory for every RAM bank in layout.
func NewMemory(layout *AddressSpace) (*Memory, error) {
	m := &Memory{
		layout:   layout,
		mappings: make(map[uintptr]int),
	}

	release := true
	defer func() {
		if release {
			for _, b := range m.banks {
				_ = unix.Munmap(b.mem)
			}
		}
	}()

	for _, r := range layout.RAM() {
		if r.Size > uint64(^uint(0)>>1) {
			return nil, fmt.Errorf("memory: RAM bank %s size 0x%x too large for host", r.Name, r.Size)
		}
		mem, err := unix.Mmap(-1, 0, int(r.Size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
		if err != nil {
			return nil, fmt.Errorf("memory: mmap RAM bank %s: %w", r.Name, err)
		}
		m.banks = append(m.banks, ramBank{Region: r, mem: mem})
		slog.Debug("memory: mapped RAM bank",
			"name", r.Name,
			"base", fmt.Sprintf("0x%x", r.Base),
			"size", r.Size)
	}

	release = false
	return m, nil
}

// Layout returns the address space this memory backs.
func (m *Memory) Layout() *AddressSpace {
	return m.layout
}

// bankFor must be called with the lock held.
func (m *Memory) bankFor(addr uint64) *ramBank {
	i := sort.Search(len(m.banks), func(i int) bool { return m.banks[i].End() > addr })
	if i < len(m.banks) && m.banks[i].Base <= addr {
		return &m.banks[i]
	}
	return nil
}

// slice returns up to size bytes of bank memory at addr.
// Must be called with the lock held.
func (m *Memory) slice(addr, size uint64) []byte {
	if m.closed || size == 0 {
		return nil
	}
	b := m.bankFor(addr)
	if b == nil {
		return nil
	}
	off := addr - b.Base
	n := min(size, b.Size-off)
	return b.mem[off : off+n : off+n]
}

// Map implements GuestMemory. The mapping never crosses a bank boundary.
func (m *Memory) Map(addr, size uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.slice(addr, size)
	if len(out) == 0 {
		return nil
	}
	m.mappings[hostAddr(out)]++
	return out
}

// Unmap implements GuestMemory.
func (m *Memory) Unmap(b []byte) {
	if len(b) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := hostAddr(b)
	count, ok := m.mappings[key]
	if !ok {
		slog.Warn("memory: unmap", "host", fmt.Sprintf("0x%x", key), "len", len(b), "err", ErrUnknownMapping)
		return
	}
	if count == 1 {
		delete(m.mappings, key)
	} else {
		m.mappings[key] = count - 1
	}
}

// Outstanding returns the number of live mappings.
func (m *Memory) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, c := range m.mappings {
		total += c
	}
	return total
}

// ReadAt implements io.ReaderAt over guest-physical addresses.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.slice(uint64(off), uint64(len(p)))
	n := copy(p, src)
	if n < len(p) {
		return n, fmt.Errorf("memory: read 0x%x+%d: %w", off+int64(n), len(p)-n, ErrUnbackedAddress)
	}
	return n, nil
}

// WriteAt implements io.WriterAt over guest-physical addresses.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst := m.slice(uint64(off), uint64(len(p)))
	n := copy(dst, p)
	if n < len(p) {
		return n, fmt.Errorf("memory: write 0x%x+%d: %w", off+int64(n), len(p)-n, ErrUnbackedAddress)
	}
	return n, nil
}

// Close releases all RAM banks. It fails without releasing anything while
// mappings handed out by Map are still live.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if n := len(m.mappings); n > 0 {
		return fmt.Errorf("memory: close with %d live mappings", n)
	}

	var errs []error
	for _, b := range m.banks {
		if err := unix.Munmap(b.mem); err != nil {
			errs = append(errs, fmt.Errorf("memory: munmap RAM bank %s: %w", b.Name, err))
		}
	}
	m.banks = nil
	m.closed = true
	return errors.Join(errs...)
}

func hostAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

var (
	_ GuestMemory = (*Memory)(nil)
)
