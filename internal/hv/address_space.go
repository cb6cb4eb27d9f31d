package hv

import (
	"fmt"
	"sort"
	"sync"
)

// Region is a named range of guest-physical address space.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

func (r Region) overlaps(base, size uint64) bool {
	return base < r.End() && r.Base < base+size
}

// AddressSpace describes the guest-physical layout of a VM: the RAM banks
// that back guest memory and the fixed MMIO windows carved out for devices.
// RAM banks are kept sorted by base address.
type AddressSpace struct {
	mu sync.Mutex

	arch CpuArchitecture

	ram   []Region
	fixed []Region
}

// NewAddressSpace creates an empty layout for the given architecture.
func NewAddressSpace(arch CpuArchitecture) *AddressSpace {
	return &AddressSpace{arch: arch}
}

// AddRAM registers a RAM bank. Base and size are rounded out to 4KB.
// Returns error if the bank overlaps RAM or a fixed region.
func (a *AddressSpace) AddRAM(name string, base, size uint64) (Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return Region{}, fmt.Errorf("address_space: cannot add zero-size RAM bank %s", name)
	}

	start := alignDown(base, 0x1000)
	end := alignUp(base+size, 0x1000)
	if end <= start {
		return Region{}, fmt.Errorf("address_space: RAM bank %s at 0x%x size 0x%x overflows", name, base, size)
	}

	if err := a.checkOverlap(name, start, end-start); err != nil {
		return Region{}, err
	}

	bank := Region{Name: name, Base: start, Size: end - start}
	a.ram = append(a.ram, bank)
	sort.Slice(a.ram, func(i, j int) bool { return a.ram[i].Base < a.ram[j].Base })

	return bank, nil
}

// RegisterFixed registers a pre-determined MMIO region.
// Returns error if the region overlaps RAM or another fixed region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}
	if base+size < base {
		return fmt.Errorf("address_space: fixed region %s at 0x%x size 0x%x overflows", name, base, size)
	}

	if err := a.checkOverlap(name, base, size); err != nil {
		return err
	}

	a.fixed = append(a.fixed, Region{Name: name, Base: base, Size: size})
	return nil
}

// checkOverlap must be called with the lock held.
func (a *AddressSpace) checkOverlap(name string, base, size uint64) error {
	for _, r := range a.ram {
		if r.overlaps(base, size) {
			return fmt.Errorf("address_space: region %s [0x%x-0x%x) overlaps RAM %s [0x%x-0x%x)",
				name, base, base+size, r.Name, r.Base, r.End())
		}
	}
	for _, r := range a.fixed {
		if r.overlaps(base, size) {
			return fmt.Errorf("address_space: region %s [0x%x-0x%x) overlaps fixed region %s [0x%x-0x%x)",
				name, base, base+size, r.Name, r.Base, r.End())
		}
	}
	return nil
}

// FindRAM returns the RAM bank containing addr.
func (a *AddressSpace) FindRAM(addr uint64) (Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.ram), func(i int) bool { return a.ram[i].End() > addr })
	if i < len(a.ram) && a.ram[i].Base <= addr {
		return a.ram[i], true
	}
	return Region{}, false
}

// RAM returns a copy of the RAM banks, sorted by base address.
func (a *AddressSpace) RAM() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.ram))
	copy(result, a.ram)
	return result
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.fixed))
	copy(result, a.fixed)
	return result
}

// RAMSize returns the total size of all RAM banks.
func (a *AddressSpace) RAMSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint64
	for _, r := range a.ram {
		total += r.Size
	}
	return total
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
