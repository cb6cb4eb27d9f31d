package chipset

import (
	"fmt"

	"github.com/tinyrange/ramfb/internal/hv"
)

type mmioBinding struct {
	region  hv.MMIORegion
	handler MmioHandler
}

type namedDevice struct {
	name string
	dev  ChipsetDevice
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices []namedDevice
	byName  map[string]ChipsetDevice
	mmio    []mmioBinding
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		byName: make(map[string]ChipsetDevice),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
// Devices are initialised, started and reset in registration order.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.byName[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.WithMmioRegion(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	b.byName[name] = dev
	b.devices = append(b.devices, namedDevice{name: name, dev: dev})
	return nil
}

// WithMmioRegion registers a memory-mapped region handler.
func (b *ChipsetBuilder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}
	if size == 0 {
		return fmt.Errorf("MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	for _, existing := range b.mmio {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf(
				"MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				base, base+size-1, existing.region.Address, existing.region.Address+existing.region.Size-1)
		}
	}

	b.mmio = append(b.mmio, mmioBinding{
		region:  hv.MMIORegion{Address: base, Size: size},
		handler: handler,
	})
	return nil
}

// Build initialises every registered device against mem and returns the
// constructed Chipset.
func (b *ChipsetBuilder) Build(mem hv.GuestMemory) (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make([]namedDevice, len(b.devices))
	copy(devices, b.devices)

	for _, d := range devices {
		if err := d.dev.Init(mem); err != nil {
			return nil, fmt.Errorf("chipset: init device %q: %w", d.name, err)
		}
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)

	return &Chipset{
		devices: devices,
		mmio:    mmio,
	}, nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	devices []namedDevice
	mmio    []mmioBinding
}
