package chipset

import (
	"errors"
	"fmt"
	"io"
)

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, d := range c.devices {
		if err := d.dev.Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", d.name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, d := range c.devices {
		if err := d.dev.Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", d.name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, d := range c.devices {
		if err := d.dev.Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", d.name, err)
		}
	}
	return nil
}

// Close tears down devices that implement io.Closer, in reverse
// registration order. All devices are closed even if some fail.
func (c *Chipset) Close() error {
	var errs []error
	for i := len(c.devices) - 1; i >= 0; i-- {
		d := c.devices[i]
		closer, ok := d.dev.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("chipset: close device %q: %w", d.name, err))
		}
	}
	return errors.Join(errs...)
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	for _, d := range c.devices {
		if d.name == name {
			return d.dev, true
		}
	}
	return nil, false
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		if binding.region.Contains(addr, uint64(len(data))) {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}
