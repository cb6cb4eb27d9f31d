// Package fwcfg implements the QEMU fw_cfg device for firmware configuration.
//
// Only the MMIO transport is provided. Guests find files through the file
// directory and move data with either the byte-wise data register or DMA.
package fwcfg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/ramfb/internal/chipset"
	"github.com/tinyrange/ramfb/internal/hv"
)

// fw_cfg MMIO register offsets (MMIO transport)
const (
	FW_CFG_DATA     = 0x00 // Data register (8-bit read, multi-byte read)
	FW_CFG_SELECTOR = 0x08 // Selector register (16-bit big-endian write)
	FW_CFG_DMA_ADDR = 0x10 // DMA address register (64-bit write, big-endian)
)

// fw_cfg selectors
const (
	FW_CFG_SIGNATURE  = 0x0000
	FW_CFG_ID         = 0x0001
	FW_CFG_FILE_DIR   = 0x0019
	FW_CFG_FILE_FIRST = 0x0020
)

// fw_cfg DMA control bits
const (
	FW_CFG_DMA_CTL_ERROR  = 1 << 0
	FW_CFG_DMA_CTL_READ   = 1 << 1
	FW_CFG_DMA_CTL_SKIP   = 1 << 2
	FW_CFG_DMA_CTL_SELECT = 1 << 3
	FW_CFG_DMA_CTL_WRITE  = 1 << 4
)

// fw_cfg ID bits
const (
	FW_CFG_VERSION     = 1 << 0
	FW_CFG_VERSION_DMA = 1 << 1
)

// Default base address and size
const (
	DefaultBase = 0x09020000
	DefaultSize = 0x18
)

const (
	dmaAccessSize = 16
	fileEntrySize = 64
	maxNameLen    = 55
)

var ErrNotInitialized = errors.New("fwcfg: guest memory not initialized")

// file represents a file in the fw_cfg directory.
type file struct {
	name     string
	selector uint16
	data     []byte
	onWrite  func(data []byte) error
}

// DmaAccess is the guest-resident DMA descriptor.
type DmaAccess struct {
	Control uint32
	Length  uint32
	Address uint64
}

func decodeDmaAccess(buf []byte) DmaAccess {
	return DmaAccess{
		Control: binary.BigEndian.Uint32(buf[0:4]),
		Length:  binary.BigEndian.Uint32(buf[4:8]),
		Address: binary.BigEndian.Uint64(buf[8:16]),
	}
}

// FwCfg implements the QEMU fw_cfg device.
type FwCfg struct {
	mu  sync.Mutex
	mem hv.GuestMemory

	base uint64

	selector   uint16
	dataOffset uint32

	// high half of a DMA address written as two 32-bit stores
	dmaAddrHigh uint32

	files          map[uint16]*file
	filesByName    map[string]*file
	nextFileSelect uint16

	fileDir []byte
}

// New creates a new fw_cfg device at the given base address.
func New(base uint64) *FwCfg {
	f := &FwCfg{
		base:           base,
		files:          make(map[uint16]*file),
		filesByName:    make(map[string]*file),
		nextFileSelect: FW_CFG_FILE_FIRST,
	}
	f.rebuildFileDir()
	return f
}

// NewDefault creates a new fw_cfg device at the default base address.
func NewDefault() *FwCfg {
	return New(DefaultBase)
}

// AddFile registers a read-only file and returns its selector.
func (f *FwCfg) AddFile(name string, data []byte) uint16 {
	return f.AddFileWithCallback(name, data, nil)
}

// AddFileWithCallback registers a file whose DMA writes are delivered to
// onWrite. Registering an existing name replaces its contents and callback
// but keeps the selector.
func (f *FwCfg) AddFileWithCallback(name string, data []byte, onWrite func(data []byte) error) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.filesByName[name]; ok {
		existing.data = data
		existing.onWrite = onWrite
		f.rebuildFileDir()
		return existing.selector
	}

	fl := &file{
		name:     name,
		selector: f.nextFileSelect,
		data:     data,
		onWrite:  onWrite,
	}
	f.nextFileSelect++
	f.files[fl.selector] = fl
	f.filesByName[name] = fl

	f.rebuildFileDir()
	return fl.selector
}

// Lookup returns the selector and size of a named file.
func (f *FwCfg) Lookup(name string) (selector uint16, size int, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fl, ok := f.filesByName[name]
	if !ok {
		return 0, 0, false
	}
	return fl.selector, len(fl.data), true
}

// rebuildFileDir must be called with the lock held.
//
// Layout: uint32_be count, then per file uint32_be size, uint16_be selector,
// uint16_be reserved, char name[56].
func (f *FwCfg) rebuildFileDir() {
	selectors := make([]uint16, 0, len(f.files))
	for sel := range f.files {
		selectors = append(selectors, sel)
	}
	sort.Slice(selectors, func(i, j int) bool { return selectors[i] < selectors[j] })

	dir := make([]byte, 4+len(selectors)*fileEntrySize)
	binary.BigEndian.PutUint32(dir[0:4], uint32(len(selectors)))

	entry := dir[4:]
	for _, sel := range selectors {
		fl := f.files[sel]
		binary.BigEndian.PutUint32(entry[0:4], uint32(len(fl.data)))
		binary.BigEndian.PutUint16(entry[4:6], fl.selector)
		name := fl.name
		if len(name) > maxNameLen {
			name = name[:maxNameLen]
		}
		copy(entry[8:fileEntrySize], name)
		entry = entry[fileEntrySize:]
	}

	f.fileDir = dir
}

// Init implements hv.Device.
func (f *FwCfg) Init(mem hv.GuestMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mem = mem
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (f *FwCfg) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (f *FwCfg) Stop() error {
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (f *FwCfg) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.selector = 0
	f.dataOffset = 0
	f.dmaAddrHigh = 0
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (f *FwCfg) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{f.Region()},
		Handler: f,
	}
}

// Region returns the MMIO window of the device.
func (f *FwCfg) Region() hv.MMIORegion {
	return hv.MMIORegion{Address: f.base, Size: DefaultSize}
}

// ReadMMIO implements chipset.MmioHandler.
func (f *FwCfg) ReadMMIO(addr uint64, data []byte) error {
	if !f.Region().Contains(addr, uint64(len(data))) {
		return fmt.Errorf("fwcfg: address 0x%x out of bounds", addr)
	}

	offset := addr - f.base
	switch {
	case offset < FW_CFG_SELECTOR:
		f.readData(data)
	case offset == FW_CFG_SELECTOR:
		f.mu.Lock()
		sel := f.selector
		f.mu.Unlock()
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], sel)
		copy(data, buf[:])
	default:
		clear(data)
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (f *FwCfg) WriteMMIO(addr uint64, data []byte) error {
	if !f.Region().Contains(addr, uint64(len(data))) {
		return fmt.Errorf("fwcfg: address 0x%x out of bounds", addr)
	}

	offset := addr - f.base
	switch offset {
	case FW_CFG_SELECTOR:
		if len(data) == 2 {
			f.selectItem(binary.BigEndian.Uint16(data))
		}
		return nil

	case FW_CFG_DMA_ADDR:
		switch len(data) {
		case 8:
			return f.handleDma(binary.BigEndian.Uint64(data))
		case 4:
			f.mu.Lock()
			f.dmaAddrHigh = binary.BigEndian.Uint32(data)
			f.mu.Unlock()
		}
		return nil

	case FW_CFG_DMA_ADDR + 4:
		// Low half of a split DMA address write triggers the transfer.
		if len(data) == 4 {
			f.mu.Lock()
			high := f.dmaAddrHigh
			f.dmaAddrHigh = 0
			f.mu.Unlock()
			return f.handleDma(uint64(high)<<32 | uint64(binary.BigEndian.Uint32(data)))
		}
		return nil

	default:
		slog.Debug("fwcfg: ignored write", "offset", fmt.Sprintf("0x%x", offset), "len", len(data))
		return nil
	}
}

func (f *FwCfg) selectItem(sel uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.selector = sel
	f.dataOffset = 0
}

// readData reads data from the currently selected item, zero-filling past
// its end.
func (f *FwCfg) readData(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item := f.selectedData()
	n := 0
	if f.dataOffset < uint32(len(item)) {
		n = copy(data, item[f.dataOffset:])
	}
	clear(data[n:])
	f.dataOffset += uint32(n)
}

// selectedData must be called with the lock held.
func (f *FwCfg) selectedData() []byte {
	switch f.selector {
	case FW_CFG_SIGNATURE:
		return []byte("QEMU")

	case FW_CFG_ID:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], FW_CFG_VERSION|FW_CFG_VERSION_DMA)
		return buf[:]

	case FW_CFG_FILE_DIR:
		return f.fileDir

	default:
		if fl, ok := f.files[f.selector]; ok {
			return fl.data
		}
		return nil
	}
}

// handleDma executes the DMA descriptor at dmaAddr and writes the result
// back into its control word: zero on success, FW_CFG_DMA_CTL_ERROR on
// failure.
func (f *FwCfg) handleDma(dmaAddr uint64) error {
	f.mu.Lock()
	mem := f.mem
	f.mu.Unlock()
	if mem == nil {
		return ErrNotInitialized
	}

	var buf [dmaAccessSize]byte
	if _, err := mem.ReadAt(buf[:], int64(dmaAddr)); err != nil {
		return fmt.Errorf("fwcfg: read DMA descriptor at 0x%x: %w", dmaAddr, err)
	}
	dma := decodeDmaAccess(buf[:])

	slog.Debug("fwcfg: DMA",
		"control", fmt.Sprintf("0x%x", dma.Control),
		"length", dma.Length,
		"address", fmt.Sprintf("0x%x", dma.Address))

	if dma.Control&FW_CFG_DMA_CTL_SELECT != 0 {
		f.selectItem(uint16(dma.Control >> 16))
	}

	var err error
	switch {
	case dma.Control&FW_CFG_DMA_CTL_READ != 0:
		err = f.dmaRead(mem, dma)
	case dma.Control&FW_CFG_DMA_CTL_WRITE != 0:
		err = f.dmaWrite(mem, dma)
	case dma.Control&FW_CFG_DMA_CTL_SKIP != 0:
		f.skip(dma.Length)
	}

	var result uint32
	if err != nil {
		slog.Warn("fwcfg: DMA failed", "err", err)
		result = FW_CFG_DMA_CTL_ERROR
	}

	var resultBuf [4]byte
	binary.BigEndian.PutUint32(resultBuf[:], result)
	if _, err := mem.WriteAt(resultBuf[:], int64(dmaAddr)); err != nil {
		return fmt.Errorf("fwcfg: write DMA result at 0x%x: %w", dmaAddr, err)
	}
	return nil
}

// zeroChunk is the fill source for DMA reads past the end of an item.
var zeroChunk [4096]byte

// dmaRead copies the selected item into guest memory, zero-filling the rest
// of the requested length. The transfer stops at the first failed write.
func (f *FwCfg) dmaRead(mem hv.GuestMemory, dma DmaAccess) error {
	f.mu.Lock()
	item := f.selectedData()
	var data []byte
	if f.dataOffset < uint32(len(item)) {
		end := min(uint64(f.dataOffset)+uint64(dma.Length), uint64(len(item)))
		data = append([]byte(nil), item[f.dataOffset:end]...)
		f.dataOffset = uint32(end)
	}
	f.mu.Unlock()

	addr := dma.Address
	if len(data) > 0 {
		if _, err := mem.WriteAt(data, int64(addr)); err != nil {
			return fmt.Errorf("fwcfg: DMA read into 0x%x: %w", addr, err)
		}
		addr += uint64(len(data))
	}

	for remaining := uint64(dma.Length) - uint64(len(data)); remaining > 0; {
		n := min(remaining, uint64(len(zeroChunk)))
		if _, err := mem.WriteAt(zeroChunk[:n], int64(addr)); err != nil {
			return fmt.Errorf("fwcfg: DMA zero fill at 0x%x: %w", addr, err)
		}
		addr += n
		remaining -= n
	}
	return nil
}

// skip advances the data offset, saturating at the end of the selected item.
func (f *FwCfg) skip(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := uint64(len(f.selectedData()))
	f.dataOffset = uint32(min(uint64(f.dataOffset)+uint64(n), size))
}

// dmaWrite stores guest data into the selected file at the current offset
// and hands the updated contents to the file's write callback. The file is
// only updated when the callback accepts it; writes never grow a file.
func (f *FwCfg) dmaWrite(mem hv.GuestMemory, dma DmaAccess) error {
	f.mu.Lock()
	sel := f.selector
	offset := f.dataOffset
	fl, ok := f.files[sel]
	var contents []byte
	if ok {
		contents = append([]byte(nil), fl.data...)
	}
	f.mu.Unlock()

	if !ok || fl.onWrite == nil {
		return fmt.Errorf("fwcfg: selector 0x%x is not writable", sel)
	}
	if uint64(offset)+uint64(dma.Length) > uint64(len(contents)) {
		return fmt.Errorf("fwcfg: %s: write of %d bytes at offset %d exceeds size %d",
			fl.name, dma.Length, offset, len(contents))
	}

	if _, err := mem.ReadAt(contents[offset:offset+dma.Length], int64(dma.Address)); err != nil {
		return fmt.Errorf("fwcfg: DMA write from 0x%x: %w", dma.Address, err)
	}

	if err := fl.onWrite(contents); err != nil {
		return fmt.Errorf("fwcfg: %s: %w", fl.name, err)
	}

	f.mu.Lock()
	fl.data = contents
	f.dataOffset = offset + dma.Length
	f.mu.Unlock()
	return nil
}

// Base returns the MMIO base address.
func (f *FwCfg) Base() uint64 {
	return f.base
}

var (
	_ hv.Device                 = (*FwCfg)(nil)
	_ chipset.ChipsetDevice     = (*FwCfg)(nil)
	_ chipset.MmioHandler       = (*FwCfg)(nil)
	_ chipset.ChangeDeviceState = (*FwCfg)(nil)
)
