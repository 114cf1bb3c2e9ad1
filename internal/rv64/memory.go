package rv64

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Memory is the memory-access collaborator a hart fetches and loads
// through. Addresses are physical.
type Memory interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, size int, value uint64) error
}

// Peeker is implemented by memories that can read without side effects.
type Peeker interface {
	Peek(addr uint64, size int) (uint64, error)
}

// WriteWatcher is implemented by memories that report completed writes.
// Harts use it to drop translated code and LR/SC reservations.
type WriteWatcher interface {
	Watch(fn func(addr uint64, size int)) (cancel func())
}

// ErrUnmapped is returned for accesses that hit no RAM or device.
var ErrUnmapped = errors.New("no device at address")

// DeviceError is returned when a mapped device rejects an access.
type DeviceError struct {
	Addr uint64
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device access at 0x%x: %v", e.Addr, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Device represents a memory-mapped device
type Device interface {
	// Read reads from the device at the given offset
	Read(offset uint64, size int) (uint64, error)
	// Write writes to the device at the given offset
	Write(offset uint64, size int, value uint64) error
	// Size returns the size of the device's address space
	Size() uint64
}

// MemoryRegion represents a contiguous region of RAM
type MemoryRegion struct {
	Data []byte
}

// NewMemoryRegion creates a new memory region of the given size
func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{
		Data: make([]byte, size),
	}
}

// Read implements Device
func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("memory read out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}

	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(cpuEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(cpuEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return cpuEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

// Write implements Device
func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("memory write out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}

	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		cpuEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		cpuEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		cpuEndian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

// Size implements Device
func (m *MemoryRegion) Size() uint64 {
	return uint64(len(m.Data))
}

// DeviceMapping maps a device to an address range
type DeviceMapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

// Bus connects harts to RAM and devices.
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint64
	Devices []DeviceMapping

	mu       sync.Mutex
	watchers []watcher
	nextID   int
}

type watcher struct {
	id int
	fn func(addr uint64, size int)
}

// NewBus creates a new bus with RAM of the given size at base.
func NewBus(base, ramSize uint64) *Bus {
	return &Bus{
		RAM:     NewMemoryRegion(ramSize),
		RAMBase: base,
	}
}

// AddDevice adds a device mapping to the bus
func (bus *Bus) AddDevice(base uint64, dev Device) {
	bus.Devices = append(bus.Devices, DeviceMapping{
		Base:   base,
		Size:   dev.Size(),
		Device: dev,
	})
}

// findDevice finds a device at the given address
func (bus *Bus) findDevice(addr uint64) (Device, uint64, bool, error) {
	// Fast path for RAM
	if addr >= bus.RAMBase && addr < bus.RAMBase+bus.RAM.Size() {
		return bus.RAM, addr - bus.RAMBase, true, nil
	}

	for _, mapping := range bus.Devices {
		if addr >= mapping.Base && addr < mapping.Base+mapping.Size {
			return mapping.Device, addr - mapping.Base, false, nil
		}
	}

	return nil, 0, false, fmt.Errorf("%w 0x%x", ErrUnmapped, addr)
}

// Read implements Memory.
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, ram, err := bus.findDevice(addr)
	if err != nil {
		return 0, err
	}
	val, err := dev.Read(offset, size)
	if err != nil {
		if ram {
			return 0, fmt.Errorf("%w 0x%x: %v", ErrUnmapped, addr, err)
		}
		return 0, &DeviceError{Addr: addr, Err: err}
	}
	return val, nil
}

// Peek implements Peeker. Only RAM can be peeked.
func (bus *Bus) Peek(addr uint64, size int) (uint64, error) {
	_, offset, ram, err := bus.findDevice(addr)
	if err != nil {
		return 0, err
	}
	if !ram {
		return 0, fmt.Errorf("peek of device memory at 0x%x", addr)
	}
	return bus.RAM.Read(offset, size)
}

// Write implements Memory.
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, ram, err := bus.findDevice(addr)
	if err != nil {
		return err
	}
	if err := dev.Write(offset, size, value); err != nil {
		if ram {
			return fmt.Errorf("%w 0x%x: %v", ErrUnmapped, addr, err)
		}
		return &DeviceError{Addr: addr, Err: err}
	}
	bus.notify(addr, size)
	return nil
}

// Watch implements WriteWatcher.
func (bus *Bus) Watch(fn func(addr uint64, size int)) (cancel func()) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	id := bus.nextID
	bus.nextID++
	// Copy on write so notify can iterate without holding the lock.
	next := make([]watcher, len(bus.watchers), len(bus.watchers)+1)
	copy(next, bus.watchers)
	bus.watchers = append(next, watcher{id: id, fn: fn})
	return func() {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		next := make([]watcher, 0, len(bus.watchers))
		for _, w := range bus.watchers {
			if w.id != id {
				next = append(next, w)
			}
		}
		bus.watchers = next
	}
}

func (bus *Bus) notify(addr uint64, size int) {
	bus.mu.Lock()
	ws := bus.watchers
	bus.mu.Unlock()
	for _, w := range ws {
		w.fn(addr, size)
	}
}

// LoadBytes loads bytes into the bus at the given address
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	// Fast path for RAM
	if addr >= bus.RAMBase && addr+uint64(len(data)) <= bus.RAMBase+bus.RAM.Size() {
		copy(bus.RAM.Data[addr-bus.RAMBase:], data)
		bus.notify(addr, len(data))
		return nil
	}

	// Slow path - write byte by byte
	for i, b := range data {
		if err := bus.Write(addr+uint64(i), 1, uint64(b)); err != nil {
			return err
		}
	}
	return nil
}

// ReadAt reads guest physical memory, implementing io.ReaderAt.
func (bus *Bus) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		val, err := bus.Read(addr+uint64(i), 1)
		if err != nil {
			if i == 0 {
				return 0, io.EOF
			}
			return i, err
		}
		p[i] = byte(val)
	}
	return len(p), nil
}

var (
	_ Memory       = (*Bus)(nil)
	_ Peeker       = (*Bus)(nil)
	_ WriteWatcher = (*Bus)(nil)
	_ io.ReaderAt  = (*Bus)(nil)
)
