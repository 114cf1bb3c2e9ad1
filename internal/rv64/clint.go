package rv64

import "fmt"

// CLINT register offsets
const (
	CLINTMsip     = 0x0000 // 4 bytes per hart
	CLINTMtimecmp = 0x4000 // 8 bytes per hart
	CLINTMtime    = 0xbff8
	CLINTSize     = 0x10000
)

// CLINTMaxHarts is the number of harts a CLINT can address.
const CLINTMaxHarts = (CLINTMtimecmp - CLINTMsip) / 4

// InterruptLine is implemented by anything with interrupt inputs; *Hart
// satisfies it.
type InterruptLine interface {
	SetInterrupt(mask uint64, level bool)
}

// CLINT implements the core local interruptor for a cluster of harts.
// mtime only advances when the platform calls Tick, so runs are
// repeatable.
type CLINT struct {
	harts    []InterruptLine
	msip     []uint32
	mtimecmp []uint64
	mtime    uint64
}

// NewCLINT creates a CLINT driving the given harts.
func NewCLINT(harts []InterruptLine) *CLINT {
	if len(harts) > CLINTMaxHarts {
		panic(fmt.Sprintf("rv64: CLINT supports %d harts, got %d", CLINTMaxHarts, len(harts)))
	}
	c := &CLINT{
		harts:    harts,
		msip:     make([]uint32, len(harts)),
		mtimecmp: make([]uint64, len(harts)),
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0)
	}
	return c
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

// Mtime returns the current timer value.
func (c *CLINT) Mtime() uint64 { return c.mtime }

// Tick advances mtime by n and updates every hart's timer interrupt.
func (c *CLINT) Tick(n uint64) {
	c.mtime += n
	for i := range c.harts {
		c.updateTimer(i)
	}
}

func (c *CLINT) updateTimer(i int) {
	c.harts[i].SetInterrupt(MipMTIP, c.mtime >= c.mtimecmp[i])
}

// hartReg splits an offset into a hart index and the offset within that
// hart's register.
func hartReg(offset, base, stride uint64, n int) (int, uint64, bool) {
	if offset < base {
		return 0, 0, false
	}
	i := (offset - base) / stride
	if i >= uint64(n) {
		return 0, 0, false
	}
	return int(i), (offset - base) % stride, true
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	if offset >= CLINTMtime && offset < CLINTMtime+8 {
		return c.mtime >> (8 * (offset - CLINTMtime)), nil
	}
	if i, off, ok := hartReg(offset, CLINTMtimecmp, 8, len(c.harts)); ok {
		return c.mtimecmp[i] >> (8 * off), nil
	}
	if i, off, ok := hartReg(offset, CLINTMsip, 4, len(c.harts)); ok && off == 0 && offset < CLINTMtimecmp {
		return uint64(c.msip[i]), nil
	}
	return 0, nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	if offset >= CLINTMtime && offset < CLINTMtime+8 {
		c.mtime = merge(c.mtime, offset-CLINTMtime, size, value)
		for i := range c.harts {
			c.updateTimer(i)
		}
		return nil
	}
	if i, off, ok := hartReg(offset, CLINTMtimecmp, 8, len(c.harts)); ok {
		c.mtimecmp[i] = merge(c.mtimecmp[i], off, size, value)
		c.updateTimer(i)
		return nil
	}
	if i, off, ok := hartReg(offset, CLINTMsip, 4, len(c.harts)); ok && off == 0 && offset < CLINTMtimecmp {
		c.msip[i] = uint32(value & 1)
		c.harts[i].SetInterrupt(MipMSIP, value&1 != 0)
	}
	return nil
}

// merge writes size bytes of value into reg at byte offset off.
func merge(reg, off uint64, size int, value uint64) uint64 {
	if size >= 8 {
		return value
	}
	shift := 8 * off
	mask := (uint64(1)<<(8*uint(size)) - 1) << shift
	return reg&^mask | (value<<shift)&mask
}

var _ Device = (*CLINT)(nil)
