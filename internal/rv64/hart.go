package rv64

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
)

// ErrNoMemory is returned when a hart runs before VMInit.
var ErrNoMemory = errors.New("hart has no memory attached")

// Hart is one hardware thread of the processor model: its architectural
// state, block cache and exception router. A Hart is not safe for
// concurrent use; the host drives it from one goroutine and only switches
// harts at block boundaries.
type Hart struct {
	// Name is the SMP name assigned by Model.PostConstruct.
	Name  string
	Index int

	cfg       Config
	misa      uint64
	bigEndian bool
	log       *slog.Logger

	state  State
	mmu    mmu
	cache  *blockCache
	router router

	mem         Memory
	peeker      Peeker
	cancelWatch func()
	siblings    []*Hart

	// In-flight block. active is nil between blocks.
	active  *Block
	opIndex int
	npc     uint64
	stale   bool
	retired int
	trapped bool

	lastCause  uint64
	traps      uint64
	timeSource func() uint64
	running    bool
	closed     bool
}

// State returns a copy of the architectural state.
func (h *Hart) State() State { return h.state }

// SetState replaces the architectural state between blocks and drops all
// translations.
func (h *Hart) SetState(s State) error {
	if h.active != nil {
		return fmt.Errorf("%s: state replaced while a block is in flight", h.Name)
	}
	h.state = s
	h.flushTranslations("state replaced")
	return nil
}

// SetTimeSource sets the function the time CSR reads. By default time
// follows the cycle counter.
func (h *Hart) SetTimeSource(fn func() uint64) { h.timeSource = fn }

// Reset returns the hart to its reset-defined state at the configured
// reset PC. Any in-flight block is abandoned and translations dropped.
func (h *Hart) Reset() {
	h.state = resetState(h.misa, h.state.Mhartid, h.cfg.ResetPC)
	if h.misa&MisaH != 0 {
		h.state.Mideleg = mipVSBits
	}
	h.active = nil
	h.router.state = FaultNone
	h.flushTranslations("reset")
	h.log.Debug("hart reset", "pc", h.state.PC)
}

// CacheStats reports block cache activity.
func (h *Hart) CacheStats() CacheStats {
	return CacheStats{
		Blocks:     h.cache.len(),
		Generation: h.cache.gen,
		Hits:       h.cache.hits,
		Misses:     h.cache.misses,
		Evictions:  h.cache.evictions,
	}
}

// flushTranslations drops every translated block and TLB entry.
func (h *Hart) flushTranslations(reason string) {
	h.cache.flush()
	h.mmu.flush()
	if h.active != nil {
		h.stale = true
	}
	h.log.Debug("translations flushed", "reason", reason, "generation", h.cache.gen)
}

// noteWrite is called for every completed physical write on the memory
// this hart executes from.
func (h *Hart) noteWrite(addr uint64, size int) {
	if size <= 0 {
		return
	}
	end := addr + uint64(size)
	s := &h.state
	if s.ReservationValid && addr < s.Reservation+8 && s.Reservation < end {
		s.ReservationValid = false
	}
	for page := addr >> PageShift; page <= (end-1)>>PageShift; page++ {
		if !h.cache.holdsCode(page) {
			continue
		}
		if h.active != nil {
			for _, p := range h.active.pages {
				if p == page {
					h.stale = true
				}
			}
		}
		n := h.cache.invalidatePage(page)
		h.log.Debug("code page written", "page", page<<PageShift, "blocks", n)
	}
}

// readPhys reads physical memory. With probe set it prefers a
// side-effect free read.
func (h *Hart) readPhys(paddr uint64, size int, probe bool) (uint64, error) {
	if probe && h.peeker != nil {
		return h.peeker.Peek(paddr, size)
	}
	return h.mem.Read(paddr, size)
}

// writePhys writes physical memory. Without a watching memory the write is
// reported to this hart and its siblings directly.
func (h *Hart) writePhys(paddr uint64, size int, val uint64) error {
	if err := h.mem.Write(paddr, size, val); err != nil {
		return err
	}
	if h.cancelWatch == nil {
		h.noteWrite(paddr, size)
		for _, sib := range h.siblings {
			sib.noteWrite(paddr, size)
		}
	}
	return nil
}

// toData converts between memory order and register order for data
// accesses.
func (h *Hart) toData(val uint64, size int) uint64 {
	if !h.bigEndian || size == 1 {
		return val
	}
	return bits.ReverseBytes64(val) >> (64 - 8*size)
}

func (h *Hart) loadPhys(paddr uint64, size int) (uint64, error) {
	val, err := h.mem.Read(paddr, size)
	if err != nil {
		return 0, err
	}
	return h.toData(val, size), nil
}

func (h *Hart) storePhys(paddr uint64, size int, val uint64) error {
	return h.writePhys(paddr, size, h.toData(val, size))
}

// load performs a data load through the MMU.
func (h *Hart) load(vaddr uint64, size int) (uint64, error) {
	if vaddr%uint64(size) != 0 {
		if !h.cfg.Unaligned {
			return 0, Exception(CauseLoadAddrMisaligned, vaddr)
		}
		return h.loadBytes(vaddr, size)
	}
	paddr, err := h.mmu.translate(vaddr, accessRead, false)
	if err != nil {
		return 0, err
	}
	val, err := h.loadPhys(paddr, size)
	if err != nil {
		return 0, accessFaultFor(accessRead, vaddr, err)
	}
	return val, nil
}

// splitTargets translates every byte of a misaligned access and checks
// that all of them land in side-effect free memory, so the access either
// completes or faults before touching anything. Without a Peeker there is
// no way to check and the access is reported as misaligned.
func (h *Hart) splitTargets(vaddr uint64, size int, access accessKind) ([8]uint64, error) {
	var paddrs [8]uint64
	if h.peeker == nil {
		cause := CauseLoadAddrMisaligned
		if access == accessWrite {
			cause = CauseStoreAddrMisaligned
		}
		return paddrs, Exception(cause, vaddr)
	}
	for i := 0; i < size; i++ {
		paddr, err := h.mmu.translate(vaddr+uint64(i), access, false)
		if err != nil {
			return paddrs, err
		}
		paddrs[i] = paddr
	}
	for i := 0; i < size; i++ {
		if _, err := h.peeker.Peek(paddrs[i], 1); err != nil {
			return paddrs, accessFaultFor(access, vaddr+uint64(i), err)
		}
	}
	return paddrs, nil
}

// loadBytes splits a misaligned load into byte accesses.
func (h *Hart) loadBytes(vaddr uint64, size int) (uint64, error) {
	paddrs, err := h.splitTargets(vaddr, size, accessRead)
	if err != nil {
		return 0, err
	}
	var raw [8]byte
	for i := 0; i < size; i++ {
		b, err := h.mem.Read(paddrs[i], 1)
		if err != nil {
			return 0, accessFaultFor(accessRead, vaddr+uint64(i), err)
		}
		raw[i] = byte(b)
	}
	return h.toData(binary.LittleEndian.Uint64(raw[:]), size), nil
}

// store performs a data store through the MMU.
func (h *Hart) store(vaddr uint64, size int, val uint64) error {
	if vaddr%uint64(size) != 0 {
		if !h.cfg.Unaligned {
			return Exception(CauseStoreAddrMisaligned, vaddr)
		}
		return h.storeBytes(vaddr, size, val)
	}
	paddr, err := h.mmu.translate(vaddr, accessWrite, false)
	if err != nil {
		return err
	}
	if err := h.storePhys(paddr, size, val); err != nil {
		return accessFaultFor(accessWrite, vaddr, err)
	}
	return nil
}

// storeBytes splits a misaligned store into byte accesses. Every byte is
// checked before any is written.
func (h *Hart) storeBytes(vaddr uint64, size int, val uint64) error {
	paddrs, err := h.splitTargets(vaddr, size, accessWrite)
	if err != nil {
		return err
	}
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], h.toData(val, size))
	for i := 0; i < size; i++ {
		if err := h.writePhys(paddrs[i], 1, uint64(raw[i])); err != nil {
			return accessFaultFor(accessWrite, vaddr+uint64(i), err)
		}
	}
	return nil
}

// probeFetch checks that an instruction fetch at addr would succeed.
func (h *Hart) probeFetch(addr uint64, probe bool) error {
	if h.mem == nil {
		return Exception(CauseInsnAccessFault, addr)
	}
	if addr&1 != 0 || (h.state.Misa&MisaC == 0 && addr&3 != 0) {
		return Exception(CauseInsnAddrMisaligned, addr)
	}
	paddr, err := h.mmu.translate(addr, accessFetch, probe)
	if err != nil {
		return err
	}
	if _, err := h.readPhys(paddr, 2, probe); err != nil {
		return accessFaultFor(accessFetch, addr, err)
	}
	return nil
}
