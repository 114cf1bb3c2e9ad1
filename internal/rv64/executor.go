package rv64

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoBlock is returned by StepOp when no block is in flight.
var ErrNoBlock = errors.New("no block in flight")

// StopReason says why RunBlock returned.
type StopReason uint8

const (
	// StopEnd means the block ran to its last instruction.
	StopEnd StopReason = iota
	// StopTrap means a trap was taken, either at block start or by an
	// instruction inside the block.
	StopTrap
	// StopIdle means the hart is waiting for an interrupt.
	StopIdle
)

func (r StopReason) String() string {
	switch r {
	case StopEnd:
		return "end"
	case StopTrap:
		return "trap"
	case StopIdle:
		return "idle"
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

// Exit describes how a block run finished.
type Exit struct {
	Reason StopReason
	// PC and Mode are where execution continues.
	PC    uint64
	Mode  Mode
	Insns int
}

// StartBlock begins the block at the current PC. Pending interrupts are
// taken first and fetch faults are routed before translation. A nil block
// with a nil error means no block was started: either a trap was taken,
// in which case the caller starts again at the handler, or the hart is
// idle in WFI.
func (h *Hart) StartBlock() (*Block, error) {
	b, _, err := h.startBlock()
	return b, err
}

func (h *Hart) startBlock() (*Block, StopReason, error) {
	if h.mem == nil {
		return nil, StopIdle, ErrNoMemory
	}
	if h.active != nil {
		return nil, StopIdle, fmt.Errorf("%s: block %s still in flight", h.Name, h.active.Key)
	}
	s := &h.state
	h.retired = 0
	h.trapped = false

	if cause, ok := h.pendingInterrupt(); ok {
		h.raise(&Event{Cause: cause, PC: s.PC, Mode: s.Mode()})
		return nil, StopTrap, nil
	}
	if s.WFI {
		if s.Mip&s.Mie == 0 {
			return nil, StopIdle, nil
		}
		// A locally enabled interrupt wakes the hart even when it is
		// globally masked.
		s.WFI = false
	}

	if h.IFetchExcept(s.PC, true) {
		return nil, StopTrap, nil
	}
	b, err := h.Morph(s.PC)
	if err != nil {
		ev, ok := asEvent(err)
		if !ok {
			return nil, StopIdle, err
		}
		ev.PC, ev.Mode = s.PC, s.Mode()
		h.raise(ev)
		return nil, StopTrap, nil
	}
	h.active = b
	h.opIndex = 0
	h.stale = false
	return b, StopEnd, nil
}

// StepOp executes the next instruction of the block in flight. It returns
// false once the block is finished: the last instruction retired, an
// instruction trapped, or a write invalidated the block's code.
func (h *Hart) StepOp() (bool, error) {
	b := h.active
	if b == nil {
		return false, ErrNoBlock
	}
	o := &b.ops[h.opIndex]
	s := &h.state
	h.npc = o.pc + uint64(o.size)

	if err := o.fn(h, o); err != nil {
		h.active = nil
		ev, ok := asEvent(err)
		if !ok {
			return false, fmt.Errorf("%s: executing 0x%x: %w", h.Name, o.pc, err)
		}
		ev.PC, ev.Mode = o.pc, b.Key.Mode
		if ev.Insn == 0 {
			ev.Insn = o.insn
		}
		h.raise(ev)
		h.trapped = true
		return false, nil
	}

	s.PC = h.npc
	s.Cycle++
	s.Instret++
	h.retired++
	h.opIndex++
	if h.opIndex >= len(b.ops) || h.stale || b.Generation != h.cache.gen || s.WFI {
		h.active = nil
		return false, nil
	}
	return true, nil
}

// EndBlock finishes the current block and returns where execution
// continues. Called with instructions left, the rest of the block is
// abandoned at an instruction boundary.
func (h *Hart) EndBlock() (uint64, Mode) {
	h.active = nil
	h.stale = false
	return h.state.PC, h.state.Mode()
}

// RunBlock starts a block, steps it to completion and ends it.
func (h *Hart) RunBlock() (Exit, error) {
	b, reason, err := h.startBlock()
	if err != nil {
		return Exit{}, err
	}
	if b != nil {
		for {
			more, err := h.StepOp()
			if err != nil {
				return Exit{}, err
			}
			if !more {
				break
			}
		}
		reason = StopEnd
		if h.trapped {
			reason = StopTrap
		}
	}
	pc, mode := h.EndBlock()
	return Exit{Reason: reason, PC: pc, Mode: mode, Insns: h.retired}, nil
}

// Run executes up to maxBlocks blocks, or until the hart goes idle or ctx
// is cancelled. maxBlocks <= 0 means no limit.
func (h *Hart) Run(ctx context.Context, maxBlocks int) (Exit, error) {
	var last Exit
	total := 0
	for n := 0; maxBlocks <= 0 || n < maxBlocks; n++ {
		if n%64 == 0 {
			if err := ctx.Err(); err != nil {
				last.Insns = total
				return last, err
			}
		}
		exit, err := h.RunBlock()
		if err != nil {
			return exit, err
		}
		total += exit.Insns
		last = exit
		if exit.Reason == StopIdle {
			break
		}
	}
	last.Insns = total
	return last, nil
}

// NextPC returns the address the instruction at the current PC continues
// at, without executing it or changing any state. When that instruction
// cannot be fetched the current PC is returned.
func (h *Hart) NextPC() uint64 {
	s := &h.state
	if h.mem == nil || s.WFI {
		return s.PC
	}
	if err := h.probeFetch(s.PC, true); err != nil {
		return s.PC
	}
	paddr, err := h.mmu.translate(s.PC, accessFetch, true)
	if err != nil {
		return s.PC
	}
	lo, err := h.readPhys(paddr, 2, true)
	if err != nil {
		return s.PC
	}
	insn := uint32(lo)
	size := uint64(insnLength(uint16(lo)))
	if size == 2 {
		if s.Misa&MisaC == 0 {
			return s.PC + size
		}
		x, ok := expandCompressed(uint16(lo))
		if !ok {
			return s.PC + size
		}
		insn = x
	} else {
		hiAddr := paddr + 2
		if (s.PC+2)&(PageSize-1) == 0 {
			if hiAddr, err = h.mmu.translate(s.PC+2, accessFetch, true); err != nil {
				return s.PC
			}
		}
		hi, err := h.readPhys(hiAddr, 2, true)
		if err != nil {
			return s.PC
		}
		insn |= uint32(hi) << 16
	}

	next := s.PC + size
	switch opcode(insn) {
	case OpJal:
		return s.PC + uint64(immJ(insn))
	case OpJalr:
		return (s.ReadReg(rs1(insn)) + uint64(immI(insn))) &^ 1
	case OpBranch:
		cond := branchConds[funct3(insn)]
		if cond != nil && cond(s.ReadReg(rs1(insn)), s.ReadReg(rs2(insn))) {
			return s.PC + uint64(immB(insn))
		}
	case OpSystem:
		switch insn {
		case insnMret:
			if s.Priv == PrivMachine {
				return s.Mepc
			}
		case insnSret:
			switch {
			case s.Priv < PrivSupervisor:
			case s.Virt && s.Hstatus&HstatusVTSR != 0:
			case s.Priv == PrivSupervisor && !s.Virt && s.Mstatus&MstatusTSR != 0:
			case s.Virt:
				return s.Vsepc
			default:
				return s.Sepc
			}
		case insnEcall:
			cause := CauseEcallFromU
			switch {
			case s.Priv == PrivMachine:
				cause = CauseEcallFromM
			case s.Priv == PrivSupervisor && s.Virt:
				cause = CauseEcallFromVS
			case s.Priv == PrivSupervisor:
				cause = CauseEcallFromS
			}
			return h.trapVector(h.rdExcept(FaultNone, cause))
		}
	}
	return next
}

// trapVector returns the synchronous trap vector of a target mode.
func (h *Hart) trapVector(tgt TrapTarget) uint64 {
	switch tgt.Mode {
	case ModeVirtualSupervisor:
		return vector(h.state.Vstvec, false, 0)
	case ModeSupervisor:
		return vector(h.state.Stvec, false, 0)
	}
	return vector(h.state.Mtvec, false, 0)
}
