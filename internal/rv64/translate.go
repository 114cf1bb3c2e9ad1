package rv64

import (
	"fmt"
)

// ctx collects the decode-affecting state bits for the block key.
func (h *Hart) ctx() Ctx {
	s := &h.state
	var c Ctx
	if s.Misa&MisaC != 0 {
		c |= CtxCompressed
	}
	if s.Mstatus&MstatusTVM != 0 {
		c |= CtxTVM
	}
	if s.Mstatus&MstatusTW != 0 {
		c |= CtxTW
	}
	if s.Mstatus&MstatusTSR != 0 {
		c |= CtxTSR
	}
	if s.Hstatus&HstatusVTVM != 0 {
		c |= CtxVTVM
	}
	if s.Hstatus&HstatusVTW != 0 {
		c |= CtxVTW
	}
	if s.Hstatus&HstatusVTSR != 0 {
		c |= CtxVTSR
	}
	if h.bigEndian {
		c |= CtxBigEndian
	}
	return c
}

// Key returns the block key for the current state.
func (h *Hart) Key() BlockKey {
	return BlockKey{PC: h.state.PC, Mode: h.state.Mode(), Ctx: h.ctx()}
}

// Morph returns the block starting at pc for the current mode and context,
// translating it on a cache miss. A fetch fault on the first instruction
// is returned as an *Event; Morph never changes architectural state.
func (h *Hart) Morph(pc uint64) (*Block, error) {
	return h.morphKey(BlockKey{PC: pc, Mode: h.state.Mode(), Ctx: h.ctx()})
}

func (h *Hart) morphKey(key BlockKey) (*Block, error) {
	if b, ok := h.cache.get(key); ok {
		if h.cfg.CheckDeterminism {
			fresh, err := h.translate(key)
			if err != nil || !fresh.equivalent(b) {
				panic(fmt.Sprintf("rv64: %s: block %s does not re-translate identically", h.Name, key))
			}
		}
		return b, nil
	}

	b, err := h.translate(key)
	if err != nil {
		return nil, err
	}
	h.cache.add(b)
	h.log.Debug("translated block", "key", key, "insns", b.Len(), "exit", b.Disposition, "generation", b.Generation)
	return b, nil
}

// translate lowers instructions from key.PC until a block terminator.
func (h *Hart) translate(key BlockKey) (*Block, error) {
	b := &Block{Key: key}
	pc := key.PC
	for len(b.ops) < h.cfg.MaxBlockInsns {
		raw, size, pages, err := h.fetchInsn(pc, key.Ctx)
		if err != nil {
			if len(b.ops) == 0 {
				return nil, err
			}
			// The fault is raised when a block starts at pc.
			break
		}
		o, exit := h.lower(key, pc, raw, size)
		b.ops = append(b.ops, o)
		for _, p := range pages {
			if len(b.pages) == 0 || b.pages[len(b.pages)-1] != p {
				b.pages = append(b.pages, p)
			}
		}
		pc += uint64(size)

		if exit.stop {
			b.Disposition = exit.disposition
			b.Targets = exit.targets
			break
		}
		if len(pages) > 1 || pc&(PageSize-1) == 0 {
			break
		}
	}
	b.End = pc
	return b, nil
}

// fetchInsn reads the instruction at pc and returns its raw encoding,
// length and the physical pages it occupies.
func (h *Hart) fetchInsn(pc uint64, ctx Ctx) (uint32, uint8, []uint64, error) {
	if pc&1 != 0 || (ctx&CtxCompressed == 0 && pc&3 != 0) {
		return 0, 0, nil, Exception(CauseInsnAddrMisaligned, pc)
	}
	paddr, err := h.mmu.translate(pc, accessFetch, false)
	if err != nil {
		return 0, 0, nil, err
	}
	lo, err := h.mem.Read(paddr, 2)
	if err != nil {
		return 0, 0, nil, accessFaultFor(accessFetch, pc, err)
	}
	pages := []uint64{paddr >> PageShift}
	if insnLength(uint16(lo)) == 2 {
		return uint32(lo), 2, pages, nil
	}

	hiAddr := paddr + 2
	if (pc+2)&(PageSize-1) == 0 {
		hiAddr, err = h.mmu.translate(pc+2, accessFetch, false)
		if err != nil {
			return 0, 0, nil, err
		}
		pages = append(pages, hiAddr>>PageShift)
	}
	hi, err := h.mem.Read(hiAddr, 2)
	if err != nil {
		return 0, 0, nil, accessFaultFor(accessFetch, pc+2, err)
	}
	return uint32(lo) | uint32(hi)<<16, 4, pages, nil
}

type blockExit struct {
	stop        bool
	disposition Disposition
	targets     []uint64
}

var (
	continueBlock = blockExit{}
	endBlock      = blockExit{stop: true, disposition: ExitFallThrough}
	trapBlock     = blockExit{stop: true, disposition: ExitTrap}
)

func branchExit(targets ...uint64) blockExit {
	return blockExit{stop: true, disposition: ExitBranch, targets: targets}
}

// lower decodes one instruction into an op.
func (h *Hart) lower(key BlockKey, pc uint64, raw uint32, size uint8) (op, blockExit) {
	o := op{pc: pc, size: size, insn: raw}

	illegal := func(cause uint64) (op, blockExit) {
		o.fn = opFault
		o.cause = cause
		o.tval = uint64(raw)
		return o, trapBlock
	}

	if size == 2 {
		if key.Ctx&CtxCompressed == 0 {
			return illegal(CauseIllegalInsn)
		}
		insn, ok := expandCompressed(uint16(raw))
		if !ok {
			return illegal(CauseIllegalInsn)
		}
		o.insn = insn
	}

	insn := o.insn
	o.rd, o.rs1, o.rs2 = rd(insn), rs1(insn), rs2(insn)
	o.funct3 = funct3(insn)
	f3, f7 := o.funct3, funct7(insn)
	next := pc + uint64(size)

	switch opcode(insn) {
	case OpLui:
		o.fn, o.imm = opLui, immU(insn)
	case OpAuipc:
		o.fn, o.imm = opAuipc, immU(insn)

	case OpJal:
		o.fn, o.imm = opJal, immJ(insn)
		return o, branchExit(pc + uint64(o.imm))
	case OpJalr:
		if f3 != 0 {
			return illegal(CauseIllegalInsn)
		}
		o.fn, o.imm = opJalr, immI(insn)
		return o, branchExit()
	case OpBranch:
		o.cond = branchConds[f3]
		if o.cond == nil {
			return illegal(CauseIllegalInsn)
		}
		o.fn, o.imm = opBranch, immB(insn)
		return o, branchExit(pc+uint64(o.imm), next)

	case OpLoad:
		if f3 == 0b111 {
			return illegal(CauseIllegalInsn)
		}
		o.fn, o.imm = opLoad, immI(insn)
		o.width = 1 << (f3 & 3)
		o.signed = f3&0b100 == 0 && o.width < 8
	case OpStore:
		if f3 > 0b011 {
			return illegal(CauseIllegalInsn)
		}
		o.fn, o.imm = opStore, immS(insn)
		o.width = 1 << f3

	case OpOpImm:
		o.fn, o.imm = opALUImm, immI(insn)
		switch f3 {
		case 0b000:
			o.alu = aluAdd
		case 0b010:
			o.alu = aluSlt
		case 0b011:
			o.alu = aluSltu
		case 0b100:
			o.alu = aluXor
		case 0b110:
			o.alu = aluOr
		case 0b111:
			o.alu = aluAnd
		case 0b001:
			if insn>>26 != 0 {
				return illegal(CauseIllegalInsn)
			}
			o.alu, o.imm = aluSll, int64(shamt(insn))
		case 0b101:
			switch insn >> 26 {
			case 0b000000:
				o.alu = aluSrl
			case 0b010000:
				o.alu = aluSra
			default:
				return illegal(CauseIllegalInsn)
			}
			o.imm = int64(shamt(insn))
		}
	case OpOpImm32:
		o.fn, o.imm = opALUImm, immI(insn)
		switch {
		case f3 == 0b000:
			o.alu = aluAddw
		case f3 == 0b001 && f7 == 0:
			o.alu, o.imm = aluSllw, int64(shamt32(insn))
		case f3 == 0b101 && f7 == 0:
			o.alu, o.imm = aluSrlw, int64(shamt32(insn))
		case f3 == 0b101 && f7 == 0b0100000:
			o.alu, o.imm = aluSraw, int64(shamt32(insn))
		default:
			return illegal(CauseIllegalInsn)
		}

	case OpOp, OpOp32:
		wide := opcode(insn) == OpOp
		if f7 == 0b0000001 {
			if h.misa&MisaM == 0 {
				return illegal(CauseIllegalInsn)
			}
			return h.lowerMulDiv(o, wide, illegal)
		}
		table := aluOps32
		if wide {
			table = aluOps
		}
		fn, ok := table[aluKey{f3, f7}]
		if !ok {
			return illegal(CauseIllegalInsn)
		}
		o.fn, o.alu = opALU, fn

	case OpAMO:
		if h.misa&MisaA == 0 || (f3 != 0b010 && f3 != 0b011) {
			return illegal(CauseIllegalInsn)
		}
		return h.lowerAMO(o, illegal)

	case OpMiscMem:
		switch f3 {
		case 0b000:
			o.fn = opFence
		case 0b001:
			o.fn = opFenceI
			return o, endBlock
		default:
			return illegal(CauseIllegalInsn)
		}

	case OpSystem:
		return h.lowerSystem(key, o, illegal)

	default:
		// Includes the floating point opcodes.
		return illegal(CauseIllegalInsn)
	}
	return o, continueBlock
}

var branchConds = [8]func(a, b uint64) bool{
	0b000: condEq,
	0b001: condNe,
	0b100: condLt,
	0b101: condGe,
	0b110: condLtu,
	0b111: condGeu,
}

type aluKey struct {
	funct3, funct7 uint32
}

var aluOps = map[aluKey]func(a, b uint64) uint64{
	{0b000, 0}:         aluAdd,
	{0b000, 0b0100000}: aluSub,
	{0b001, 0}:         aluSll,
	{0b010, 0}:         aluSlt,
	{0b011, 0}:         aluSltu,
	{0b100, 0}:         aluXor,
	{0b101, 0}:         aluSrl,
	{0b101, 0b0100000}: aluSra,
	{0b110, 0}:         aluOr,
	{0b111, 0}:         aluAnd,
}

var aluOps32 = map[aluKey]func(a, b uint64) uint64{
	{0b000, 0}:         aluAddw,
	{0b000, 0b0100000}: aluSubw,
	{0b001, 0}:         aluSllw,
	{0b101, 0}:         aluSrlw,
	{0b101, 0b0100000}: aluSraw,
}

func (h *Hart) lowerMulDiv(o op, wide bool, illegal func(uint64) (op, blockExit)) (op, blockExit) {
	f3 := o.funct3
	if wide {
		o.fn = opALU
		switch f3 {
		case 0b000:
			o.alu = aluMul
		case 0b001:
			o.alu = aluMulh
		case 0b010:
			o.alu = aluMulhsu
		case 0b011:
			o.alu = aluMulhu
		default:
			o.fn, o.width = opDiv, 8
			o.signed = f3&1 == 0
			o.alu = [4]func(a, b uint64) uint64{aluDiv, aluDivu, aluRem, aluRemu}[f3-0b100]
		}
		return o, continueBlock
	}

	switch f3 {
	case 0b000:
		o.fn, o.alu = opALU, aluMulw
	case 0b100, 0b101, 0b110, 0b111:
		o.fn, o.width = opDiv, 4
		o.signed = f3&1 == 0
		o.alu = [4]func(a, b uint64) uint64{aluDivw, aluDivuw, aluRemw, aluRemuw}[f3-0b100]
	default:
		return illegal(CauseIllegalInsn)
	}
	return o, continueBlock
}

func (h *Hart) lowerAMO(o op, illegal func(uint64) (op, blockExit)) (op, blockExit) {
	o.width = 4
	if o.funct3 == 0b011 {
		o.width = 8
	}
	f5 := funct7(o.insn) >> 2
	w := o.width == 4

	switch f5 {
	case 0b00010: // LR
		if o.rs2 != 0 {
			return illegal(CauseIllegalInsn)
		}
		o.fn = opLR
		return o, continueBlock
	case 0b00011: // SC
		o.fn = opSC
		return o, continueBlock
	}

	o.fn = opAMO
	switch f5 {
	case 0b00001:
		o.alu = aluSwap
	case 0b00000:
		o.alu = aluAdd
	case 0b00100:
		o.alu = aluXor
	case 0b01100:
		o.alu = aluAnd
	case 0b01000:
		o.alu = aluOr
	case 0b10000:
		o.alu = pick(w, aluMinw, aluMin)
	case 0b10100:
		o.alu = pick(w, aluMaxw, aluMax)
	case 0b11000:
		o.alu = pick(w, aluMinuw, aluMinu)
	case 0b11100:
		o.alu = pick(w, aluMaxuw, aluMaxu)
	default:
		return illegal(CauseIllegalInsn)
	}
	return o, continueBlock
}

func pick(cond bool, a, b func(x, y uint64) uint64) func(x, y uint64) uint64 {
	if cond {
		return a
	}
	return b
}

// lowerSystem lowers ECALL, EBREAK, xRET, WFI, fences and CSR accesses.
// Privilege checks that depend only on the block key are resolved here.
func (h *Hart) lowerSystem(key BlockKey, o op, illegal func(uint64) (op, blockExit)) (op, blockExit) {
	insn := o.insn
	priv, virt := key.Mode.Priv(), key.Mode.Virtual()
	// Instructions legal in HS but not in VS raise virtual-instruction.
	deny := func() (op, blockExit) {
		if virt {
			return illegal(CauseVirtualInsn)
		}
		return illegal(CauseIllegalInsn)
	}

	if o.funct3 == 0 {
		switch insn {
		case insnEcall:
			o.fn = opEcall
			return o, trapBlock
		case insnEbreak:
			o.fn = opEbreak
			return o, trapBlock
		case insnMret:
			if priv < PrivMachine {
				return illegal(CauseIllegalInsn)
			}
			o.fn = opMret
			return o, branchExit()
		case insnSret:
			switch {
			case priv < PrivSupervisor:
				return deny()
			case priv == PrivSupervisor && !virt && key.Ctx&CtxTSR != 0:
				return illegal(CauseIllegalInsn)
			case virt && key.Ctx&CtxVTSR != 0:
				return illegal(CauseVirtualInsn)
			}
			o.fn = opSret
			return o, branchExit()
		case insnWfi:
			switch {
			case priv < PrivMachine && key.Ctx&CtxTW != 0:
				return illegal(CauseIllegalInsn)
			case priv == PrivUser:
				return deny()
			case virt && key.Ctx&CtxVTW != 0:
				return illegal(CauseVirtualInsn)
			}
			o.fn = opWfi
			return o, endBlock
		}

		if o.rd != 0 {
			return illegal(CauseIllegalInsn)
		}
		switch funct7(insn) {
		case 0b0001001: // SFENCE.VMA
			switch {
			case priv == PrivUser:
				return deny()
			case priv == PrivSupervisor && !virt && key.Ctx&CtxTVM != 0:
				return illegal(CauseIllegalInsn)
			case virt && key.Ctx&CtxVTVM != 0:
				return illegal(CauseVirtualInsn)
			}
			o.fn = opSfence
			return o, endBlock
		case 0b0010001, 0b0110001: // HFENCE.VVMA, HFENCE.GVMA
			if h.misa&MisaH == 0 {
				return illegal(CauseIllegalInsn)
			}
			if virt {
				return illegal(CauseVirtualInsn)
			}
			if priv < PrivSupervisor {
				return illegal(CauseIllegalInsn)
			}
			o.fn = opSfence
			return o, endBlock
		}
		return illegal(CauseIllegalInsn)
	}

	if o.funct3 == 0b100 {
		return illegal(CauseIllegalInsn)
	}

	o.csr = uint16(insn >> 20)
	write := o.funct3&3 == 1 || o.rs1 != 0
	if cause, bad := csrCheck(o.csr, write, key.Mode, key.Ctx, h.misa); bad {
		return illegal(cause)
	}
	o.fn = opCSR
	return o, endBlock
}
