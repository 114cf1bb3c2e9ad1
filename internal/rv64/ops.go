package rv64

import (
	"math"
)

// opFunc executes one lowered instruction. It returns an *Event when the
// instruction faults, in which case it must not have changed any state.
type opFunc func(h *Hart, o *op) error

// op is one lowered instruction: a handler plus its decoded operands.
type op struct {
	fn   opFunc
	alu  func(a, b uint64) uint64
	cond func(a, b uint64) bool

	pc   uint64
	insn uint32 // 32-bit encoding, expanded if compressed
	size uint8  // encoded length in bytes

	rd, rs1, rs2 uint32
	imm          int64
	csr          uint16
	funct3       uint32
	width        int
	signed       bool

	// cause and tval for ops that always trap
	cause uint64
	tval  uint64
}

func opLui(h *Hart, o *op) error {
	h.state.WriteReg(o.rd, uint64(o.imm))
	return nil
}

func opAuipc(h *Hart, o *op) error {
	h.state.WriteReg(o.rd, o.pc+uint64(o.imm))
	return nil
}

func opALUImm(h *Hart, o *op) error {
	h.state.WriteReg(o.rd, o.alu(h.state.ReadReg(o.rs1), uint64(o.imm)))
	return nil
}

func opALU(h *Hart, o *op) error {
	h.state.WriteReg(o.rd, o.alu(h.state.ReadReg(o.rs1), h.state.ReadReg(o.rs2)))
	return nil
}

// opDiv covers DIV[U][W] and REM[U][W]. Division by zero and signed
// overflow are arithmetic faults that retire with the defined result.
func opDiv(h *Hart, o *op) error {
	a, b := h.state.ReadReg(o.rs1), h.state.ReadReg(o.rs2)
	var special bool
	if o.width == 4 {
		special = uint32(b) == 0 || (o.signed && int32(a) == math.MinInt32 && int32(b) == -1)
	} else {
		special = b == 0 || (o.signed && int64(a) == math.MinInt64 && int64(b) == -1)
	}
	if special {
		val := h.arithFault(&Event{Class: FaultArithmetic, Insn: o.insn, PC: o.pc, Addr: o.pc, Mode: h.state.Mode()})
		h.state.WriteReg(o.rd, val)
		return nil
	}
	h.state.WriteReg(o.rd, o.alu(a, b))
	return nil
}

// checkTarget faults on jumps to addresses the fetch unit cannot reach.
func (h *Hart) checkTarget(target uint64) error {
	if target&1 != 0 || (h.state.Misa&MisaC == 0 && target&3 != 0) {
		return Exception(CauseInsnAddrMisaligned, target)
	}
	return nil
}

func opJal(h *Hart, o *op) error {
	target := o.pc + uint64(o.imm)
	if err := h.checkTarget(target); err != nil {
		return err
	}
	h.state.WriteReg(o.rd, o.pc+uint64(o.size))
	h.npc = target
	return nil
}

func opJalr(h *Hart, o *op) error {
	target := (h.state.ReadReg(o.rs1) + uint64(o.imm)) &^ 1
	if err := h.checkTarget(target); err != nil {
		return err
	}
	h.state.WriteReg(o.rd, o.pc+uint64(o.size))
	h.npc = target
	return nil
}

func opBranch(h *Hart, o *op) error {
	if !o.cond(h.state.ReadReg(o.rs1), h.state.ReadReg(o.rs2)) {
		return nil
	}
	target := o.pc + uint64(o.imm)
	if err := h.checkTarget(target); err != nil {
		return err
	}
	h.npc = target
	return nil
}

func opLoad(h *Hart, o *op) error {
	addr := h.state.ReadReg(o.rs1) + uint64(o.imm)
	val, err := h.load(addr, o.width)
	if err != nil {
		return err
	}
	if o.signed {
		val = uint64(signExtend(val, o.width*8))
	}
	h.state.WriteReg(o.rd, val)
	return nil
}

func opStore(h *Hart, o *op) error {
	addr := h.state.ReadReg(o.rs1) + uint64(o.imm)
	return h.store(addr, o.width, h.state.ReadReg(o.rs2))
}

func opLR(h *Hart, o *op) error {
	addr := h.state.ReadReg(o.rs1)
	if addr%uint64(o.width) != 0 {
		return Exception(CauseLoadAddrMisaligned, addr)
	}
	paddr, err := h.mmu.translate(addr, accessRead, false)
	if err != nil {
		return err
	}
	val, err := h.loadPhys(paddr, o.width)
	if err != nil {
		return accessFaultFor(accessRead, addr, err)
	}
	if o.width == 4 {
		val = uint64(int64(int32(val)))
	}
	h.state.WriteReg(o.rd, val)
	h.state.Reservation = paddr
	h.state.ReservationValid = true
	return nil
}

func opSC(h *Hart, o *op) error {
	addr := h.state.ReadReg(o.rs1)
	if addr%uint64(o.width) != 0 {
		return Exception(CauseStoreAddrMisaligned, addr)
	}
	paddr, err := h.mmu.translate(addr, accessWrite, false)
	if err != nil {
		return err
	}
	if !h.state.ReservationValid || h.state.Reservation != paddr {
		h.state.ReservationValid = false
		h.state.WriteReg(o.rd, 1)
		return nil
	}
	if err := h.storePhys(paddr, o.width, h.state.ReadReg(o.rs2)); err != nil {
		return accessFaultFor(accessWrite, addr, err)
	}
	h.state.ReservationValid = false
	h.state.WriteReg(o.rd, 0)
	return nil
}

// opAMO performs a read-modify-write. o.alu combines the old memory value
// with rs2.
func opAMO(h *Hart, o *op) error {
	addr := h.state.ReadReg(o.rs1)
	if addr%uint64(o.width) != 0 {
		return Exception(CauseStoreAddrMisaligned, addr)
	}
	paddr, err := h.mmu.translate(addr, accessWrite, false)
	if err != nil {
		return err
	}
	old, err := h.loadPhys(paddr, o.width)
	if err != nil {
		return accessFaultFor(accessWrite, addr, err)
	}
	if o.width == 4 {
		old = uint64(int64(int32(old)))
	}
	if err := h.storePhys(paddr, o.width, o.alu(old, h.state.ReadReg(o.rs2))); err != nil {
		return accessFaultFor(accessWrite, addr, err)
	}
	h.state.WriteReg(o.rd, old)
	return nil
}

func opCSR(h *Hart, o *op) error {
	if o.csr >= CSRCycle && o.csr <= CSRInstret && !h.counterEnabled(o.csr) {
		cause := CauseIllegalInsn
		if h.state.Virt && h.state.Mcounteren&(1<<(o.csr-CSRCycle)) != 0 {
			cause = CauseVirtualInsn
		}
		return Exception(cause, uint64(o.insn))
	}

	src := h.state.ReadReg(o.rs1)
	if o.funct3 >= 5 {
		// Immediate forms use rs1 field as immediate
		src = uint64(o.rs1)
	}

	old := h.csrRead(o.csr)
	var val uint64
	write := true
	switch o.funct3 & 3 {
	case 1: // CSRRW(I)
		val = src
	case 2: // CSRRS(I)
		val = old | src
		write = o.rs1 != 0
	case 3: // CSRRC(I)
		val = old &^ src
		write = o.rs1 != 0
	}
	if write && h.csrWrite(o.csr, val) {
		h.flushTranslations("csr write")
	}
	h.state.WriteReg(o.rd, old)
	return nil
}

func opEcall(h *Hart, o *op) error {
	s := &h.state
	cause := CauseEcallFromU
	switch {
	case s.Priv == PrivMachine:
		cause = CauseEcallFromM
	case s.Priv == PrivSupervisor && s.Virt:
		cause = CauseEcallFromVS
	case s.Priv == PrivSupervisor:
		cause = CauseEcallFromS
	}
	return &Event{Cause: cause, Insn: o.insn, PC: o.pc, Mode: s.Mode()}
}

func opEbreak(h *Hart, o *op) error {
	return &Event{Cause: CauseBreakpoint, Addr: o.pc, Insn: o.insn, PC: o.pc, Mode: h.state.Mode()}
}

func opMret(h *Hart, o *op) error {
	h.mret()
	h.npc = h.state.PC
	return nil
}

func opSret(h *Hart, o *op) error {
	h.sret()
	h.npc = h.state.PC
	return nil
}

func opWfi(h *Hart, o *op) error {
	h.state.WFI = true
	return nil
}

func opFence(h *Hart, o *op) error { return nil }

func opFenceI(h *Hart, o *op) error {
	h.flushTranslations("fence.i")
	return nil
}

func opSfence(h *Hart, o *op) error {
	h.flushTranslations("sfence")
	return nil
}

// opFault raises the trap decided at translation time.
func opFault(h *Hart, o *op) error {
	return Exception(o.cause, o.tval)
}

// ALU functions

func aluAdd(a, b uint64) uint64  { return a + b }
func aluSub(a, b uint64) uint64  { return a - b }
func aluSll(a, b uint64) uint64  { return a << (b & 0x3f) }
func aluSrl(a, b uint64) uint64  { return a >> (b & 0x3f) }
func aluSra(a, b uint64) uint64  { return uint64(int64(a) >> (b & 0x3f)) }
func aluXor(a, b uint64) uint64  { return a ^ b }
func aluOr(a, b uint64) uint64   { return a | b }
func aluAnd(a, b uint64) uint64  { return a & b }
func aluSwap(a, b uint64) uint64 { return b }

func aluSlt(a, b uint64) uint64 {
	if int64(a) < int64(b) {
		return 1
	}
	return 0
}

func aluSltu(a, b uint64) uint64 {
	if a < b {
		return 1
	}
	return 0
}

func aluAddw(a, b uint64) uint64 { return uint64(int64(int32(uint32(a) + uint32(b)))) }
func aluSubw(a, b uint64) uint64 { return uint64(int64(int32(uint32(a) - uint32(b)))) }
func aluSllw(a, b uint64) uint64 { return uint64(int64(int32(uint32(a) << (b & 0x1f)))) }
func aluSrlw(a, b uint64) uint64 { return uint64(int64(int32(uint32(a) >> (b & 0x1f)))) }
func aluSraw(a, b uint64) uint64 { return uint64(int64(int32(a) >> (b & 0x1f))) }

func aluMul(a, b uint64) uint64 { return a * b }

func aluMulh(a, b uint64) uint64 {
	hi, _ := mulh64(int64(a), int64(b))
	return uint64(hi)
}

func aluMulhsu(a, b uint64) uint64 {
	hi, _ := mulhsu64(int64(a), b)
	return uint64(hi)
}

func aluMulhu(a, b uint64) uint64 {
	hi, _ := mulhu64(a, b)
	return hi
}

func aluMulw(a, b uint64) uint64 { return uint64(int64(int32(a) * int32(b))) }

// Divide ALU functions only see operands opDiv has already screened.
func aluDiv(a, b uint64) uint64  { return uint64(int64(a) / int64(b)) }
func aluDivu(a, b uint64) uint64 { return a / b }
func aluRem(a, b uint64) uint64  { return uint64(int64(a) % int64(b)) }
func aluRemu(a, b uint64) uint64 { return a % b }

func aluDivw(a, b uint64) uint64  { return uint64(int64(int32(a) / int32(b))) }
func aluDivuw(a, b uint64) uint64 { return uint64(int64(int32(uint32(a) / uint32(b)))) }
func aluRemw(a, b uint64) uint64  { return uint64(int64(int32(a) % int32(b))) }
func aluRemuw(a, b uint64) uint64 { return uint64(int64(int32(uint32(a) % uint32(b)))) }

func aluMin(a, b uint64) uint64 {
	if int64(a) < int64(b) {
		return a
	}
	return b
}

func aluMax(a, b uint64) uint64 {
	if int64(a) > int64(b) {
		return a
	}
	return b
}

func aluMinu(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func aluMaxu(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// 32-bit AMO min/max compare the low words.
func aluMinw(a, b uint64) uint64 {
	if int32(a) < int32(b) {
		return a
	}
	return b
}

func aluMaxw(a, b uint64) uint64 {
	if int32(a) > int32(b) {
		return a
	}
	return b
}

func aluMinuw(a, b uint64) uint64 {
	if uint32(a) < uint32(b) {
		return a
	}
	return b
}

func aluMaxuw(a, b uint64) uint64 {
	if uint32(a) > uint32(b) {
		return a
	}
	return b
}

// Branch conditions

func condEq(a, b uint64) bool  { return a == b }
func condNe(a, b uint64) bool  { return a != b }
func condLt(a, b uint64) bool  { return int64(a) < int64(b) }
func condGe(a, b uint64) bool  { return int64(a) >= int64(b) }
func condLtu(a, b uint64) bool { return a < b }
func condGeu(a, b uint64) bool { return a >= b }

// Helper for 64-bit unsigned multiply high
func mulhu64(a, b uint64) (uint64, uint64) {
	const mask32 = 0xFFFFFFFF
	a0 := a & mask32
	a1 := a >> 32
	b0 := b & mask32
	b1 := b >> 32

	p0 := a0 * b0
	p1 := a0 * b1
	p2 := a1 * b0
	p3 := a1 * b1

	carry := ((p0 >> 32) + (p1 & mask32) + (p2 & mask32)) >> 32
	hi := p3 + (p1 >> 32) + (p2 >> 32) + carry
	lo := a * b

	return hi, lo
}

// Helper for 64-bit signed multiply high
func mulh64(a, b int64) (int64, uint64) {
	negResult := (a < 0) != (b < 0)
	ua := uint64(a)
	ub := uint64(b)
	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}

	hi, lo := mulhu64(ua, ub)

	if negResult {
		// Negate 128-bit result
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}

	return int64(hi), lo
}

// Helper for 64-bit signed*unsigned multiply high
func mulhsu64(a int64, b uint64) (int64, uint64) {
	negResult := a < 0
	ua := uint64(a)
	if a < 0 {
		ua = uint64(-a)
	}

	hi, lo := mulhu64(ua, b)

	if negResult {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}

	return int64(hi), lo
}
