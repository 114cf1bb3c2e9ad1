package rv64

// Opcode constants
const (
	OpLoad    = 0b0000011 // I-type loads
	OpLoadFP  = 0b0000111 // FP loads
	OpMiscMem = 0b0001111 // FENCE
	OpOpImm   = 0b0010011 // I-type ALU
	OpAuipc   = 0b0010111 // U-type
	OpOpImm32 = 0b0011011 // I-type ALU 32-bit
	OpStore   = 0b0100011 // S-type stores
	OpStoreFP = 0b0100111 // FP stores
	OpAMO     = 0b0101111 // Atomics
	OpOp      = 0b0110011 // R-type ALU
	OpLui     = 0b0110111 // U-type
	OpOp32    = 0b0111011 // R-type ALU 32-bit
	OpBranch  = 0b1100011 // B-type branches
	OpJalr    = 0b1100111 // I-type jump
	OpJal     = 0b1101111 // J-type jump
	OpSystem  = 0b1110011 // System instructions
)

// Fixed system encodings
const (
	insnEcall  uint32 = 0x00000073
	insnEbreak uint32 = 0x00100073
	insnSret   uint32 = 0x10200073
	insnMret   uint32 = 0x30200073
	insnWfi    uint32 = 0x10500073
)

// Instruction field extraction
func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

// Immediate extraction
func immI(insn uint32) int64 {
	return signExtend(uint64(insn>>20), 12)
}

func immS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return signExtend(uint64(imm), 12)
}

func immB(insn uint32) int64 {
	imm := ((insn >> 8) & 0xf) << 1
	imm |= ((insn >> 25) & 0x3f) << 5
	imm |= ((insn >> 7) & 0x1) << 11
	imm |= ((insn >> 31) & 0x1) << 12
	return signExtend(uint64(imm), 13)
}

func immU(insn uint32) int64 {
	return signExtend(uint64(insn&0xfffff000), 32)
}

func immJ(insn uint32) int64 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 0x1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	imm |= ((insn >> 31) & 0x1) << 20
	return signExtend(uint64(imm), 21)
}

// shamt extracts the shift amount for 64-bit shifts
func shamt(insn uint32) uint32 {
	return (insn >> 20) & 0x3f
}

// shamt32 extracts the shift amount for 32-bit shifts
func shamt32(insn uint32) uint32 {
	return (insn >> 20) & 0x1f
}

// insnLength returns the encoded length of the instruction whose low
// halfword is lo.
func insnLength(lo uint16) uint8 {
	if lo&0x3 != 0x3 {
		return 2
	}
	return 4
}
