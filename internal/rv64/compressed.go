package rv64

// Compressed instruction field extraction
func cOp(insn uint16) uint16     { return insn & 0x3 }
func cFunct3(insn uint16) uint16 { return (insn >> 13) & 0x7 }

// C.ADDI4SPN, C.LW, C.LD, C.SW, C.SD register fields (3-bit, mapped to x8-x15)
func cRdP(insn uint16) uint32  { return uint32(((insn >> 2) & 0x7) + 8) }
func cRs1P(insn uint16) uint32 { return uint32(((insn >> 7) & 0x7) + 8) }
func cRs2P(insn uint16) uint32 { return uint32(((insn >> 2) & 0x7) + 8) }

// C.LWSP, C.SDSP, etc. register fields (full 5-bit)
func cRd(insn uint16) uint32  { return uint32((insn >> 7) & 0x1f) }
func cRs2(insn uint16) uint32 { return uint32((insn >> 2) & 0x1f) }

// sImm6 decodes the signed imm[5|4:0] = insn[12|6:2] field.
func sImm6(insn uint16) uint32 {
	imm := uint32(insn>>2) & 0x1f
	if (insn>>12)&1 != 0 {
		imm |= 0xffffffe0
	}
	return imm
}

// shamt6 decodes shamt[5|4:0] = insn[12|6:2].
func shamt6(insn uint16) uint32 {
	sh := uint32(insn>>2) & 0x1f
	if (insn>>12)&1 != 0 {
		sh |= 0x20
	}
	return sh
}

func encodeS(imm, rs2, rs1, f3, op uint32) uint32 {
	return ((imm>>5)&0x7f)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (imm&0x1f)<<7 | op
}

// expandCompressed expands a 16-bit encoding into its 32-bit equivalent.
// ok is false for reserved or unsupported encodings, including the
// floating point forms.
func expandCompressed(insn uint16) (uint32, bool) {
	f3 := cFunct3(insn)

	switch cOp(insn) {
	case 0b00:
		return expandQ0(insn, f3)
	case 0b01:
		return expandQ1(insn, f3)
	case 0b10:
		return expandQ2(insn, f3)
	}
	return 0, false
}

func expandQ0(insn uint16, f3 uint16) (uint32, bool) {
	switch f3 {
	case 0b000: // C.ADDI4SPN
		// nzuimm[5:4|9:6|2|3] = insn[12:5]
		imm := ((uint32(insn) >> 6) & 0x1) << 2
		imm |= ((uint32(insn) >> 5) & 0x1) << 3
		imm |= ((uint32(insn) >> 11) & 0x3) << 4
		imm |= ((uint32(insn) >> 7) & 0xf) << 6
		if imm == 0 {
			return 0, false
		}
		return imm<<20 | 2<<15 | cRdP(insn)<<7 | OpOpImm, true

	case 0b010: // C.LW
		// uimm[5:3|2|6] = insn[12:10|6|5]
		imm := ((uint32(insn) >> 6) & 0x1) << 2
		imm |= ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x1) << 6
		return imm<<20 | cRs1P(insn)<<15 | 0b010<<12 | cRdP(insn)<<7 | OpLoad, true

	case 0b011: // C.LD
		// uimm[5:3|7:6] = insn[12:10|6:5]
		imm := ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x3) << 6
		return imm<<20 | cRs1P(insn)<<15 | 0b011<<12 | cRdP(insn)<<7 | OpLoad, true

	case 0b110: // C.SW
		imm := ((uint32(insn) >> 6) & 0x1) << 2
		imm |= ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x1) << 6
		return encodeS(imm, cRs2P(insn), cRs1P(insn), 0b010, OpStore), true

	case 0b111: // C.SD
		imm := ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x3) << 6
		return encodeS(imm, cRs2P(insn), cRs1P(insn), 0b011, OpStore), true
	}
	return 0, false
}

func expandQ1(insn uint16, f3 uint16) (uint32, bool) {
	switch f3 {
	case 0b000: // C.NOP / C.ADDI
		rd := cRd(insn)
		return sImm6(insn)<<20 | rd<<15 | rd<<7 | OpOpImm, true

	case 0b001: // C.ADDIW
		rd := cRd(insn)
		if rd == 0 {
			return 0, false
		}
		return sImm6(insn)<<20 | rd<<15 | rd<<7 | OpOpImm32, true

	case 0b010: // C.LI
		return sImm6(insn)<<20 | cRd(insn)<<7 | OpOpImm, true

	case 0b011: // C.ADDI16SP / C.LUI
		rd := cRd(insn)
		if rd == 2 {
			// nzimm[9|4|6|8:7|5] = insn[12|6|5|4:3|2]
			imm := ((uint32(insn) >> 2) & 0x1) << 5
			imm |= ((uint32(insn) >> 3) & 0x3) << 7
			imm |= ((uint32(insn) >> 5) & 0x1) << 6
			imm |= ((uint32(insn) >> 6) & 0x1) << 4
			if (insn>>12)&1 != 0 {
				imm |= 0xfffffc00
			}
			if imm == 0 {
				return 0, false
			}
			return imm<<20 | 2<<15 | 2<<7 | OpOpImm, true
		}
		if rd == 0 {
			return 0, false
		}
		// nzimm[17|16:12] = insn[12|6:2]
		imm := (uint32(insn>>2) & 0x1f) << 12
		if (insn>>12)&1 != 0 {
			imm |= 0xfffe0000
		}
		if imm == 0 {
			return 0, false
		}
		return imm&0xfffff000 | rd<<7 | OpLui, true

	case 0b100:
		rd := cRs1P(insn)
		switch (insn >> 10) & 0x3 {
		case 0b00: // C.SRLI
			return shamt6(insn)<<20 | rd<<15 | 0b101<<12 | rd<<7 | OpOpImm, true
		case 0b01: // C.SRAI
			return 0b010000<<26 | shamt6(insn)<<20 | rd<<15 | 0b101<<12 | rd<<7 | OpOpImm, true
		case 0b10: // C.ANDI
			return sImm6(insn)<<20 | rd<<15 | 0b111<<12 | rd<<7 | OpOpImm, true
		case 0b11:
			rs2 := cRs2P(insn)
			wide := (insn>>12)&0x1 != 0
			switch (insn >> 5) & 0x3 {
			case 0b00: // C.SUB / C.SUBW
				if wide {
					return 0b0100000<<25 | rs2<<20 | rd<<15 | rd<<7 | OpOp32, true
				}
				return 0b0100000<<25 | rs2<<20 | rd<<15 | rd<<7 | OpOp, true
			case 0b01: // C.XOR / C.ADDW
				if wide {
					return rs2<<20 | rd<<15 | rd<<7 | OpOp32, true
				}
				return rs2<<20 | rd<<15 | 0b100<<12 | rd<<7 | OpOp, true
			case 0b10: // C.OR
				if !wide {
					return rs2<<20 | rd<<15 | 0b110<<12 | rd<<7 | OpOp, true
				}
			case 0b11: // C.AND
				if !wide {
					return rs2<<20 | rd<<15 | 0b111<<12 | rd<<7 | OpOp, true
				}
			}
		}
		return 0, false

	case 0b101: // C.J
		// imm[11|4|9:8|10|6|7|3:1|5] = insn[12|11|10:9|8|7|6|5:3|2]
		imm := ((uint32(insn) >> 2) & 0x1) << 5
		imm |= ((uint32(insn) >> 3) & 0x7) << 1
		imm |= ((uint32(insn) >> 6) & 0x1) << 7
		imm |= ((uint32(insn) >> 7) & 0x1) << 6
		imm |= ((uint32(insn) >> 8) & 0x1) << 10
		imm |= ((uint32(insn) >> 9) & 0x3) << 8
		imm |= ((uint32(insn) >> 11) & 0x1) << 4
		if (insn>>12)&1 != 0 {
			imm |= 0xfffff800
		}
		// J-type: imm[20|10:1|11|19:12]
		jimm := ((imm >> 12) & 0xff) << 12
		jimm |= ((imm >> 11) & 0x1) << 20
		jimm |= ((imm >> 1) & 0x3ff) << 21
		jimm |= ((imm >> 11) & 0x1) << 31
		return jimm&0xfffff000 | OpJal, true

	case 0b110, 0b111: // C.BEQZ, C.BNEZ
		// imm[8|4:3|7:6|2:1|5] = insn[12|11:10|6:5|4:3|2]
		imm := ((uint32(insn) >> 2) & 0x1) << 5
		imm |= ((uint32(insn) >> 3) & 0x3) << 1
		imm |= ((uint32(insn) >> 5) & 0x3) << 6
		imm |= ((uint32(insn) >> 10) & 0x3) << 3
		if (insn>>12)&1 != 0 {
			imm |= 0xffffff00
		}
		// B-type: imm[12|10:5] rs2 rs1 funct3 imm[4:1|11]
		bimm := ((imm >> 11) & 0x1) << 31
		bimm |= ((imm >> 5) & 0x3f) << 25
		bimm |= ((imm >> 1) & 0xf) << 8
		bimm |= ((imm >> 11) & 0x1) << 7
		bf3 := uint32(0b000)
		if f3 == 0b111 {
			bf3 = 0b001
		}
		return bimm | cRs1P(insn)<<15 | bf3<<12 | OpBranch, true
	}
	return 0, false
}

func expandQ2(insn uint16, f3 uint16) (uint32, bool) {
	switch f3 {
	case 0b000: // C.SLLI
		rd := cRd(insn)
		if rd == 0 {
			return 0, false
		}
		return shamt6(insn)<<20 | rd<<15 | 0b001<<12 | rd<<7 | OpOpImm, true

	case 0b010: // C.LWSP
		rd := cRd(insn)
		if rd == 0 {
			return 0, false
		}
		// uimm[5|4:2|7:6] = insn[12|6:4|3:2]
		imm := ((uint32(insn) >> 2) & 0x3) << 6
		imm |= ((uint32(insn) >> 4) & 0x7) << 2
		imm |= ((uint32(insn) >> 12) & 0x1) << 5
		return imm<<20 | 2<<15 | 0b010<<12 | rd<<7 | OpLoad, true

	case 0b011: // C.LDSP
		rd := cRd(insn)
		if rd == 0 {
			return 0, false
		}
		// uimm[5|4:3|8:6] = insn[12|6:5|4:2]
		imm := ((uint32(insn) >> 2) & 0x7) << 6
		imm |= ((uint32(insn) >> 5) & 0x3) << 3
		imm |= ((uint32(insn) >> 12) & 0x1) << 5
		return imm<<20 | 2<<15 | 0b011<<12 | rd<<7 | OpLoad, true

	case 0b100: // C.JR, C.MV, C.EBREAK, C.JALR, C.ADD
		r1 := cRd(insn)
		r2 := cRs2(insn)
		if (insn>>12)&1 == 0 {
			if r2 == 0 {
				if r1 == 0 {
					return 0, false
				}
				return r1<<15 | OpJalr, true // C.JR
			}
			return r2<<20 | r1<<7 | OpOp, true // C.MV
		}
		if r2 == 0 {
			if r1 == 0 {
				return insnEbreak, true
			}
			return r1<<15 | 1<<7 | OpJalr, true // C.JALR
		}
		return r2<<20 | r1<<15 | r1<<7 | OpOp, true // C.ADD

	case 0b110: // C.SWSP
		// uimm[5:2|7:6] = insn[12:9|8:7]
		imm := ((uint32(insn) >> 7) & 0x3) << 6
		imm |= ((uint32(insn) >> 9) & 0xf) << 2
		return encodeS(imm, cRs2(insn), 2, 0b010, OpStore), true

	case 0b111: // C.SDSP
		// uimm[5:3|8:6] = insn[12:10|9:7]
		imm := ((uint32(insn) >> 7) & 0x7) << 6
		imm |= ((uint32(insn) >> 10) & 0x7) << 3
		return encodeS(imm, cRs2(insn), 2, 0b011, OpStore), true
	}
	return 0, false
}
