package rv64

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

const (
	testRAMSize = 1 << 20
	base        = uint64(DefaultRAMBase)
	mtvecAddr   = base + 0x400
)

// Integer registers by ABI name.
const (
	zero = 0
	ra   = 1
	t0   = 5
	t1   = 6
	t2   = 7
	a0   = 10
	a1   = 11
	a2   = 12
	a3   = 13
	a4   = 14
	a5   = 15
	a6   = 16
	a7   = 17
	t3   = 28
)

func encR(f7, rs2, rs1, f3, rd, op uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func encI(imm int32, rs1, f3, rd, op uint32) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func encS(imm int32, rs2, rs1, f3 uint32) uint32 {
	u := uint32(imm) & 0xfff
	return (u>>5)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (u&0x1f)<<7 | OpStore
}

func encB(imm int32, rs2, rs1, f3 uint32) uint32 {
	u := uint32(imm) & 0x1fff
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | OpBranch
}

func encJ(imm int32, rd uint32) uint32 {
	u := uint32(imm) & 0x1fffff
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | OpJal
}

func encAMO(f5, rs2, rs1, f3, rd uint32) uint32 {
	return f5<<27 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | OpAMO
}

func addi(rd, rs1 uint32, imm int32) uint32 { return encI(imm, rs1, 0, rd, OpOpImm) }
func slli(rd, rs1 uint32, sh int32) uint32  { return encI(sh, rs1, 1, rd, OpOpImm) }
func add(rd, rs1, rs2 uint32) uint32        { return encR(0, rs2, rs1, 0, rd, OpOp) }
func sub(rd, rs1, rs2 uint32) uint32        { return encR(0b0100000, rs2, rs1, 0, rd, OpOp) }
func div(rd, rs1, rs2 uint32) uint32        { return encR(1, rs2, rs1, 0b100, rd, OpOp) }
func rem(rd, rs1, rs2 uint32) uint32        { return encR(1, rs2, rs1, 0b110, rd, OpOp) }
func lui(rd uint32, imm int32) uint32       { return uint32(imm)<<12 | rd<<7 | OpLui }
func auipc(rd uint32, imm int32) uint32     { return uint32(imm)<<12 | rd<<7 | OpAuipc }
func jal(rd uint32, imm int32) uint32       { return encJ(imm, rd) }
func jalr(rd, rs1 uint32, imm int32) uint32 { return encI(imm, rs1, 0, rd, OpJalr) }
func beq(rs1, rs2 uint32, imm int32) uint32 { return encB(imm, rs2, rs1, 0b000) }
func bne(rs1, rs2 uint32, imm int32) uint32 { return encB(imm, rs2, rs1, 0b001) }
func lw(rd, rs1 uint32, imm int32) uint32   { return encI(imm, rs1, 0b010, rd, OpLoad) }
func ld(rd, rs1 uint32, imm int32) uint32   { return encI(imm, rs1, 0b011, rd, OpLoad) }
func sh(rs2, rs1 uint32, imm int32) uint32  { return encS(imm, rs2, rs1, 0b001) }
func sw(rs2, rs1 uint32, imm int32) uint32  { return encS(imm, rs2, rs1, 0b010) }
func sd(rs2, rs1 uint32, imm int32) uint32  { return encS(imm, rs2, rs1, 0b011) }
func amoaddD(rd, rs2, rs1 uint32) uint32    { return encAMO(0b00000, rs2, rs1, 0b011, rd) }
func lrD(rd, rs1 uint32) uint32             { return encAMO(0b00010, 0, rs1, 0b011, rd) }
func scD(rd, rs2, rs1 uint32) uint32        { return encAMO(0b00011, rs2, rs1, 0b011, rd) }

func csrrs(rd uint32, csr uint16, rs1 uint32) uint32 {
	return encI(int32(csr), rs1, 0b010, rd, OpSystem)
}

func csrrw(rd uint32, csr uint16, rs1 uint32) uint32 {
	return encI(int32(csr), rs1, 0b001, rd, OpSystem)
}

const (
	ecall   = insnEcall
	ebreak  = insnEbreak
	mret    = insnMret
	sret    = insnSret
	wfi     = insnWfi
	illegal = 0xffffffff
)

// rig is a single hart attached to a bus with RAM and a UART.
type rig struct {
	t    *testing.T
	hart *Hart
	bus  *Bus
	out  *bytes.Buffer
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Memory.Size = testRAMSize
	cfg.CacheBlocks = 64
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	m, err := NewModel(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	h, err := m.New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := &bytes.Buffer{}
	bus := NewBus(cfg.Memory.Base, cfg.Memory.Size)
	bus.AddDevice(DefaultUARTBase, NewUART(out))
	if err := h.VMInit(bus); err != nil {
		t.Fatalf("VMInit: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return &rig{t: t, hart: h, bus: bus, out: out}
}

// load writes instruction words starting at addr.
func (r *rig) load(addr uint64, code ...uint32) {
	r.t.Helper()
	for i, insn := range code {
		if err := r.bus.Write(addr+uint64(4*i), 4, uint64(insn)); err != nil {
			r.t.Fatalf("loading code at 0x%x: %v", addr, err)
		}
	}
}

// setState edits the architectural state between blocks.
func (r *rig) setState(fn func(s *State)) {
	r.t.Helper()
	s := r.hart.State()
	fn(&s)
	if err := r.hart.SetState(s); err != nil {
		r.t.Fatalf("SetState: %v", err)
	}
}

func (r *rig) runBlock() Exit {
	r.t.Helper()
	exit, err := r.hart.RunBlock()
	if err != nil {
		r.t.Fatalf("RunBlock: %v", err)
	}
	return exit
}

func (r *rig) reg(n int) uint64 { return r.hart.state.X[n] }

// trapToHandler points mtvec at mtvecAddr.
func (r *rig) trapToHandler() {
	r.setState(func(s *State) { s.Mtvec = mtvecAddr })
}

func assertStateEqual(t *testing.T, want, got State) {
	t.Helper()
	if want != got {
		t.Fatalf("state mismatch\nwant: %s\ngot:  %s", spew.Sdump(want), spew.Sdump(got))
	}
}
