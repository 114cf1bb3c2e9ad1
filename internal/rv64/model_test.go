package rv64

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewModel(t *testing.T) {
	cfg := testConfig()
	cfg.Variant = "IMAQ"
	if _, err := NewModel(cfg, nil); err == nil {
		t.Fatal("expected an invalid variant to be rejected")
	}

	m, err := NewModel(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	attrs := m.Attrs()
	if attrs.Version != VersionString || attrs.ModelType != ModelType || attrs.SRVersion != SRVersion {
		t.Errorf("unexpected attrs %+v", attrs)
	}
	if len(attrs.DictNames) != int(ModeLast) || attrs.StateSize == 0 || attrs.BlockStateSize == 0 {
		t.Errorf("unexpected sizes in attrs %+v", attrs)
	}

	if got := m.SMPName("", 2); got != "hart2" {
		t.Errorf("SMPName: expected hart2, got %q", got)
	}
	if got := m.SMPName("cpu", 1); got != "cpu_hart1" {
		t.Errorf("SMPName: expected cpu_hart1, got %q", got)
	}
	if _, err := m.New(-1); err == nil {
		t.Error("expected a negative index to be rejected")
	}
}

func TestPostConstruct(t *testing.T) {
	cfg := testConfig()
	cfg.HartIDBase = 4
	m, err := NewModel(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	h0, _ := m.New(0)
	h1, _ := m.New(1)
	dup, _ := m.New(1)

	if err := m.PostConstruct("cpu", []*Hart{h0, h1, dup}); err == nil {
		t.Fatal("expected duplicate indices to be rejected")
	}
	if err := m.PostConstruct("cpu", []*Hart{h0, h1}); err != nil {
		t.Fatalf("PostConstruct: %v", err)
	}
	if h1.Name != "cpu_hart1" || h1.State().Mhartid != 5 {
		t.Errorf("hart1: expected cpu_hart1 with mhartid 5, got %s %d", h1.Name, h1.State().Mhartid)
	}
	if len(h0.siblings) != 1 || h0.siblings[0] != h1 {
		t.Error("expected hart0 linked to hart1")
	}
}

func TestHartLifecycle(t *testing.T) {
	m, err := NewModel(testConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	h, _ := m.New(0)
	if err := h.VMInit(nil); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory, got %v", err)
	}
	bus := NewBus(base, testRAMSize)
	if err := h.VMInit(bus); err != nil {
		t.Fatalf("VMInit: %v", err)
	}
	if len(bus.watchers) != 1 {
		t.Fatalf("expected the hart to watch the bus, got %d watchers", len(bus.watchers))
	}
	// Re-attaching replaces the watch.
	if err := h.VMInit(bus); err != nil {
		t.Fatalf("VMInit: %v", err)
	}
	if len(bus.watchers) != 1 {
		t.Errorf("expected one watcher after re-attaching, got %d", len(bus.watchers))
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if len(bus.watchers) != 0 {
		t.Error("closed hart still watches the bus")
	}
	if err := h.VMInit(bus); err == nil {
		t.Error("expected VMInit on a closed hart to fail")
	}
}

func TestDescription(t *testing.T) {
	r := newRig(t, testConfig())
	if got := r.hart.Description(); !strings.Contains(got, "rv64imac") || !strings.Contains(got, "hart0") {
		t.Errorf("unexpected description %q", got)
	}
	cfg := testConfig()
	cfg.Hypervisor = true
	if got := newRig(t, cfg).hart.Description(); !strings.Contains(got, "rv64imach") {
		t.Errorf("unexpected description %q", got)
	}
}

func TestBigEndianData(t *testing.T) {
	cfg := testConfig()
	cfg.DataEndian = "big"
	r := newRig(t, cfg)
	r.load(base,
		auipc(t0, 2),
		lui(a1, 0x11223),
		addi(a1, a1, 0x344),
		sw(a1, t0, 0x100),
		lw(a2, t0, 0x100),
		ebreak,
	)
	r.trapToHandler()
	r.runBlock()

	if got := r.bus.RAM.Data[0x2100:0x2104]; !bytes.Equal(got, []byte{0x11, 0x22, 0x33, 0x44}) {
		t.Errorf("expected big-endian bytes in memory, got % x", got)
	}
	if r.reg(a2) != 0x11223344 {
		t.Errorf("a2: expected 0x11223344, got 0x%x", r.reg(a2))
	}
	if r.hart.GetEndian(false).String() != "BigEndian" || r.hart.GetEndian(true).String() != "LittleEndian" {
		t.Error("expected big-endian data with little-endian fetch")
	}
}

func TestSetInterruptMask(t *testing.T) {
	r := newRig(t, testConfig())
	r.hart.SetInterrupt(MipMEIP|MipSSIP|MipVSEIP, true)
	if got := r.hart.State().Mip; got != MipMEIP {
		t.Errorf("expected only MEIP raised without H, mip=%#x", got)
	}
	r.hart.SetInterrupt(MipMEIP, false)
	if got := r.hart.State().Mip; got != 0 {
		t.Errorf("expected MEIP lowered, mip=%#x", got)
	}

	cfg := testConfig()
	cfg.Hypervisor = true
	hyp := newRig(t, cfg)
	hyp.hart.SetInterrupt(MipVSEIP|MipSTIP, true)
	if got := hyp.hart.State().Mip; got != MipVSEIP|MipSTIP {
		t.Errorf("expected VSEIP and STIP raised with H, mip=%#x", got)
	}
}

func TestSwitchOutAbandonsBlock(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(base, addi(a0, zero, 1), addi(a1, zero, 2), ebreak)
	h := r.hart

	h.Switch(SwitchIn)
	if !h.Running() {
		t.Fatal("expected the hart running after SwitchIn")
	}
	if _, err := h.StartBlock(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.StepOp(); err != nil {
		t.Fatal(err)
	}
	h.Switch(SwitchOut)
	if h.Running() || h.FetchSnap().Active {
		t.Fatal("expected SwitchOut to stop the hart and drop the block")
	}
	if s := h.State(); s.PC != base+4 || s.X[a0] != 1 || s.X[a1] != 0 {
		t.Errorf("expected to stop after one instruction, pc=0x%x a0=%d a1=%d", s.PC, s.X[a0], s.X[a1])
	}
}

func TestReset(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(base, addi(a0, zero, 1), jal(zero, 0))
	r.runBlock()
	if r.hart.CacheStats().Blocks == 0 {
		t.Fatal("expected a cached block")
	}

	r.hart.Reset()
	s := r.hart.State()
	if s.PC != base || s.X[a0] != 0 || s.Priv != PrivMachine {
		t.Errorf("expected the reset state, got pc=0x%x a0=%d priv=%d", s.PC, s.X[a0], s.Priv)
	}
	if r.hart.CacheStats().Blocks != 0 {
		t.Error("expected Reset to drop translated blocks")
	}
}

func stepToEnd(t *testing.T, h *Hart) {
	t.Helper()
	for {
		more, err := h.StepOp()
		if err != nil {
			t.Fatalf("StepOp: %v", err)
		}
		if !more {
			return
		}
	}
}

func TestAtomics(t *testing.T) {
	r := newRig(t, testConfig())
	const data = base + 0x2000
	r.load(base,
		auipc(t0, 2),
		addi(a1, zero, 5),
		sd(a1, t0, 0),
		addi(a2, zero, 3),
		amoaddD(a3, a2, t0),
		lrD(a4, t0),
		addi(a4, a4, 1),
		scD(a5, a4, t0),
		scD(a6, a4, t0),
		ebreak,
	)
	r.trapToHandler()
	r.runBlock()

	if r.reg(a3) != 5 {
		t.Errorf("amoadd.d: expected the old value 5, got %d", r.reg(a3))
	}
	if r.reg(a4) != 9 {
		t.Errorf("lr.d: expected 8 loaded, got %d", r.reg(a4)-1)
	}
	if r.reg(a5) != 0 || r.reg(a6) != 1 {
		t.Errorf("expected the first sc.d to succeed and the second to fail, got %d %d", r.reg(a5), r.reg(a6))
	}
	if got, _ := r.bus.Read(data, 8); got != 9 {
		t.Errorf("memory: expected 9, got %d", got)
	}
}

func TestReservationBrokenByWrite(t *testing.T) {
	r := newRig(t, testConfig())
	const data = base + 0x2000
	r.load(base,
		auipc(t0, 2),
		lrD(a4, t0),
		scD(a5, a4, t0),
		ebreak,
	)
	r.trapToHandler()
	h := r.hart

	if _, err := h.StartBlock(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := h.StepOp(); err != nil {
			t.Fatal(err)
		}
	}
	if !h.State().ReservationValid {
		t.Fatal("expected a reservation after lr.d")
	}
	if err := r.bus.Write(data+4, 4, 0xff); err != nil {
		t.Fatal(err)
	}
	if h.State().ReservationValid {
		t.Fatal("expected the write to break the reservation")
	}
	stepToEnd(t, h)
	h.EndBlock()

	if r.reg(a5) != 1 {
		t.Errorf("sc.d: expected failure, got %d", r.reg(a5))
	}
	if got, _ := r.bus.Read(data, 8); got != 0xff<<32 {
		t.Errorf("memory: expected the host write only, got 0x%x", got)
	}
}
