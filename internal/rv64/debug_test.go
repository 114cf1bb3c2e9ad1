package rv64

import "testing"

func TestReadReg(t *testing.T) {
	r := newRig(t, testConfig())
	r.setState(func(s *State) {
		s.X[a0] = 42
		s.X[8] = 0x1000
		s.Mscratch = 7
	})
	h := r.hart

	tests := []struct {
		name string
		want uint64
	}{
		{"a0", 42},
		{"x10", 42},
		{"A0", 42},
		{"fp", 0x1000},
		{"s0", 0x1000},
		{"zero", 0},
		{"pc", base},
		{"mscratch", 7},
		{"mode", uint64(ModeMachine)},
		{"reservation", ^uint64(0)},
	}
	for _, tt := range tests {
		got, err := h.ReadReg(tt.name)
		if err != nil {
			t.Errorf("ReadReg(%q): %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ReadReg(%q): expected 0x%x, got 0x%x", tt.name, tt.want, got)
		}
	}

	for _, name := range []string{"x32", "hstatus", "f0", ""} {
		if _, err := h.ReadReg(name); err == nil {
			t.Errorf("ReadReg(%q): expected an error", name)
		}
	}
}

func TestRegisterSetFollowsHypervisor(t *testing.T) {
	plain := newRig(t, testConfig()).hart
	cfg := testConfig()
	cfg.Hypervisor = true
	hyp := newRig(t, cfg).hart

	if plain.RegImpl("hstatus") || !hyp.RegImpl("hstatus") {
		t.Error("hstatus should exist only with the H extension")
	}
	if !plain.RegImpl("mstatus") || !plain.RegImpl("x31") {
		t.Error("expected mstatus and x31 on every hart")
	}
	if got := len(plain.RegGroups()); got != 4 {
		t.Errorf("expected 4 register groups without H, got %d", got)
	}
	if got := len(hyp.RegGroups()); got != 6 {
		t.Errorf("expected 6 register groups with H, got %d", got)
	}
	if len(hyp.RegInfo()) <= len(plain.RegInfo()) {
		t.Error("expected the hypervisor registers in RegInfo")
	}
	for _, info := range plain.RegInfo() {
		if info.Group == GroupHypervisor || info.Group == GroupVirtual {
			t.Errorf("register %s listed without H", info.Name)
		}
	}
}

func TestModeInfo(t *testing.T) {
	plain := newRig(t, testConfig())
	cfg := testConfig()
	cfg.Hypervisor = true
	hyp := newRig(t, cfg)

	if got := len(plain.hart.ModeInfo()); got != 6 {
		t.Errorf("expected 6 modes without H, got %d", got)
	}
	for _, d := range plain.hart.ModeInfo() {
		if d.ID.Virtual() {
			t.Errorf("virtual mode %s listed without H", d.Name)
		}
	}
	if got := len(hyp.hart.ModeInfo()); got != int(ModeLast) {
		t.Errorf("expected %d modes with H, got %d", ModeLast, got)
	}

	if got := plain.hart.GetMode(); got.ID != ModeMachine || got.Name != "MACHINE" {
		t.Errorf("GetMode: expected MACHINE, got %+v", got)
	}
	hyp.setState(func(s *State) {
		s.Priv = PrivSupervisor
		s.Virt = true
	})
	if got := hyp.hart.GetMode(); got.ID != ModeVirtualSupervisor {
		t.Errorf("GetMode: expected VIRTUAL SUPERVISOR, got %+v", got)
	}
}

func TestExceptionInfo(t *testing.T) {
	plain := newRig(t, testConfig())
	cfg := testConfig()
	cfg.Hypervisor = true
	hyp := newRig(t, cfg)

	if len(hyp.hart.ExceptionInfo()) != len(exceptionTable) {
		t.Errorf("expected every cause with H, got %d", len(hyp.hart.ExceptionInfo()))
	}
	for _, d := range plain.hart.ExceptionInfo() {
		if d.Code == CauseVirtualInsn || d.Code == CauseEcallFromVS {
			t.Errorf("cause %s listed without H", d.Name)
		}
	}

	if got := plain.hart.GetException(); got != (ExceptionDescriptor{}) {
		t.Errorf("expected no exception before the first trap, got %+v", got)
	}
	plain.load(base, ecall)
	plain.trapToHandler()
	plain.runBlock()
	if got := plain.hart.GetException(); got.Code != CauseEcallFromM || got.Name != "EnvironmentCallFromMMode" {
		t.Errorf("GetException: expected an M-mode ecall, got %+v", got)
	}
}
