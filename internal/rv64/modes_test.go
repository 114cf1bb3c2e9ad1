package rv64

import (
	"errors"
	"testing"
)

func TestModeDictionary(t *testing.T) {
	modes := Modes()
	if len(modes) != int(ModeLast) {
		t.Fatalf("expected %d modes, got %d", ModeLast, len(modes))
	}
	for i, d := range modes {
		if d.ID != Mode(i) {
			t.Errorf("mode %d: expected dense ids, got %d", i, d.ID)
		}
		if d.Name == "" || d.End() {
			t.Errorf("mode %d: unexpected descriptor %+v", i, d)
		}
	}
	if modes[ModeMachine].Name != "MACHINE" || modes[ModeVirtualSupervisorVM].Name != "VIRTUAL SUPERVISOR (VM)" {
		t.Errorf("unexpected names %q and %q", modes[ModeMachine].Name, modes[ModeVirtualSupervisorVM].Name)
	}

	names := DictNames()
	if len(names) != len(modes) {
		t.Fatalf("DictNames: expected %d names, got %d", len(modes), len(names))
	}
	names[0] = "changed"
	if DictNames()[0] != "USER" {
		t.Error("DictNames returned the shared table")
	}
}

func TestLookupMode(t *testing.T) {
	d, err := LookupMode(ModeSupervisorVM)
	if err != nil || d.Name != "SUPERVISOR (VM)" {
		t.Errorf("LookupMode(SupervisorVM): got %+v %v", d, err)
	}

	d, err = LookupMode(ModeLast)
	if err != nil || !d.End() || d != EndOfModes {
		t.Errorf("LookupMode(ModeLast): expected the terminator, got %+v %v", d, err)
	}

	_, err = LookupMode(ModeLast + 1)
	if !errors.Is(err, ErrModeOutOfRange) {
		t.Fatalf("expected ErrModeOutOfRange, got %v", err)
	}
	var re *ModeRangeError
	if !errors.As(err, &re) || re.ID != ModeLast+1 {
		t.Errorf("expected a ModeRangeError for %d, got %v", ModeLast+1, err)
	}

	if got := Mode(200).String(); got != "Mode(200)" {
		t.Errorf("String: expected Mode(200), got %q", got)
	}
}

func TestModeOf(t *testing.T) {
	tests := []struct {
		priv uint8
		virt bool
		vm   bool
		want Mode
	}{
		{PrivUser, false, false, ModeUser},
		{PrivSupervisor, false, false, ModeSupervisor},
		{PrivMachine, false, false, ModeMachine},
		{PrivUser, true, false, ModeVirtualUser},
		{PrivSupervisor, true, false, ModeVirtualSupervisor},
		{PrivUser, false, true, ModeUserVM},
		{PrivSupervisor, false, true, ModeSupervisorVM},
		{PrivMachine, false, true, ModeMachineVM},
		{PrivUser, true, true, ModeVirtualUserVM},
		{PrivSupervisor, true, true, ModeVirtualSupervisorVM},
		// Machine mode is never virtualized.
		{PrivMachine, true, false, ModeMachine},
	}
	for _, tt := range tests {
		m := ModeOf(tt.priv, tt.virt, tt.vm)
		if m != tt.want {
			t.Errorf("ModeOf(%d, %v, %v): expected %s, got %s", tt.priv, tt.virt, tt.vm, tt.want, m)
			continue
		}
		if m.Priv() != tt.priv {
			t.Errorf("%s: expected priv %d, got %d", m, tt.priv, m.Priv())
		}
		if m.VM() != tt.vm {
			t.Errorf("%s: expected VM=%v", m, tt.vm)
		}
		if m.Virtual() != (tt.virt && tt.priv != PrivMachine) {
			t.Errorf("%s: unexpected Virtual=%v", m, m.Virtual())
		}
		if m.Base() != ModeOf(tt.priv, tt.virt, false) {
			t.Errorf("%s: unexpected base %s", m, m.Base())
		}
	}
}

func TestParseModeName(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"MACHINE", ModeMachine, true},
		{"supervisor", ModeSupervisor, true},
		{"virtual_supervisor", ModeVirtualSupervisor, true},
		{"Virtual User (VM)", ModeVirtualUserVM, true},
		{"hypervisor", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseModeName(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("parseModeName(%q): expected %s %v, got %s %v", tt.in, tt.want, tt.ok, got, ok)
		}
	}
}
