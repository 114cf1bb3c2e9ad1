package rv64

import (
	"errors"
	"fmt"
)

// Mode identifies a privilege/virtualization context crossed with the
// virtual-memory-enabled flag. Ids are dense from zero; ModeLast
// terminates the dictionary.
type Mode uint8

const (
	ModeUser Mode = iota
	ModeSupervisor
	ModeMachine
	ModeVirtualUser
	ModeVirtualSupervisor

	ModeUserVM
	ModeSupervisorVM
	ModeMachineVM
	ModeVirtualUserVM
	ModeVirtualSupervisorVM

	ModeLast
)

// modeVM is the distance between a base mode and its VM-enabled variant.
const modeVM = ModeUserVM - ModeUser

var modeNames = [ModeLast]string{
	ModeUser:              "USER",
	ModeSupervisor:        "SUPERVISOR",
	ModeMachine:           "MACHINE",
	ModeVirtualUser:       "VIRTUAL USER",
	ModeVirtualSupervisor: "VIRTUAL SUPERVISOR",

	ModeUserVM:              "USER (VM)",
	ModeSupervisorVM:        "SUPERVISOR (VM)",
	ModeMachineVM:           "MACHINE (VM)",
	ModeVirtualUserVM:       "VIRTUAL USER (VM)",
	ModeVirtualSupervisorVM: "VIRTUAL SUPERVISOR (VM)",
}

// ErrModeOutOfRange is matched by errors returned for ids outside the
// dictionary.
var ErrModeOutOfRange = errors.New("mode id out of range")

// ModeRangeError reports a lookup of an id that is neither a mode nor the
// terminator.
type ModeRangeError struct {
	ID Mode
}

func (e *ModeRangeError) Error() string {
	return fmt.Sprintf("mode id %d out of range [0,%d]", e.ID, ModeLast)
}

func (e *ModeRangeError) Is(target error) bool { return target == ErrModeOutOfRange }

// ModeDescriptor pairs a mode id with its display name.
type ModeDescriptor struct {
	ID   Mode
	Name string
}

// End reports whether the descriptor is the end-of-modes marker.
func (d ModeDescriptor) End() bool { return d.ID == ModeLast }

// EndOfModes is returned when the terminator id is looked up.
var EndOfModes = ModeDescriptor{ID: ModeLast}

// LookupMode returns the descriptor for id.
func LookupMode(id Mode) (ModeDescriptor, error) {
	switch {
	case id < ModeLast:
		return ModeDescriptor{ID: id, Name: modeNames[id]}, nil
	case id == ModeLast:
		return EndOfModes, nil
	default:
		return ModeDescriptor{}, &ModeRangeError{ID: id}
	}
}

// Modes lists every mode in id order, excluding the terminator.
func Modes() []ModeDescriptor {
	out := make([]ModeDescriptor, 0, ModeLast)
	for id := Mode(0); ; id++ {
		d, err := LookupMode(id)
		if err != nil || d.End() {
			return out
		}
		out = append(out, d)
	}
}

// DictNames returns the dictionary as a name table indexed by mode id.
func DictNames() []string {
	return append([]string(nil), modeNames[:]...)
}

func (m Mode) String() string {
	if m < ModeLast {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ModeOf maps a privilege level, virtualization bit and VM flag to a
// dictionary mode.
func ModeOf(priv uint8, virt bool, vm bool) Mode {
	var m Mode
	switch {
	case priv == PrivMachine:
		m = ModeMachine
	case virt && priv == PrivSupervisor:
		m = ModeVirtualSupervisor
	case virt:
		m = ModeVirtualUser
	case priv == PrivSupervisor:
		m = ModeSupervisor
	default:
		m = ModeUser
	}
	if vm {
		m += modeVM
	}
	return m
}

// Base strips the VM-enabled flag from m.
func (m Mode) Base() Mode {
	if m >= ModeUserVM && m < ModeLast {
		return m - modeVM
	}
	return m
}

// VM reports whether m is a VM-enabled variant.
func (m Mode) VM() bool { return m >= ModeUserVM && m < ModeLast }

// Virtual reports whether m is one of the guest (V=1) modes.
func (m Mode) Virtual() bool {
	b := m.Base()
	return b == ModeVirtualUser || b == ModeVirtualSupervisor
}

// Priv returns the privilege level m executes at.
func (m Mode) Priv() uint8 {
	switch m.Base() {
	case ModeMachine:
		return PrivMachine
	case ModeSupervisor, ModeVirtualSupervisor:
		return PrivSupervisor
	default:
		return PrivUser
	}
}
