package rv64

import (
	"fmt"
	"strconv"
	"strings"
)

// Register groups shown to debuggers.
const (
	GroupCore       = "core"
	GroupMachine    = "machine"
	GroupSupervisor = "supervisor"
	GroupHypervisor = "hypervisor"
	GroupVirtual    = "virtual supervisor"
	GroupModel      = "model"
)

var regGroups = []string{GroupCore, GroupMachine, GroupSupervisor, GroupHypervisor, GroupVirtual, GroupModel}

// RegInfo describes one register visible to a debugger.
type RegInfo struct {
	Name     string
	Group    string
	Bits     int
	ReadOnly bool
}

type regDef struct {
	RegInfo
	hyp  bool
	read func(s *State) uint64
}

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func csrReg(name, group string, hyp bool, read func(s *State) uint64) regDef {
	return regDef{RegInfo: RegInfo{Name: name, Group: group, Bits: 64}, hyp: hyp, read: read}
}

func boolReg(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

var regDefs = buildRegDefs()

func buildRegDefs() []regDef {
	var defs []regDef
	for i := range abiNames {
		i := i
		defs = append(defs, regDef{
			RegInfo: RegInfo{Name: abiNames[i], Group: GroupCore, Bits: 64, ReadOnly: i == 0},
			read:    func(s *State) uint64 { return s.ReadReg(uint32(i)) },
		})
	}
	defs = append(defs,
		csrReg("pc", GroupCore, false, func(s *State) uint64 { return s.PC }),

		csrReg("mstatus", GroupMachine, false, func(s *State) uint64 { return s.Mstatus }),
		csrReg("misa", GroupMachine, false, func(s *State) uint64 { return s.Misa }),
		csrReg("medeleg", GroupMachine, false, func(s *State) uint64 { return s.Medeleg }),
		csrReg("mideleg", GroupMachine, false, func(s *State) uint64 { return s.Mideleg }),
		csrReg("mie", GroupMachine, false, func(s *State) uint64 { return s.Mie }),
		csrReg("mtvec", GroupMachine, false, func(s *State) uint64 { return s.Mtvec }),
		csrReg("mcounteren", GroupMachine, false, func(s *State) uint64 { return s.Mcounteren }),
		csrReg("mscratch", GroupMachine, false, func(s *State) uint64 { return s.Mscratch }),
		csrReg("mepc", GroupMachine, false, func(s *State) uint64 { return s.Mepc }),
		csrReg("mcause", GroupMachine, false, func(s *State) uint64 { return s.Mcause }),
		csrReg("mtval", GroupMachine, false, func(s *State) uint64 { return s.Mtval }),
		csrReg("mip", GroupMachine, false, func(s *State) uint64 { return s.Mip }),
		csrReg("mhartid", GroupMachine, false, func(s *State) uint64 { return s.Mhartid }),
		csrReg("mcycle", GroupMachine, false, func(s *State) uint64 { return s.Cycle }),
		csrReg("minstret", GroupMachine, false, func(s *State) uint64 { return s.Instret }),

		csrReg("sstatus", GroupSupervisor, false, func(s *State) uint64 { return s.Mstatus & sstatusMask }),
		csrReg("stvec", GroupSupervisor, false, func(s *State) uint64 { return s.Stvec }),
		csrReg("scounteren", GroupSupervisor, false, func(s *State) uint64 { return s.Scounteren }),
		csrReg("sscratch", GroupSupervisor, false, func(s *State) uint64 { return s.Sscratch }),
		csrReg("sepc", GroupSupervisor, false, func(s *State) uint64 { return s.Sepc }),
		csrReg("scause", GroupSupervisor, false, func(s *State) uint64 { return s.Scause }),
		csrReg("stval", GroupSupervisor, false, func(s *State) uint64 { return s.Stval }),
		csrReg("satp", GroupSupervisor, false, func(s *State) uint64 { return s.Satp }),

		csrReg("hstatus", GroupHypervisor, true, func(s *State) uint64 { return s.Hstatus }),
		csrReg("hedeleg", GroupHypervisor, true, func(s *State) uint64 { return s.Hedeleg }),
		csrReg("hideleg", GroupHypervisor, true, func(s *State) uint64 { return s.Hideleg }),
		csrReg("htval", GroupHypervisor, true, func(s *State) uint64 { return s.Htval }),
		csrReg("hgatp", GroupHypervisor, true, func(s *State) uint64 { return s.Hgatp }),

		csrReg("vsstatus", GroupVirtual, true, func(s *State) uint64 { return s.Vsstatus }),
		csrReg("vstvec", GroupVirtual, true, func(s *State) uint64 { return s.Vstvec }),
		csrReg("vsscratch", GroupVirtual, true, func(s *State) uint64 { return s.Vsscratch }),
		csrReg("vsepc", GroupVirtual, true, func(s *State) uint64 { return s.Vsepc }),
		csrReg("vscause", GroupVirtual, true, func(s *State) uint64 { return s.Vscause }),
		csrReg("vstval", GroupVirtual, true, func(s *State) uint64 { return s.Vstval }),
		csrReg("vsatp", GroupVirtual, true, func(s *State) uint64 { return s.Vsatp }),
	)

	model := []regDef{
		{RegInfo{Name: "priv", Group: GroupModel, Bits: 2, ReadOnly: true}, false,
			func(s *State) uint64 { return uint64(s.Priv) }},
		{RegInfo{Name: "virt", Group: GroupModel, Bits: 1, ReadOnly: true}, true,
			func(s *State) uint64 { return boolReg(s.Virt) }},
		{RegInfo{Name: "mode", Group: GroupModel, Bits: 8, ReadOnly: true}, false,
			func(s *State) uint64 { return uint64(s.Mode()) }},
		{RegInfo{Name: "fault_class", Group: GroupModel, Bits: 8, ReadOnly: true}, false,
			func(s *State) uint64 { return uint64(s.FaultClass) }},
		{RegInfo{Name: "fault_addr", Group: GroupModel, Bits: 64, ReadOnly: true}, false,
			func(s *State) uint64 { return s.FaultAddr }},
		{RegInfo{Name: "reservation", Group: GroupModel, Bits: 64, ReadOnly: true}, false,
			func(s *State) uint64 {
				if !s.ReservationValid {
					return ^uint64(0)
				}
				return s.Reservation
			}},
		{RegInfo{Name: "wfi", Group: GroupModel, Bits: 1, ReadOnly: true}, false,
			func(s *State) uint64 { return boolReg(s.WFI) }},
	}
	return append(defs, model...)
}

// RegGroups lists the register group names in display order.
func (h *Hart) RegGroups() []string {
	out := make([]string, 0, len(regGroups))
	for _, g := range regGroups {
		if h.misa&MisaH == 0 && (g == GroupHypervisor || g == GroupVirtual) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// RegInfo lists the registers implemented by this hart.
func (h *Hart) RegInfo() []RegInfo {
	out := make([]RegInfo, 0, len(regDefs))
	for i := range regDefs {
		if h.implemented(&regDefs[i]) {
			out = append(out, regDefs[i].RegInfo)
		}
	}
	return out
}

func (h *Hart) implemented(d *regDef) bool {
	return !d.hyp || h.misa&MisaH != 0
}

func lookupReg(name string) *regDef {
	name = strings.ToLower(name)
	if name == "fp" {
		name = "s0"
	}
	for i := range regDefs {
		if regDefs[i].Name == name {
			return &regDefs[i]
		}
	}
	if len(name) > 1 && name[0] == 'x' {
		if n, err := strconv.Atoi(name[1:]); err == nil && n >= 0 && n < 32 {
			return &regDefs[n]
		}
	}
	return nil
}

// RegImpl reports whether the named register exists on this hart.
func (h *Hart) RegImpl(name string) bool {
	d := lookupReg(name)
	return d != nil && h.implemented(d)
}

// ReadReg returns the value of the named register. Integer registers may
// be named x0-x31 or by ABI name.
func (h *Hart) ReadReg(name string) (uint64, error) {
	d := lookupReg(name)
	if d == nil || !h.implemented(d) {
		return 0, fmt.Errorf("%s: no register %q", h.Name, name)
	}
	return d.read(&h.state), nil
}

// ModeInfo lists the mode dictionary.
func (h *Hart) ModeInfo() []ModeDescriptor {
	modes := Modes()
	if h.misa&MisaH != 0 {
		return modes
	}
	out := modes[:0:0]
	for _, d := range modes {
		if !d.ID.Virtual() {
			out = append(out, d)
		}
	}
	return out
}

// GetMode returns the descriptor of the mode the hart is executing in.
func (h *Hart) GetMode() ModeDescriptor {
	d, _ := LookupMode(h.state.Mode())
	return d
}

// ExceptionDescriptor names one trap cause.
type ExceptionDescriptor struct {
	Code        uint64
	Name        string
	Description string
}

var exceptionTable = []ExceptionDescriptor{
	{CauseInsnAddrMisaligned, "InstructionAddressMisaligned", "Fetch from misaligned address"},
	{CauseInsnAccessFault, "InstructionAccessFault", "Fetch access fault"},
	{CauseIllegalInsn, "IllegalInstruction", "Undecoded, unimplemented or disabled instruction"},
	{CauseBreakpoint, "Breakpoint", "EBREAK instruction executed"},
	{CauseLoadAddrMisaligned, "LoadAddressMisaligned", "Load from misaligned address"},
	{CauseLoadAccessFault, "LoadAccessFault", "Load access fault"},
	{CauseStoreAddrMisaligned, "StoreAMOAddressMisaligned", "Store/atomic to misaligned address"},
	{CauseStoreAccessFault, "StoreAMOAccessFault", "Store/atomic access fault"},
	{CauseEcallFromU, "EnvironmentCallFromUMode", "ECALL from User mode"},
	{CauseEcallFromS, "EnvironmentCallFromSMode", "ECALL from Supervisor mode"},
	{CauseEcallFromVS, "EnvironmentCallFromVSMode", "ECALL from Virtual Supervisor mode"},
	{CauseEcallFromM, "EnvironmentCallFromMMode", "ECALL from Machine mode"},
	{CauseInsnPageFault, "InstructionPageFault", "Fetch page fault"},
	{CauseLoadPageFault, "LoadPageFault", "Load page fault"},
	{CauseStorePageFault, "StoreAMOPageFault", "Store/atomic page fault"},
	{CauseInsnGuestPageFault, "InstructionGuestPageFault", "Fetch guest page fault"},
	{CauseLoadGuestPageFault, "LoadGuestPageFault", "Load guest page fault"},
	{CauseVirtualInsn, "VirtualInstruction", "Instruction not permitted in a virtual mode"},
	{CauseStoreGuestPageFault, "StoreAMOGuestPageFault", "Store/atomic guest page fault"},
	{CauseSSoftwareInt, "SSWInterrupt", "Supervisor software interrupt"},
	{CauseVSSoftwareInt, "VSSWInterrupt", "Virtual supervisor software interrupt"},
	{CauseMSoftwareInt, "MSWInterrupt", "Machine software interrupt"},
	{CauseSTimerInt, "STimerInterrupt", "Supervisor timer interrupt"},
	{CauseVSTimerInt, "VSTimerInterrupt", "Virtual supervisor timer interrupt"},
	{CauseMTimerInt, "MTimerInterrupt", "Machine timer interrupt"},
	{CauseSExternalInt, "SExternalInterrupt", "Supervisor external interrupt"},
	{CauseVSExternalInt, "VSExternalInterrupt", "Virtual supervisor external interrupt"},
	{CauseMExternalInt, "MExternalInterrupt", "Machine external interrupt"},
}

func hypervisorCause(code uint64) bool {
	switch code {
	case CauseEcallFromVS, CauseInsnGuestPageFault, CauseLoadGuestPageFault,
		CauseVirtualInsn, CauseStoreGuestPageFault,
		CauseVSSoftwareInt, CauseVSTimerInt, CauseVSExternalInt:
		return true
	}
	return false
}

// ExceptionInfo lists the trap causes this hart can take.
func (h *Hart) ExceptionInfo() []ExceptionDescriptor {
	out := make([]ExceptionDescriptor, 0, len(exceptionTable))
	for _, d := range exceptionTable {
		if h.misa&MisaH == 0 && hypervisorCause(d.Code) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// GetException returns the cause of the most recent trap. Before any trap
// it returns the zero descriptor.
func (h *Hart) GetException() ExceptionDescriptor {
	if h.traps == 0 {
		return ExceptionDescriptor{}
	}
	for _, d := range exceptionTable {
		if d.Code == h.lastCause {
			return d
		}
	}
	return ExceptionDescriptor{Code: h.lastCause, Name: fmt.Sprintf("Cause%d", h.lastCause&^(1<<63))}
}
