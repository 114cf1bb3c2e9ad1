// Package rv64 implements a block-translating RV64 processor model.
//
// A Hart decodes guest instructions into cached blocks of lowered
// operations, runs them one block at a time and hands control back to the
// host platform at block boundaries or when a fault is routed.
package rv64

import (
	"encoding/binary"
)

// Privilege levels
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// ISA extension bits for misa
const (
	MisaA uint64 = 1 << 0  // Atomic
	MisaC uint64 = 1 << 2  // Compressed
	MisaH uint64 = 1 << 7  // Hypervisor
	MisaI uint64 = 1 << 8  // RV64I base
	MisaM uint64 = 1 << 12 // Multiply/Divide
	MisaS uint64 = 1 << 18 // Supervisor mode
	MisaU uint64 = 1 << 20 // User mode
)

// MXL values for misa
const (
	MXL32 uint64 = 1
	MXL64 uint64 = 2
)

// mstatus bits
const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPIE uint64 = 1 << 5
	MstatusMPIE uint64 = 1 << 7
	MstatusSPP  uint64 = 1 << 8
	MstatusMPP  uint64 = 3 << 11
	MstatusFS   uint64 = 3 << 13
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19
	MstatusTVM  uint64 = 1 << 20
	MstatusTW   uint64 = 1 << 21
	MstatusTSR  uint64 = 1 << 22
	MstatusGVA  uint64 = 1 << 38
	MstatusMPV  uint64 = 1 << 39
	MstatusSD   uint64 = 1 << 63
)

// mstatus bit positions
const (
	MstatusSPPShift = 8
	MstatusMPPShift = 11
)

// hstatus bits
const (
	HstatusGVA  uint64 = 1 << 6
	HstatusSPV  uint64 = 1 << 7
	HstatusSPVP uint64 = 1 << 8
	HstatusHU   uint64 = 1 << 9
	HstatusVTVM uint64 = 1 << 20
	HstatusVTW  uint64 = 1 << 21
	HstatusVTSR uint64 = 1 << 22
)

// mip/mie bits
const (
	MipSSIP  uint64 = 1 << 1  // Supervisor software interrupt pending
	MipVSSIP uint64 = 1 << 2  // Virtual supervisor software interrupt pending
	MipMSIP  uint64 = 1 << 3  // Machine software interrupt pending
	MipSTIP  uint64 = 1 << 5  // Supervisor timer interrupt pending
	MipVSTIP uint64 = 1 << 6  // Virtual supervisor timer interrupt pending
	MipMTIP  uint64 = 1 << 7  // Machine timer interrupt pending
	MipSEIP  uint64 = 1 << 9  // Supervisor external interrupt pending
	MipVSEIP uint64 = 1 << 10 // Virtual supervisor external interrupt pending
	MipMEIP  uint64 = 1 << 11 // Machine external interrupt pending
)

// Exception causes
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseEcallFromVS         uint64 = 10
	CauseEcallFromM          uint64 = 11
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
)

// Interrupt causes (with bit 63 set)
const (
	CauseSSoftwareInt  uint64 = (1 << 63) | 1
	CauseVSSoftwareInt uint64 = (1 << 63) | 2
	CauseMSoftwareInt  uint64 = (1 << 63) | 3
	CauseSTimerInt     uint64 = (1 << 63) | 5
	CauseVSTimerInt    uint64 = (1 << 63) | 6
	CauseMTimerInt     uint64 = (1 << 63) | 7
	CauseSExternalInt  uint64 = (1 << 63) | 9
	CauseVSExternalInt uint64 = (1 << 63) | 10
	CauseMExternalInt  uint64 = (1 << 63) | 11
)

// CSR addresses
const (
	CSRCycle      uint16 = 0xC00
	CSRTime       uint16 = 0xC01
	CSRInstret    uint16 = 0xC02
	CSRSstatus    uint16 = 0x100
	CSRSie        uint16 = 0x104
	CSRStvec      uint16 = 0x105
	CSRScounteren uint16 = 0x106
	CSRSscratch   uint16 = 0x140
	CSRSepc       uint16 = 0x141
	CSRScause     uint16 = 0x142
	CSRStval      uint16 = 0x143
	CSRSip        uint16 = 0x144
	CSRSatp       uint16 = 0x180
	CSRVsstatus   uint16 = 0x200
	CSRVsie       uint16 = 0x204
	CSRVstvec     uint16 = 0x205
	CSRVsscratch  uint16 = 0x240
	CSRVsepc      uint16 = 0x241
	CSRVscause    uint16 = 0x242
	CSRVstval     uint16 = 0x243
	CSRVsip       uint16 = 0x244
	CSRVsatp      uint16 = 0x280
	CSRMstatus    uint16 = 0x300
	CSRMisa       uint16 = 0x301
	CSRMedeleg    uint16 = 0x302
	CSRMideleg    uint16 = 0x303
	CSRMie        uint16 = 0x304
	CSRMtvec      uint16 = 0x305
	CSRMcounteren uint16 = 0x306
	CSRHstatus    uint16 = 0x600
	CSRHedeleg    uint16 = 0x602
	CSRHideleg    uint16 = 0x603
	CSRHie        uint16 = 0x604
	CSRHtval      uint16 = 0x643
	CSRHip        uint16 = 0x644
	CSRHgatp      uint16 = 0x680
	CSRMscratch   uint16 = 0x340
	CSRMepc       uint16 = 0x341
	CSRMcause     uint16 = 0x342
	CSRMtval      uint16 = 0x343
	CSRMip        uint16 = 0x344
	CSRMhartid    uint16 = 0xF14
)

// State is the architectural state of one hart. It holds only values so
// that two states compare equal with == exactly when they are
// structurally identical.
type State struct {
	// Integer registers x0-x31
	X [32]uint64

	// Program counter
	PC uint64

	// Current privilege level and hypervisor virtualization bit
	Priv uint8
	Virt bool

	Cycle   uint64
	Instret uint64

	// CSRs - Machine mode
	Mstatus    uint64
	Misa       uint64
	Medeleg    uint64
	Mideleg    uint64
	Mie        uint64
	Mtvec      uint64
	Mcounteren uint64
	Mscratch   uint64
	Mepc       uint64
	Mcause     uint64
	Mtval      uint64
	Mip        uint64
	Mhartid    uint64

	// CSRs - Supervisor mode (sstatus/sie/sip are views of the machine CSRs)
	Stvec      uint64
	Scounteren uint64
	Sscratch   uint64
	Sepc       uint64
	Scause     uint64
	Stval      uint64
	Satp       uint64

	// CSRs - Hypervisor
	Hstatus uint64
	Hedeleg uint64
	Hideleg uint64
	Htval   uint64
	Hgatp   uint64

	// CSRs - Virtual supervisor
	Vsstatus  uint64
	Vstvec    uint64
	Vsscratch uint64
	Vsepc     uint64
	Vscause   uint64
	Vstval    uint64
	Vsatp     uint64

	// Memory reservation for LR/SC
	Reservation      uint64
	ReservationValid bool

	// WFI flag - set when waiting for interrupt
	WFI bool

	// Pending is set while a raised fault is being routed.
	Pending bool

	// FaultClass and FaultAddr record the last routed fault.
	FaultClass FaultClass
	FaultAddr  uint64
}

// resetState returns the reset-defined state for a hart.
func resetState(misa, hartID, pc uint64) State {
	return State{
		PC:      pc,
		Priv:    PrivMachine,
		Misa:    misa,
		Mhartid: hartID,
	}
}

// ReadReg reads an integer register (x0 always returns 0)
func (s *State) ReadReg(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return s.X[reg]
}

// WriteReg writes an integer register (writes to x0 are ignored)
func (s *State) WriteReg(reg uint32, val uint64) {
	if reg != 0 {
		s.X[reg] = val
	}
}

// Mode returns the dictionary mode the state is currently executing in.
func (s *State) Mode() Mode {
	return ModeOf(s.Priv, s.Virt, s.vmEnabled())
}

// vmEnabled reports whether data accesses of the current mode go through
// page translation.
func (s *State) vmEnabled() bool {
	priv := s.Priv
	virt := s.Virt
	if priv == PrivMachine {
		if s.Mstatus&MstatusMPRV == 0 {
			return false
		}
		priv = uint8((s.Mstatus & MstatusMPP) >> MstatusMPPShift)
		virt = s.Mstatus&MstatusMPV != 0 && priv != PrivMachine
		if priv == PrivMachine {
			return false
		}
	}
	if virt {
		return satpMode(s.Vsatp) != SatpModeOff
	}
	return satpMode(s.Satp) != SatpModeOff
}

// Endianness of instruction fetch.
var cpuEndian = binary.LittleEndian

// signExtend sign-extends a value from 'bits' bits to 64 bits
func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}
