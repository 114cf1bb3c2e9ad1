package rv64

import (
	"errors"
	"fmt"
	"strings"
)

// FaultClass is the state of the exception router. FaultNone is the normal
// state; every other value is the excursion taken while routing one event.
type FaultClass uint8

const (
	FaultNone FaultClass = iota
	FaultPrivilege
	FaultAlignment
	FaultAbort
	FaultDevice
	FaultFetch
	FaultArithmetic

	faultClasses
)

var faultNames = [faultClasses]string{
	FaultNone:       "normal",
	FaultPrivilege:  "privilege",
	FaultAlignment:  "alignment",
	FaultAbort:      "abort",
	FaultDevice:     "device",
	FaultFetch:      "fetch",
	FaultArithmetic: "arithmetic",
}

func (c FaultClass) String() string {
	if c < faultClasses {
		return faultNames[c]
	}
	return fmt.Sprintf("FaultClass(%d)", uint8(c))
}

// ParseFaultClass parses a class name as printed by String.
func ParseFaultClass(name string) (FaultClass, bool) {
	name = strings.TrimSuffix(strings.ToLower(name), "-fault")
	for c, n := range faultNames {
		if n == name && FaultClass(c) != FaultNone {
			return FaultClass(c), true
		}
	}
	return FaultNone, false
}

// Additional exception causes
const (
	CauseInsnGuestPageFault  uint64 = 20
	CauseLoadGuestPageFault  uint64 = 21
	CauseVirtualInsn         uint64 = 22
	CauseStoreGuestPageFault uint64 = 23
)

// Event is a trap condition raised while translating or executing. Faults
// carry a class; ecall, ebreak and interrupts use FaultNone and only take
// the trap entry path.
type Event struct {
	Class FaultClass
	Cause uint64
	// Addr is the faulting address, or the encoding for illegal
	// instructions. It is written to the target's tval.
	Addr uint64
	Insn uint32
	PC   uint64
	Mode Mode
}

func (e *Event) Error() string {
	return fmt.Sprintf("%s fault: cause=%d tval=0x%x pc=0x%x mode=%s", e.Class, e.Cause, e.Addr, e.PC, e.Mode)
}

// Exception creates an event with the class implied by the cause.
func Exception(cause uint64, tval uint64) error {
	return &Event{Class: classOf(cause), Cause: cause, Addr: tval}
}

func classOf(cause uint64) FaultClass {
	if cause>>63 != 0 {
		return FaultNone
	}
	switch cause {
	case CauseIllegalInsn, CauseVirtualInsn:
		return FaultPrivilege
	case CauseLoadAddrMisaligned, CauseStoreAddrMisaligned:
		return FaultAlignment
	case CauseLoadAccessFault, CauseStoreAccessFault, CauseLoadPageFault, CauseStorePageFault,
		CauseLoadGuestPageFault, CauseStoreGuestPageFault:
		return FaultAbort
	case CauseInsnAddrMisaligned, CauseInsnAccessFault, CauseInsnPageFault, CauseInsnGuestPageFault:
		return FaultFetch
	}
	return FaultNone
}

// accessFaultFor converts a memory collaborator error into an access
// fault. Device rejections keep their own class.
func accessFaultFor(access accessKind, vaddr uint64, err error) error {
	var ev *Event
	if errors.As(err, &ev) {
		return ev
	}
	cause := CauseLoadAccessFault
	switch access {
	case accessWrite:
		cause = CauseStoreAccessFault
	case accessFetch:
		cause = CauseInsnAccessFault
	}
	class := classOf(cause)
	var devErr *DeviceError
	if access != accessFetch && errors.As(err, &devErr) {
		class = FaultDevice
	}
	return &Event{Class: class, Cause: cause, Addr: vaddr}
}

// asEvent extracts the event from an op error.
func asEvent(err error) (*Event, bool) {
	var ev *Event
	ok := errors.As(err, &ev)
	return ev, ok
}

// TrapTarget is the answer to a delegation query.
type TrapTarget struct {
	// Mode is the base mode the trap is taken in: MACHINE, SUPERVISOR or
	// VIRTUAL SUPERVISOR.
	Mode Mode
	// Delegated is set when the trap is handled below MACHINE.
	Delegated bool
	// Override is set when a runtime delegation chose the target.
	Override bool
}

// RouterObserver is called on every router state transition.
type RouterObserver func(from, to FaultClass, ev *Event)

type router struct {
	state    FaultClass
	override [faultClasses]Mode
	hasOver  [faultClasses]bool
	counts   [faultClasses]uint64
	observer RouterObserver
}

func (r *router) transition(to FaultClass, ev *Event) {
	from := r.state
	r.state = to
	if to != FaultNone {
		r.counts[to]++
	}
	if r.observer != nil {
		r.observer(from, to, ev)
	}
}

// canHandleTraps reports whether traps can be vectored into m.
func canHandleTraps(m Mode) bool {
	switch m.Base() {
	case ModeMachine, ModeSupervisor, ModeVirtualSupervisor:
		return true
	}
	return false
}

// SetDelegation overrides the handling mode for a fault class. The
// override is consulted by every later query and only applies while it
// does not send the trap below the current privilege.
func (h *Hart) SetDelegation(class FaultClass, target Mode) error {
	if class == FaultNone || class >= faultClasses {
		return fmt.Errorf("cannot delegate fault class %s", class)
	}
	if _, err := LookupMode(target); err != nil {
		return err
	}
	if !canHandleTraps(target) {
		return fmt.Errorf("mode %s cannot take traps", target)
	}
	h.router.override[class] = target.Base()
	h.router.hasOver[class] = true
	return nil
}

// ClearDelegation removes a runtime override.
func (h *Hart) ClearDelegation(class FaultClass) {
	if class < faultClasses {
		h.router.hasOver[class] = false
	}
}

// SetRouterObserver installs fn to watch router transitions.
func (h *Hart) SetRouterObserver(fn RouterObserver) { h.router.observer = fn }

// RouterState returns the router's current state.
func (h *Hart) RouterState() FaultClass { return h.router.state }

// FaultCount returns how many events of class have been routed.
func (h *Hart) FaultCount(class FaultClass) uint64 {
	if class >= faultClasses {
		return 0
	}
	return h.router.counts[class]
}

// outranks reports whether a trap may be taken into target from the
// current state without lowering privilege.
func (h *Hart) outranks(target Mode) bool {
	s := &h.state
	switch target {
	case ModeMachine:
		return true
	case ModeSupervisor:
		return s.Priv != PrivMachine
	case ModeVirtualSupervisor:
		return s.Virt
	}
	return false
}

func (h *Hart) rdExcept(class FaultClass, cause uint64) TrapTarget {
	if class != FaultNone && h.router.hasOver[class] {
		if t := h.router.override[class]; h.outranks(t) {
			return TrapTarget{Mode: t, Delegated: t != ModeMachine, Override: true}
		}
	}

	s := &h.state
	code := cause &^ (1 << 63)
	deleg, hdeleg := s.Medeleg, s.Hedeleg
	if cause>>63 != 0 {
		deleg, hdeleg = s.Mideleg, s.Hideleg
	}
	if s.Priv == PrivMachine || code >= 64 || deleg&(1<<code) == 0 {
		return TrapTarget{Mode: ModeMachine}
	}
	if s.Virt && hdeleg&(1<<code) != 0 {
		return TrapTarget{Mode: ModeVirtualSupervisor, Delegated: true}
	}
	return TrapTarget{Mode: ModeSupervisor, Delegated: true}
}

// RdPrivExcept returns where a privilege fault raised now would be taken.
func (h *Hart) RdPrivExcept(ev *Event) TrapTarget { return h.rdExcept(FaultPrivilege, ev.Cause) }

// WrPrivExcept routes a privilege fault and returns the handler PC and
// mode.
func (h *Hart) WrPrivExcept(ev *Event) (uint64, Mode) { return h.route(FaultPrivilege, ev) }

// RdAlignExcept returns where an alignment fault raised now would be taken.
func (h *Hart) RdAlignExcept(ev *Event) TrapTarget { return h.rdExcept(FaultAlignment, ev.Cause) }

// WrAlignExcept routes an alignment fault.
func (h *Hart) WrAlignExcept(ev *Event) (uint64, Mode) { return h.route(FaultAlignment, ev) }

// RdAbortExcept returns where a memory abort raised now would be taken.
func (h *Hart) RdAbortExcept(ev *Event) TrapTarget { return h.rdExcept(FaultAbort, ev.Cause) }

// WrAbortExcept routes a memory abort.
func (h *Hart) WrAbortExcept(ev *Event) (uint64, Mode) { return h.route(FaultAbort, ev) }

// RdDeviceExcept returns where a device fault raised now would be taken.
func (h *Hart) RdDeviceExcept(ev *Event) TrapTarget { return h.rdExcept(FaultDevice, ev.Cause) }

// WrDeviceExcept routes a device fault.
func (h *Hart) WrDeviceExcept(ev *Event) (uint64, Mode) { return h.route(FaultDevice, ev) }

// IFetchExcept reports whether fetching an instruction at addr would
// fault. With complete set the fault is also routed.
func (h *Hart) IFetchExcept(addr uint64, complete bool) bool {
	err := h.probeFetch(addr, !complete)
	if err == nil {
		return false
	}
	if complete {
		ev, ok := asEvent(err)
		if !ok {
			ev = &Event{Class: FaultFetch, Cause: CauseInsnAccessFault, Addr: addr}
		}
		ev.Class = FaultFetch
		ev.PC = addr
		ev.Mode = h.state.Mode()
		h.route(FaultFetch, ev)
	}
	return true
}

// ArithResult returns the architectural result of a divide whose divisor
// is zero or whose quotient overflows. It reads the dividend from the
// current state and does not modify it.
func (h *Hart) ArithResult(ev *Event) uint64 {
	insn := ev.Insn
	a := h.state.ReadReg(rs1(insn))
	wide := opcode(insn) == OpOp32
	zero := h.state.ReadReg(rs2(insn)) == 0
	if wide {
		zero = uint32(h.state.ReadReg(rs2(insn))) == 0
		a = uint64(int64(int32(a)))
	}
	switch funct3(insn) {
	case 0b100, 0b101: // DIV, DIVU
		if zero {
			return ^uint64(0)
		}
		return a // signed overflow: quotient is the dividend
	case 0b110, 0b111: // REM, REMU
		if zero {
			return a
		}
		return 0
	}
	panic(fmt.Sprintf("rv64: arithmetic result requested for 0x%08x", insn))
}

// arithFault records an arithmetic fault and returns the value the
// instruction retires with. No trap is taken.
func (h *Hart) arithFault(ev *Event) uint64 {
	r := &h.router
	if r.state != FaultNone {
		panic(fmt.Sprintf("rv64: arithmetic fault raised while routing %s", r.state))
	}
	r.transition(FaultArithmetic, ev)
	val := h.ArithResult(ev)
	h.state.FaultClass = FaultArithmetic
	h.state.FaultAddr = ev.PC
	r.transition(FaultNone, ev)
	return val
}

// route runs one excursion of the router: record the cause, enter the
// target mode, vector the PC and return to normal. The accessor decides the
// class: an event built without one, or with another, is routed as class.
func (h *Hart) route(class FaultClass, ev *Event) (uint64, Mode) {
	if ev.Class != class {
		if ev.Class != FaultNone {
			h.log.Debug("fault reclassified", "from", ev.Class, "to", class, "cause", ev.Cause)
		}
		routed := *ev
		routed.Class = class
		ev = &routed
	}
	r := &h.router
	if r.state != FaultNone {
		panic(fmt.Sprintf("rv64: %s fault raised while routing %s", class, r.state))
	}
	r.transition(class, ev)
	h.state.Pending = true

	tgt := h.rdExcept(class, ev.Cause)
	h.enterTrap(ev.Cause, ev.Addr, tgt)
	h.state.FaultClass = class
	h.state.FaultAddr = ev.Addr

	h.state.Pending = false
	r.transition(FaultNone, ev)

	h.log.Debug("fault routed", "class", class, "cause", ev.Cause, "tval", ev.Addr,
		"pc", ev.PC, "from", ev.Mode, "to", tgt.Mode, "vector", h.state.PC)
	return h.state.PC, h.state.Mode()
}

// raise dispatches ev to its class accessor. Events without a class are
// ecalls, breakpoints or interrupts and go straight to trap entry.
func (h *Hart) raise(ev *Event) (uint64, Mode) {
	switch ev.Class {
	case FaultPrivilege:
		return h.WrPrivExcept(ev)
	case FaultAlignment:
		return h.WrAlignExcept(ev)
	case FaultAbort:
		return h.WrAbortExcept(ev)
	case FaultDevice:
		return h.WrDeviceExcept(ev)
	case FaultFetch:
		return h.route(FaultFetch, ev)
	case FaultNone:
		h.enterTrap(ev.Cause, ev.Addr, h.rdExcept(FaultNone, ev.Cause))
		return h.state.PC, h.state.Mode()
	}
	panic(fmt.Sprintf("rv64: cannot raise %s event", ev.Class))
}

func isAddressCause(cause uint64) bool {
	switch cause {
	case CauseInsnAddrMisaligned, CauseInsnAccessFault, CauseLoadAddrMisaligned,
		CauseLoadAccessFault, CauseStoreAddrMisaligned, CauseStoreAccessFault,
		CauseInsnPageFault, CauseLoadPageFault, CauseStorePageFault:
		return true
	}
	return false
}

// enterTrap performs trap entry into the target mode.
func (h *Hart) enterTrap(cause, tval uint64, tgt TrapTarget) {
	s := &h.state
	isInterrupt := cause>>63 != 0
	code := cause &^ (1 << 63)
	gva := s.Virt && !isInterrupt && isAddressCause(cause)

	switch tgt.Mode {
	case ModeVirtualSupervisor:
		if isInterrupt && (code == 2 || code == 6 || code == 10) {
			// VS interrupts are reported as their S-level counterparts.
			code--
			cause = (1 << 63) | code
		}
		s.Vsepc = s.PC
		s.Vscause = cause
		s.Vstval = tval
		s.Vsstatus = pushStatus(s.Vsstatus, MstatusSIE, MstatusSPIE)
		s.Vsstatus = setBit(s.Vsstatus, MstatusSPP, s.Priv == PrivSupervisor)
		s.Priv = PrivSupervisor
		s.Virt = true
		s.PC = vector(s.Vstvec, isInterrupt, code)

	case ModeSupervisor:
		s.Sepc = s.PC
		s.Scause = cause
		s.Stval = tval
		s.Htval = 0
		if s.Misa&MisaH != 0 {
			s.Hstatus = setBit(s.Hstatus, HstatusSPV, s.Virt)
			s.Hstatus = setBit(s.Hstatus, HstatusGVA, gva)
			if s.Virt {
				s.Hstatus = setBit(s.Hstatus, HstatusSPVP, s.Priv == PrivSupervisor)
			}
		}
		s.Mstatus = pushStatus(s.Mstatus, MstatusSIE, MstatusSPIE)
		s.Mstatus = setBit(s.Mstatus, MstatusSPP, s.Priv == PrivSupervisor)
		s.Priv = PrivSupervisor
		s.Virt = false
		s.PC = vector(s.Stvec, isInterrupt, code)

	default:
		s.Mepc = s.PC
		s.Mcause = cause
		s.Mtval = tval
		s.Mstatus = pushStatus(s.Mstatus, MstatusMIE, MstatusMPIE)
		s.Mstatus &^= MstatusMPP
		s.Mstatus |= uint64(s.Priv) << MstatusMPPShift
		if s.Misa&MisaH != 0 {
			s.Mstatus = setBit(s.Mstatus, MstatusMPV, s.Virt)
			s.Mstatus = setBit(s.Mstatus, MstatusGVA, gva)
		}
		s.Priv = PrivMachine
		s.Virt = false
		s.PC = vector(s.Mtvec, isInterrupt, code)
	}
	s.WFI = false
	h.lastCause = cause
	h.traps++
}

// pushStatus saves the interrupt enable into its previous-enable bit and
// clears it.
func pushStatus(status, ie, pie uint64) uint64 {
	status = setBit(status, pie, status&ie != 0)
	return status &^ ie
}

func setBit(v, bit uint64, on bool) uint64 {
	if on {
		return v | bit
	}
	return v &^ bit
}

func vector(tvec uint64, isInterrupt bool, code uint64) uint64 {
	if tvec&1 == 1 && isInterrupt {
		return (tvec &^ 3) + 4*code
	}
	return tvec &^ 3
}

// mret handles machine-mode return
func (h *Hart) mret() {
	s := &h.state
	mpp := uint8((s.Mstatus & MstatusMPP) >> MstatusMPPShift)
	s.Priv = mpp
	s.Virt = mpp != PrivMachine && s.Mstatus&MstatusMPV != 0
	s.Mstatus = setBit(s.Mstatus, MstatusMIE, s.Mstatus&MstatusMPIE != 0)
	s.Mstatus |= MstatusMPIE
	s.Mstatus &^= MstatusMPP | MstatusMPV
	if mpp != PrivMachine {
		s.Mstatus &^= MstatusMPRV
	}
	s.PC = s.Mepc
}

// sret handles supervisor-mode return, from HS or from VS.
func (h *Hart) sret() {
	s := &h.state
	if s.Virt {
		if s.Vsstatus&MstatusSPP != 0 {
			s.Priv = PrivSupervisor
		} else {
			s.Priv = PrivUser
		}
		s.Vsstatus = setBit(s.Vsstatus, MstatusSIE, s.Vsstatus&MstatusSPIE != 0)
		s.Vsstatus |= MstatusSPIE
		s.Vsstatus &^= MstatusSPP
		s.PC = s.Vsepc
		return
	}
	if s.Mstatus&MstatusSPP != 0 {
		s.Priv = PrivSupervisor
	} else {
		s.Priv = PrivUser
	}
	if s.Misa&MisaH != 0 {
		s.Virt = s.Hstatus&HstatusSPV != 0
		s.Hstatus &^= HstatusSPV
	}
	s.Mstatus = setBit(s.Mstatus, MstatusSIE, s.Mstatus&MstatusSPIE != 0)
	s.Mstatus |= MstatusSPIE
	s.Mstatus &^= MstatusSPP
	if s.Priv != PrivMachine {
		s.Mstatus &^= MstatusMPRV
	}
	s.PC = s.Sepc
}

// Interrupt priority order, highest first.
var interruptOrder = [...]struct {
	bit   uint64
	cause uint64
}{
	{MipMEIP, CauseMExternalInt},
	{MipMSIP, CauseMSoftwareInt},
	{MipMTIP, CauseMTimerInt},
	{MipSEIP, CauseSExternalInt},
	{MipSSIP, CauseSSoftwareInt},
	{MipSTIP, CauseSTimerInt},
	{MipVSEIP, CauseVSExternalInt},
	{MipVSSIP, CauseVSSoftwareInt},
	{MipVSTIP, CauseVSTimerInt},
}

// pendingInterrupt returns the highest priority interrupt that is pending,
// enabled and not masked at the current privilege.
func (h *Hart) pendingInterrupt() (uint64, bool) {
	s := &h.state
	pending := s.Mip & s.Mie
	if pending == 0 {
		return 0, false
	}

	mEnabled := s.Priv < PrivMachine || s.Mstatus&MstatusMIE != 0
	hsEnabled := s.Priv < PrivSupervisor || s.Virt || (s.Priv == PrivSupervisor && s.Mstatus&MstatusSIE != 0)
	vsEnabled := s.Virt && (s.Priv == PrivUser || s.Vsstatus&MstatusSIE != 0)

	for _, irq := range interruptOrder {
		if pending&irq.bit == 0 {
			continue
		}
		var enabled bool
		switch {
		case s.Mideleg&irq.bit == 0:
			enabled = mEnabled
		case s.Hideleg&irq.bit == 0:
			enabled = hsEnabled && s.Priv != PrivMachine
		default:
			enabled = vsEnabled
		}
		if enabled {
			return irq.cause, true
		}
	}
	return 0, false
}
