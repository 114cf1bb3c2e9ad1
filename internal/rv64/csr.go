package rv64

// Machine counters and identification CSRs
const (
	CSRMcycle    uint16 = 0xB00
	CSRMinstret  uint16 = 0xB02
	CSRMvendorid uint16 = 0xF11
	CSRMarchid   uint16 = 0xF12
	CSRMimpid    uint16 = 0xF13
)

// Sstatus mask - bits visible in sstatus
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusFS |
	MstatusSUM | MstatusMXR | MstatusSD

const hstatusMask = HstatusGVA | HstatusSPV | HstatusSPVP | HstatusHU |
	HstatusVTVM | HstatusVTW | HstatusVTSR

const (
	mipSBits  = MipSSIP | MipSTIP | MipSEIP
	mipVSBits = MipVSSIP | MipVSTIP | MipVSEIP
	mipMBits  = MipMSIP | MipMTIP | MipMEIP
)

// csrImplemented reports whether csr exists for the given misa.
func csrImplemented(csr uint16, misa uint64) bool {
	switch csr {
	case CSRCycle, CSRTime, CSRInstret,
		CSRSstatus, CSRSie, CSRStvec, CSRScounteren, CSRSscratch, CSRSepc,
		CSRScause, CSRStval, CSRSip, CSRSatp,
		CSRMstatus, CSRMisa, CSRMedeleg, CSRMideleg, CSRMie, CSRMtvec,
		CSRMcounteren, CSRMscratch, CSRMepc, CSRMcause, CSRMtval, CSRMip,
		CSRMcycle, CSRMinstret, CSRMvendorid, CSRMarchid, CSRMimpid, CSRMhartid:
		return true
	case CSRHstatus, CSRHedeleg, CSRHideleg, CSRHie, CSRHtval, CSRHip, CSRHgatp,
		CSRVsstatus, CSRVsie, CSRVstvec, CSRVsscratch, CSRVsepc, CSRVscause,
		CSRVstval, CSRVsip, CSRVsatp:
		return misa&MisaH != 0
	}
	return false
}

// csrCheck decides at translation time whether an access to csr from mode
// m faults, and with which cause. Counter enables are checked when the
// access executes.
func csrCheck(csr uint16, write bool, m Mode, ctx Ctx, misa uint64) (uint64, bool) {
	priv, virt := m.Priv(), m.Virtual()
	illegal := CauseIllegalInsn
	if virt {
		illegal = CauseVirtualInsn
	}

	if !csrImplemented(csr, misa) {
		return CauseIllegalInsn, true
	}
	if write && csr>>10 == 3 {
		return CauseIllegalInsn, true
	}

	switch (csr >> 8) & 3 {
	case 3:
		if priv < PrivMachine {
			return CauseIllegalInsn, true
		}
	case 2:
		if priv == PrivMachine {
			break
		}
		if virt && priv == PrivSupervisor {
			return CauseVirtualInsn, true
		}
		if virt || priv < PrivSupervisor {
			return CauseIllegalInsn, true
		}
	case 1:
		if priv < PrivSupervisor {
			return illegal, true
		}
	}

	if csr == CSRSatp && priv == PrivSupervisor {
		if !virt && ctx&CtxTVM != 0 {
			return CauseIllegalInsn, true
		}
		if virt && ctx&CtxVTVM != 0 {
			return CauseVirtualInsn, true
		}
	}
	return 0, false
}

// counterEnabled checks mcounteren/scounteren for user-level counters.
func (h *Hart) counterEnabled(csr uint16) bool {
	s := &h.state
	bit := uint64(1) << (csr - CSRCycle)
	if s.Priv < PrivMachine && s.Mcounteren&bit == 0 {
		return false
	}
	if s.Priv == PrivUser && s.Scounteren&bit == 0 {
		return false
	}
	return true
}

// vsRedirect maps supervisor CSRs onto their VS counterparts while the
// hart is virtualized.
func vsRedirect(csr uint16) uint16 {
	switch csr {
	case CSRSstatus, CSRSie, CSRStvec, CSRSscratch, CSRSepc, CSRScause,
		CSRStval, CSRSip, CSRSatp:
		return csr + 0x100
	}
	return csr
}

// csrRead reads a CSR value. Access rights have already been checked.
func (h *Hart) csrRead(csr uint16) uint64 {
	s := &h.state
	if s.Virt {
		csr = vsRedirect(csr)
	}

	switch csr {
	// User counters
	case CSRCycle, CSRMcycle:
		return s.Cycle
	case CSRTime:
		if h.timeSource != nil {
			return h.timeSource()
		}
		return s.Cycle
	case CSRInstret, CSRMinstret:
		return s.Instret

	// Supervisor CSRs
	case CSRSstatus:
		return s.Mstatus & sstatusMask
	case CSRSie:
		return s.Mie & s.Mideleg & mipSBits
	case CSRStvec:
		return s.Stvec
	case CSRScounteren:
		return s.Scounteren
	case CSRSscratch:
		return s.Sscratch
	case CSRSepc:
		return s.Sepc
	case CSRScause:
		return s.Scause
	case CSRStval:
		return s.Stval
	case CSRSip:
		return s.Mip & s.Mideleg & mipSBits
	case CSRSatp:
		return s.Satp

	// Virtual supervisor CSRs
	case CSRVsstatus:
		return s.Vsstatus
	case CSRVsie:
		return (s.Mie & s.Hideleg & mipVSBits) >> 1
	case CSRVstvec:
		return s.Vstvec
	case CSRVsscratch:
		return s.Vsscratch
	case CSRVsepc:
		return s.Vsepc
	case CSRVscause:
		return s.Vscause
	case CSRVstval:
		return s.Vstval
	case CSRVsip:
		return (s.Mip & s.Hideleg & mipVSBits) >> 1
	case CSRVsatp:
		return s.Vsatp

	// Hypervisor CSRs
	case CSRHstatus:
		return s.Hstatus
	case CSRHedeleg:
		return s.Hedeleg
	case CSRHideleg:
		return s.Hideleg
	case CSRHie:
		return s.Mie & mipVSBits
	case CSRHtval:
		return s.Htval
	case CSRHip:
		return s.Mip & mipVSBits
	case CSRHgatp:
		return s.Hgatp

	// Machine CSRs
	case CSRMstatus:
		return s.Mstatus
	case CSRMisa:
		return s.Misa
	case CSRMedeleg:
		return s.Medeleg
	case CSRMideleg:
		return s.Mideleg
	case CSRMie:
		return s.Mie
	case CSRMtvec:
		return s.Mtvec
	case CSRMcounteren:
		return s.Mcounteren
	case CSRMscratch:
		return s.Mscratch
	case CSRMepc:
		return s.Mepc
	case CSRMcause:
		return s.Mcause
	case CSRMtval:
		return s.Mtval
	case CSRMip:
		return s.Mip
	case CSRMhartid:
		return s.Mhartid
	}
	return 0
}

// csrWrite writes a CSR value and reports whether the write changed
// translation context, in which case translated code must be dropped.
func (h *Hart) csrWrite(csr uint16, val uint64) (flush bool) {
	s := &h.state
	if s.Virt {
		csr = vsRedirect(csr)
	}
	hasH := s.Misa&MisaH != 0

	switch csr {
	case CSRMcycle:
		s.Cycle = val
	case CSRMinstret:
		s.Instret = val

	// Supervisor CSRs
	case CSRSstatus:
		s.Mstatus = (s.Mstatus &^ sstatusMask) | (val & sstatusMask)
		return true
	case CSRSie:
		mask := s.Mideleg & mipSBits
		s.Mie = (s.Mie &^ mask) | (val & mask)
	case CSRStvec:
		s.Stvec = val
	case CSRScounteren:
		s.Scounteren = val & 7
	case CSRSscratch:
		s.Sscratch = val
	case CSRSepc:
		s.Sepc = val &^ 1
	case CSRScause:
		s.Scause = val
	case CSRStval:
		s.Stval = val
	case CSRSip:
		// Only SSIP is writable
		mask := s.Mideleg & MipSSIP
		s.Mip = (s.Mip &^ mask) | (val & mask)
	case CSRSatp:
		if legalSatp(val) {
			s.Satp = val
		}
		return true

	// Virtual supervisor CSRs
	case CSRVsstatus:
		s.Vsstatus = (s.Vsstatus &^ sstatusMask) | (val & sstatusMask)
		return true
	case CSRVsie:
		mask := s.Hideleg & mipVSBits
		s.Mie = (s.Mie &^ mask) | ((val << 1) & mask)
	case CSRVstvec:
		s.Vstvec = val
	case CSRVsscratch:
		s.Vsscratch = val
	case CSRVsepc:
		s.Vsepc = val &^ 1
	case CSRVscause:
		s.Vscause = val
	case CSRVstval:
		s.Vstval = val
	case CSRVsip:
		mask := s.Hideleg & MipVSSIP
		s.Mip = (s.Mip &^ mask) | ((val << 1) & mask)
	case CSRVsatp:
		if legalSatp(val) {
			s.Vsatp = val
		}
		return true

	// Hypervisor CSRs
	case CSRHstatus:
		s.Hstatus = (s.Hstatus &^ hstatusMask) | (val & hstatusMask)
		return true
	case CSRHedeleg:
		s.Hedeleg = val & 0xb1ff
	case CSRHideleg:
		s.Hideleg = val & mipVSBits
	case CSRHie:
		s.Mie = (s.Mie &^ mipVSBits) | (val & mipVSBits)
	case CSRHtval:
		s.Htval = val
	case CSRHip:
		s.Mip = (s.Mip &^ MipVSSIP) | (val & MipVSSIP)
	case CSRHgatp:
		s.Hgatp = val
		return true

	// Machine CSRs
	case CSRMstatus:
		h.writeMstatus(val)
		return true
	case CSRMisa:
		return h.writeMisa(val)
	case CSRMedeleg:
		mask := uint64(0xb3ff)
		if hasH {
			mask |= 1<<CauseEcallFromVS | 0xf<<20
		}
		s.Medeleg = val & mask
	case CSRMideleg:
		s.Mideleg = val & mipSBits
		if hasH {
			s.Mideleg |= mipVSBits
		}
	case CSRMie:
		mask := mipMBits | mipSBits
		if hasH {
			mask |= mipVSBits
		}
		s.Mie = val & mask
	case CSRMtvec:
		s.Mtvec = val
	case CSRMcounteren:
		s.Mcounteren = val & 7
	case CSRMscratch:
		s.Mscratch = val
	case CSRMepc:
		s.Mepc = val &^ 1
	case CSRMcause:
		s.Mcause = val
	case CSRMtval:
		s.Mtval = val
	case CSRMip:
		mask := mipSBits
		if hasH {
			mask |= mipVSBits
		}
		s.Mip = (s.Mip &^ mask) | (val & mask)
	}
	return false
}

// legalSatp accepts only the translation modes the MMU implements.
func legalSatp(val uint64) bool {
	switch satpMode(val) {
	case SatpModeOff, SatpModeSv39, SatpModeSv48:
		return true
	}
	return false
}

// writeMstatus writes mstatus with proper masking
func (h *Hart) writeMstatus(val uint64) {
	s := &h.state
	mask := MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
		MstatusSPP | MstatusMPP | MstatusMPRV | MstatusSUM |
		MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR
	if s.Misa&MisaH != 0 {
		mask |= MstatusMPV | MstatusGVA
	}
	if (val&MstatusMPP)>>MstatusMPPShift == 2 {
		// Reserved privilege level: keep the previous MPP.
		val = (val &^ MstatusMPP) | (s.Mstatus & MstatusMPP)
	}
	s.Mstatus = (s.Mstatus &^ mask) | (val & mask)
}

// writeMisa lets software toggle the C extension when the variant has it.
// Clearing C is ignored while the next instruction is not 4-byte aligned.
func (h *Hart) writeMisa(val uint64) bool {
	s := &h.state
	if h.misa&MisaC == 0 {
		return false
	}
	next := s.Misa&^MisaC | val&MisaC
	if next&MisaC == 0 && h.npc&3 != 0 {
		return false
	}
	changed := next != s.Misa
	s.Misa = next
	return changed
}
