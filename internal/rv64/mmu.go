package rv64

// SATP modes
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
	SatpModeSv48 = 9
)

// Page table entry flags
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

// Page sizes
const (
	PageSize  = 4096
	PageShift = 12
	VpnBits   = 9
	PpnBits   = 44
)

func satpMode(satp uint64) uint64 { return (satp >> 60) & 0xf }
func satpASID(satp uint64) uint16 { return uint16((satp >> 44) & 0xffff) }
func satpPPN(satp uint64) uint64  { return satp & ((1 << PpnBits) - 1) }

type accessKind int

const (
	accessRead accessKind = iota
	accessWrite
	accessFetch
)

type tlbEntry struct {
	valid bool
	virt  bool
	vpn   uint64
	ppn   uint64
	flags uint64
	asid  uint16
}

// mmu translates guest virtual addresses through satp (or vsatp when the
// hart is virtualized). Guest-physical addresses are treated as host
// physical; hgatp is held but not walked.
type mmu struct {
	h   *Hart
	tlb [512]tlbEntry
}

func (m *mmu) flush() {
	for i := range m.tlb {
		m.tlb[i].valid = false
	}
}

// xlate describes the translation regime an access runs under.
type xlate struct {
	priv uint8
	virt bool
	satp uint64
	sum  bool
	mxr  bool
}

// regime returns the effective privilege and page table root for an
// access, honoring MPRV for loads and stores.
func (m *mmu) regime(access accessKind) xlate {
	s := &m.h.state
	x := xlate{priv: s.Priv, virt: s.Virt}
	if s.Priv == PrivMachine && access != accessFetch && s.Mstatus&MstatusMPRV != 0 {
		x.priv = uint8((s.Mstatus & MstatusMPP) >> MstatusMPPShift)
		x.virt = s.Mstatus&MstatusMPV != 0 && x.priv != PrivMachine
	}
	if x.virt {
		x.satp = s.Vsatp
		x.sum = s.Vsstatus&MstatusSUM != 0
		x.mxr = s.Vsstatus&MstatusMXR != 0 || s.Mstatus&MstatusMXR != 0
	} else {
		x.satp = s.Satp
		x.sum = s.Mstatus&MstatusSUM != 0
		x.mxr = s.Mstatus&MstatusMXR != 0
	}
	return x
}

// translate maps vaddr to a physical address. With probe set the walk
// neither fills the TLB nor updates A/D bits, so it has no side effects.
func (m *mmu) translate(vaddr uint64, access accessKind, probe bool) (uint64, error) {
	x := m.regime(access)
	if x.priv == PrivMachine {
		return vaddr, nil
	}
	mode := satpMode(x.satp)
	if mode == SatpModeOff {
		return vaddr, nil
	}

	vpn := vaddr >> PageShift
	idx := vpn & uint64(len(m.tlb)-1)
	entry := &m.tlb[idx]
	asid := satpASID(x.satp)

	if entry.valid && entry.vpn == vpn && entry.virt == x.virt && (entry.asid == asid || entry.flags&PteG != 0) {
		if err := m.checkPermissions(entry.flags, access, x, vaddr); err != nil {
			return 0, err
		}
		if entry.flags&PteA != 0 && (access != accessWrite || entry.flags&PteD != 0) {
			return (entry.ppn << PageShift) | (vaddr & (PageSize - 1)), nil
		}
		if !probe {
			entry.valid = false // Force page walk to set A/D
		}
	}

	paddr, flags, err := m.walkPageTable(vaddr, access, x, mode, probe)
	if err != nil {
		return 0, err
	}
	if probe {
		return paddr, nil
	}

	entry.valid = true
	entry.virt = x.virt
	entry.vpn = vpn
	entry.ppn = paddr >> PageShift
	entry.flags = flags
	entry.asid = asid
	return paddr, nil
}

// walkPageTable performs a page table walk
func (m *mmu) walkPageTable(vaddr uint64, access accessKind, x xlate, mode uint64, probe bool) (uint64, uint64, error) {
	var levels int
	switch mode {
	case SatpModeSv39:
		levels = 3
		if !canonical(vaddr, 39) {
			return 0, 0, pageFault(access, vaddr)
		}
	case SatpModeSv48:
		levels = 4
		if !canonical(vaddr, 48) {
			return 0, 0, pageFault(access, vaddr)
		}
	default:
		// Reserved modes cannot be written into satp.
		return vaddr, PteR | PteW | PteX | PteA | PteD, nil
	}

	pteAddr := satpPPN(x.satp) << PageShift

	for level := levels - 1; level >= 0; level-- {
		vpnShift := PageShift + level*VpnBits
		vpn := (vaddr >> vpnShift) & 0x1ff

		pteAddr += vpn * 8
		pte, err := m.h.readPhys(pteAddr, 8, probe)
		if err != nil {
			return 0, 0, accessFaultFor(access, vaddr, err)
		}

		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return 0, 0, pageFault(access, vaddr)
		}

		if pte&PteR == 0 && pte&PteX == 0 {
			// Non-leaf PTE - continue to next level
			pteAddr = ((pte >> 10) & ((1 << PpnBits) - 1)) << PageShift
			continue
		}

		mask := uint64(1)<<(level*VpnBits) - 1
		if level > 0 {
			if (pte>>10)&mask != 0 {
				return 0, 0, pageFault(access, vaddr)
			}
		}

		if err := m.checkPermissions(pte, access, x, vaddr); err != nil {
			return 0, 0, err
		}

		if pte&PteA == 0 || (access == accessWrite && pte&PteD == 0) {
			newPte := pte | PteA
			if access == accessWrite {
				newPte |= PteD
			}
			if !probe {
				if err := m.h.writePhys(pteAddr, 8, newPte); err != nil {
					return 0, 0, accessFaultFor(access, vaddr, err)
				}
			}
			pte = newPte
		}

		ppn := (pte >> 10) & ((1 << PpnBits) - 1)
		if level > 0 {
			ppn = (ppn &^ mask) | ((vaddr >> PageShift) & mask)
		}
		return (ppn << PageShift) | (vaddr & (PageSize - 1)), pte, nil
	}

	return 0, 0, pageFault(access, vaddr)
}

func canonical(vaddr uint64, bits uint) bool {
	top := int64(vaddr) >> (bits - 1)
	return top == 0 || top == -1
}

// checkPermissions checks if access is allowed
func (m *mmu) checkPermissions(pte uint64, access accessKind, x xlate, vaddr uint64) error {
	if x.priv == PrivUser {
		if pte&PteU == 0 {
			return pageFault(access, vaddr)
		}
	} else if pte&PteU != 0 && (access == accessFetch || !x.sum) {
		return pageFault(access, vaddr)
	}

	switch access {
	case accessRead:
		if pte&PteR == 0 && !(x.mxr && pte&PteX != 0) {
			return pageFault(access, vaddr)
		}
	case accessWrite:
		if pte&PteW == 0 {
			return pageFault(access, vaddr)
		}
	case accessFetch:
		if pte&PteX == 0 {
			return pageFault(access, vaddr)
		}
	}
	return nil
}

// pageFault returns the appropriate page fault exception
func pageFault(access accessKind, vaddr uint64) error {
	switch access {
	case accessWrite:
		return Exception(CauseStorePageFault, vaddr)
	case accessFetch:
		return Exception(CauseInsnPageFault, vaddr)
	}
	return Exception(CauseLoadPageFault, vaddr)
}
