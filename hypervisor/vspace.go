package hypervisor

import (
	"fmt"
	"io"
	"unsafe"
)

// VSpace builds a 4-level x86-64 page table inside a PhysicalMemory arena.
// Because guest-physical addresses are identity-mapped to host-virtual
// addresses everywhere in this hypervisor, a table's physical address can
// be reinterpreted directly as a Go pointer to its contents — the same
// trick original_source/x86test/src/hypervisor/vspace.rs plays with
// `transmute`, via `get_pt`/`get_pd`/`get_pdpt`.
type VSpace struct {
	pml4 *PML4
	pmem *PhysicalMemory
}

// New allocates a fresh, zeroed PML4 and returns a VSpace that builds
// mappings against it.
func New(pmem *PhysicalMemory) *VSpace {
	addr := pmem.AllocPages(1)
	zeroPage(addr)
	return &VSpace{
		pml4: tableAt[PML4](addr),
		pmem: pmem,
	}
}

// PML4Addr returns the physical (== virtual) address of the root table, the
// value destined for CR3.
func (v *VSpace) PML4Addr() uintptr {
	return uintptr(unsafe.Pointer(v.pml4))
}

func tableAt[T any](addr uintptr) *T {
	return (*T)(unsafe.Pointer(addr))
}

func zeroPage(addr uintptr) {
	page := unsafe.Slice((*byte)(unsafe.Pointer(addr)), basePageSize)
	for i := range page {
		page[i] = 0
	}
}

// intermediateFlags is the P|RW(|US) combination every non-leaf entry along
// a path carries, regardless of the leaf's own rights: a page is only
// reachable from ring 3 if every table above it also sets US (spec.md §4.2
// "Walk semantics").
func intermediateFlags(rights MapAction) uint64 {
	flags := flagPresent | flagWritable
	if rights.rights()&flagUser != 0 {
		flags |= flagUser
	}
	return flags
}

func (v *VSpace) getOrCreatePDPT(pml4Idx int, rights MapAction) *PDPT {
	e := &v.pml4[pml4Idx]
	if !e.isPresent() {
		addr := v.pmem.AllocPages(1)
		zeroPage(addr)
		*e = PML4Entry(newEntry(addr, intermediateFlags(rights)))
	}
	return tableAt[PDPT](e.address())
}

func (v *VSpace) getOrCreatePD(e *PDPTEntry, rights MapAction) *PD {
	if !e.isPresent() {
		addr := v.pmem.AllocPages(1)
		zeroPage(addr)
		*e = PDPTEntry(newEntry(addr, intermediateFlags(rights)))
	} else if e.isPage() {
		panic("hypervisor: VSpace: PDPT slot already holds a 1 GiB leaf")
	}
	return tableAt[PD](e.address())
}

func (v *VSpace) getOrCreatePT(e *PDEntry, rights MapAction) *PT {
	if !e.isPresent() {
		addr := v.pmem.AllocPages(1)
		zeroPage(addr)
		*e = PDEntry(newEntry(addr, intermediateFlags(rights)))
	} else if e.isPage() {
		panic("hypervisor: VSpace: PD slot already holds a 2 MiB leaf")
	}
	return tableAt[PT](e.address())
}

// MapGeneric installs [pbase, pbase+psize) at vbase with the given rights,
// choosing the largest page size that keeps both virtual and physical
// addresses aligned at each step: 1 GiB, then 2 MiB, then 4 KiB. This is an
// iterative rendering of the tail-recursive walk in vspace.rs's
// `map_generic`, which peels off the largest aligned leaf it can install at
// the current address and recurses on the remainder; here the remainder is
// just the next loop iteration.
func (v *VSpace) MapGeneric(vbase, pbase uintptr, psize uint64, rights MapAction) {
	if pbase%basePageSize != 0 {
		panic(fmt.Sprintf("hypervisor: VSpace.MapGeneric: pbase %#x not page-aligned", pbase))
	}
	if psize%basePageSize != 0 {
		panic(fmt.Sprintf("hypervisor: VSpace.MapGeneric: psize %#x not page-aligned", psize))
	}
	if vbase%basePageSize != 0 {
		panic(fmt.Sprintf("hypervisor: VSpace.MapGeneric: vbase %#x not page-aligned", vbase))
	}
	if rights == MapNone {
		panic("hypervisor: VSpace.MapGeneric: MapAction must not be None")
	}

	for psize > 0 {
		pdpt := v.getOrCreatePDPT(pml4Index(vbase), rights)
		pdptE := &pdpt[pdptIndex(vbase)]

		if vbase%hugePageSize == 0 && pbase%hugePageSize == 0 && psize >= hugePageSize {
			if pdptE.isPresent() {
				panic(fmt.Sprintf("hypervisor: VSpace.MapGeneric: 1 GiB slot at vaddr %#x already mapped", vbase))
			}
			*pdptE = PDPTEntry(newEntry(pbase, flagPresent|flagPageSize|rights.rights()))
			vbase += hugePageSize
			pbase += hugePageSize
			psize -= hugePageSize
			continue
		}

		pd := v.getOrCreatePD(pdptE, rights)
		pdE := &pd[pdIndex(vbase)]

		if vbase%largePageSize == 0 && pbase%largePageSize == 0 && psize >= largePageSize {
			if pdE.isPresent() {
				panic(fmt.Sprintf("hypervisor: VSpace.MapGeneric: 2 MiB slot at vaddr %#x already mapped", vbase))
			}
			*pdE = PDEntry(newEntry(pbase, flagPresent|flagPageSize|rights.rights()))
			vbase += largePageSize
			pbase += largePageSize
			psize -= largePageSize
			continue
		}

		// A 4 KiB entry already present is treated as identical and left
		// untouched: re-mapping at this granularity is a no-op, not an
		// error, mirroring vspace.rs's tautological
		// `assert!(pt[pt_idx].is_present())` on the already-present
		// branch, which never fires.
		pt := v.getOrCreatePT(pdE, rights)
		ptE := &pt[ptIndex(vbase)]
		if ptE.isPresent() {
			vbase += basePageSize
			pbase += basePageSize
			psize -= basePageSize
			continue
		}
		*ptE = PTEntry(newEntry(pbase, flagPresent|rights.rights()))
		vbase += basePageSize
		pbase += basePageSize
		psize -= basePageSize
	}
}

// MapIdentityWithOffset maps every physical page in [pbase, end) at
// vaddr = paddr + atOffset.
func (v *VSpace) MapIdentityWithOffset(atOffset, pbase, end uintptr, rights MapAction) {
	if end < pbase {
		panic("hypervisor: VSpace.MapIdentityWithOffset: end before pbase")
	}
	v.MapGeneric(pbase+atOffset, pbase, uint64(end-pbase), rights)
}

// MapIdentity maps [base, end) at vaddr == paddr.
func (v *VSpace) MapIdentity(base, end uintptr, rights MapAction) {
	v.MapIdentityWithOffset(0, base, end, rights)
}

// Map allocates size bytes of fresh physical memory aligned
// to alignTo, maps it identity (vaddr == paddr) with rights, and returns the
// base address. alignTo must be a power of two no smaller than a page.
func (v *VSpace) Map(size uint64, rights MapAction, alignTo uint64) uintptr {
	pbase := v.allocatePagesAligned(size, alignTo)
	v.MapGeneric(pbase, pbase, size, rights)
	return pbase
}

// allocatePagesAligned over-allocates from the arena by up to alignTo bytes
// and returns the aligned subrange. The arena has no free list (see
// PhysicalMemory), so unlike vspace.rs's allocate_pages_aligned this cannot
// give back the unaligned slack at the bottom or top; it is simply wasted,
// which is acceptable for a one-shot per-test arena of a few MiB.
func (v *VSpace) allocatePagesAligned(size uint64, alignTo uint64) uintptr {
	if alignTo < basePageSize {
		alignTo = basePageSize
	}
	howMany := (size + basePageSize - 1) / basePageSize
	extraPages := alignTo / basePageSize
	raw := v.pmem.AllocPages(howMany + extraPages)
	aligned := (raw + uintptr(alignTo) - 1) &^ (uintptr(alignTo) - 1)
	return aligned
}

// ResolveAddr walks the table and returns the physical address vaddr
// resolves to, honouring PS leaves at the PDPT and PD levels.
func (v *VSpace) ResolveAddr(vaddr uintptr) (uintptr, bool) {
	pml4E := &v.pml4[pml4Index(vaddr)]
	if !pml4E.isPresent() {
		return 0, false
	}
	pdpt := tableAt[PDPT](pml4E.address())

	pdptE := &pdpt[pdptIndex(vaddr)]
	if !pdptE.isPresent() {
		return 0, false
	}
	if pdptE.isPage() {
		return pdptE.address() + (vaddr & (hugePageSize - 1)), true
	}
	pd := tableAt[PD](pdptE.address())

	pdE := &pd[pdIndex(vaddr)]
	if !pdE.isPresent() {
		return 0, false
	}
	if pdE.isPage() {
		return pdE.address() + (vaddr & (largePageSize - 1)), true
	}
	pt := tableAt[PT](pdE.address())

	ptE := &pt[ptIndex(vaddr)]
	if !ptE.isPresent() {
		return 0, false
	}
	return ptE.address() + (vaddr & (basePageSize - 1)), true
}

// Dump writes a terse listing of every present mapping, coalesced leaf by
// coalesced leaf, mirroring vspace.rs's diagnostic-only `dump_table`. It is
// never on the hot path; callers gate it behind a verbose flag.
func (v *VSpace) Dump(w io.Writer) {
	for i4, e4 := range v.pml4 {
		if !e4.isPresent() {
			continue
		}
		pdpt := tableAt[PDPT](e4.address())
		vbase4 := uintptr(i4) * pml4SlotSize
		for i3, e3 := range pdpt {
			if !e3.isPresent() {
				continue
			}
			vbase3 := vbase4 + uintptr(i3)*hugePageSize
			if e3.isPage() {
				fmt.Fprintf(w, "%#016x -> %#016x [1GiB]\n", vbase3, e3.address())
				continue
			}
			pd := tableAt[PD](e3.address())
			for i2, e2 := range pd {
				if !e2.isPresent() {
					continue
				}
				vbase2 := vbase3 + uintptr(i2)*largePageSize
				if e2.isPage() {
					fmt.Fprintf(w, "%#016x -> %#016x [2MiB]\n", vbase2, e2.address())
					continue
				}
				pt := tableAt[PT](e2.address())
				for i1, e1 := range pt {
					if !e1.isPresent() {
						continue
					}
					vbase1 := vbase2 + uintptr(i1)*basePageSize
					fmt.Fprintf(w, "%#016x -> %#016x [4KiB]\n", vbase1, e1.address())
				}
			}
		}
	}
}
