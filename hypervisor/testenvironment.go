package hypervisor

import (
	"fmt"
	"log"
)

// Control-register bits needed to bring a vCPU up in 64-bit long mode with
// paging enabled, named after the Intel SDM mnemonics
// (original_source/x86test/src/hypervisor/mod.rs sets the same bits,
// spelled out via the Rust `x86` crate's constants).
const (
	cr0ProtectedMode     uint64 = 1 << 0  // PE
	cr0MonitorCoproc     uint64 = 1 << 1  // MP
	cr0ExtensionType     uint64 = 1 << 4  // ET
	cr0NumericError      uint64 = 1 << 5  // NE
	cr0WriteProtect      uint64 = 1 << 16 // WP
	cr0AlignmentMask     uint64 = 1 << 18 // AM
	cr0EnablePaging      uint64 = 1 << 31 // PG

	cr4PageSizeExt       uint64 = 1 << 4  // PSE
	cr4PhysAddrExt       uint64 = 1 << 5  // PAE
	cr4GlobalPages       uint64 = 1 << 7  // PGE
	cr4OSFXSR            uint64 = 1 << 9  // OSFXSR
	cr4OSXMMEXCPT        uint64 = 1 << 10 // OSXMMEXCPT
	cr4VME               uint64 = 1 << 0  // VME
	cr4OSXSAVE           uint64 = 1 << 18 // OSXSAVE
	cr4SMEP              uint64 = 1 << 20 // SMEP

	// efer is LME|LMA|SCE|NXE, matching the literal value the original
	// implementation sets rather than building it up bit by bit.
	efer uint64 = 0xd01
)

// Canonical region bases (spec.md §3 "Data Model"): every test stages a
// fresh stack, heap, and page-table arena at these fixed host/guest
// addresses.
const (
	StackBase  uintptr = 0x3000000
	HeapBase   uintptr = 0x6000000
	PTablesBase uintptr = 0x9000000

	rflagsReserved uint64 = 0x246 // bit 1 (always set), PF, ZF, IF

	// maxIdentityMapAddr bounds which /proc/self/maps ranges get pulled
	// into the guest's address space: KVM guest-physical addresses are
	// limited to 48 bits of canonical space.
	maxIdentityMapAddr uintptr = 0x800000000000
)

// TestEnvironment owns the VM and VSpace for one test and holds references
// to the System and to the three PhysicalMemory arenas backing stack, heap,
// and page tables, which stay owned by the caller.
// It is built fresh per test and discarded afterward (spec.md §6
// "one VM, one vCPU, one test, then teardown").
type TestEnvironment struct {
	sys     *System
	vm      *VirtualMachine
	stack   *PhysicalMemory
	heap    *PhysicalMemory
	ptables *PhysicalMemory
	vspace  *VSpace
}

// NewTestEnvironment creates a VM against sys, builds a VSpace over the
// ptables arena, and verifies the kernel reports user-memory support.
func NewTestEnvironment(sys *System, stack, heap, ptables *PhysicalMemory) (*TestEnvironment, error) {
	vm, err := sys.CreateVM()
	if err != nil {
		return nil, err
	}

	cap, err := sys.CheckCapability(capUserMemory)
	if err != nil {
		vm.Close()
		return nil, err
	}
	if cap <= 0 {
		vm.Close()
		return nil, fmt.Errorf("hypervisor: KVM_CAP_USER_MEMORY not supported by this kernel")
	}

	vspace := New(ptables)
	if sys.Debug {
		log.Printf("hypervisor: TestEnvironment: VSpace built, PML4 at %#x", vspace.PML4Addr())
	}

	return &TestEnvironment{
		sys:     sys,
		vm:      vm,
		stack:   stack,
		heap:    heap,
		ptables: ptables,
		vspace:  vspace,
	}, nil
}

// Close tears down the VM. The PhysicalMemory arenas are owned by the
// caller (the Runner), which unmaps them separately.
func (te *TestEnvironment) Close() error {
	return te.vm.Close()
}

// VSpace exposes the page table builder, e.g. for tests asserting on
// resolved mappings.
func (te *TestEnvironment) VSpace() *VSpace { return te.vspace }

// CreateVcpu brings up a single vCPU at ring 0 in 64-bit long mode, ready
// to execute starting at initFn with a usable stack. This mirrors
// original_source/x86test/src/hypervisor/mod.rs's `create_vcpu` step by
// step: identity-map the host's own address space so the guest can run
// and touch the same memory the host process already has mapped, then
// program segments, control registers, and the instruction pointer.
func (te *TestEnvironment) CreateVcpu(initFn uintptr) (*Vcpu, error) {
	ranges, err := ReadSelfMaps()
	if err != nil {
		return nil, err
	}

	mapped := 0
	for _, r := range ranges {
		if r.End > maxIdentityMapAddr || r.End <= r.Begin {
			continue
		}
		size := uint64(r.End - r.Begin)
		if err := te.vm.SetUserMemoryRegion(r.Begin, r.Begin, size); err != nil {
			return nil, fmt.Errorf("hypervisor: registering range %#x-%#x: %w", r.Begin, r.End, err)
		}
		te.vspace.MapIdentity(r.Begin, r.End, MapReadWriteExecuteKernel)
		mapped++
	}
	if te.sys.Debug {
		log.Printf("hypervisor: TestEnvironment: identity-mapped %d of %d /proc/self/maps ranges", mapped, len(ranges))
	}

	cpuid, err := te.sys.SupportedCPUID()
	if err != nil {
		return nil, err
	}

	cpu, err := te.vm.CreateVCPU()
	if err != nil {
		return nil, err
	}
	if err := cpu.SetCPUID2(cpuid); err != nil {
		cpu.Close()
		return nil, err
	}

	sregs, err := cpu.GetSregs()
	if err != nil {
		cpu.Close()
		return nil, err
	}

	// Flat 64-bit code/data segments with no GDT backing them: long mode
	// only consults the L/DB/Present/DPL/Type fields of the in-memory
	// segment register file KVM tracks, so there is no need to populate
	// an actual table in guest memory (matching the original's comment
	// that "we don't need to populate the GDT if we have our segments
	// set up" directly via kvm_sregs).
	template := kvmSegment{
		Base: 0, Limit: 0xffffffff, Selector: 0,
		Typ: 0, Present: 0, DPL: 0, DB: 1, S: 0, L: 0, G: 1, AVL: 0,
	}
	cs := template
	cs.Selector = 0x8
	cs.Typ = 0xb
	cs.Present = 1
	cs.DB = 0
	cs.S = 1
	cs.L = 1

	sregs.CS = cs
	sregs.SS = template
	sregs.DS = template
	sregs.ES = template
	sregs.FS = template
	sregs.GS = template

	sregs.CR0 = cr0ProtectedMode | cr0MonitorCoproc | cr0ExtensionType |
		cr0EnablePaging | cr0NumericError | cr0WriteProtect | cr0AlignmentMask
	sregs.CR3 = uint64(te.vspace.PML4Addr())
	sregs.CR4 = cr4PageSizeExt | cr4PhysAddrExt | cr4GlobalPages | cr4OSFXSR |
		cr4OSXMMEXCPT | cr4OSXSAVE | cr4SMEP | cr4VME
	sregs.EFER = efer

	if err := cpu.SetSregs(sregs); err != nil {
		cpu.Close()
		return nil, err
	}

	regs, err := cpu.GetRegs()
	if err != nil {
		cpu.Close()
		return nil, err
	}

	rsp := te.stack.Offset() + uintptr(te.stack.Len()) - 8
	regs.RIP = uint64(initFn)
	regs.RFLAGS = rflagsReserved
	regs.RSP = uint64(rsp)
	regs.RBP = uint64(rsp)

	if err := cpu.SetRegs(regs); err != nil {
		cpu.Close()
		return nil, err
	}

	if te.sys.Debug {
		log.Printf("hypervisor: TestEnvironment: vcpu ready, RIP=%#x RSP=%#x CR3=%#x", regs.RIP, regs.RSP, sregs.CR3)
	}
	return cpu, nil
}
