package hypervisor

import (
	"fmt"
	"log"
)

// VirtualMachine is a single KVM VM file descriptor. spec.md scopes this
// hypervisor to exactly one vCPU per VM (see Non-goals), so unlike the
// teacher's core_engine/virtual_machine.go (which owns an IOBus and a whole
// device set) this type only does the two things every test needs: guest
// memory region registration and vCPU creation.
type VirtualMachine struct {
	fd    int
	sys   *System
	next  uint32 // next free memory slot
	debug bool   // copied from System.Debug at CreateVM time
}

// SetUserMemoryRegion registers a host-backed region of guest physical
// memory. slot must be unique per VM; TestEnvironment.CreateVcpu always
// registers with guestPhysAddr == hostAddr, since every region in this
// hypervisor is identity-mapped (spec.md §9).
func (vm *VirtualMachine) SetUserMemoryRegion(guestPhysAddr, hostAddr uintptr, size uint64) error {
	region := kvmUserspaceMemoryRegion{
		Slot:          vm.next,
		Flags:         0,
		GuestPhysAddr: uint64(guestPhysAddr),
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}
	vm.next++

	if _, err := ioctl(uintptr(vm.fd), kvmSetUserMemoryRegion, uintptrOf(&region)); err != nil {
		return fmt.Errorf("hypervisor: KVM_SET_USER_MEMORY_REGION slot %d at %#x (%d bytes): %w",
			region.Slot, guestPhysAddr, size, err)
	}
	if vm.debug {
		log.Printf("hypervisor: VirtualMachine: registered slot %d: guest %#x <- host %#x (%d bytes)",
			region.Slot, guestPhysAddr, hostAddr, size)
	}
	return nil
}

// CreateVCPU creates vCPU 0. Only one vCPU is ever created per VM (Non-goal:
// multi-vCPU/SMP).
func (vm *VirtualMachine) CreateVCPU() (*Vcpu, error) {
	fd, err := ioctl(uintptr(vm.fd), kvmCreateVCPU, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_VCPU: %w", err)
	}

	mmapSize, err := ioctl(uintptr(vm.sys.fd), kvmGetVCPUMMapSize, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	cpu := &Vcpu{fd: int(fd), vm: vm}
	if err := cpu.mapRun(int(mmapSize)); err != nil {
		return nil, err
	}
	if vm.debug {
		log.Printf("hypervisor: VirtualMachine: VCPU created (fd %d), KVM_RUN mmap size %d bytes", fd, mmapSize)
	}
	return cpu, nil
}

// Close releases the VM file descriptor.
func (vm *VirtualMachine) Close() error {
	if vm.debug {
		log.Printf("hypervisor: VirtualMachine: closing (fd %d)", vm.fd)
	}
	return closeFD(vm.fd)
}
