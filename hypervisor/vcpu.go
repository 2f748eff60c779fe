package hypervisor

import (
	"fmt"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Vcpu is a single KVM vCPU, its KVM_RUN-shared mmap, and the fd it was
// created from. spec.md's I/O-exit dispatcher operates on the `run` struct
// this type exposes via Run()/IO().
type Vcpu struct {
	fd     int
	vm     *VirtualMachine
	mmap   []byte
	run    *kvmRun
}

func (c *Vcpu) mapRun(size int) error {
	mem, err := unix.Mmap(c.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("hypervisor: mmap kvm_run (%d bytes): %w", size, err)
	}
	c.mmap = mem
	c.run = (*kvmRun)(unsafe.Pointer(&mem[0]))
	return nil
}

// Close unmaps kvm_run and closes the vCPU fd.
func (c *Vcpu) Close() error {
	if c.mmap != nil {
		if err := unix.Munmap(c.mmap); err != nil {
			return fmt.Errorf("hypervisor: munmap kvm_run: %w", err)
		}
		c.mmap = nil
	}
	return closeFD(c.fd)
}

// GetRegs reads the general-purpose register file.
func (c *Vcpu) GetRegs() (kvmRegs, error) {
	var regs kvmRegs
	if _, err := ioctl(uintptr(c.fd), kvmGetRegs, uintptrOf(&regs)); err != nil {
		return regs, fmt.Errorf("hypervisor: KVM_GET_REGS: %w", err)
	}
	return regs, nil
}

// SetRegs writes the general-purpose register file.
func (c *Vcpu) SetRegs(regs kvmRegs) error {
	if _, err := ioctl(uintptr(c.fd), kvmSetRegs, uintptrOf(&regs)); err != nil {
		return fmt.Errorf("hypervisor: KVM_SET_REGS: %w", err)
	}
	return nil
}

// GetSregs reads the special (segment/control) register file.
func (c *Vcpu) GetSregs() (kvmSregs, error) {
	var sregs kvmSregs
	if _, err := ioctl(uintptr(c.fd), kvmGetSregs, uintptrOf(&sregs)); err != nil {
		return sregs, fmt.Errorf("hypervisor: KVM_GET_SREGS: %w", err)
	}
	return sregs, nil
}

// SetSregs writes the special (segment/control) register file.
func (c *Vcpu) SetSregs(sregs kvmSregs) error {
	if _, err := ioctl(uintptr(c.fd), kvmSetSregs, uintptrOf(&sregs)); err != nil {
		return fmt.Errorf("hypervisor: KVM_SET_SREGS: %w", err)
	}
	return nil
}

// SetCPUID2 installs the host's supported CPUID table into the guest, as
// TestEnvironment.CreateVcpu does immediately after vCPU creation.
func (c *Vcpu) SetCPUID2(cpuid *kvmCPUID2) error {
	if _, err := ioctl(uintptr(c.fd), kvmSetCPUID2, cpuid.pointer()); err != nil {
		return fmt.Errorf("hypervisor: KVM_SET_CPUID2: %w", err)
	}
	return nil
}

// Run executes the vCPU until the next VM exit and returns the exit
// reason. EINTR and EAGAIN are not reported as Go errors; KVM_RUN can
// legitimately return early on either when the host delivers a signal, and
// Run simply issues KVM_RUN again (no exit work is needed).
func (c *Vcpu) Run() (ExitReason, error) {
	for {
		_, err := ioctl(uintptr(c.fd), kvmRun, 0)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return ExitUnknown, fmt.Errorf("hypervisor: KVM_RUN: %w", err)
		}
		reason := ExitReason(c.run.ExitReason)
		if c.vm.debug {
			log.Printf("hypervisor: Vcpu: exit reason %s", reason)
		}
		return reason, nil
	}
}

// IOExit describes the data for a KVM_EXIT_IO exit.
type IOExit struct {
	Direction ioDirection
	Port      uint16
	Size      uint8
	Data      uint32
}

// IO decodes the current KVM_EXIT_IO payload. Only 1-, 2- and 4-byte
// single-count transfers are supported, which is everything spec.md's
// fixed port set ever triggers (string I/O and REP-prefixed accesses are
// out of scope).
func (c *Vcpu) IO() IOExit {
	direction, size, port, count, dataOffset := c.run.io()
	if count != 1 {
		panic(fmt.Sprintf("hypervisor: Vcpu.IO: unsupported count %d for port %#x", count, port))
	}

	base := uintptr(unsafe.Pointer(c.run)) + uintptr(dataOffset)
	var data uint32
	switch size {
	case 1:
		data = uint32(*(*uint8)(unsafe.Pointer(base)))
	case 2:
		data = uint32(*(*uint16)(unsafe.Pointer(base)))
	case 4:
		data = *(*uint32)(unsafe.Pointer(base))
	default:
		panic(fmt.Sprintf("hypervisor: Vcpu.IO: unsupported size %d for port %#x", size, port))
	}

	if c.vm.debug {
		log.Printf("hypervisor: Vcpu: IO exit: port=%#x dir=%d size=%d data=%#x", port, direction, size, data)
	}
	return IOExit{Direction: direction, Port: port, Size: size, Data: data}
}

// SetIOResult writes a value back into the kvm_run IO data buffer for an
// In exit, the same slot IO() reads from.
func (c *Vcpu) SetIOResult(value uint32) {
	_, size, _, _, dataOffset := c.run.io()
	base := uintptr(unsafe.Pointer(c.run)) + uintptr(dataOffset)
	switch size {
	case 1:
		*(*uint8)(unsafe.Pointer(base)) = uint8(value)
	case 2:
		*(*uint16)(unsafe.Pointer(base)) = uint16(value)
	case 4:
		*(*uint32)(unsafe.Pointer(base)) = value
	}
}
