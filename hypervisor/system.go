package hypervisor

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"
)

// System wraps the single /dev/kvm handle a process needs: CPUID discovery
// and capability checks happen here, before any VM exists, matching the
// Rust `System` type `TestEnvironment::new` asserts a capability against in
// original_source/x86test/src/hypervisor/mod.rs.
type System struct {
	fd int

	// Debug gates bring-up diagnostics across System, VirtualMachine, and
	// Vcpu, the same log.Printf-behind-a-bool-field convention the teacher
	// uses in core_engine/virtual_machine.go and vcpu.go.
	Debug bool
}

// OpenSystem opens /dev/kvm and verifies the kernel API version, the same
// sanity check the teacher's NewVirtualMachine performs before creating a
// VM (core_engine/virtual_machine.go). debug is threaded down to every VM
// and vCPU this System goes on to create.
func OpenSystem(debug bool) (*System, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: open /dev/kvm: %w", err)
	}
	sys := &System{fd: fd, Debug: debug}

	version, err := ioctl(uintptr(fd), kvmGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hypervisor: KVM_GET_API_VERSION: %w", err)
	}
	if version != 12 {
		unix.Close(fd)
		return nil, fmt.Errorf("hypervisor: unsupported KVM API version %d (want 12)", version)
	}
	if sys.Debug {
		log.Printf("hypervisor: opened /dev/kvm (fd %d), API version %d", fd, version)
	}
	return sys, nil
}

// Close releases the /dev/kvm handle.
func (s *System) Close() error {
	return unix.Close(s.fd)
}

// CheckCapability reports the value the kernel returns for a given
// KVM_CAP_* identifier via KVM_CHECK_EXTENSION, as
// TestEnvironment::new's `check_capability(Capability::UserMemory) > 0`
// assertion relies on.
func (s *System) CheckCapability(cap uintptr) (int, error) {
	ret, err := ioctl(uintptr(s.fd), kvmCheckExtension, cap)
	if err != nil {
		return 0, fmt.Errorf("hypervisor: KVM_CHECK_EXTENSION(%d): %w", cap, err)
	}
	if s.Debug {
		log.Printf("hypervisor: KVM_CHECK_EXTENSION(%d) = %d", cap, ret)
	}
	return int(ret), nil
}

// CreateVM creates a new VM file descriptor against this system handle.
func (s *System) CreateVM() (*VirtualMachine, error) {
	fd, err := ioctl(uintptr(s.fd), kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_VM: %w", err)
	}
	if s.Debug {
		log.Printf("hypervisor: VirtualMachine: created (fd %d)", fd)
	}
	return &VirtualMachine{fd: int(fd), sys: s, debug: s.Debug}, nil
}

// SupportedCPUID returns the host's supported CPUID entries, used verbatim
// as the guest's CPUID table (TestEnvironment::create_vcpu calls
// `vcpu.set_cpuid2(&kvm_cpuid)` with exactly this set).
func (s *System) SupportedCPUID() (*kvmCPUID2, error) {
	const maxEntries = 100
	buf := newKvmCPUID2(maxEntries)
	_, err := ioctl(uintptr(s.fd), kvmGetSupportedCPUID, buf.pointer())
	if err != nil {
		return nil, fmt.Errorf("hypervisor: KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	if s.Debug {
		log.Printf("hypervisor: KVM_GET_SUPPORTED_CPUID: %d entries (nent=%d)", maxEntries, buf.nent())
	}
	return buf, nil
}
