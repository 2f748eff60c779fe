package hypervisor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// uintptrOf returns the address of a value as a uintptr for use as an
// ioctl argument. Callers must keep the referenced value alive until the
// ioctl returns, which every call site here does (the value is a local
// passed directly into the syscall).
func uintptrOf(p any) uintptr {
	switch v := p.(type) {
	case *kvmUserspaceMemoryRegion:
		return uintptr(unsafe.Pointer(v))
	case *kvmRegs:
		return uintptr(unsafe.Pointer(v))
	case *kvmSregs:
		return uintptr(unsafe.Pointer(v))
	default:
		panic("hypervisor: uintptrOf: unsupported type")
	}
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
