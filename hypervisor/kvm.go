package hypervisor

import (
	"golang.org/x/sys/unix"
)

// Real KVM ioctl request numbers, grounded on a working gokvm
// implementation (other_examples/7bc7620d_linuxboot-gokvm__kvm-kvm.go.go)
// rather than the teacher's placeholder bit-shift arithmetic in
// core_engine/hypervisor/kvm.go, which does not match the kernel's actual
// <linux/kvm.h> values.
const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetVCPUMMapSize     = 44548
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 1075883590
	kvmCheckExtension      = 44547
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmSetCPUID2           = 0x4008ae90
)

// KVM capability numbers consumed by System.CheckCapability (<linux/kvm.h>).
const (
	capUserMemory = 3
)

// ExitReason mirrors the kvm_run.exit_reason field (<linux/kvm.h>
// KVM_EXIT_*).
type ExitReason uint32

const (
	ExitUnknown     ExitReason = 0
	ExitException   ExitReason = 1
	ExitIO          ExitReason = 2
	ExitHypercall   ExitReason = 3
	ExitDebug       ExitReason = 4
	ExitHLT         ExitReason = 5
	ExitMMIO        ExitReason = 6
	ExitIRQWindow   ExitReason = 7
	ExitShutdown    ExitReason = 8
	ExitFailEntry   ExitReason = 9
	ExitIntr        ExitReason = 10
	ExitInternalErr ExitReason = 17
)

func (r ExitReason) String() string {
	switch r {
	case ExitUnknown:
		return "UNKNOWN"
	case ExitException:
		return "EXCEPTION"
	case ExitIO:
		return "IO"
	case ExitHypercall:
		return "HYPERCALL"
	case ExitDebug:
		return "DEBUG"
	case ExitHLT:
		return "HLT"
	case ExitMMIO:
		return "MMIO"
	case ExitIRQWindow:
		return "IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "SHUTDOWN"
	case ExitFailEntry:
		return "FAIL_ENTRY"
	case ExitIntr:
		return "INTR"
	case ExitInternalErr:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN_EXIT"
	}
}

// ioDirection mirrors kvm_run.io.direction.
type ioDirection uint8

const (
	ioDirectionIn  ioDirection = 0
	ioDirectionOut ioDirection = 1
)

// kvmRegs mirrors struct kvm_regs.
type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// kvmSegment mirrors struct kvm_segment.
type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// kvmDTable mirrors struct kvm_dtable (global/interrupt descriptor tables).
type kvmDTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// kvmSregs mirrors struct kvm_sregs.
type kvmSregs struct {
	CS, DS, ES, FS, GS, SS   kvmSegment
	TR, LDT                  kvmSegment
	GDT, IDT                 kvmDTable
	CR0, CR2, CR3, CR4, CR8  uint64
	EFER                     uint64
	ApicBase                 uint64
	InterruptBitmap          [(256 + 63) / 64]uint64
}

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmRun mirrors the fixed portion of struct kvm_run, followed by the
// exit-specific union; only the io sub-struct's fields are decoded here
// (by the io method, below), matching the bitfield layout gokvm unpacks in
// RunData.IO().
type kvmRun struct {
	RequestInterruptWindow uint8
	_                      [7]byte
	ExitReason             uint32
	ReadyForInterruptInjct uint8
	IfFlag                 uint8
	_                      [2]byte
	CR8                    uint64
	ApicBase               uint64
	Data                   [32]uint64
}

// io unpacks the KVM_EXIT_IO payload packed into Data[0] by the kernel:
// direction(1B) | size(1B) | port(2B) | count(4B), Data[1] = data offset
// (in bytes from the start of kvm_run) where the transferred data lives.
func (r *kvmRun) io() (direction ioDirection, size uint8, port uint16, count uint32, dataOffset uint64) {
	raw := r.Data[0]
	direction = ioDirection(raw & 0xff)
	size = uint8((raw >> 8) & 0xff)
	port = uint16((raw >> 16) & 0xffff)
	count = uint32((raw >> 32) & 0xffffffff)
	dataOffset = r.Data[1]
	return
}

func ioctl(fd, request, arg uintptr) (uintptr, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, arg)
	if errno != 0 {
		return ret, errno
	}
	return ret, nil
}
