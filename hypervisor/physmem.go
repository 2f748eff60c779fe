package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// basePageSize is the smallest x86-64 page granule.
const basePageSize = 4096

// PhysicalMemory is a bump allocator over a single host-mapped region whose
// host virtual address equals the guest physical address. It hands out
// page-aligned chunks used for stacks, heaps, and page-table pages.
//
// There is no free list and no fragmentation tracking: every test builds a
// fresh set of regions and drops them together at test completion, so a
// bump cursor is all the allocator needs (see core_engine/virtual_machine.go
// in the teacher for the same one-shot-arena shape, scaled down to a single
// region instead of one big guest address space).
type PhysicalMemory struct {
	offset    uintptr
	size      int
	allocated int
	mem       []byte
}

// NewPhysicalMemory acquires a 4 MiB mapping at the exact host address
// offset, with read/write/execute permissions. The fixed address is
// load-bearing: the rest of the hypervisor assumes host-virtual equals
// guest-physical for every region it builds (spec.md §9 "Identity of
// host-virtual and guest-physical"). If the platform cannot honour the
// fixed address this fails loudly rather than silently relocating.
func NewPhysicalMemory(offset uintptr) (*PhysicalMemory, error) {
	const size = 4 << 20 // 4 MiB

	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		offset,
		uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_NORESERVE),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("hypervisor: mmap fixed at %#x (%d bytes) failed: %w", offset, size, errno)
	}
	if addr != offset {
		unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0)
		return nil, fmt.Errorf("hypervisor: mmap honoured address %#x instead of requested %#x", addr, offset)
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return &PhysicalMemory{
		offset: offset,
		size:   size,
		mem:    mem,
	}, nil
}

// Close unmaps the backing region. Called once per test at teardown.
func (p *PhysicalMemory) Close() error {
	if p.mem == nil {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, p.offset, uintptr(p.size), 0)
	p.mem = nil
	if errno != 0 {
		return fmt.Errorf("hypervisor: munmap %#x failed: %w", p.offset, errno)
	}
	return nil
}

// Len returns the total size of the backing region in bytes.
func (p *PhysicalMemory) Len() int { return p.size }

// Offset returns the guest-physical (== host-virtual) base of this region.
func (p *PhysicalMemory) Offset() uintptr { return p.offset }

// AsSlice exposes the whole region as a byte slice for callers that need
// to hand it to KVM or copy a test image into it.
func (p *PhysicalMemory) AsSlice() []byte { return p.mem }

// AllocPages returns the next how_many*4096 bytes, bumping the cursor. It
// panics on exhaustion: a test that cannot be staged cannot run, and there
// is no recovery path (spec.md §4.1, §7 "Failure semantics").
func (p *PhysicalMemory) AllocPages(howMany uint64) uintptr {
	toAllocate := int(howMany) * basePageSize
	if p.allocated+toAllocate > p.size {
		panic(fmt.Sprintf("hypervisor: PhysicalMemory OOM: %d + %d > %d", p.allocated, toAllocate, p.size))
	}

	ptr := p.offset + uintptr(p.allocated)
	p.allocated += toAllocate
	return ptr
}
