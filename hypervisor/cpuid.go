package hypervisor

import "unsafe"

// kvmCPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

// kvmCPUID2 mirrors the kernel's variable-length struct kvm_cpuid2: a
// 2-word header (nent, padding) immediately followed by nent
// kvmCPUIDEntry2 records. KVM_GET_SUPPORTED_CPUID/KVM_SET_CPUID2 both
// operate on this exact layout, so the buffer backing it is allocated as
// raw bytes sized for the requested capacity rather than a fixed Go struct.
type kvmCPUID2 struct {
	buf      []byte
	capacity uint32
}

func newKvmCPUID2(capacity uint32) *kvmCPUID2 {
	headerSize := int(unsafe.Sizeof(uint32(0)) * 2)
	entrySize := int(unsafe.Sizeof(kvmCPUIDEntry2{}))
	buf := make([]byte, headerSize+int(capacity)*entrySize)
	*(*uint32)(unsafe.Pointer(&buf[0])) = capacity
	return &kvmCPUID2{buf: buf, capacity: capacity}
}

func (c *kvmCPUID2) pointer() uintptr {
	return uintptr(unsafe.Pointer(&c.buf[0]))
}

// nent returns the entry count the kernel actually filled in.
func (c *kvmCPUID2) nent() uint32 {
	return *(*uint32)(unsafe.Pointer(&c.buf[0]))
}
