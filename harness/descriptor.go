// Package harness provides the test-registration surface and the Runner
// that drives each registered test through a fresh KVM guest. The
// compile-time registration macro the original project pairs with this is
// out of scope; descriptors are built by hand here (see
// cmd/x86test-selftest).
package harness

// IORead is the one test-controlled mocked input port a descriptor may
// enable: an IN from Port always returns Value (original_source's
// `ioport_enable`/spec.md's `ioport_reads` field).
type IORead struct {
	Port  uint16
	Value uint32
}

// TestDescriptor is the external, pre-registered shape of a single
// kernel-mode test: a name, a raw entry point, and the knobs that affect
// how the Runner stages and judges it. It corresponds to
// original_source/x86test/x86test_types/src/lib.rs's `X86TestFn`.
type TestDescriptor struct {
	Name string

	// Ignore skips this test entirely; it is still listed by name in the
	// summary as "ignored".
	Ignore bool

	// TestFn is the guest entry point: a host function compiled directly
	// into this binary. Because every host address range is identity
	// mapped into the guest (hypervisor.TestEnvironment.CreateVcpu), the
	// guest's vCPU can jump straight into the host's own compiled code
	// and run it at ring 0 — there is no guest binary image to load.
	TestFn func()

	// IoportRead configures the one mocked input port this test may read
	// from. Port 0 disables it; any other port, read or not, other than
	// the fixed serial/shutdown ports is an UnexpectedIOError.
	IoportRead IORead

	// ShouldPanic is the expected outcome: true if the test is expected
	// to signal a panic (nonzero value on port 0xF4, or an unhandled
	// shutdown) rather than a clean completion.
	ShouldPanic bool

	// ShouldHalt is carried from the original format but not consumed by
	// the Runner: it was reserved there too, describing tests that
	// expect the vCPU to reach HLT rather than signal completion over
	// port 0xF4, a case this harness does not yet implement.
	ShouldHalt bool
}

// Exit-code convention the guest side of the protocol uses when signalling
// a panic over port 0xF4 (original_source/x86test/x86test_types/src/lib.rs's
// `kassert!`/`kpanic!` macros): an assertion failure exits with code 1, an
// explicit panic with code 2. The macro frontend that emits these codes is
// out of scope, but descriptors built by hand follow the same convention.
const (
	PanicCodeAssertionFailed uint8 = 1
	PanicCodeExplicit        uint8 = 2
)
