//go:build amd64

package harness

// selftestHello and selftestPanic are tiny pieces of raw machine code
// (selftest_asm_test.s) used purely as TestDescriptor.TestFn entry points
// for exercising the Runner end to end. They are never invoked directly
// from Go.
func selftestHello()

func selftestPanic()
