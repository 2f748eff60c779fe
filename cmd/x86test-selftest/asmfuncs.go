//go:build amd64

package main

// helloTest and panicTest are raw machine code, defined in
// asmfuncs_amd64.s. They are never called directly from Go: only their
// entry address is taken (via reflect, see harness.Runner.runOne) and
// handed to the guest as RIP. Because the guest's CS has DPL 0, OUT
// executes there without faulting, unlike a direct host-side call to
// these functions at CPL 3, which would trip a #GP on the very first OUT.
func helloTest()

func panicTest()
