// Command x86test-selftest runs a small, hand-built suite through the
// harness, standing in for the compile-time test-registration macro that
// is out of scope for this module. It needs /dev/kvm access to do
// anything useful.
package main

import (
	"flag"

	"x86test/harness"
)

func main() {
	verbose := flag.Bool("verbose", false, "print a page-table dump on unexpected exits")
	flag.Parse()

	descriptors := []harness.TestDescriptor{
		{
			Name:   "hello_world",
			TestFn: helloTest,
		},
		{
			Name:        "expected_panic",
			TestFn:      panicTest,
			ShouldPanic: true,
		},
	}

	harness.NewRunner(*verbose).RunAndExit(descriptors)
}
