package harness

import (
	"fmt"
	"io"
	"os"
	"reflect"

	"x86test/hypervisor"
)

// Canonical per-test region layout (spec.md §3): each test gets its own
// 4 MiB stack, heap, and page-table arena at these fixed addresses.
const (
	stackBase   = hypervisor.StackBase
	heapBase    = hypervisor.HeapBase
	ptablesBase = hypervisor.PTablesBase
)

// Runner drives a set of TestDescriptors through fresh KVM guests, one at a
// time, matching the sequential loop in
// original_source/x86test/src/runner.rs's `runner` function.
type Runner struct {
	// Verbose enables per-test trace lines and a VSpace dump on an
	// unexpected exit, mirroring the original's RUST_LOG-gated debug!
	// output.
	Verbose bool
	Out     io.Writer
}

// NewRunner returns a Runner that writes guest serial output and its own
// progress lines to os.Stdout.
func NewRunner(verbose bool) *Runner {
	return &Runner{Verbose: verbose, Out: os.Stdout}
}

// Run stages and executes every descriptor in order and returns the
// process exit code the original's `runner` uses: 0 if every test's
// observed panic/success outcome matched ShouldPanic, 101 otherwise.
func (r *Runner) Run(descriptors []TestDescriptor) int {
	fmt.Fprintf(r.Out, "running %d tests (using x86test runner)\n", len(descriptors))

	sys, err := hypervisor.OpenSystem(r.Verbose)
	if err != nil {
		fmt.Fprintf(r.Out, "x86test: cannot open /dev/kvm: %v\n", err)
		return 101
	}
	defer sys.Close()

	var passed, failed, ignored int

	for _, d := range descriptors {
		if d.Ignore {
			fmt.Fprintf(r.Out, "test %s ... ignored\n", d.Name)
			ignored++
			continue
		}

		fmt.Fprintf(r.Out, "test %s ... ", d.Name)
		ok := r.runOne(sys, d)
		if ok {
			fmt.Fprintln(r.Out, "OK")
			passed++
		} else {
			fmt.Fprintln(r.Out, "FAILED")
			failed++
		}
	}

	result := "OK"
	if failed != 0 {
		result = "FAILED"
	}
	fmt.Fprintf(r.Out, "\ntest result: %s %d passed; %d failed; %d ignored\n", result, passed, failed, ignored)

	if failed != 0 {
		return 101
	}
	return 0
}

// RunAndExit is the convenience entry point for cmd/x86test-selftest: it
// runs the suite and terminates the process with the resulting exit code.
func (r *Runner) RunAndExit(descriptors []TestDescriptor) {
	os.Exit(r.Run(descriptors))
}

// runOne stages one test's environment, runs its vCPU to completion (or a
// fatal exit), and reports whether the observed outcome matched
// d.ShouldPanic.
func (r *Runner) runOne(sys *hypervisor.System, d TestDescriptor) bool {
	stack, err := hypervisor.NewPhysicalMemory(stackBase)
	if err != nil {
		fmt.Fprintf(r.Out, "\ncould not stage stack: %v\n", err)
		return false
	}
	defer stack.Close()

	heap, err := hypervisor.NewPhysicalMemory(heapBase)
	if err != nil {
		fmt.Fprintf(r.Out, "\ncould not stage heap: %v\n", err)
		return false
	}
	defer heap.Close()

	ptables, err := hypervisor.NewPhysicalMemory(ptablesBase)
	if err != nil {
		fmt.Fprintf(r.Out, "\ncould not stage page tables: %v\n", err)
		return false
	}
	defer ptables.Close()

	te, err := hypervisor.NewTestEnvironment(sys, stack, heap, ptables)
	if err != nil {
		fmt.Fprintf(r.Out, "\ncould not create test environment: %v\n", err)
		return false
	}
	defer te.Close()

	printer := hypervisor.NewSerialPrinter(r.Out)
	defer printer.Flush()

	entry := reflect.ValueOf(d.TestFn).Pointer()
	cpu, err := te.CreateVcpu(uintptr(entry))
	if err != nil {
		fmt.Fprintf(r.Out, "\ncould not create vcpu: %v\n", err)
		return false
	}
	defer cpu.Close()

	panicked := r.dispatch(cpu, d, te, printer)
	return panicked == d.ShouldPanic
}

// dispatch runs the vCPU until it signals completion, an unexpected I/O
// access, or a shutdown/unknown exit, returning whether the test panicked.
// It mirrors the loop body of original_source/x86test/src/runner.rs's
// `runner`: KVM_RUN, classify the exit, repeat while Handled.
func (r *Runner) dispatch(cpu *hypervisor.Vcpu, d TestDescriptor, te *hypervisor.TestEnvironment, printer *hypervisor.SerialPrinter) bool {
	for {
		reason, err := cpu.Run()
		if err != nil {
			fmt.Fprintf(r.Out, "\nKVM_RUN failed: %v\n", err)
			return true
		}

		switch reason {
		case hypervisor.ExitIO:
			status, dispatchErr := hypervisor.DispatchIOExit(cpu, d.IoportRead.Port, d.IoportRead.Value, printer)
			if dispatchErr != nil {
				fmt.Fprintf(r.Out, "\n%v\n", dispatchErr)
				return true
			}
			switch status.Kind {
			case hypervisor.ExitHandled:
				continue
			case hypervisor.ExitTestSuccessful:
				return false
			case hypervisor.ExitTestPanic:
				return true
			}

		case hypervisor.ExitShutdown:
			sregs, _ := cpu.GetSregs()
			fmt.Fprintf(r.Out, "\nunexpected shutdown, CR3=%#x\n", sregs.CR3)
			if r.Verbose {
				te.VSpace().Dump(r.Out)
			}
			return true

		default:
			fmt.Fprintf(r.Out, "\nunexpected exit reason: %s\n", reason)
			if r.Verbose {
				te.VSpace().Dump(r.Out)
			}
			return true
		}
	}
}
