package hypervisor

import (
	"fmt"
	"io"
)

// Fixed I/O ports the guest side-channel protocol uses (spec.md §4.4). No
// device emulation beyond these exists in this hypervisor; every other
// port access is a test bug and surfaces as an error, not a syscall.
const (
	portSerialData1  uint16 = 0x3f8
	portSerialData2  uint16 = 0x2f8
	portSerialLSR1   uint16 = 0x3fd
	portSerialLSR2   uint16 = 0x2fd
	portShutdown     uint16 = 0xf4

	// lineStatusReadyMask is the THRE bit (0x20) handed back on a read of
	// the line status register, so guest code polling "is the UART
	// ready to accept a byte" never blocks.
	lineStatusReadyMask uint32 = 0x20
)

// ExitKind classifies how an I/O-exit dispatch concluded.
type ExitKind int

const (
	ExitHandled ExitKind = iota
	ExitTestSuccessful
	ExitTestPanic
)

// ExitStatus is the outcome of DispatchIOExit: Handled means keep running
// the vCPU, TestSuccessful/TestPanic mean the guest signalled completion
// via port 0xF4 (original_source's `IoHandleStatus`).
type ExitStatus struct {
	Kind      ExitKind
	PanicCode uint8
}

// UnexpectedIOError reports an I/O-port access outside the fixed protocol
// (original_source's `IoHandleError`). A test that trips this has a bug:
// there is no recovery, the Runner records it as a failure.
type UnexpectedIOError struct {
	Port      uint16
	Value     uint32
	WasWrite  bool
}

func (e *UnexpectedIOError) Error() string {
	if e.WasWrite {
		return fmt.Sprintf("hypervisor: unexpected OUT to port %#x value %#x", e.Port, e.Value)
	}
	return fmt.Sprintf("hypervisor: unexpected IN from port %#x", e.Port)
}

// DispatchIOExit classifies one KVM_EXIT_IO and either handles it directly
// (serial output, the mocked read port, the ready-to-send probe) or
// reports the guest's pass/fail signal on port 0xF4. readPort/readValue
// configure the one test-controlled mocked input port (spec.md §3
// "ioport_reads"); a value of 0 for readPort disables it.
func DispatchIOExit(cpu *Vcpu, readPort uint16, readValue uint32, printer *SerialPrinter) (ExitStatus, error) {
	io := cpu.IO()

	status, result, err := classifyIOExit(io, readPort, readValue, printer)
	if err != nil {
		return ExitStatus{}, err
	}
	if result != nil {
		cpu.SetIOResult(*result)
	}
	return status, nil
}

// classifyIOExit is the pure dispatch table behind DispatchIOExit, split
// out so it can be exercised without a live vCPU. It returns a non-nil
// result only for an In that was handled, the value the caller must write
// back into the kvm_run data buffer.
func classifyIOExit(io IOExit, readPort uint16, readValue uint32, printer *SerialPrinter) (ExitStatus, *uint32, error) {
	switch io.Direction {
	case ioDirectionIn:
		switch {
		case io.Port == portSerialLSR1 || io.Port == portSerialLSR2:
			v := lineStatusReadyMask
			return ExitStatus{Kind: ExitHandled}, &v, nil
		case readPort != 0 && io.Port == readPort:
			v := readValue
			return ExitStatus{Kind: ExitHandled}, &v, nil
		default:
			return ExitStatus{}, nil, &UnexpectedIOError{Port: io.Port, WasWrite: false}
		}

	case ioDirectionOut:
		switch io.Port {
		case portSerialData1:
			printer.WriteByte(byte(io.Data))
			return ExitStatus{Kind: ExitHandled}, nil, nil
		case portSerialData2:
			// Second serial side channel is accepted and ignored, matching
			// the original's handling of COM2 output.
			return ExitStatus{Kind: ExitHandled}, nil, nil
		case portShutdown:
			if io.Data == 0 {
				return ExitStatus{Kind: ExitTestSuccessful}, nil, nil
			}
			return ExitStatus{Kind: ExitTestPanic, PanicCode: uint8(io.Data)}, nil, nil
		default:
			return ExitStatus{}, nil, &UnexpectedIOError{Port: io.Port, Value: io.Data, WasWrite: true}
		}
	}

	return ExitStatus{}, nil, fmt.Errorf("hypervisor: unknown IO direction %d on port %#x", io.Direction, io.Port)
}

// SerialPrinter buffers bytes written by the guest's serial-out port and
// flushes a line to the underlying writer whenever it sees '\n', matching
// original_source/x86test/src/hypervisor/mod.rs's `SerialPrinter`.
type SerialPrinter struct {
	buf []byte
	out io.Writer
}

// NewSerialPrinter wraps out (typically os.Stdout) for line-buffered guest
// serial output.
func NewSerialPrinter(out io.Writer) *SerialPrinter {
	return &SerialPrinter{out: out}
}

// WriteByte appends one byte, flushing on a newline.
func (p *SerialPrinter) WriteByte(b byte) {
	p.buf = append(p.buf, b)
	if b == '\n' {
		p.Flush()
	}
}

// Write implements io.Writer over WriteByte, so a SerialPrinter can be
// handed to fmt.Fprintf and friends directly.
func (p *SerialPrinter) Write(b []byte) (int, error) {
	for _, c := range b {
		p.WriteByte(c)
	}
	return len(b), nil
}

// Flush forces out any buffered partial line, e.g. at test teardown when
// the guest never emitted a trailing newline.
func (p *SerialPrinter) Flush() {
	if len(p.buf) == 0 {
		return
	}
	p.out.Write(p.buf)
	p.buf = p.buf[:0]
}
