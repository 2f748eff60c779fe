package hypervisor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialPrinterFlushesOnNewline(t *testing.T) {
	var buf bytes.Buffer
	p := NewSerialPrinter(&buf)

	p.WriteByte('h')
	p.WriteByte('i')
	assert.Empty(t, buf.String(), "no newline yet, nothing should be flushed")

	p.WriteByte('\n')
	assert.Equal(t, "hi\n", buf.String())
}

func TestSerialPrinterFlushForcesPartialLine(t *testing.T) {
	var buf bytes.Buffer
	p := NewSerialPrinter(&buf)

	p.WriteByte('x')
	assert.Empty(t, buf.String())
	p.Flush()
	assert.Equal(t, "x", buf.String())
}

func TestClassifyIOExitSerialOut(t *testing.T) {
	var buf bytes.Buffer
	p := NewSerialPrinter(&buf)

	status, result, err := classifyIOExit(IOExit{Direction: ioDirectionOut, Port: portSerialData1, Data: 'A'}, 0, 0, p)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, ExitHandled, status.Kind)

	status, result, err = classifyIOExit(IOExit{Direction: ioDirectionOut, Port: portSerialData1, Data: '\n'}, 0, 0, p)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, ExitHandled, status.Kind)
	assert.Equal(t, "A\n", buf.String())
}

func TestClassifyIOExitShutdownSuccess(t *testing.T) {
	status, result, err := classifyIOExit(IOExit{Direction: ioDirectionOut, Port: portShutdown, Data: 0}, 0, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, ExitTestSuccessful, status.Kind)
}

func TestClassifyIOExitShutdownPanic(t *testing.T) {
	status, result, err := classifyIOExit(IOExit{Direction: ioDirectionOut, Port: portShutdown, Data: 2}, 0, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, ExitTestPanic, status.Kind)
	assert.Equal(t, uint8(2), status.PanicCode)
}

func TestClassifyIOExitUnexpectedWrite(t *testing.T) {
	_, _, err := classifyIOExit(IOExit{Direction: ioDirectionOut, Port: 0x1234, Data: 7}, 0, 0, nil)
	require.Error(t, err)
	var unexpected *UnexpectedIOError
	require.ErrorAs(t, err, &unexpected)
	assert.True(t, unexpected.WasWrite)
	assert.Equal(t, uint16(0x1234), unexpected.Port)
}

func TestClassifyIOExitLineStatusReadReturnsReadyMask(t *testing.T) {
	status, result, err := classifyIOExit(IOExit{Direction: ioDirectionIn, Port: portSerialLSR1}, 0, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, lineStatusReadyMask, *result)
	assert.Equal(t, ExitHandled, status.Kind)
}

func TestClassifyIOExitMockedReadPort(t *testing.T) {
	status, result, err := classifyIOExit(IOExit{Direction: ioDirectionIn, Port: 0x60}, 0x60, 0xab, nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, uint32(0xab), *result)
	assert.Equal(t, ExitHandled, status.Kind)
}

func TestClassifyIOExitUnexpectedRead(t *testing.T) {
	_, _, err := classifyIOExit(IOExit{Direction: ioDirectionIn, Port: 0x60}, 0, 0, nil)
	require.Error(t, err)
	var unexpected *UnexpectedIOError
	require.ErrorAs(t, err, &unexpected)
	assert.False(t, unexpected.WasWrite)
}
