package harness

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIgnoredTestsAreCounted(t *testing.T) {
	var buf bytes.Buffer
	r := &Runner{Out: &buf}
	code := r.Run([]TestDescriptor{
		{Name: "skip_me", Ignore: true},
	})
	assert.Equal(t, 0, code)
	assert.Contains(t, buf.String(), "test skip_me ... ignored")
	assert.Contains(t, buf.String(), "1 ignored")
}

func TestRunHelloWorldPassesAndPanicTestPasses(t *testing.T) {
	var buf bytes.Buffer
	r := &Runner{Out: &buf}
	code := r.Run([]TestDescriptor{
		{Name: "hello", TestFn: selftestHello},
		{Name: "expected_panic", TestFn: selftestPanic, ShouldPanic: true},
	})
	require.Equal(t, 0, code, "output:\n%s", buf.String())
	assert.Contains(t, buf.String(), "test hello ... OK")
	assert.Contains(t, buf.String(), "test expected_panic ... OK")
	assert.Contains(t, buf.String(), "ok\n", "selftestHello's serial output should reach the runner's output")
}

func TestRunReportsFailureWhenOutcomeMismatchesExpectation(t *testing.T) {
	var buf bytes.Buffer
	r := &Runner{Out: &buf}
	code := r.Run([]TestDescriptor{
		// selftestHello completes successfully, but this descriptor claims
		// it should have panicked: the mismatch must be reported FAILED.
		{Name: "mismatched", TestFn: selftestHello, ShouldPanic: true},
	})
	assert.Equal(t, 101, code)
	assert.Contains(t, buf.String(), "test mismatched ... FAILED")
}
