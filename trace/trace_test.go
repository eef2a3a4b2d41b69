package trace

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/colorfulnotion/vmx86/isa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSteps() []*TraceStep {
	cpu := isa.NewCPU(nil)
	cpu.GPR[isa.RAX] = 42
	cpu.RIP = 0x401000
	cpu.Retired = 9

	a := NewTraceStep(0, 0x400000, 0x401000, "overflow")
	a.Blocks = 2
	a.SetPostState(cpu)

	b := NewTraceStep(1, 0x401000, 0x401010, "terminated")
	b.SetExitCode(3)

	c := NewTraceStep(2, 0x401010, 0x401010, "fault")
	c.SetFault(errors.New("segmentation fault"))
	return []*TraceStep{a, b, c}
}

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, s := range sampleSteps() {
		require.NoError(t, w.WriteStep(s))
	}
	assert.Equal(t, uint64(3), w.Steps())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteStep(sampleSteps()[0]), ErrWriterClosed)
	assert.ErrorIs(t, w.Flush(), ErrWriterClosed)

	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
	steps, err := ReadSteps(&buf)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, uint64(42), steps[0].PostState.GPR["rax"])
	assert.Equal(t, uint64(9), steps[0].Retired)
	assert.Equal(t, 3, *steps[1].ExitCode)
	assert.Equal(t, "segmentation fault", *steps[2].Fault)
	assert.Nil(t, steps[1].PostState)
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	w, err := NewFileWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteStep(sampleSteps()[1]))
	require.NoError(t, w.Close())

	steps, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "terminated", steps[0].Reason)
}

func TestReadStepsReportsLine(t *testing.T) {
	_, err := ReadSteps(strings.NewReader("{\"seq\":0}\n\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestCompare(t *testing.T) {
	d, err := Compare(sampleSteps(), sampleSteps(), false)
	require.NoError(t, err)
	assert.Nil(t, d)

	actual := sampleSteps()
	actual[1].PC = 0x401020
	d, err = Compare(sampleSteps(), actual, false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Index)
	assert.Contains(t, d.Diff, "pc")
	assert.Contains(t, d.String(), "step 1")

	d, err = Compare(sampleSteps(), sampleSteps()[:2], false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Index)
	assert.Nil(t, d.Actual)
	assert.Contains(t, d.Diff, "actual trace ended after 2 steps")
}
