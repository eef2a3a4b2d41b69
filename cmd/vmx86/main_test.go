package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/vmx86/trace"
	"github.com/colorfulnotion/vmx86/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exits with 10+9+...+1
var sumLoop = []byte{
	0x31, 0xc0, // xor eax, eax
	0xb9, 0x0a, 0x00, 0x00, 0x00, // mov ecx, 10
	0x48, 0x01, 0xc8, // add rax, rcx
	0x48, 0xff, 0xc9, // dec rcx
	0x75, 0xf8, // jnz 0x400007
	0x89, 0xc7, // mov edi, eax
	0xb8, 0x3c, 0x00, 0x00, 0x00, // mov eax, 60
	0x0f, 0x05, // syscall
	0xf4, // hlt
}

var helloImage = []byte{
	0xbf, 0x01, 0x00, 0x00, 0x00, // mov edi, 1
	0x48, 0x8d, 0x35, 0x1c, 0x00, 0x00, 0x00, // lea rsi, [rip+0x1c]
	0xba, 0x06, 0x00, 0x00, 0x00, // mov edx, 6
	0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
	0x0f, 0x05, // syscall
	0x31, 0xff, // xor edi, edi
	0xb8, 0x3c, 0x00, 0x00, 0x00, // mov eax, 60
	0x0f, 0x05, // syscall
	0xf4, 0xf4, 0xf4, 0xf4, 0xf4, 0xf4, 0xf4,
	'h', 'e', 'l', 'l', 'o', '\n',
}

func writeImage(t *testing.T, code []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, code, 0o644))
	return path
}

func execute(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(bytes.NewReader(nil))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunExitStatus(t *testing.T) {
	_, _, err := execute("run", "--raw", writeImage(t, sumLoop))
	var status *exitStatus
	require.True(t, errors.As(err, &status), "err = %v", err)
	assert.Equal(t, 55, status.code)
}

func TestRunWritesGuestOutput(t *testing.T) {
	stdout, stderr, err := execute("run", "--stats", "--raw", writeImage(t, helloImage))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", stdout)
	assert.Contains(t, stderr, "traces=1")
}

func TestRunBadLogLevel(t *testing.T) {
	_, _, err := execute("--log-level", "loud", "run", "--raw", writeImage(t, sumLoop))
	require.Error(t, err)
	var status *exitStatus
	assert.False(t, errors.As(err, &status))
}

func TestRunSaveAndInspect(t *testing.T) {
	image := writeImage(t, sumLoop)
	db := filepath.Join(t.TempDir(), "blocks")
	_, _, err := execute("run", "--raw", "--save-db", db, image)
	var status *exitStatus
	require.True(t, errors.As(err, &status))

	out, _, err := execute("inspect", db)
	require.NoError(t, err)
	assert.Contains(t, out, "program: "+image)
	assert.Contains(t, out, "3 blocks")

	out, _, err = execute("inspect", db, "0x40000a")
	require.NoError(t, err)
	assert.Contains(t, out, "block ")
	assert.Contains(t, out, "=>")

	_, _, err = execute("inspect", db, "0x500000")
	assert.Error(t, err)
}

func TestRunWritesSteps(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jsonl")
	b := filepath.Join(dir, "b.jsonl")
	image := writeImage(t, sumLoop)
	for _, path := range []string{a, b} {
		_, _, err := execute("run", "--raw", "--steps", path, image)
		var status *exitStatus
		require.True(t, errors.As(err, &status))
	}
	steps, err := trace.ReadFile(a)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].ExitCode)
	assert.Equal(t, 55, *steps[0].ExitCode)

	out, _, err := execute("tracediff", a, b)
	require.NoError(t, err)
	assert.Contains(t, out, "traces match (1 steps)")
}

func TestTraceDiffReportsDivergence(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, pc uint64) string {
		path := filepath.Join(dir, name)
		w, err := trace.NewFileWriter(path)
		require.NoError(t, err)
		require.NoError(t, w.WriteStep(trace.NewTraceStep(0, 0x400000, 0x400010, "overflow")))
		require.NoError(t, w.WriteStep(trace.NewTraceStep(1, 0x400010, pc, "terminated")))
		require.NoError(t, w.Close())
		return path
	}
	a := write("a.jsonl", 0x400020)
	b := write("b.jsonl", 0x400030)

	out, _, err := execute("tracediff", a, b)
	require.ErrorIs(t, err, errTracesDiffer)
	assert.NotEmpty(t, out)
}

func TestDisasmRaw(t *testing.T) {
	out, _, err := execute("disasm", "--raw", "-n", "7", writeImage(t, sumLoop))
	require.NoError(t, err)
	assert.Contains(t, out, "0x00400000:")
	assert.Contains(t, out, "0x00400002:")
	assert.NotContains(t, out, "0x00400007:")
}

func TestDumpStatic(t *testing.T) {
	out, _, err := execute("dump", "--raw", "--static", writeImage(t, sumLoop))
	require.NoError(t, err)
	assert.Contains(t, out, "3 blocks")
	assert.Contains(t, out, "executions=0")

	out, _, err = execute("dump", "--raw", "--static", "--tree", writeImage(t, sumLoop))
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestVersion(t *testing.T) {
	out, _, err := execute("version")
	require.NoError(t, err)
	assert.Contains(t, out, "vmx86 "+Version)
}

func TestConsole(t *testing.T) {
	root := newRootCmd()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	p, err := loadProgram(root, writeImage(t, sumLoop), nil, &programFlags{raw: true, base: "0x400000"})
	require.NoError(t, err)
	c := newConsole(p, p.newVM(vm.DefaultConfig()), &stdout)

	v, err := c.eval("reg('rip')")
	require.NoError(t, err)
	assert.EqualValues(t, 0x400000, v.Export())

	_, err = c.eval("setreg('rbx', 7)")
	require.NoError(t, err)
	v, err = c.eval("reg('rbx')")
	require.NoError(t, err)
	assert.EqualValues(t, 7, v.Export())

	_, err = c.eval("reg('xyz')")
	assert.Error(t, err)

	v, err = c.eval("run()")
	require.NoError(t, err)
	assert.EqualValues(t, 55, v.Export())

	_, err = c.eval("step()")
	assert.Error(t, err)

	_, err = c.eval("print(blocks().length)")
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "3")
}
