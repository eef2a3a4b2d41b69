package isa

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/vmx86/memory"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

const (
	codeBase = 0x400000
	dataBase = 0x600000
	stackTop = 0x7fff0000
)

func newTestCPU(t *testing.T) *CPU {
	t.Helper()
	mem := memory.New()
	_, err := mem.Map(stackTop-0x10000, 0x10000, memory.PermRW, "[stack]")
	require.NoError(t, err)
	_, err = mem.Map(dataBase, memory.PageSize, memory.PermRW, "data")
	require.NoError(t, err)
	cpu := NewCPU(mem)
	cpu.GPR[RSP] = stackTop
	return cpu
}

func decodeAt(t *testing.T, pc uint64, code ...byte) Instruction {
	t.Helper()
	inst, err := Decode(pc, code)
	require.NoError(t, err)
	require.Equal(t, len(code), inst.Len())
	return inst
}

func TestClassification(t *testing.T) {
	testCases := []struct {
		name        string
		code        []byte
		controlFlow bool
		targets     []uint64
		text        string
	}{
		{"add", []byte{0x48, 0x01, 0xd8}, false, nil, "add rax, rbx"},
		{"jmp rel8", []byte{0xeb, 0x05}, true, []uint64{codeBase + 7}, ""},
		{"je", []byte{0x74, 0x10}, true, []uint64{codeBase + 2, codeBase + 0x12}, ""},
		{"call rel32", []byte{0xe8, 0x00, 0x01, 0x00, 0x00}, true, []uint64{codeBase + 0x105}, ""},
		{"ret", []byte{0xc3}, true, nil, "ret"},
		{"jmp rax", []byte{0xff, 0xe0}, true, nil, "jmp rax"},
		{"call rax", []byte{0xff, 0xd0}, true, nil, "call rax"},
		{"loop", []byte{0xe2, 0xfe}, true, []uint64{codeBase + 2, codeBase}, ""},
		{"syscall", []byte{0x0f, 0x05}, false, nil, "syscall"},
		{"hlt", []byte{0xf4}, true, nil, "hlt"},
		{"int3", []byte{0xcc}, true, nil, ""},
		{"ud2", []byte{0x0f, 0x0b}, true, nil, "ud2"},
		{"nop", []byte{0x90}, false, nil, "nop"},
		{"endbr64", []byte{0xf3, 0x0f, 0x1e, 0xfa}, false, nil, ""},
		{"cpuid", []byte{0x0f, 0xa2}, true, nil, "cpuid"},
		{"pxor", []byte{0x66, 0x0f, 0xef, 0xc0}, true, nil, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inst := decodeAt(t, codeBase, tc.code...)
			assert.Equal(t, uint64(codeBase), inst.PC())
			assert.Equal(t, codeBase+uint64(len(tc.code)), inst.Next())
			assert.Equal(t, tc.controlFlow, inst.IsControlFlow())
			assert.Equal(t, tc.targets, inst.BranchTargets())
			assert.Equal(t, tc.code, inst.Bytes())
			if tc.text != "" {
				assert.Equal(t, tc.text, inst.String())
			}
		})
	}
}

func TestUnsupportedFaultsOnExecute(t *testing.T) {
	cpu := newTestCPU(t)
	inst := decodeAt(t, codeBase, 0x0f, 0xa2)
	_, err := inst.Execute(cpu)
	assert.ErrorIs(t, err, vmerrors.ErrUnsupported)
	assert.True(t, IsTrap(inst))
	assert.False(t, IsSyscall(inst))
	assert.True(t, IsSyscall(decodeAt(t, codeBase, 0x0f, 0x05)))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(codeBase, []byte{0x06})
	var de *vmerrors.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, uint64(codeBase), de.PC)
	assert.ErrorIs(t, err, vmerrors.ErrDecode)
	assert.ErrorIs(t, err, x86asm.ErrUnrecognized)

	_, err = Decode(codeBase, []byte{0x48, 0x8b})
	assert.ErrorIs(t, err, vmerrors.ErrDecode)
	assert.ErrorIs(t, err, x86asm.ErrTruncated)

	_, err = Decode(codeBase, nil)
	assert.ErrorIs(t, err, vmerrors.ErrEmptyCodeRange)
}

func TestDecoderReadsExecutableMemory(t *testing.T) {
	mem := memory.New()
	_, err := mem.MapBytes(codeBase, []byte{0x48, 0x01, 0xd8, 0xc3}, memory.PageSize, memory.PermRX, "text")
	require.NoError(t, err)
	_, err = mem.Map(dataBase, memory.PageSize, memory.PermRW, "data")
	require.NoError(t, err)
	d := NewDecoder(mem)

	inst, err := d.Decode(codeBase + 3)
	require.NoError(t, err)
	assert.Equal(t, "ret", inst.String())

	_, err = d.Decode(dataBase)
	assert.ErrorIs(t, err, vmerrors.ErrUnmappedCode)
	assert.ErrorIs(t, err, vmerrors.ErrSegfault)

	_, err = d.Decode(0x10)
	assert.ErrorIs(t, err, vmerrors.ErrUnmappedCode)
}

func TestRegisterSets(t *testing.T) {
	testCases := []struct {
		name   string
		code   []byte
		reads  RegSet
		writes RegSet
	}{
		{"add rax, rbx", []byte{0x48, 0x01, 0xd8}, RegSetOf(RAX, RBX), RegSetOf(RAX)},
		{"mov rbx, rax", []byte{0x48, 0x89, 0xc3}, RegSetOf(RAX), RegSetOf(RBX)},
		{"mov bl, al", []byte{0x88, 0xc3}, RegSetOf(RAX, RBX), RegSetOf(RBX)},
		{"xor eax, eax", []byte{0x31, 0xc0}, 0, RegSetOf(RAX)},
		{"cmp rax, rbx", []byte{0x48, 0x39, 0xd8}, RegSetOf(RAX, RBX), 0},
		{"lea rax, [rsp+8]", []byte{0x48, 0x8d, 0x44, 0x24, 0x08}, RegSetOf(RSP), RegSetOf(RAX)},
		{"push rbp", []byte{0x55}, RegSetOf(RBP, RSP), RegSetOf(RSP)},
		{"pop rbx", []byte{0x5b}, RegSetOf(RSP), RegSetOf(RBX, RSP)},
		{"syscall", []byte{0x0f, 0x05}, RegSetOf(RAX, RDI, RSI, RDX, R10, R8, R9), RegSetOf(RAX, RCX, R11)},
		{"ret", []byte{0xc3}, RegSetOf(RSP), RegSetOf(RSP)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inst := decodeAt(t, codeBase, tc.code...)
			assert.Equal(t, tc.reads.String(), inst.Reads().String())
			assert.Equal(t, tc.writes.String(), inst.Writes().String())
		})
	}
}

func TestDisassemble(t *testing.T) {
	out := Disassemble([]byte{0x48, 0x01, 0xd8, 0x06, 0xc3}, codeBase)
	assert.Contains(t, out, "0x00400000: 48 01 d8")
	assert.Contains(t, out, "add rax, rbx")
	assert.Contains(t, out, "0x00400003: db 0x06")
	assert.Contains(t, out, "0x00400004: c3")
}

func TestRegSet(t *testing.T) {
	s := RegSetOf(RAX, R15)
	assert.True(t, s.Has(R15))
	assert.False(t, s.Has(RCX))
	assert.Equal(t, "{rax,r15}", s.String())
	assert.Equal(t, []Reg{R15}, s.Minus(RegSetOf(RAX)).Regs())
	assert.True(t, RegSet(0).Empty())
}
