package loader

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/vmx86/memory"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exit(3)
var exitCode = []byte{
	0xbf, 0x03, 0x00, 0x00, 0x00, // mov edi, 3
	0xb8, 0x3c, 0x00, 0x00, 0x00, // mov eax, 60
	0x0f, 0x05, // syscall
}

// minimalELF builds a static executable with a single R+X segment mapped at
// 0x400000 whose code starts right after the program header.
func minimalELF(ptype uint32, machine uint16) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	total := uint64(64 + 56 + len(exitCode))

	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))
	binary.Write(&buf, le, uint16(2)) // ET_EXEC
	binary.Write(&buf, le, machine)
	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, uint64(0x400078)) // entry
	binary.Write(&buf, le, uint64(64))       // phoff
	binary.Write(&buf, le, uint64(0))        // shoff
	binary.Write(&buf, le, uint32(0))
	binary.Write(&buf, le, uint16(64)) // ehsize
	binary.Write(&buf, le, uint16(56)) // phentsize
	binary.Write(&buf, le, uint16(1))  // phnum
	binary.Write(&buf, le, uint16(0))
	binary.Write(&buf, le, uint16(0))
	binary.Write(&buf, le, uint16(0))

	binary.Write(&buf, le, ptype)
	binary.Write(&buf, le, uint32(5)) // R+X
	binary.Write(&buf, le, uint64(0))
	binary.Write(&buf, le, uint64(0x400000))
	binary.Write(&buf, le, uint64(0x400000))
	binary.Write(&buf, le, total)
	binary.Write(&buf, le, total)
	binary.Write(&buf, le, uint64(memory.PageSize))

	buf.Write(exitCode)
	return buf.Bytes()
}

func readString(t *testing.T, mem *memory.Memory, addr uint64) string {
	t.Helper()
	var out []byte
	for {
		b, err := mem.Read(addr, 1)
		require.NoError(t, err)
		if b == 0 {
			return string(out)
		}
		out = append(out, byte(b))
		addr++
	}
}

func auxv(t *testing.T, mem *memory.Memory, sp uint64) map[uint64]uint64 {
	t.Helper()
	argc, err := mem.Read64(sp)
	require.NoError(t, err)
	p := sp + 8*(argc+2)
	for {
		v, err := mem.Read64(p)
		require.NoError(t, err)
		p += 8
		if v == 0 {
			break
		}
	}
	out := make(map[uint64]uint64)
	for {
		tag, err := mem.Read64(p)
		require.NoError(t, err)
		val, err := mem.Read64(p + 8)
		require.NoError(t, err)
		p += 16
		if tag == AT_NULL {
			return out
		}
		out[tag] = val
	}
}

func TestLoadELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exit3")
	require.NoError(t, os.WriteFile(path, minimalELF(1, 0x3e), 0o755))

	mem := memory.New()
	prog, err := LoadELF(path, mem, []string{"exit3", "-v"}, []string{"HOME=/"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400078), prog.Entry)
	assert.Equal(t, uint64(0x401000), prog.Brk)
	assert.Equal(t, 0, prog.Symbols.Len())

	text, ok := mem.Region(0x400078)
	require.True(t, ok)
	assert.Equal(t, "exit3", text.Name)
	assert.Equal(t, memory.PermRX, text.Perm)
	code, err := mem.ReadBytes(0x400078, len(exitCode))
	require.NoError(t, err)
	assert.Equal(t, exitCode, code)

	stack, ok := mem.Region(prog.StackPointer)
	require.True(t, ok)
	assert.Equal(t, "[stack]", stack.Name)
	assert.Zero(t, prog.StackPointer%16)

	argc, err := mem.Read64(prog.StackPointer)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), argc)
	argv1, err := mem.Read64(prog.StackPointer + 16)
	require.NoError(t, err)
	assert.Equal(t, "-v", readString(t, mem, argv1))
	env0, err := mem.Read64(prog.StackPointer + 32)
	require.NoError(t, err)
	assert.Equal(t, "HOME=/", readString(t, mem, env0))

	aux := auxv(t, mem, prog.StackPointer)
	assert.Equal(t, uint64(0x400078), aux[AT_ENTRY])
	assert.Equal(t, uint64(0x400040), aux[AT_PHDR])
	assert.Equal(t, uint64(56), aux[AT_PHENT])
	assert.Equal(t, uint64(1), aux[AT_PHNUM])
	assert.Equal(t, uint64(memory.PageSize), aux[AT_PAGESZ])
	assert.Equal(t, "x86_64", readString(t, mem, aux[AT_PLATFORM]))
	assert.Equal(t, path, readString(t, mem, aux[AT_EXECFN]))
	random, err := mem.ReadBytes(aux[AT_RANDOM], 16)
	require.NoError(t, err)
	assert.NotEqual(t, make([]byte, 16), random)

	assert.Equal(t, uint64(0x401000), mem.Brk(0))
}

func TestLoadRejects(t *testing.T) {
	testCases := []struct {
		name  string
		image []byte
		err   error
	}{
		{"interp", minimalELF(3, 0x3e), ErrNotStatic},
		{"aarch64", minimalELF(1, 0xb7), vmerrors.ErrUnsupported},
		{"no load", minimalELF(4, 0x3e), vmerrors.ErrUnsupported},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(bytes.NewReader(tc.image), tc.name, memory.New(), nil, nil)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	_, err := Load(bytes.NewReader([]byte("#!/bin/sh\n")), "script", memory.New(), nil, nil)
	assert.Error(t, err)
}

func TestLoadRaw(t *testing.T) {
	mem := memory.New()
	prog, err := LoadRaw(exitCode, 0x1000, mem, []string{"raw"}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), prog.Entry)
	assert.Equal(t, uint64(0x2000), prog.Brk)
	argc, err := mem.Read64(prog.StackPointer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), argc)

	_, err = LoadRaw(exitCode, 0x1000, mem, nil, nil)
	assert.ErrorIs(t, err, vmerrors.ErrRegionOverlap)
}
