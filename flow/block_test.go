package flow

import (
	"errors"
	"sync"
	"testing"

	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/symbols"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func splitPanic(b *Block, addr uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	b.Split(addr)
	return nil
}

func TestNewBlockContract(t *testing.T) {
	_, err := NewBlock(nil)
	assert.ErrorIs(t, err, vmerrors.ErrBlockContract)

	p := newProgram()
	p.add(0x100, fkPlain, 0)
	p.add(0x104, fkJump, 0x100)
	_, err = NewBlock(p.block(0x100, 0x104))
	assert.ErrorIs(t, err, vmerrors.ErrBlockContract)
}

func TestBlockLayout(t *testing.T) {
	p := newProgram()
	p.add(0x100, fkPlain, 0)
	p.add(0x102, fkPlain, 0)
	p.add(0x104, fkLoop, 0x100)
	b, err := NewBlock(p.block(0x100, 0x102, 0x104))
	require.NoError(t, err)

	assert.Equal(t, uint64(0x100), b.Address())
	assert.Equal(t, uint64(0x106), b.End())
	assert.Equal(t, 3, b.Len())
	assert.True(t, b.Contains(0x102))
	assert.False(t, b.Contains(0x103))
	assert.False(t, b.Contains(0x106))
	assert.Nil(t, b.Instruction(0x101))
	assert.Equal(t, uint64(0x104), b.Instruction(0x104).PC())
	assert.Equal(t, []uint64{0x106, 0x100}, b.BranchTargets())
	assert.Equal(t, CONDITIONAL, b.JumpType())
}

func TestJumpTypes(t *testing.T) {
	p := newProgram()
	p.add(0x100, fkPlain, 0)
	p.add(0x110, fkJump, 0x100)
	p.add(0x120, fkIndirect, 0)
	p.add(0x130, fkTrap, 0)
	for pc, want := range map[uint64]int{0x100: FALLTHROUGH_JUMP, 0x110: DIRECT_JUMP, 0x120: INDIRECT_JUMP} {
		b, err := NewBlock(p.block(pc))
		require.NoError(t, err)
		assert.Equal(t, want, b.JumpType(), "block 0x%x", pc)
	}
	b, err := NewBlock(p.block(0x130))
	require.NoError(t, err)
	assert.Equal(t, INDIRECT_JUMP, b.JumpType())
}

func TestBlockSplit(t *testing.T) {
	p := newProgram()
	p.add(0x100, fkPlain, 0)
	p.add(0x102, fkPlain, 0)
	p.add(0x104, fkJump, 0x200)
	p.add(0x200, fkIndirect, 0)
	b, err := NewBlock(p.block(0x100, 0x102, 0x104))
	require.NoError(t, err)
	target, err := NewBlock(p.block(0x200))
	require.NoError(t, err)
	b.setSuccessors([]*Block{target})
	b.executions.Store(4)

	tail := b.Split(0x102)
	assert.Equal(t, uint64(0x100), b.Address())
	assert.Equal(t, uint64(0x102), b.End())
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, []*Block{tail}, b.Successors())

	assert.Equal(t, uint64(0x102), tail.Address())
	assert.Equal(t, uint64(0x106), tail.End())
	assert.Equal(t, []*Block{target}, tail.Successors())
	assert.Equal(t, uint64(4), tail.Executions())
	assert.Equal(t, FALLTHROUGH_JUMP, b.JumpType())
	assert.Equal(t, DIRECT_JUMP, tail.JumpType())
}

func TestBlockSplitContract(t *testing.T) {
	p := newProgram()
	p.add(0x100, fkPlain, 0)
	p.add(0x102, fkJump, 0x100)
	b, err := NewBlock(p.block(0x100, 0x102))
	require.NoError(t, err)

	for _, addr := range []uint64{0x100, 0x0ff, 0x103, 0x104} {
		err := splitPanic(b, addr)
		require.Error(t, err, "split at 0x%x", addr)
		assert.ErrorIs(t, err, vmerrors.ErrSplitContract)
		var se *vmerrors.SplitContractError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, addr, se.Address)
	}
	assert.Equal(t, 2, b.Len())
}

func TestBlockExecute(t *testing.T) {
	p := newProgram()
	p.add(0x100, fkPlain, 0)
	p.add(0x102, fkPlain, 0)
	p.add(0x104, fkJump, 0x300)
	b, err := NewBlock(p.block(0x100, 0x102, 0x104))
	require.NoError(t, err)

	cpu := isa.NewCPU(nil)
	pc, err := b.Execute(cpu)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x300), pc)
	assert.Equal(t, uint64(0x300), cpu.RIP)
	assert.Equal(t, uint64(2), cpu.GPR[isa.RAX])
	assert.Equal(t, uint64(3), cpu.Retired)
	assert.Equal(t, uint64(1), b.Executions())
}

func TestBlockExecuteErrors(t *testing.T) {
	p := newProgram()
	p.add(0x100, fkPlain, 0)
	p.add(0x102, fkFault, 0)
	p.add(0x104, fkIndirect, 0)
	p.add(0x200, fkExit, 0)

	b, err := NewBlock(p.block(0x100, 0x102, 0x104))
	require.NoError(t, err)
	cpu := isa.NewCPU(nil)
	pc, err := b.Execute(cpu)
	assert.Equal(t, uint64(0x102), pc)
	assert.Equal(t, uint64(0x102), cpu.RIP)
	var cf *vmerrors.CPUFault
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, uint64(0x100), cf.Block)
	assert.ErrorIs(t, err, vmerrors.ErrSegfault)

	exit, err := NewBlock(p.block(0x200))
	require.NoError(t, err)
	_, err = exit.Execute(cpu)
	pe, ok := vmerrors.IsProcessExit(err)
	require.True(t, ok)
	assert.Equal(t, 7, pe.Code)
	assert.False(t, errors.As(err, &cf))
}

func TestBlockGPRs(t *testing.T) {
	p := newProgram()
	p.add(0x100, fkPlain, 0).writes = isa.RegSetOf(isa.RBX)
	i := p.add(0x102, fkPlain, 0)
	i.reads = isa.RegSetOf(isa.RBX, isa.RCX)
	i.writes = isa.RegSetOf(isa.RDX)
	p.add(0x104, fkIndirect, 0).reads = isa.RegSetOf(isa.RDX, isa.RSI)
	b, err := NewBlock(p.block(0x100, 0x102, 0x104))
	require.NoError(t, err)

	reads, written := b.GPRReads(0)
	assert.Equal(t, isa.RegSetOf(isa.RCX, isa.RSI), reads)
	assert.Equal(t, isa.RegSetOf(isa.RBX, isa.RDX), written)
	assert.Equal(t, isa.RegSetOf(isa.RBX, isa.RDX), b.GPRWrites())

	reads, _ = b.GPRReads(isa.RegSetOf(isa.RCX))
	assert.Equal(t, isa.RegSetOf(isa.RSI), reads)
}

func TestBlockFormat(t *testing.T) {
	p := newProgram()
	p.add(0x400000, fkPlain, 0)
	p.add(0x400002, fkJump, 0x400000)
	b, err := NewBlock(p.block(0x400000, 0x400002))
	require.NoError(t, err)
	b.setSuccessors([]*Block{b})

	syms := symbols.NewTable()
	syms.Add("main", 0x400000, 0x10)
	out := b.Format(syms)
	assert.Contains(t, out, "block main [2 insns, direct] -> main")
	assert.Contains(t, out, "0x0000000000400002: fake1")
	assert.Contains(t, b.String(), "block 0x0000000000400000")
	assert.NotEqual(t, b.CodeHash(), (&Block{insns: p.block(0x400000)}).CodeHash())
}

func TestBlockExecutionsConcurrent(t *testing.T) {
	p := newProgram()
	p.add(0x100, fkPlain, 0)
	p.add(0x102, fkIndirect, 0)
	b, err := NewBlock(p.block(0x100, 0x102))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cpu := isa.NewCPU(nil)
			for k := 0; k < 100; k++ {
				b.Execute(cpu)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(800), b.Executions())
}
