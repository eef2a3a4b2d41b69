package flow

import (
	"math/rand"
	"testing"

	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomRun builds n contiguous instructions of random length at base, the
// last one a jump.
func randomRun(rng *rand.Rand, base uint64, n int) []isa.Instruction {
	out := make([]isa.Instruction, n)
	pc := base
	for k := range out {
		i := &fakeInsn{pc: pc, size: 1 + rng.Intn(isa.MaxInstructionLength), kind: fkPlain}
		if k == n-1 {
			i.kind, i.target = fkJump, base
		}
		out[k] = i
		pc = i.Next()
	}
	return out
}

func TestRandomBlocksAreContiguous(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		insns := randomRun(rng, 0x1000+uint64(rng.Intn(0x1000)), 1+rng.Intn(20))
		b, err := NewBlock(insns)
		require.NoError(t, err)
		got := b.Instructions()
		for k := 1; k < len(got); k++ {
			assert.Equal(t, got[k-1].PC()+uint64(got[k-1].Len()), got[k].PC())
		}
		assert.Equal(t, insns[len(insns)-1].Next(), b.End())

		if len(insns) > 1 {
			gap := rng.Intn(len(insns)-1) + 1
			broken := append([]isa.Instruction(nil), insns...)
			f := *broken[gap].(*fakeInsn)
			f.pc++
			broken[gap] = &f
			_, err := NewBlock(broken)
			assert.ErrorIs(t, err, vmerrors.ErrBlockContract)
		}
	}
}

func TestRandomSplitsPartitionBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for iter := 0; iter < 200; iter++ {
		n := 2 + rng.Intn(20)
		insns := randomRun(rng, 0x4000, n)
		b, err := NewBlock(insns)
		require.NoError(t, err)
		prior := []*Block{b}
		b.setSuccessors(prior)

		at := 1 + rng.Intn(n-1)
		tail := b.Split(insns[at].PC())

		require.Equal(t, at, b.Len())
		require.Equal(t, n-at, tail.Len())
		for k, insn := range b.Instructions() {
			assert.Same(t, insns[k], insn)
		}
		for k, insn := range tail.Instructions() {
			assert.Same(t, insns[at+k], insn)
		}
		assert.Equal(t, b.End(), tail.Address())
		assert.Equal(t, []*Block{tail}, b.Successors())
		assert.Equal(t, prior, tail.Successors())
	}
}

func TestScenarioStraightLine(t *testing.T) {
	p := newProgram()
	p.add(0x100, fkPlain, 0)
	p.add(0x102, fkPlain, 0)
	b, err := NewBlock(p.block(0x100, 0x102))
	require.NoError(t, err)
	pc, err := b.Execute(isa.NewCPU(nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x104), pc)
}

func TestScenarioConditionalSuccessors(t *testing.T) {
	p := newProgram()
	p.add(0x100, fkPlain, 0)
	p.add(0x102, fkLoop, 0x200)
	p.add(0x104, fkExit, 0)
	p.add(0x200, fkExit, 0)
	c := NewCache(p, testConfig())
	cpu := isa.NewCPU(nil)

	for _, tc := range []struct {
		rcx  uint64
		want uint64
	}{{1, 0x104}, {2, 0x200}} {
		cpu.RIP = 0x100
		cpu.GPR[isa.RCX] = tc.rcx
		tr := NewTrace(c, testConfig())
		pc, reason, _ := tr.Execute(cpu)
		assert.Equal(t, ExitTerminated, reason)
		assert.Equal(t, tc.want, pc)
		blocks := tr.Blocks()
		require.Len(t, blocks, 2)
		assert.Equal(t, tc.want, blocks[1].Address())
	}
	assert.Equal(t, 1, c.DecodeCount(0x104))
	assert.Equal(t, 1, c.DecodeCount(0x200))
	assert.Equal(t, 4, p.decodes)
}

func TestScenarioLateMidBlockEntry(t *testing.T) {
	p := newProgram()
	for pc := uint64(0x100); pc < 0x108; pc += 2 {
		p.add(pc, fkPlain, 0)
	}
	p.add(0x108, fkIndirect, 0)
	c := NewCache(p, testConfig())

	orig, err := c.Resolve(0x100)
	require.NoError(t, err)
	require.Equal(t, 5, orig.Len())
	all := append([]isa.Instruction(nil), orig.Instructions()...)

	tail, err := c.Resolve(0x104)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Stats().Splits)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 5, p.decodes)
	assert.Equal(t, all, append(append([]isa.Instruction(nil), orig.Instructions()...), tail.Instructions()...))
}
