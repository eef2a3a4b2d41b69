package flow

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/colorfulnotion/vmx86/common"
	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/symbols"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"golang.org/x/exp/slices"
)

// How control leaves a block.
const (
	TRAP_JUMP        = 0
	DIRECT_JUMP      = 1
	INDIRECT_JUMP    = 2
	CONDITIONAL      = 3
	FALLTHROUGH_JUMP = 4
)

var jumpTypeNames = map[int]string{
	TRAP_JUMP:        "trap",
	DIRECT_JUMP:      "direct",
	INDIRECT_JUMP:    "indirect",
	CONDITIONAL:      "conditional",
	FALLTHROUGH_JUMP: "fallthrough",
}

// Block is a maximal straight-line run of decoded instructions. Its content
// is fixed once registered, apart from Split which narrows it under the
// cache lock. Traces sharing a cache may execute the same block concurrently.
type Block struct {
	insns      []isa.Instruction
	successors []*Block
	executions atomic.Uint64
}

// NewBlock builds a block from a non-empty, address-contiguous instruction
// sequence.
func NewBlock(insns []isa.Instruction) (*Block, error) {
	if len(insns) == 0 {
		return nil, fmt.Errorf("empty block: %w", vmerrors.ErrBlockContract)
	}
	for k := 1; k < len(insns); k++ {
		if insns[k-1].Next() != insns[k].PC() {
			return nil, fmt.Errorf("instruction at 0x%016x does not follow 0x%016x (len %d): %w",
				insns[k].PC(), insns[k-1].PC(), insns[k-1].Len(), vmerrors.ErrBlockContract)
		}
	}
	return &Block{insns: slices.Clone(insns)}, nil
}

func (b *Block) Address() uint64 { return b.insns[0].PC() }

// End is the address just past the last instruction.
func (b *Block) End() uint64 { return b.Last().Next() }

func (b *Block) Len() int { return len(b.insns) }

func (b *Block) Last() isa.Instruction { return b.insns[len(b.insns)-1] }

func (b *Block) Instructions() []isa.Instruction { return b.insns }

// Executions counts how many times the block has run.
func (b *Block) Executions() uint64 { return b.executions.Load() }

// covers reports whether addr lies anywhere in the block's byte range.
func (b *Block) covers(addr uint64) bool {
	return addr >= b.Address() && addr < b.End()
}

func (b *Block) index(addr uint64) (int, bool) {
	return slices.BinarySearchFunc(b.insns, addr, func(insn isa.Instruction, a uint64) int {
		switch {
		case insn.PC() < a:
			return -1
		case insn.PC() > a:
			return 1
		}
		return 0
	})
}

// Contains reports whether an instruction starts exactly at addr.
func (b *Block) Contains(addr uint64) bool {
	_, ok := b.index(addr)
	return ok
}

func (b *Block) Instruction(addr uint64) isa.Instruction {
	if k, ok := b.index(addr); ok {
		return b.insns[k]
	}
	return nil
}

// BranchTargets returns the statically known targets of the terminating
// instruction. An empty result means fallthrough or a dynamic target.
func (b *Block) BranchTargets() []uint64 { return b.Last().BranchTargets() }

func (b *Block) JumpType() int {
	last := b.Last()
	switch {
	case !last.IsControlFlow():
		return FALLTHROUGH_JUMP
	case isa.IsTrap(last):
		return TRAP_JUMP
	case len(last.BranchTargets()) == 2:
		return CONDITIONAL
	case len(last.BranchTargets()) == 1:
		return DIRECT_JUMP
	}
	return INDIRECT_JUMP
}

func (b *Block) Successors() []*Block { return b.successors }

// Successor returns the linked successor starting at pc, or nil.
func (b *Block) Successor(pc uint64) *Block {
	for _, s := range b.successors {
		if s.Address() == pc {
			return s
		}
	}
	return nil
}

func (b *Block) setSuccessors(succ []*Block) { b.successors = succ }

// Split truncates b to the instructions before addr and returns a new block
// owning the rest. The tail inherits b's successors; b's only successor
// becomes the tail. addr must be an instruction boundary strictly inside b.
func (b *Block) Split(addr uint64) *Block {
	if addr <= b.Address() || addr >= b.End() {
		panic(&vmerrors.SplitContractError{Block: b.Address(), Address: addr, Reason: "address outside block"})
	}
	k, ok := b.index(addr)
	if !ok {
		panic(&vmerrors.SplitContractError{Block: b.Address(), Address: addr, Reason: "not an instruction boundary"})
	}
	tail := &Block{
		insns:      slices.Clone(b.insns[k:]),
		successors: b.successors,
	}
	tail.executions.Store(b.executions.Load())
	b.insns = slices.Clip(b.insns[:k])
	b.successors = []*Block{tail}
	return tail
}

// Execute runs the block and returns the program counter produced by its
// last instruction. Process exits pass through untouched; every other
// failure is reported as a *vmerrors.CPUFault.
func (b *Block) Execute(cpu *isa.CPU) (uint64, error) {
	return b.execute(cpu, nil)
}

func (b *Block) execute(cpu *isa.CPU, step func(isa.Instruction)) (uint64, error) {
	b.executions.Add(1)
	var pc uint64
	for _, insn := range b.insns {
		cpu.RIP = insn.PC()
		if step != nil {
			step(insn)
		}
		next, err := insn.Execute(cpu)
		if err != nil {
			if _, ok := vmerrors.IsProcessExit(err); ok {
				return insn.PC(), err
			}
			return insn.PC(), &vmerrors.CPUFault{PC: insn.PC(), Block: b.Address(), Err: err}
		}
		cpu.Retired++
		pc = next
	}
	cpu.RIP = pc
	return pc, nil
}

// GPRReads returns the registers the block reads before writing them, given
// the registers already written on entry. written is updated with the
// block's writes.
func (b *Block) GPRReads(written isa.RegSet) (reads, updated isa.RegSet) {
	for _, insn := range b.insns {
		reads = reads.Union(insn.Reads().Minus(written))
		written = written.Union(insn.Writes())
	}
	return reads, written
}

func (b *Block) GPRWrites() isa.RegSet {
	var w isa.RegSet
	for _, insn := range b.insns {
		w = w.Union(insn.Writes())
	}
	return w
}

// CodeHash is the blake2b hash of the block's machine code.
func (b *Block) CodeHash() common.Hash {
	code := make([]byte, 0, b.End()-b.Address())
	for _, insn := range b.insns {
		code = append(code, insn.Bytes()...)
	}
	return common.Blake2Hash(code)
}

func (b *Block) String() string {
	return b.Format(nil)
}

// Format renders the block with branch targets resolved through r.
func (b *Block) Format(r symbols.Resolver) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block %s [%d insns, %s]", symbols.Format(r, b.Address()), len(b.insns), jumpTypeNames[b.JumpType()])
	if len(b.successors) > 0 {
		sb.WriteString(" ->")
		for _, s := range b.successors {
			sb.WriteString(" " + symbols.Format(r, s.Address()))
		}
	}
	sb.WriteByte('\n')
	for _, insn := range b.insns {
		fmt.Fprintf(&sb, "  0x%016x: %s\n", insn.PC(), insn.String())
	}
	return sb.String()
}
