package flow

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/vmerrors"
)

type fakeKind int

const (
	fkPlain    fakeKind = iota // rax++
	fkJump                     // jump to target
	fkLoop                     // rcx--, branch to target while rcx != 0
	fkIndirect                 // jump to rdx
	fkExit                     // process exit with code 7
	fkFault                    // segfault
	fkTrap                     // control flow with no targets
)

type fakeInsn struct {
	pc     uint64
	size   int
	kind   fakeKind
	target uint64
	reads  isa.RegSet
	writes isa.RegSet
}

func (f *fakeInsn) PC() uint64   { return f.pc }
func (f *fakeInsn) Len() int     { return f.size }
func (f *fakeInsn) Next() uint64 { return f.pc + uint64(f.size) }

func (f *fakeInsn) IsControlFlow() bool {
	switch f.kind {
	case fkJump, fkLoop, fkIndirect, fkExit, fkTrap:
		return true
	}
	return false
}

func (f *fakeInsn) BranchTargets() []uint64 {
	switch f.kind {
	case fkJump:
		return []uint64{f.target}
	case fkLoop:
		return []uint64{f.Next(), f.target}
	}
	return nil
}

func (f *fakeInsn) Execute(cpu *isa.CPU) (uint64, error) {
	switch f.kind {
	case fkJump:
		return f.target, nil
	case fkLoop:
		cpu.GPR[isa.RCX]--
		if cpu.GPR[isa.RCX] != 0 {
			return f.target, nil
		}
		return f.Next(), nil
	case fkIndirect:
		return cpu.GPR[isa.RDX], nil
	case fkExit:
		return 0, &vmerrors.ProcessExit{Code: 7}
	case fkFault:
		return 0, fmt.Errorf("store: %w", vmerrors.ErrSegfault)
	case fkTrap:
		return 0, vmerrors.ErrTrap
	}
	cpu.GPR[isa.RAX]++
	return f.Next(), nil
}

func (f *fakeInsn) String() string     { return fmt.Sprintf("fake%d", f.kind) }
func (f *fakeInsn) Reads() isa.RegSet  { return f.reads }
func (f *fakeInsn) Writes() isa.RegSet { return f.writes }
func (f *fakeInsn) Bytes() []byte      { return make([]byte, f.size) }

// program is an in-memory instruction stream keyed by address.
type program struct {
	insns   map[uint64]*fakeInsn
	decodes int
}

func newProgram() *program {
	return &program{insns: make(map[uint64]*fakeInsn)}
}

func (p *program) add(pc uint64, kind fakeKind, target uint64) *fakeInsn {
	i := &fakeInsn{pc: pc, size: 2, kind: kind, target: target}
	p.insns[pc] = i
	return i
}

func (p *program) Decode(pc uint64) (isa.Instruction, error) {
	i, ok := p.insns[pc]
	if !ok {
		return nil, &vmerrors.DecodeError{PC: pc, Err: errors.New("no code")}
	}
	p.decodes++
	return i, nil
}

func (p *program) block(pcs ...uint64) []isa.Instruction {
	out := make([]isa.Instruction, len(pcs))
	for k, pc := range pcs {
		out[k] = p.insns[pc]
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Output = nil
	return cfg
}
