package isa

import (
	"fmt"

	"github.com/colorfulnotion/vmx86/vmerrors"
	"golang.org/x/arch/x86/x86asm"
)

// jumpInsn covers jmp and call, direct or through a register or memory.
type jumpInsn struct {
	insn
	target  uint64
	direct  bool
	linking bool
}

func newJump(i insn) Instruction {
	if len(i.ops) != 1 {
		return newUnsupported(i)
	}
	j := &jumpInsn{insn: i, linking: i.inst.Op == x86asm.CALL}
	if o := &j.ops[0]; o.kind == opRel {
		j.direct = true
		j.target = j.Next() + uint64(o.imm)
	} else {
		if o.kind == opReg && o.size != 8 || o.kind == opImm {
			return newUnsupported(i)
		}
		j.use(o)
	}
	if j.linking {
		j.reads = j.reads.Add(RSP)
		j.writes = j.writes.Add(RSP)
	}
	return j
}

func (j *jumpInsn) IsControlFlow() bool { return true }

func (j *jumpInsn) BranchTargets() []uint64 {
	if j.direct {
		return []uint64{j.target}
	}
	return nil
}

func (j *jumpInsn) Execute(c *CPU) (uint64, error) {
	target := j.target
	if !j.direct {
		var err error
		if target, err = j.read(c, &j.ops[0]); err != nil {
			return 0, err
		}
	}
	if j.linking {
		if err := c.Push(j.Next()); err != nil {
			return 0, err
		}
	}
	return target, nil
}

type jccInsn struct {
	insn
	cc     cond
	target uint64
}

func newJcc(i insn, cc cond) Instruction {
	if len(i.ops) != 1 || i.ops[0].kind != opRel {
		return newUnsupported(i)
	}
	return &jccInsn{insn: i, cc: cc, target: i.pc + uint64(len(i.raw)) + uint64(i.ops[0].imm)}
}

func (j *jccInsn) IsControlFlow() bool { return true }

func (j *jccInsn) BranchTargets() []uint64 { return []uint64{j.Next(), j.target} }

func (j *jccInsn) Execute(c *CPU) (uint64, error) {
	if c.test(j.cc) {
		return j.target, nil
	}
	return j.Next(), nil
}

// loopInsn covers jrcxz, jecxz and the loop family.
type loopInsn struct {
	insn
	target uint64
}

func newLoop(i insn) Instruction {
	if len(i.ops) != 1 || i.ops[0].kind != opRel {
		return newUnsupported(i)
	}
	l := &loopInsn{insn: i, target: i.pc + uint64(len(i.raw)) + uint64(i.ops[0].imm)}
	l.reads = RegSetOf(RCX)
	if l.inst.Op != x86asm.JRCXZ && l.inst.Op != x86asm.JECXZ {
		l.writes = RegSetOf(RCX)
	}
	return l
}

func (l *loopInsn) IsControlFlow() bool { return true }

func (l *loopInsn) BranchTargets() []uint64 { return []uint64{l.Next(), l.target} }

func (l *loopInsn) Execute(c *CPU) (uint64, error) {
	var taken bool
	switch l.inst.Op {
	case x86asm.JRCXZ:
		taken = c.GPR[RCX] == 0
	case x86asm.JECXZ:
		taken = uint32(c.GPR[RCX]) == 0
	default:
		c.GPR[RCX]--
		taken = c.GPR[RCX] != 0
		switch l.inst.Op {
		case x86asm.LOOPE:
			taken = taken && c.Flag(FlagZF)
		case x86asm.LOOPNE:
			taken = taken && !c.Flag(FlagZF)
		}
	}
	if taken {
		return l.target, nil
	}
	return l.Next(), nil
}

type retInsn struct {
	insn
	pop uint64
}

func newRet(i insn) Instruction {
	r := &retInsn{insn: i}
	if len(r.ops) == 1 && r.ops[0].kind == opImm {
		r.pop = uint64(r.ops[0].imm) & 0xffff
	}
	r.reads = RegSetOf(RSP)
	r.writes = RegSetOf(RSP)
	return r
}

func (r *retInsn) IsControlFlow() bool { return true }

func (r *retInsn) Execute(c *CPU) (uint64, error) {
	target, err := c.Pop()
	if err != nil {
		return 0, err
	}
	c.GPR[RSP] += r.pop
	return target, nil
}

// stackInsn covers push, pop and leave.
type stackInsn struct {
	insn
}

func newStack(i insn) Instruction {
	s := &stackInsn{i}
	switch s.inst.Op {
	case x86asm.PUSH:
		if len(s.ops) != 1 {
			return newUnsupported(i)
		}
		s.use(&s.ops[0])
	case x86asm.POP:
		if len(s.ops) != 1 {
			return newUnsupported(i)
		}
		s.def(&s.ops[0], false)
	case x86asm.LEAVE:
		s.reads = RegSetOf(RBP)
		s.writes = RegSetOf(RBP)
	}
	s.reads = s.reads.Add(RSP)
	s.writes = s.writes.Add(RSP)
	return s
}

func (s *stackInsn) Execute(c *CPU) (uint64, error) {
	switch s.inst.Op {
	case x86asm.PUSH:
		v, err := s.read(c, &s.ops[0])
		if err != nil {
			return 0, err
		}
		if err := c.Push(v); err != nil {
			return 0, err
		}
	case x86asm.POP:
		v, err := c.Pop()
		if err != nil {
			return 0, err
		}
		if err := s.write(c, &s.ops[0], v); err != nil {
			return 0, err
		}
	case x86asm.LEAVE:
		c.GPR[RSP] = c.GPR[RBP]
		v, err := c.Pop()
		if err != nil {
			return 0, err
		}
		c.GPR[RBP] = v
	}
	return s.Next(), nil
}

type syscallInsn struct {
	insn
}

func newSyscall(i insn) Instruction {
	s := &syscallInsn{i}
	s.reads = RegSetOf(RAX, RDI, RSI, RDX, R10, R8, R9)
	s.writes = RegSetOf(RAX, RCX, R11)
	return s
}

func (s *syscallInsn) Execute(c *CPU) (uint64, error) {
	if c.Syscalls == nil {
		return 0, fmt.Errorf("syscall %d: %w", c.GPR[RAX], vmerrors.ErrUnsupported)
	}
	c.GPR[RCX] = s.Next()
	c.GPR[R11] = c.RFLAGS
	if err := c.Syscalls.Syscall(c); err != nil {
		return 0, err
	}
	return s.Next(), nil
}

type nopInsn struct {
	insn
}

func (n *nopInsn) Execute(c *CPU) (uint64, error) { return n.Next(), nil }

type flagInsn struct {
	insn
}

func (f *flagInsn) Execute(c *CPU) (uint64, error) {
	switch f.inst.Op {
	case x86asm.CLC:
		c.SetFlag(FlagCF, false)
	case x86asm.STC:
		c.SetFlag(FlagCF, true)
	case x86asm.CMC:
		c.SetFlag(FlagCF, !c.Flag(FlagCF))
	case x86asm.CLD:
		c.SetFlag(FlagDF, false)
	case x86asm.STD:
		c.SetFlag(FlagDF, true)
	}
	return f.Next(), nil
}

// trapInsn covers hlt, the ud family and software interrupts. None of them
// fall through in user mode.
type trapInsn struct {
	insn
}

func (t *trapInsn) IsControlFlow() bool { return true }

func (t *trapInsn) Execute(c *CPU) (uint64, error) {
	if t.inst.Op == x86asm.HLT {
		return 0, fmt.Errorf("%s: %w", t, vmerrors.ErrPrivileged)
	}
	return 0, fmt.Errorf("%s: %w", t, vmerrors.ErrTrap)
}

// unsupportedInsn decodes cleanly but has no semantics here. It ends its
// block since nothing is known about where it continues.
type unsupportedInsn struct {
	insn
}

func newUnsupported(i insn) Instruction {
	return &unsupportedInsn{insn{pc: i.pc, raw: i.raw, inst: i.inst}}
}

func (u *unsupportedInsn) IsControlFlow() bool { return true }

func (u *unsupportedInsn) Execute(c *CPU) (uint64, error) {
	return 0, fmt.Errorf("%s: %w", u, vmerrors.ErrUnsupported)
}

// IsTrap reports whether executing i always faults.
func IsTrap(i Instruction) bool {
	switch i.(type) {
	case *trapInsn, *unsupportedInsn:
		return true
	}
	return false
}

// IsSyscall reports whether i hands control to the syscall handler.
func IsSyscall(i Instruction) bool {
	_, ok := i.(*syscallInsn)
	return ok
}
