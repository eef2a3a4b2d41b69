package isa

import (
	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded x86-64 instruction. Execute applies its effect
// to the CPU and returns the address of the next instruction to run.
type Instruction interface {
	PC() uint64
	Len() int
	Next() uint64
	// IsControlFlow reports whether the instruction ends a basic block.
	IsControlFlow() bool
	// BranchTargets lists statically known successors: nil for fallthrough or
	// a dynamic target, [target] for unconditional direct transfers and
	// [fallthrough, taken] for conditional branches.
	BranchTargets() []uint64
	Execute(cpu *CPU) (uint64, error)
	String() string
	Reads() RegSet
	Writes() RegSet
	Bytes() []byte
}

type opKind uint8

const (
	opNone opKind = iota
	opReg
	opMem
	opImm
	opRel
)

type operand struct {
	kind opKind
	reg  Reg
	high bool
	size int
	mem  x86asm.Mem
	imm  int64
}

func toOperand(inst *x86asm.Inst, arg x86asm.Arg) (operand, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, size, high, ok := gpr(a)
		if !ok {
			return operand{}, false
		}
		return operand{kind: opReg, reg: r, size: size, high: high}, true
	case x86asm.Mem:
		switch a.Segment {
		case 0, x86asm.CS, x86asm.DS, x86asm.ES, x86asm.SS, x86asm.FS, x86asm.GS:
		default:
			return operand{}, false
		}
		return operand{kind: opMem, mem: a, size: inst.MemBytes}, true
	case x86asm.Imm:
		return operand{kind: opImm, imm: int64(a)}, true
	case x86asm.Rel:
		return operand{kind: opRel, imm: int64(a)}, true
	}
	return operand{}, false
}

// addrRegs returns the registers an operand's address computation reads.
func (o *operand) addrRegs() RegSet {
	var s RegSet
	if o.kind != opMem {
		return s
	}
	for _, r := range []x86asm.Reg{o.mem.Base, o.mem.Index} {
		if g, _, _, ok := gpr(r); ok {
			s = s.Add(g)
		}
	}
	return s
}

func mask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}

func signBit(size int) uint64 { return 1 << (8*uint(size) - 1) }

func signExtend(v uint64, size int) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	}
	return int64(v)
}

func (c *CPU) reg(r Reg, size int, high bool) uint64 {
	if high {
		return c.GPR[r] >> 8 & 0xff
	}
	return c.GPR[r] & mask(size)
}

// setReg follows the x86-64 rule that 32-bit writes zero the upper half while
// 8- and 16-bit writes merge.
func (c *CPU) setReg(r Reg, size int, high bool, v uint64) {
	switch {
	case high:
		c.GPR[r] = c.GPR[r]&^0xff00 | (v&0xff)<<8
	case size == 1 || size == 2:
		c.GPR[r] = c.GPR[r]&^mask(size) | v&mask(size)
	case size == 4:
		c.GPR[r] = v & 0xffffffff
	default:
		c.GPR[r] = v
	}
}

// insn carries what every instruction family shares.
type insn struct {
	pc     uint64
	raw    []byte
	inst   x86asm.Inst
	ops    []operand
	reads  RegSet
	writes RegSet
}

func (i *insn) PC() uint64 { return i.pc }
func (i *insn) Len() int { return len(i.raw) }
func (i *insn) Next() uint64 { return i.pc + uint64(len(i.raw)) }
func (i *insn) Bytes() []byte { return i.raw }
func (i *insn) IsControlFlow() bool { return false }
func (i *insn) BranchTargets() []uint64 { return nil }
func (i *insn) Reads() RegSet { return i.reads }
func (i *insn) Writes() RegSet { return i.writes }
func (i *insn) Op() x86asm.Op { return i.inst.Op }

func (i *insn) String() string {
	return x86asm.IntelSyntax(i.inst, i.pc, nil)
}

// use records the registers an operand reads as a source.
func (i *insn) use(o *operand) {
	i.reads = i.reads.Union(o.addrRegs())
	if o.kind == opReg {
		i.reads = i.reads.Add(o.reg)
	}
}

// def records a destination operand; modify marks read-modify-write.
func (i *insn) def(o *operand, modify bool) {
	i.reads = i.reads.Union(o.addrRegs())
	if o.kind == opReg {
		i.writes = i.writes.Add(o.reg)
		// partial writes keep the other bits of the register
		if modify || o.size < 4 {
			i.reads = i.reads.Add(o.reg)
		}
	}
}

func (i *insn) ea(c *CPU, o *operand) uint64 {
	m := o.mem
	var addr uint64
	switch m.Base {
	case 0:
	case x86asm.RIP, x86asm.EIP:
		addr = i.Next()
	default:
		if r, size, high, ok := gpr(m.Base); ok {
			addr = c.reg(r, size, high)
		}
	}
	if m.Index != 0 {
		if r, size, high, ok := gpr(m.Index); ok {
			addr += c.reg(r, size, high) * uint64(m.Scale)
		}
	}
	addr += uint64(m.Disp)
	if i.inst.AddrSize == 32 {
		addr &= 0xffffffff
	}
	switch m.Segment {
	case x86asm.FS:
		addr += c.FSBase
	case x86asm.GS:
		addr += c.GSBase
	}
	return addr
}

func (i *insn) read(c *CPU, o *operand) (uint64, error) {
	switch o.kind {
	case opReg:
		return c.reg(o.reg, o.size, o.high), nil
	case opMem:
		return c.Mem.Read(i.ea(c, o), o.size)
	case opImm:
		return uint64(o.imm) & mask(o.size), nil
	}
	return 0, nil
}

func (i *insn) write(c *CPU, o *operand, v uint64) error {
	switch o.kind {
	case opReg:
		c.setReg(o.reg, o.size, o.high, v)
	case opMem:
		return c.Mem.Write(i.ea(c, o), o.size, v)
	}
	return nil
}
