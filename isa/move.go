package isa

import (
	"math/bits"

	"golang.org/x/arch/x86/x86asm"
)

// moveInsn covers mov, movzx, movsx, movsxd and lea.
type moveInsn struct {
	insn
}

func newMove(i insn) Instruction {
	m := &moveInsn{i}
	m.def(&m.ops[0], false)
	if m.inst.Op == x86asm.LEA {
		m.reads = m.reads.Union(m.ops[1].addrRegs())
	} else {
		m.use(&m.ops[1])
	}
	return m
}

func (m *moveInsn) Execute(c *CPU) (uint64, error) {
	dst, src := &m.ops[0], &m.ops[1]
	var v uint64
	if m.inst.Op == x86asm.LEA {
		v = m.ea(c, src)
	} else {
		var err error
		if v, err = m.read(c, src); err != nil {
			return 0, err
		}
		switch m.inst.Op {
		case x86asm.MOVSX, x86asm.MOVSXD:
			v = uint64(signExtend(v, src.size))
		}
	}
	if err := m.write(c, dst, v&mask(dst.size)); err != nil {
		return 0, err
	}
	return m.Next(), nil
}

type cmovInsn struct {
	insn
	cc cond
}

func newCmov(i insn, cc cond) Instruction {
	m := &cmovInsn{insn: i, cc: cc}
	// the destination keeps its value when the condition fails
	m.def(&m.ops[0], true)
	m.use(&m.ops[1])
	return m
}

func (m *cmovInsn) Execute(c *CPU) (uint64, error) {
	dst := &m.ops[0]
	v, err := m.read(c, &m.ops[1])
	if err != nil {
		return 0, err
	}
	if !c.test(m.cc) {
		v = c.reg(dst.reg, dst.size, dst.high)
	}
	c.setReg(dst.reg, dst.size, dst.high, v)
	return m.Next(), nil
}

type setInsn struct {
	insn
	cc cond
}

func newSet(i insn, cc cond) Instruction {
	s := &setInsn{insn: i, cc: cc}
	s.def(&s.ops[0], false)
	return s
}

func (s *setInsn) Execute(c *CPU) (uint64, error) {
	var v uint64
	if c.test(s.cc) {
		v = 1
	}
	if err := s.write(c, &s.ops[0], v); err != nil {
		return 0, err
	}
	return s.Next(), nil
}

// exchangeInsn covers xchg, xadd and cmpxchg.
type exchangeInsn struct {
	insn
}

func newExchange(i insn) Instruction {
	x := &exchangeInsn{i}
	x.def(&x.ops[0], true)
	x.def(&x.ops[1], true)
	if x.inst.Op == x86asm.CMPXCHG {
		x.reads = x.reads.Add(RAX)
		x.writes = x.writes.Add(RAX)
	}
	return x
}

func (x *exchangeInsn) Execute(c *CPU) (uint64, error) {
	dst, src := &x.ops[0], &x.ops[1]
	a, err := x.read(c, dst)
	if err != nil {
		return 0, err
	}
	b, err := x.read(c, src)
	if err != nil {
		return 0, err
	}
	switch x.inst.Op {
	case x86asm.XCHG:
		if err := x.write(c, dst, b); err != nil {
			return 0, err
		}
		if err := x.write(c, src, a); err != nil {
			return 0, err
		}
	case x86asm.XADD:
		sum := c.addFlags(a, b, 0, dst.size)
		if err := x.write(c, src, a); err != nil {
			return 0, err
		}
		if err := x.write(c, dst, sum); err != nil {
			return 0, err
		}
	case x86asm.CMPXCHG:
		acc := c.reg(RAX, dst.size, false)
		c.subFlags(acc, a, 0, dst.size)
		if c.Flag(FlagZF) {
			if err := x.write(c, dst, b); err != nil {
				return 0, err
			}
		} else {
			c.setReg(RAX, dst.size, false, a)
		}
	}
	return x.Next(), nil
}

// bitScanInsn covers bsf, bsr and bswap.
type bitScanInsn struct {
	insn
}

func newBitScan(i insn) Instruction {
	b := &bitScanInsn{i}
	switch {
	case b.inst.Op == x86asm.BSWAP && len(b.ops) == 1 && b.ops[0].kind == opReg:
		b.def(&b.ops[0], true)
	case b.inst.Op != x86asm.BSWAP && len(b.ops) == 2 && b.ops[0].kind == opReg:
		b.def(&b.ops[0], true)
		b.use(&b.ops[1])
	default:
		return newUnsupported(i)
	}
	return b
}

func (b *bitScanInsn) Execute(c *CPU) (uint64, error) {
	dst := &b.ops[0]
	if b.inst.Op == x86asm.BSWAP {
		v := c.reg(dst.reg, dst.size, false)
		if dst.size == 8 {
			v = bits.ReverseBytes64(v)
		} else {
			v = uint64(bits.ReverseBytes32(uint32(v)))
		}
		c.setReg(dst.reg, dst.size, false, v)
		return b.Next(), nil
	}
	v, err := b.read(c, &b.ops[1])
	if err != nil {
		return 0, err
	}
	if v == 0 {
		c.SetFlag(FlagZF, true)
		return b.Next(), nil
	}
	c.SetFlag(FlagZF, false)
	var idx int
	if b.inst.Op == x86asm.BSF {
		idx = bits.TrailingZeros64(v)
	} else {
		idx = 63 - bits.LeadingZeros64(v)
	}
	c.setReg(dst.reg, dst.size, false, uint64(idx))
	return b.Next(), nil
}

// convertInsn covers the accumulator sign extensions cbw through cqo.
type convertInsn struct {
	insn
}

func newConvert(i insn) Instruction {
	x := &convertInsn{i}
	x.reads = RegSetOf(RAX)
	switch x.inst.Op {
	case x86asm.CWD, x86asm.CDQ, x86asm.CQO:
		x.writes = RegSetOf(RDX)
		if x.inst.Op == x86asm.CWD {
			x.reads = x.reads.Add(RDX)
		}
	default:
		x.writes = RegSetOf(RAX)
	}
	return x
}

func (x *convertInsn) Execute(c *CPU) (uint64, error) {
	switch x.inst.Op {
	case x86asm.CBW:
		c.setReg(RAX, 2, false, uint64(signExtend(c.GPR[RAX], 1)))
	case x86asm.CWDE:
		c.setReg(RAX, 4, false, uint64(signExtend(c.GPR[RAX], 2)))
	case x86asm.CDQE:
		c.GPR[RAX] = uint64(signExtend(c.GPR[RAX], 4))
	case x86asm.CWD:
		c.setReg(RDX, 2, false, uint64(signExtend(c.GPR[RAX], 2)>>15))
	case x86asm.CDQ:
		c.setReg(RDX, 4, false, uint64(signExtend(c.GPR[RAX], 4)>>31))
	case x86asm.CQO:
		c.GPR[RDX] = uint64(int64(c.GPR[RAX]) >> 63)
	}
	return x.Next(), nil
}

// stringInsn covers movs, stos and lods with an optional rep prefix.
type stringInsn struct {
	insn
	size int
	rep  bool
}

func newString(i insn) Instruction {
	s := &stringInsn{insn: i}
	switch s.inst.Op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.LODSB:
		s.size = 1
	case x86asm.MOVSW, x86asm.STOSW, x86asm.LODSW:
		s.size = 2
	case x86asm.MOVSD, x86asm.STOSD, x86asm.LODSD:
		s.size = 4
	default:
		s.size = 8
	}
	for _, p := range s.inst.Prefix {
		if p == 0 {
			break
		}
		if p&0xff == x86asm.PrefixREP && p&x86asm.PrefixIgnored == 0 {
			s.rep = true
		}
	}
	switch s.inst.Op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		s.reads = RegSetOf(RSI, RDI)
		s.writes = RegSetOf(RSI, RDI)
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		s.reads = RegSetOf(RAX, RDI)
		s.writes = RegSetOf(RDI)
	default:
		s.reads = RegSetOf(RSI)
		s.writes = RegSetOf(RAX, RSI)
	}
	if s.rep {
		s.reads = s.reads.Add(RCX)
		s.writes = s.writes.Add(RCX)
	}
	return s
}

func (s *stringInsn) Execute(c *CPU) (uint64, error) {
	step := uint64(s.size)
	if c.Flag(FlagDF) {
		step = -step
	}
	for !s.rep || c.GPR[RCX] != 0 {
		switch s.inst.Op {
		case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
			v, err := c.Mem.Read(c.GPR[RSI], s.size)
			if err != nil {
				return 0, err
			}
			if err := c.Mem.Write(c.GPR[RDI], s.size, v); err != nil {
				return 0, err
			}
			c.GPR[RSI] += step
			c.GPR[RDI] += step
		case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
			if err := c.Mem.Write(c.GPR[RDI], s.size, c.GPR[RAX]); err != nil {
				return 0, err
			}
			c.GPR[RDI] += step
		default:
			v, err := c.Mem.Read(c.GPR[RSI], s.size)
			if err != nil {
				return 0, err
			}
			c.setReg(RAX, s.size, false, v)
			c.GPR[RSI] += step
		}
		if !s.rep {
			break
		}
		c.GPR[RCX]--
	}
	return s.Next(), nil
}
