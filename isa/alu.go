package isa

import (
	"math/bits"

	"golang.org/x/arch/x86/x86asm"
)

type cond uint8

const (
	condO cond = iota
	condNO
	condB
	condAE
	condE
	condNE
	condBE
	condA
	condS
	condNS
	condP
	condNP
	condL
	condGE
	condLE
	condG
)

var jccConds = map[x86asm.Op]cond{
	x86asm.JO: condO, x86asm.JNO: condNO, x86asm.JB: condB, x86asm.JAE: condAE,
	x86asm.JE: condE, x86asm.JNE: condNE, x86asm.JBE: condBE, x86asm.JA: condA,
	x86asm.JS: condS, x86asm.JNS: condNS, x86asm.JP: condP, x86asm.JNP: condNP,
	x86asm.JL: condL, x86asm.JGE: condGE, x86asm.JLE: condLE, x86asm.JG: condG,
}

var cmovConds = map[x86asm.Op]cond{
	x86asm.CMOVO: condO, x86asm.CMOVNO: condNO, x86asm.CMOVB: condB, x86asm.CMOVAE: condAE,
	x86asm.CMOVE: condE, x86asm.CMOVNE: condNE, x86asm.CMOVBE: condBE, x86asm.CMOVA: condA,
	x86asm.CMOVS: condS, x86asm.CMOVNS: condNS, x86asm.CMOVP: condP, x86asm.CMOVNP: condNP,
	x86asm.CMOVL: condL, x86asm.CMOVGE: condGE, x86asm.CMOVLE: condLE, x86asm.CMOVG: condG,
}

var setConds = map[x86asm.Op]cond{
	x86asm.SETO: condO, x86asm.SETNO: condNO, x86asm.SETB: condB, x86asm.SETAE: condAE,
	x86asm.SETE: condE, x86asm.SETNE: condNE, x86asm.SETBE: condBE, x86asm.SETA: condA,
	x86asm.SETS: condS, x86asm.SETNS: condNS, x86asm.SETP: condP, x86asm.SETNP: condNP,
	x86asm.SETL: condL, x86asm.SETGE: condGE, x86asm.SETLE: condLE, x86asm.SETG: condG,
}

func (c *CPU) test(cc cond) bool {
	cf, zf := c.Flag(FlagCF), c.Flag(FlagZF)
	sf, of := c.Flag(FlagSF), c.Flag(FlagOF)
	var r bool
	switch cc &^ 1 {
	case condO:
		r = of
	case condB:
		r = cf
	case condE:
		r = zf
	case condBE:
		r = cf || zf
	case condS:
		r = sf
	case condP:
		r = c.Flag(FlagPF)
	case condL:
		r = sf != of
	case condLE:
		r = zf || sf != of
	}
	// odd conditions are negations of the preceding even one
	if cc&1 != 0 {
		return !r
	}
	return r
}

func (c *CPU) setResultFlags(res uint64, size int) {
	res &= mask(size)
	c.SetFlag(FlagZF, res == 0)
	c.SetFlag(FlagSF, res&signBit(size) != 0)
	c.SetFlag(FlagPF, bits.OnesCount8(uint8(res))%2 == 0)
}

func (c *CPU) logicFlags(res uint64, size int) uint64 {
	c.RFLAGS &^= FlagCF | FlagOF
	c.setResultFlags(res, size)
	return res & mask(size)
}

func (c *CPU) addFlags(a, b, carry uint64, size int) uint64 {
	m := mask(size)
	a, b = a&m, b&m
	sum, hi := bits.Add64(a, b, carry)
	res := sum & m
	cf := hi != 0
	if size < 8 {
		cf = sum > m
	}
	c.SetFlag(FlagCF, cf)
	c.SetFlag(FlagOF, ^(a^b)&(a^res)&signBit(size) != 0)
	c.setResultFlags(res, size)
	return res
}

func (c *CPU) subFlags(a, b, borrow uint64, size int) uint64 {
	m := mask(size)
	a, b = a&m, b&m
	diff, bo := bits.Sub64(a, b, borrow)
	res := diff & m
	c.SetFlag(FlagCF, bo != 0)
	c.SetFlag(FlagOF, (a^b)&(a^res)&signBit(size) != 0)
	c.setResultFlags(res, size)
	return res
}

func (c *CPU) carry() uint64 {
	if c.Flag(FlagCF) {
		return 1
	}
	return 0
}

// aluInsn covers two-operand arithmetic and logic.
type aluInsn struct {
	insn
	store bool
}

func newALU(i insn) Instruction {
	op := i.inst.Op
	a := &aluInsn{insn: i, store: op != x86asm.CMP && op != x86asm.TEST}
	dst, src := &a.ops[0], &a.ops[1]
	zeroIdiom := (op == x86asm.XOR || op == x86asm.SUB) && dst.kind == opReg && src.kind == opReg && dst.reg == src.reg && dst.high == src.high
	if zeroIdiom && dst.size >= 4 {
		a.writes = a.writes.Add(dst.reg)
		return a
	}
	if a.store {
		a.def(dst, true)
	} else {
		a.use(dst)
	}
	a.use(src)
	return a
}

func (a *aluInsn) Execute(c *CPU) (uint64, error) {
	dst, src := &a.ops[0], &a.ops[1]
	x, err := a.read(c, dst)
	if err != nil {
		return 0, err
	}
	y, err := a.read(c, src)
	if err != nil {
		return 0, err
	}
	size := dst.size
	var res uint64
	switch a.inst.Op {
	case x86asm.ADD:
		res = c.addFlags(x, y, 0, size)
	case x86asm.ADC:
		res = c.addFlags(x, y, c.carry(), size)
	case x86asm.SUB, x86asm.CMP:
		res = c.subFlags(x, y, 0, size)
	case x86asm.SBB:
		res = c.subFlags(x, y, c.carry(), size)
	case x86asm.AND, x86asm.TEST:
		res = c.logicFlags(x&y, size)
	case x86asm.OR:
		res = c.logicFlags(x|y, size)
	case x86asm.XOR:
		res = c.logicFlags(x^y, size)
	}
	if a.store {
		if err := a.write(c, dst, res); err != nil {
			return 0, err
		}
	}
	return a.Next(), nil
}

// unaryInsn covers inc, dec, neg and not.
type unaryInsn struct {
	insn
}

func newUnary(i insn) Instruction {
	u := &unaryInsn{i}
	u.def(&u.ops[0], true)
	return u
}

func (u *unaryInsn) Execute(c *CPU) (uint64, error) {
	dst := &u.ops[0]
	x, err := u.read(c, dst)
	if err != nil {
		return 0, err
	}
	var res uint64
	switch u.inst.Op {
	case x86asm.INC, x86asm.DEC:
		cf := c.Flag(FlagCF)
		if u.inst.Op == x86asm.INC {
			res = c.addFlags(x, 1, 0, dst.size)
		} else {
			res = c.subFlags(x, 1, 0, dst.size)
		}
		c.SetFlag(FlagCF, cf)
	case x86asm.NEG:
		res = c.subFlags(0, x, 0, dst.size)
	case x86asm.NOT:
		res = ^x & mask(dst.size)
	}
	if err := u.write(c, dst, res); err != nil {
		return 0, err
	}
	return u.Next(), nil
}

// shiftInsn covers shl, shr, sar, rol and ror.
type shiftInsn struct {
	insn
}

func newShift(i insn) Instruction {
	s := &shiftInsn{i}
	s.def(&s.ops[0], true)
	s.use(&s.ops[1])
	return s
}

func (s *shiftInsn) Execute(c *CPU) (uint64, error) {
	dst := &s.ops[0]
	x, err := s.read(c, dst)
	if err != nil {
		return 0, err
	}
	n, err := s.read(c, &s.ops[1])
	if err != nil {
		return 0, err
	}
	size := dst.size
	width := uint64(8 * size)
	if size == 8 {
		n &= 63
	} else {
		n &= 31
	}
	if n == 0 {
		return s.Next(), nil
	}
	m := mask(size)
	msb := signBit(size)
	var res uint64
	switch s.inst.Op {
	case x86asm.SHL:
		res = x << n & m
		c.SetFlag(FlagCF, n <= width && (x>>(width-n))&1 != 0)
		c.SetFlag(FlagOF, (res&msb != 0) != c.Flag(FlagCF))
		c.setResultFlags(res, size)
	case x86asm.SHR:
		res = x >> n
		c.SetFlag(FlagCF, (x>>(n-1))&1 != 0)
		c.SetFlag(FlagOF, x&msb != 0)
		c.setResultFlags(res, size)
	case x86asm.SAR:
		sx := signExtend(x, size)
		res = uint64(sx>>n) & m
		c.SetFlag(FlagCF, (sx>>(n-1))&1 != 0)
		c.SetFlag(FlagOF, false)
		c.setResultFlags(res, size)
	case x86asm.ROL:
		r := n % width
		res = (x<<r | x>>(width-r)) & m
		c.SetFlag(FlagCF, res&1 != 0)
		c.SetFlag(FlagOF, (res&msb != 0) != (res&1 != 0))
	case x86asm.ROR:
		r := n % width
		res = (x>>r | x<<(width-r)) & m
		c.SetFlag(FlagCF, res&msb != 0)
		c.SetFlag(FlagOF, (res&msb != 0) != (res&(msb>>1) != 0))
	}
	if err := s.write(c, dst, res); err != nil {
		return 0, err
	}
	return s.Next(), nil
}
