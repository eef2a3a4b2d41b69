package isa

import (
	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/holiman/uint256"
	"golang.org/x/arch/x86/x86asm"
)

// mulDivInsn covers mul, imul (one, two and three operand forms), div and idiv.
type mulDivInsn struct {
	insn
}

func newMulDiv(i insn) Instruction {
	m := &mulDivInsn{i}
	switch len(m.ops) {
	case 1:
		m.use(&m.ops[0])
		m.reads = m.reads.Add(RAX)
		m.writes = m.writes.Add(RAX)
		if m.ops[0].size > 1 {
			m.writes = m.writes.Add(RDX)
			if m.inst.Op == x86asm.DIV || m.inst.Op == x86asm.IDIV {
				m.reads = m.reads.Add(RDX)
			}
		}
	case 2:
		if m.inst.Op != x86asm.IMUL {
			return newUnsupported(i)
		}
		m.def(&m.ops[0], true)
		m.use(&m.ops[1])
	case 3:
		if m.inst.Op != x86asm.IMUL {
			return newUnsupported(i)
		}
		m.def(&m.ops[0], false)
		m.use(&m.ops[1])
	default:
		return newUnsupported(i)
	}
	return m
}

// int256 returns the two's complement 256-bit form of v.
func int256(v int64) *uint256.Int {
	if v >= 0 {
		return uint256.NewInt(uint64(v))
	}
	z := uint256.NewInt(uint64(-v))
	return z.Neg(z)
}

// mulWide returns the 128-bit product of a and b as (lo, hi).
func mulWide(a, b uint64, signed bool) (uint64, uint64) {
	var x, y *uint256.Int
	if signed {
		x, y = int256(int64(a)), int256(int64(b))
	} else {
		x, y = uint256.NewInt(a), uint256.NewInt(b)
	}
	p := new(uint256.Int).Mul(x, y)
	return p[0], p[1]
}

func (m *mulDivInsn) Execute(c *CPU) (uint64, error) {
	var err error
	switch {
	case len(m.ops) == 1 && (m.inst.Op == x86asm.MUL || m.inst.Op == x86asm.IMUL):
		err = m.mulAcc(c)
	case len(m.ops) == 1:
		err = m.divAcc(c)
	default:
		err = m.imul(c)
	}
	if err != nil {
		return 0, err
	}
	return m.Next(), nil
}

func (m *mulDivInsn) mulAcc(c *CPU) error {
	src := &m.ops[0]
	b, err := m.read(c, src)
	if err != nil {
		return err
	}
	size := src.size
	signed := m.inst.Op == x86asm.IMUL
	a := c.reg(RAX, size, false)
	var lo, hi uint64
	if size == 8 {
		lo, hi = mulWide(a, b, signed)
	} else {
		var full uint64
		if signed {
			full = uint64(signExtend(a, size) * signExtend(b, size))
		} else {
			full = a * b
		}
		width := 8 * uint(size)
		lo, hi = full&mask(size), full>>width&mask(size)
	}
	var overflow bool
	if signed {
		overflow = hi != uint64(signExtend(lo, size)>>63)&mask(size)
	} else {
		overflow = hi != 0
	}
	c.SetFlag(FlagCF, overflow)
	c.SetFlag(FlagOF, overflow)
	switch size {
	case 1:
		c.setReg(RAX, 2, false, hi<<8|lo)
	default:
		c.setReg(RAX, size, false, lo)
		c.setReg(RDX, size, false, hi)
	}
	return nil
}

func (m *mulDivInsn) imul(c *CPU) error {
	dst := &m.ops[0]
	a, err := m.read(c, &m.ops[len(m.ops)-2])
	if err != nil {
		return err
	}
	b, err := m.read(c, &m.ops[len(m.ops)-1])
	if err != nil {
		return err
	}
	size := dst.size
	var res uint64
	var overflow bool
	if size == 8 {
		lo, hi := mulWide(a, b, true)
		res = lo
		overflow = hi != uint64(int64(lo)>>63)
	} else {
		full := signExtend(a, size) * signExtend(b, size)
		res = uint64(full) & mask(size)
		overflow = full != signExtend(res, size)
	}
	c.SetFlag(FlagCF, overflow)
	c.SetFlag(FlagOF, overflow)
	c.setReg(dst.reg, size, dst.high, res)
	return nil
}

func (m *mulDivInsn) divAcc(c *CPU) error {
	src := &m.ops[0]
	d, err := m.read(c, src)
	if err != nil {
		return err
	}
	if d == 0 {
		return vmerrors.ErrDivideByZero
	}
	size := src.size
	signed := m.inst.Op == x86asm.IDIV
	var lo, hi uint64
	if size == 1 {
		ax := c.reg(RAX, 2, false)
		lo, hi = ax&0xff, ax>>8
	} else {
		lo, hi = c.reg(RAX, size, false), c.reg(RDX, size, false)
	}

	var q, r uint64
	if size == 8 {
		var ok bool
		if q, r, ok = div128(lo, hi, d, signed); !ok {
			return vmerrors.ErrDivideByZero
		}
	} else {
		width := 8 * uint(size)
		n := hi<<width | lo
		if signed {
			sn := signExtend(n, 2*size)
			sd := signExtend(d, size)
			sq := sn / sd
			if sq != signExtend(uint64(sq), size) {
				return vmerrors.ErrDivideByZero
			}
			q, r = uint64(sq), uint64(sn%sd)
		} else {
			q, r = n/d, n%d
			if q > mask(size) {
				return vmerrors.ErrDivideByZero
			}
		}
		q, r = q&mask(size), r&mask(size)
	}
	if size == 1 {
		c.setReg(RAX, 2, false, r<<8|q)
		return nil
	}
	c.setReg(RAX, size, false, q)
	c.setReg(RDX, size, false, r)
	return nil
}

// div128 divides hi:lo by d. ok is false when the quotient does not fit in
// 64 bits, which the hardware reports as a divide error.
func div128(lo, hi, d uint64, signed bool) (q, r uint64, ok bool) {
	n := &uint256.Int{lo, hi, 0, 0}
	if !signed {
		quo := new(uint256.Int).Div(n, uint256.NewInt(d))
		rem := new(uint256.Int).Mod(n, uint256.NewInt(d))
		return quo[0], rem[0], quo[1] == 0 && quo[2] == 0 && quo[3] == 0
	}
	if int64(hi) < 0 {
		n[2], n[3] = ^uint64(0), ^uint64(0)
	}
	den := int256(int64(d))
	quo := new(uint256.Int).SDiv(n, den)
	rem := new(uint256.Int).SMod(n, den)
	ext := uint64(int64(quo[0]) >> 63)
	return quo[0], rem[0], quo[1] == ext && quo[2] == ext && quo[3] == ext
}
