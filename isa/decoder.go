package isa

import (
	"bytes"
	"fmt"

	"github.com/colorfulnotion/vmx86/memory"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"golang.org/x/arch/x86/x86asm"
)

const MaxInstructionLength = 15

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

// Decoder decodes instructions straight out of executable emulated memory.
type Decoder struct {
	Mem *memory.Memory
}

func NewDecoder(mem *memory.Memory) *Decoder {
	return &Decoder{Mem: mem}
}

func (d *Decoder) Decode(pc uint64) (Instruction, error) {
	var buf [MaxInstructionLength]byte
	n, err := d.Mem.Fetch(pc, buf[:])
	if err != nil {
		return nil, fmt.Errorf("fetch 0x%016x: %w: %w", pc, vmerrors.ErrUnmappedCode, err)
	}
	return Decode(pc, buf[:n])
}

// Decode decodes the instruction at the start of code, which lives at pc.
func Decode(pc uint64, code []byte) (Instruction, error) {
	if len(code) == 0 {
		return nil, &vmerrors.DecodeError{PC: pc, Err: vmerrors.ErrEmptyCodeRange}
	}
	if bytes.HasPrefix(code, endbr64) {
		inst := x86asm.Inst{Op: x86asm.NOP, Len: len(endbr64), Mode: 64}
		return &nopInsn{insn{pc: pc, raw: bytes.Clone(endbr64), inst: inst}}, nil
	}
	inst, err := x86asm.Decode(code, 64)
	if err == nil && inst.Op == 0 {
		// x86asm reports a lone prefix byte when the rest does not decode
		err = x86asm.ErrUnrecognized
		if len(code) < MaxInstructionLength {
			err = x86asm.ErrTruncated
		}
	}
	if err != nil {
		n := len(code)
		if n > MaxInstructionLength {
			n = MaxInstructionLength
		}
		return nil, &vmerrors.DecodeError{PC: pc, Bytes: bytes.Clone(code[:n]), Err: err}
	}
	base := insn{pc: pc, raw: bytes.Clone(code[:inst.Len]), inst: inst}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		o, ok := toOperand(&inst, arg)
		if !ok {
			return newUnsupported(base), nil
		}
		base.ops = append(base.ops, o)
	}
	for k := range base.ops {
		if base.ops[k].kind != opImm {
			continue
		}
		if k > 0 && base.ops[0].size > 0 {
			base.ops[k].size = base.ops[0].size
		} else {
			base.ops[k].size = 8
		}
	}
	return classify(base), nil
}

func classify(i insn) Instruction {
	op := i.inst.Op
	n := len(i.ops)
	switch op {
	case x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB, x86asm.AND, x86asm.OR,
		x86asm.XOR, x86asm.CMP, x86asm.TEST:
		if n == 2 {
			return newALU(i)
		}
	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		if n == 1 {
			return newUnary(i)
		}
	case x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR:
		if n == 2 {
			return newShift(i)
		}
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD, x86asm.LEA:
		if n == 2 {
			return newMove(i)
		}
	case x86asm.XCHG, x86asm.XADD, x86asm.CMPXCHG:
		if n == 2 {
			return newExchange(i)
		}
	case x86asm.BSF, x86asm.BSR, x86asm.BSWAP:
		return newBitScan(i)
	case x86asm.PUSH, x86asm.POP, x86asm.LEAVE:
		return newStack(i)
	case x86asm.MUL, x86asm.IMUL, x86asm.DIV, x86asm.IDIV:
		return newMulDiv(i)
	case x86asm.CBW, x86asm.CWDE, x86asm.CDQE, x86asm.CWD, x86asm.CDQ, x86asm.CQO:
		return newConvert(i)
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		return newString(i)
	case x86asm.JMP, x86asm.CALL:
		return newJump(i)
	case x86asm.RET:
		return newRet(i)
	case x86asm.JRCXZ, x86asm.JECXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return newLoop(i)
	case x86asm.SYSCALL:
		return newSyscall(i)
	case x86asm.NOP, x86asm.PAUSE:
		return &nopInsn{i}
	case x86asm.CLC, x86asm.STC, x86asm.CMC, x86asm.CLD, x86asm.STD:
		return &flagInsn{i}
	case x86asm.HLT, x86asm.UD0, x86asm.UD1, x86asm.UD2, x86asm.INT, x86asm.INTO, x86asm.ICEBP:
		return &trapInsn{i}
	default:
		if cc, ok := jccConds[op]; ok {
			return newJcc(i, cc)
		}
		if cc, ok := cmovConds[op]; ok && n == 2 {
			return newCmov(i, cc)
		}
		if cc, ok := setConds[op]; ok && n == 1 {
			return newSet(i, cc)
		}
	}
	return newUnsupported(i)
}
