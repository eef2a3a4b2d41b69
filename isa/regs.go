package isa

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Reg is a general-purpose register number in encoding order.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	NumGPR
)

var regNames = [NumGPR]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if r < NumGPR {
		return regNames[r]
	}
	return "?"
}

// RegSet is a bit set of general-purpose registers.
type RegSet uint16

func RegSetOf(regs ...Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s = s.Add(r)
	}
	return s
}

func (s RegSet) Add(r Reg) RegSet { return s | 1<<r }
func (s RegSet) Has(r Reg) bool { return s&(1<<r) != 0 }
func (s RegSet) Union(o RegSet) RegSet { return s | o }
func (s RegSet) Minus(o RegSet) RegSet { return s &^ o }
func (s RegSet) Empty() bool { return s == 0 }

func (s RegSet) Regs() []Reg {
	var out []Reg
	for r := RAX; r < NumGPR; r++ {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s RegSet) String() string {
	names := make([]string, 0, NumGPR)
	for _, r := range s.Regs() {
		names = append(names, r.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// RFLAGS bits tracked by the interpreter.
const (
	FlagCF uint64 = 1 << 0
	FlagPF uint64 = 1 << 2
	FlagZF uint64 = 1 << 6
	FlagSF uint64 = 1 << 7
	FlagDF uint64 = 1 << 10
	FlagOF uint64 = 1 << 11

	flagsArith = FlagCF | FlagPF | FlagZF | FlagSF | FlagOF
	// bit 1 always reads as one
	flagsFixed uint64 = 1 << 1

	// StateFlags selects the RFLAGS bits recorded in a State.
	StateFlags = flagsArith | FlagDF | flagsFixed
)

// gpr maps an x86asm register to (register, width in bytes, high-byte flag).
func gpr(r x86asm.Reg) (Reg, int, bool, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		off := int(r - x86asm.AL)
		if off >= 4 && off < 8 {
			return Reg(off - 4), 1, true, true
		}
		if off >= 8 {
			return Reg(off - 4), 1, false, true
		}
		return Reg(off), 1, false, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return Reg(r - x86asm.AX), 2, false, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return Reg(r - x86asm.EAX), 4, false, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return Reg(r - x86asm.RAX), 8, false, true
	}
	return 0, 0, false, false
}
