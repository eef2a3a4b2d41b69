//go:build unicorn
// +build unicorn

package oracle

import (
	"fmt"

	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/memory"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// unicornRegs follows isa register numbering.
var unicornRegs = [isa.NumGPR]int{
	uc.X86_REG_RAX, uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_RBX,
	uc.X86_REG_RSP, uc.X86_REG_RBP, uc.X86_REG_RSI, uc.X86_REG_RDI,
	uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
	uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
}

// Unicorn runs blocks on the Unicorn CPU emulator.
type Unicorn struct {
	mu     uc.Unicorn
	mapped map[uint64]bool // page base -> mapped
}

func NewUnicorn() (*Unicorn, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	return &Unicorn{mu: mu, mapped: make(map[uint64]bool)}, nil
}

func (u *Unicorn) mapRange(start, end uint64) error {
	for page := start; page < end; {
		if u.mapped[page] {
			page += memory.PageSize
			continue
		}
		run := page
		for run < end && !u.mapped[run] {
			u.mapped[run] = true
			run += memory.PageSize
		}
		if err := u.mu.MemMapProt(page, run-page, uc.PROT_ALL); err != nil {
			return fmt.Errorf("map [0x%x, 0x%x): %w", page, run, err)
		}
		page = run
	}
	return nil
}

func (u *Unicorn) Sync(mem *memory.Memory) error {
	for _, r := range mem.Regions() {
		start := r.Base &^ (memory.PageSize - 1)
		if err := u.mapRange(start, memory.RoundToPageSize(r.End())); err != nil {
			return fmt.Errorf("%s: %w", r.Name, err)
		}
		if err := u.mu.MemWrite(r.Base, r.Bytes()); err != nil {
			return fmt.Errorf("%s: write: %w", r.Name, err)
		}
	}
	return nil
}

func (u *Unicorn) Step(state isa.State, count int) (isa.State, error) {
	for k, reg := range unicornRegs {
		if err := u.mu.RegWrite(reg, state.GPR[isa.Reg(k).String()]); err != nil {
			return isa.State{}, err
		}
	}
	if err := u.mu.RegWrite(uc.X86_REG_EFLAGS, state.RFLAGS); err != nil {
		return isa.State{}, err
	}
	if err := u.mu.RegWrite(uc.X86_REG_FS_BASE, state.FSBase); err != nil {
		return isa.State{}, err
	}
	if err := u.mu.StartWithOptions(state.RIP, 0, &uc.UcOptions{Count: uint64(count)}); err != nil {
		return isa.State{}, err
	}

	out := isa.State{GPR: make(map[string]uint64, isa.NumGPR)}
	for k, reg := range unicornRegs {
		v, err := u.mu.RegRead(reg)
		if err != nil {
			return isa.State{}, err
		}
		out.GPR[isa.Reg(k).String()] = v
	}
	var err error
	if out.RIP, err = u.mu.RegRead(uc.X86_REG_RIP); err != nil {
		return isa.State{}, err
	}
	if out.RFLAGS, err = u.mu.RegRead(uc.X86_REG_EFLAGS); err != nil {
		return isa.State{}, err
	}
	out.RFLAGS &= isa.StateFlags
	if out.FSBase, err = u.mu.RegRead(uc.X86_REG_FS_BASE); err != nil {
		return isa.State{}, err
	}
	return out, nil
}

func (u *Unicorn) Close() error {
	return u.mu.Close()
}
