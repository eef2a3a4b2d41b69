package isa

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/vmx86/memory"
)

// SyscallHandler services the syscall instruction. Returning a
// *vmerrors.ProcessExit terminates the emulated process.
type SyscallHandler interface {
	Syscall(cpu *CPU) error
}

// CPU is the architectural state of one emulated x86-64 hardware thread.
type CPU struct {
	GPR    [NumGPR]uint64
	RIP    uint64
	RFLAGS uint64
	FSBase uint64
	GSBase uint64

	Mem      *memory.Memory
	Syscalls SyscallHandler

	// Retired counts executed instructions.
	Retired uint64
}

func NewCPU(mem *memory.Memory) *CPU {
	return &CPU{Mem: mem, RFLAGS: flagsFixed}
}

func (c *CPU) Flag(f uint64) bool { return c.RFLAGS&f != 0 }

func (c *CPU) SetFlag(f uint64, on bool) {
	if on {
		c.RFLAGS |= f
	} else {
		c.RFLAGS &^= f
	}
}

func (c *CPU) Push(v uint64) error {
	sp := c.GPR[RSP] - 8
	if err := c.Mem.Write64(sp, v); err != nil {
		return err
	}
	c.GPR[RSP] = sp
	return nil
}

func (c *CPU) Pop() (uint64, error) {
	v, err := c.Mem.Read64(c.GPR[RSP])
	if err != nil {
		return 0, err
	}
	c.GPR[RSP] += 8
	return v, nil
}

// State is a serializable snapshot of the register file.
type State struct {
	RIP    uint64            `json:"rip"`
	RFLAGS uint64            `json:"rflags"`
	GPR    map[string]uint64 `json:"gpr"`
	FSBase uint64            `json:"fs_base,omitempty"`
}

func (c *CPU) Snapshot() State {
	s := State{RIP: c.RIP, RFLAGS: c.RFLAGS & StateFlags, FSBase: c.FSBase, GPR: make(map[string]uint64, NumGPR)}
	for r := RAX; r < NumGPR; r++ {
		s.GPR[r.String()] = c.GPR[r]
	}
	return s
}

func (c *CPU) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "rip=%016x rflags=%08x [%s]\n", c.RIP, c.RFLAGS, c.flagString())
	for r := RAX; r < NumGPR; r++ {
		fmt.Fprintf(&sb, "%-3s=%016x", r, c.GPR[r])
		if r%4 == 3 {
			sb.WriteByte('\n')
		} else {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

func (c *CPU) flagString() string {
	names := []struct {
		f uint64
		n string
	}{{FlagCF, "CF"}, {FlagPF, "PF"}, {FlagZF, "ZF"}, {FlagSF, "SF"}, {FlagDF, "DF"}, {FlagOF, "OF"}}
	var set []string
	for _, fl := range names {
		if c.Flag(fl.f) {
			set = append(set, fl.n)
		}
	}
	return strings.Join(set, " ")
}
