package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/symbols"
	"github.com/colorfulnotion/vmx86/vm"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/dop251/goja"
	"github.com/spf13/cobra"
)

// console is a JavaScript debugger session over one guest.
type console struct {
	js      *goja.Runtime
	p       *program
	machine *vm.VM
	out     io.Writer
	exited  *int
}

func newConsole(p *program, machine *vm.VM, out io.Writer) *console {
	c := &console{js: goja.New(), p: p, machine: machine, out: out}
	c.js.Set("step", c.step)
	c.js.Set("run", c.run)
	c.js.Set("regs", func() map[string]uint64 {
		s := c.machine.CPU().Snapshot()
		s.GPR["rip"] = s.RIP
		s.GPR["rflags"] = s.RFLAGS
		return s.GPR
	})
	c.js.Set("reg", c.reg)
	c.js.Set("setreg", c.setReg)
	c.js.Set("mem", func(addr uint64, n int) (string, error) {
		b, err := c.p.mem.ReadBytes(addr, n)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(b), nil
	})
	c.js.Set("disasm", func(addr uint64, n int) (string, error) {
		r, ok := c.p.mem.Region(addr)
		if !ok {
			return "", fmt.Errorf("0x%x is not mapped", addr)
		}
		if avail := r.End() - addr; uint64(n) > avail {
			n = int(avail)
		}
		return isa.Disassemble(r.Bytes()[addr-r.Base:addr-r.Base+uint64(n)], addr), nil
	})
	c.js.Set("blocks", func() []map[string]interface{} {
		var out []map[string]interface{}
		for _, b := range c.machine.Cache().Blocks() {
			out = append(out, map[string]interface{}{
				"address":    b.Address(),
				"end":        b.End(),
				"executions": b.Executions(),
				"insns":      b.Len(),
			})
		}
		return out
	})
	c.js.Set("dump", func() {
		c.machine.Cache().Dump(c.out, c.p.prog.Symbols)
	})
	c.js.Set("layout", func() {
		c.p.mem.PrintLayout(c.out)
	})
	c.js.Set("sym", func(addr uint64) string {
		return symbols.Format(c.p.prog.Symbols, addr)
	})
	c.js.Set("print", func(args ...goja.Value) {
		parts := make([]string, len(args))
		for k, a := range args {
			parts[k] = fmt.Sprint(a.Export())
		}
		fmt.Fprintln(c.out, strings.Join(parts, " "))
	})
	return c
}

func (c *console) checkRunning() error {
	if c.exited != nil {
		return fmt.Errorf("process exited with code %d", *c.exited)
	}
	return nil
}

func (c *console) step() (map[string]interface{}, error) {
	if err := c.checkRunning(); err != nil {
		return nil, err
	}
	entry := c.machine.CPU().RIP
	pc, reason, err := c.machine.Step()
	res := map[string]interface{}{
		"entry":  entry,
		"pc":     pc,
		"reason": reason.String(),
	}
	if t, ok := c.machine.Trace(entry); ok {
		res["blocks"] = t.Len()
	}
	if err != nil {
		code, exited := exitCode(err)
		if !exited {
			return nil, err
		}
		c.exited = &code
		res["exitCode"] = code
	}
	return res, nil
}

func exitCode(err error) (int, bool) {
	pe, ok := vmerrors.IsProcessExit(err)
	if !ok {
		return 0, false
	}
	return pe.Code, true
}

func (c *console) run() (int, error) {
	if err := c.checkRunning(); err != nil {
		return 0, err
	}
	code, err := c.machine.Run(context.Background())
	if err != nil {
		return code, err
	}
	c.exited = &code
	return code, nil
}

func (c *console) reg(name string) (uint64, error) {
	cpu := c.machine.CPU()
	switch name {
	case "rip":
		return cpu.RIP, nil
	case "rflags":
		return cpu.RFLAGS, nil
	}
	for r := isa.RAX; r < isa.NumGPR; r++ {
		if r.String() == name {
			return cpu.GPR[r], nil
		}
	}
	return 0, fmt.Errorf("unknown register %q", name)
}

func (c *console) setReg(name string, v uint64) error {
	cpu := c.machine.CPU()
	if name == "rip" {
		cpu.RIP = v
		return nil
	}
	for r := isa.RAX; r < isa.NumGPR; r++ {
		if r.String() == name {
			cpu.GPR[r] = v
			return nil
		}
	}
	return fmt.Errorf("unknown register %q", name)
}

func (c *console) eval(line string) (goja.Value, error) {
	return c.js.RunString(line)
}

// repl reads lines until EOF or "exit".
func (c *console) repl(rl *readline.Instance) {
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" {
			return
		}
		v, err := c.eval(line)
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			continue
		}
		if v != nil && !goja.IsUndefined(v) {
			fmt.Fprintln(c.out, v)
		}
	}
}

func newConsoleCmd() *cobra.Command {
	var (
		pf     programFlags
		ff     flowFlags
		script string
	)
	cmd := &cobra.Command{
		Use:   "console <program> [args...]",
		Short: "Debug a program from a JavaScript console (step, run, regs, mem, disasm, blocks, dump)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProgram(cmd, args[0], args[1:], &pf)
			if err != nil {
				return err
			}
			cfg := vm.DefaultConfig()
			cfg.Flow = ff.config(cmd.ErrOrStderr(), p.prog)
			c := newConsole(p, p.newVM(cfg), cmd.OutOrStdout())

			if script != "" {
				src, err := os.ReadFile(script)
				if err != nil {
					return err
				}
				_, err = c.eval(string(src))
				return err
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "vmx86> ",
				HistoryFile: filepath.Join(os.TempDir(), "vmx86_console_history.txt"),
			})
			if err != nil {
				return err
			}
			defer rl.Close()
			fmt.Fprintf(c.out, "loaded %s, entry %s\n", p.path, symbols.Format(p.prog.Symbols, p.prog.Entry))
			c.repl(rl)
			return nil
		},
	}
	pf.register(cmd)
	ff.register(cmd)
	cmd.Flags().StringVar(&script, "script", "", "Run this JavaScript file instead of reading commands interactively")
	cmd.Flags().SetInterspersed(false)
	return cmd
}
