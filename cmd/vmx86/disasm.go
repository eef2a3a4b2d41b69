package main

import (
	"fmt"

	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/symbols"
	"github.com/spf13/cobra"
)

func newDisasmCmd() *cobra.Command {
	var (
		pf     programFlags
		at     string
		symbol string
		length int
	)
	cmd := &cobra.Command{
		Use:   "disasm <program>",
		Short: "Disassemble guest code linearly from the entry point, an address or a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProgram(cmd, args[0], nil, &pf)
			if err != nil {
				return err
			}
			addr := p.prog.Entry
			n := length
			switch {
			case symbol != "":
				sym, ok := findSymbol(p, symbol)
				if !ok {
					return fmt.Errorf("unknown symbol %q", symbol)
				}
				addr = sym.Address
				if sym.Size > 0 && !cmd.Flags().Changed("length") {
					n = int(sym.Size)
				}
			case at != "":
				if addr, err = parseAddress(at); err != nil {
					return err
				}
			}
			r, ok := p.mem.Region(addr)
			if !ok {
				return fmt.Errorf("0x%x is not mapped", addr)
			}
			if avail := r.End() - addr; uint64(n) > avail {
				n = int(avail)
			}
			code := r.Bytes()[addr-r.Base : addr-r.Base+uint64(n)]
			fmt.Fprint(cmd.OutOrStdout(), isa.Disassemble(code, addr))
			return nil
		},
	}
	pf.register(cmd)
	cmd.Flags().StringVar(&at, "addr", "", "Start address")
	cmd.Flags().StringVar(&symbol, "symbol", "", "Start at this symbol and cover its size")
	cmd.Flags().IntVarP(&length, "length", "n", 64, "Number of bytes to disassemble")
	return cmd
}

func findSymbol(p *program, name string) (*symbols.Symbol, bool) {
	for _, s := range p.prog.Symbols.Symbols() {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}
