package main

import (
	"fmt"

	"github.com/colorfulnotion/vmx86/common"
	"github.com/colorfulnotion/vmx86/flow"
	"github.com/colorfulnotion/vmx86/log"
	"github.com/colorfulnotion/vmx86/memory"
	"github.com/colorfulnotion/vmx86/vm"
	"github.com/spf13/cobra"
)

// discoverFlags decide how the block cache is populated before it is shown.
type discoverFlags struct {
	static bool
}

func (f *discoverFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.static, "static", false, "Decode from the entry point and executable symbols without running the program")
}

// discover fills a block cache for p, either by running it or by decoding
// from every known code address.
func discover(cmd *cobra.Command, p *program, ff *flowFlags, df *discoverFlags) (*flow.Cache, error) {
	cfg := vm.DefaultConfig()
	cfg.Flow = ff.config(cmd.ErrOrStderr(), p.prog)
	machine := p.newVM(cfg)
	cache := machine.Cache()

	if !df.static {
		code, err := machine.Run(cmd.Context())
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", common.Colorize(common.ColorYellow, "warning:"), err)
		} else {
			log.Info(log.VMModule, "program exited", "code", code)
		}
		return cache, nil
	}

	if _, err := cache.Resolve(p.prog.Entry); err != nil {
		return nil, err
	}
	for _, sym := range p.prog.Symbols.Symbols() {
		r, ok := p.mem.Region(sym.Address)
		if !ok || r.Perm&memory.PermExec == 0 {
			continue
		}
		if _, err := cache.Resolve(sym.Address); err != nil {
			log.Debug(log.FlowModule, "symbol does not decode", "symbol", sym.Name, "err", err)
		}
	}
	return cache, nil
}

func newDumpCmd() *cobra.Command {
	var (
		pf   programFlags
		ff   flowFlags
		df   discoverFlags
		tree bool
		db   string
	)
	cmd := &cobra.Command{
		Use:   "dump <program> [args...]",
		Short: "Print every decoded block grouped by symbol",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProgram(cmd, args[0], args[1:], &pf)
			if err != nil {
				return err
			}
			cache, err := discover(cmd, p, &ff, &df)
			if err != nil {
				return err
			}
			if tree {
				fmt.Fprint(cmd.OutOrStdout(), cache.Tree(p.prog.Symbols).String())
			} else {
				cache.Dump(cmd.OutOrStdout(), p.prog.Symbols)
			}
			if db == "" {
				return nil
			}
			return saveCache(db, p.path, cache)
		},
	}
	pf.register(cmd)
	ff.register(cmd)
	df.register(cmd)
	cmd.Flags().BoolVar(&tree, "tree", false, "Print a symbol/block/successor tree instead of the flat dump")
	cmd.Flags().StringVar(&db, "save-db", "", "Also save the blocks to a LevelDB directory")
	cmd.Flags().SetInterspersed(false)
	return cmd
}
