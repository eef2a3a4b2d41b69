//go:build unicorn
// +build unicorn

package main

import (
	"fmt"

	"github.com/colorfulnotion/vmx86/flow"
	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/oracle"
	"github.com/spf13/cobra"
)

func init() {
	extraCommands = append(extraCommands, newCheckCmd)
}

func newCheckCmd() *cobra.Command {
	var (
		pf          programFlags
		ff          flowFlags
		maxBlocks   int
		ignoreFlags bool
	)
	cmd := &cobra.Command{
		Use:   "check <program> [args...]",
		Short: "Run a program block by block and compare every block with Unicorn",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProgram(cmd, args[0], args[1:], &pf)
			if err != nil {
				return err
			}
			ref, err := oracle.NewUnicorn()
			if err != nil {
				return err
			}
			defer ref.Close()

			cache := flow.NewCache(isa.NewDecoder(p.mem), ff.config(cmd.ErrOrStderr(), p.prog))
			checker := oracle.NewChecker(ref, cache)
			checker.IgnoreFlags = ignoreFlags
			report, err := checker.Run(cmd.Context(), p.cpu, maxBlocks)
			fmt.Fprintf(cmd.OutOrStdout(), "blocks=%d checked=%d skipped=%d\n", report.Blocks, report.Checked, report.Skipped)
			if err != nil {
				return err
			}
			if report.ExitCode != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "exit code %d\n", *report.ExitCode)
			}
			return nil
		},
	}
	pf.register(cmd)
	ff.register(cmd)
	cmd.Flags().IntVar(&maxBlocks, "max-blocks-run", 0, "Stop after this many blocks (0 = until exit)")
	cmd.Flags().BoolVar(&ignoreFlags, "ignore-flags", false, "Leave RFLAGS out of the comparison")
	cmd.Flags().SetInterspersed(false)
	return cmd
}
