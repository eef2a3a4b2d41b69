package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/vmx86/flow"
	"github.com/spf13/cobra"
)

func newGraphCmd() *cobra.Command {
	var (
		pf     programFlags
		ff     flowFlags
		df     discoverFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "graph <program> [args...]",
		Short: "Render the discovered control-flow graph as an HTML page",
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
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := flow.RenderGraph(f, cache.Blocks(), p.prog.Symbols); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d blocks to %s\n", cache.Len(), output)
			return nil
		},
	}
	pf.register(cmd)
	ff.register(cmd)
	df.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "cfg.html", "Output HTML file")
	cmd.Flags().SetInterspersed(false)
	return cmd
}
