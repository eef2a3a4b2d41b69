package main

import (
	"fmt"
	"io"

	"github.com/colorfulnotion/vmx86/common"
	"github.com/colorfulnotion/vmx86/storage"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <db> [address]",
		Short: "List blocks saved with --save-db, or show the block covering an address",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := storage.NewDumpStore(args[0])
			if err != nil {
				return err
			}
			defer ds.Close()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				if prog, ok, err := ds.Meta("program"); err != nil {
					return err
				} else if ok {
					fmt.Fprintf(out, "program: %s\n", prog)
				}
				n := 0
				err := ds.Iterate(func(rec *storage.BlockRecord) error {
					n++
					fmt.Fprintf(out, "%s-%s insns=%-4d executions=%-8d successors=%d\n",
						common.FormatAddress(rec.Address), common.FormatAddress(rec.End),
						len(rec.Instructions), rec.Executions, len(rec.Successors))
					return nil
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d blocks\n", n)
				return nil
			}

			addr, err := parseAddress(args[1])
			if err != nil {
				return err
			}
			rec, ok, err := ds.Containing(addr)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no saved block covers %s", common.FormatAddress(addr))
			}
			printRecord(out, rec, addr)
			return nil
		},
	}
}

func printRecord(out io.Writer, rec *storage.BlockRecord, mark uint64) {
	fmt.Fprintf(out, "block %s-%s hash=%s executions=%d\n",
		common.FormatAddress(rec.Address), common.FormatAddress(rec.End), rec.Hash, rec.Executions)
	for _, insn := range rec.Instructions {
		prefix := "  "
		if insn.PC == mark {
			prefix = common.Colorize(common.ColorGreen, "=>")
		}
		fmt.Fprintf(out, "%s %s: %-30s %s\n", prefix, common.FormatAddress(insn.PC), insn.Code, insn.Text)
	}
	for _, s := range rec.Successors {
		fmt.Fprintf(out, "  -> %s\n", common.FormatAddress(s))
	}
}
