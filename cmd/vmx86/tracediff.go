package main

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/vmx86/trace"
	"github.com/spf13/cobra"
)

var errTracesDiffer = errors.New("traces differ")

func newTraceDiffCmd() *cobra.Command {
	var color bool
	cmd := &cobra.Command{
		Use:   "tracediff <expected.jsonl> <actual.jsonl>",
		Short: "Compare two step files written by run --steps",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, err := trace.ReadFile(args[0])
			if err != nil {
				return err
			}
			actual, err := trace.ReadFile(args[1])
			if err != nil {
				return err
			}
			d, err := trace.Compare(expected, actual, color)
			if err != nil {
				return err
			}
			if d == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "traces match (%d steps)\n", len(expected))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.String())
			return errTracesDiffer
		},
	}
	cmd.Flags().BoolVar(&color, "color", false, "Colorize the diff")
	return cmd
}
