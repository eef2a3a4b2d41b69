// vmx86 runs static x86-64 Linux programs on the trace interpreter and
// inspects the control-flow graph it discovers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/colorfulnotion/vmx86/common"
	"github.com/colorfulnotion/vmx86/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// extraCommands is filled by build-tagged files.
var extraCommands []func() *cobra.Command

// exitStatus carries the guest's exit code out of a command.
type exitStatus struct {
	code int
}

func (e *exitStatus) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCmd() *cobra.Command {
	var (
		logLevel string
		debug    string
	)
	rootCmd := &cobra.Command{
		Use:           "vmx86",
		Short:         "x86-64 user-mode interpreter with a block cache and trace dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := log.ParseLevel(logLevel); err != nil {
				return err
			}
			log.InitLogger(logLevel)
			log.EnableModules(debug)
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "Comma separated modules to log at debug level (flow,isa,vm,posix,loader,storage,oracle or all)")

	rootCmd.AddCommand(
		newRunCmd(),
		newDisasmCmd(),
		newDumpCmd(),
		newInspectCmd(),
		newGraphCmd(),
		newConsoleCmd(),
		newTraceDiffCmd(),
		newVersionCmd(),
	)
	for _, extra := range extraCommands {
		rootCmd.AddCommand(extra())
	}
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vmx86 %s (commit %s, built %s)\n", Version, common.GetCommitHash(), BuildTime)
		},
	}
}

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var status *exitStatus
	if errors.As(err, &status) {
		os.Exit(status.code)
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", common.Colorize(common.ColorRed, "Error:"), err)
	os.Exit(1)
}
