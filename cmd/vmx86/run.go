package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colorfulnotion/vmx86/flow"
	"github.com/colorfulnotion/vmx86/log"
	"github.com/colorfulnotion/vmx86/storage"
	"github.com/colorfulnotion/vmx86/trace"
	"github.com/colorfulnotion/vmx86/vm"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		pf           programFlags
		ff           flowFlags
		stepsPath    string
		otlpEndpoint string
		timeout      time.Duration
		maxExits     uint64
		saveDB       string
		stats        bool
	)
	cmd := &cobra.Command{
		Use:   "run <program> [args...]",
		Short: "Run a program and exit with its exit code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			p, err := loadProgram(cmd, args[0], args[1:], &pf)
			if err != nil {
				return err
			}
			cfg := vm.DefaultConfig()
			cfg.Flow = ff.config(cmd.ErrOrStderr(), p.prog)
			cfg.MaxTraceExits = maxExits

			if otlpEndpoint != "" {
				tp, err := newTracerProvider(ctx, otlpEndpoint)
				if err != nil {
					return err
				}
				defer tp.Shutdown(context.Background())
				cfg.Flow.TracerProvider = tp
			}
			if stepsPath != "" {
				w, err := trace.NewFileWriter(stepsPath)
				if err != nil {
					return err
				}
				defer func() {
					if err := w.Close(); err != nil {
						log.Error(log.VMModule, "close trace steps", "path", stepsPath, "err", err)
					}
				}()
				cfg.Steps = w
			}

			machine := p.newVM(cfg)
			start := time.Now()
			code, runErr := machine.Run(ctx)
			elapsed := time.Since(start)

			if stats {
				s := machine.Cache().Stats()
				fmt.Fprintf(cmd.ErrOrStderr(), "retired=%d traces=%d exits=%d blocks=%d splits=%d elapsed=%s\n",
					p.cpu.Retired, machine.Traces(), machine.Exits(), s.Blocks, s.Splits, elapsed)
			}
			if saveDB != "" {
				if err := saveCache(saveDB, p.path, machine.Cache()); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if code != 0 {
				return &exitStatus{code: code}
			}
			return nil
		},
	}
	pf.register(cmd)
	ff.register(cmd)
	cmd.Flags().StringVar(&stepsPath, "steps", "", "Write one JSON line per trace exit to this file")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "Export decode spans to this OTLP HTTP endpoint (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop the guest after this long")
	cmd.Flags().Uint64Var(&maxExits, "max-exits", 0, "Stop the guest after this many trace exits (0 = no limit)")
	cmd.Flags().StringVar(&saveDB, "save-db", "", "Save the decoded blocks to a LevelDB directory")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print execution statistics to stderr")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func saveCache(path, program string, cache *flow.Cache) error {
	ds, err := storage.NewDumpStore(path)
	if err != nil {
		return err
	}
	defer ds.Close()
	if _, err := ds.Save(cache); err != nil {
		return err
	}
	return ds.PutMeta("program", program)
}
