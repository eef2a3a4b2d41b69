package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/colorfulnotion/vmx86/flow"
	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/loader"
	"github.com/colorfulnotion/vmx86/memory"
	"github.com/colorfulnotion/vmx86/posix"
	"github.com/colorfulnotion/vmx86/vm"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// programFlags select and prepare the guest program.
type programFlags struct {
	raw    bool
	base   string
	env    []string
	strace bool
}

func (f *programFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.raw, "raw", false, "Treat the program as a flat code image instead of an ELF file")
	cmd.Flags().StringVar(&f.base, "base", "0x400000", "Load address for --raw images")
	cmd.Flags().StringArrayVar(&f.env, "env", nil, "Guest environment entry KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&f.strace, "strace", false, "Log every syscall")
}

// flowFlags map onto flow.Config.
type flowFlags struct {
	maxBlocks      int
	maxInsns       int
	exitOnIndirect bool
	verbosity      int
	printSymbols   bool
	printState     bool
	printOnce      bool
}

func (f *flowFlags) register(cmd *cobra.Command) {
	def := flow.DefaultConfig()
	cmd.Flags().IntVar(&f.maxBlocks, "max-blocks", def.MaxBlockCount, "Maximum distinct blocks per trace (0 = unbounded)")
	cmd.Flags().IntVar(&f.maxInsns, "max-insns", def.MaxBlockInstructions, "Maximum instructions per block (0 = unbounded)")
	cmd.Flags().BoolVar(&f.exitOnIndirect, "exit-on-indirect", false, "Leave the trace on every transfer that is not a linked successor")
	cmd.Flags().CountVarP(&f.verbosity, "verbose", "v", "Print executed blocks (-v) and instructions (-vv)")
	cmd.Flags().BoolVar(&f.printSymbols, "print-symbols", false, "Print addresses as symbol+offset")
	cmd.Flags().BoolVar(&f.printState, "print-state", false, "Print the register file before every instruction")
	cmd.Flags().BoolVar(&f.printOnce, "print-once", false, "Print each block's instructions on its first execution only")
}

func (f *flowFlags) config(out io.Writer, prog *loader.Program) flow.Config {
	cfg := flow.DefaultConfig()
	cfg.MaxBlockCount = f.maxBlocks
	cfg.MaxBlockInstructions = f.maxInsns
	cfg.ExitOnIndirect = f.exitOnIndirect
	cfg.Verbosity = f.verbosity
	cfg.PrintSymbols = f.printSymbols
	cfg.PrintState = f.printState
	cfg.PrintOnce = f.printOnce
	cfg.Output = out
	cfg.Symbols = prog.Symbols
	return cfg
}

// program is a loaded guest ready to run.
type program struct {
	path string
	prog *loader.Program
	mem  *memory.Memory
	cpu  *isa.CPU
}

func parseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return v, nil
}

// loadProgram loads path with args as the guest's argv[1:] and wires the
// posix layer to the command's streams.
func loadProgram(cmd *cobra.Command, path string, args []string, f *programFlags) (*program, error) {
	mem := memory.New()
	argv := append([]string{path}, args...)
	var (
		prog *loader.Program
		err  error
	)
	if f.raw {
		base, perr := parseAddress(f.base)
		if perr != nil {
			return nil, perr
		}
		code, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, rerr
		}
		prog, err = loader.LoadRaw(code, base, mem, argv, f.env)
	} else {
		prog, err = loader.LoadELF(path, mem, argv, f.env)
	}
	if err != nil {
		return nil, err
	}

	pcfg := posix.DefaultConfig()
	pcfg.Stdin = cmd.InOrStdin()
	pcfg.Stdout = cmd.OutOrStdout()
	pcfg.Stderr = cmd.ErrOrStderr()
	pcfg.Exe = path
	pcfg.Strace = f.strace

	cpu := isa.NewCPU(mem)
	cpu.RIP = prog.Entry
	cpu.GPR[isa.RSP] = prog.StackPointer
	cpu.Syscalls = posix.NewHandler(pcfg)
	return &program{path: path, prog: prog, mem: mem, cpu: cpu}, nil
}

func (p *program) newVM(cfg vm.Config) *vm.VM {
	return vm.New(p.cpu, cfg)
}

// newTracerProvider exports decode spans to an OTLP HTTP collector.
func newTracerProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res := resource.NewSchemaless(attribute.String("service.name", "vmx86"))
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}
