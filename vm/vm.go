package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/vmx86/flow"
	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/log"
	"github.com/colorfulnotion/vmx86/trace"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	tracesCounter  = metrics.NewRegisteredCounter("vm/traces", nil)
	overflowsMeter = metrics.NewRegisteredMeter("vm/overflows", nil)
	faultsCounter  = metrics.NewRegisteredCounter("vm/faults", nil)
	runTimer       = metrics.NewRegisteredTimer("vm/run", nil)
)

// FaultExitCode is returned by Run alongside a non-nil error.
const FaultExitCode = -1

// Config controls the interpreter loop.
type Config struct {
	Flow flow.Config
	// Steps, when set, receives one record per trace exit.
	Steps *trace.Writer
	// MaxTraceExits stops Run with ErrExitLimit after that many trace exits.
	// Zero means no limit.
	MaxTraceExits uint64
}

func DefaultConfig() Config {
	return Config{Flow: flow.DefaultConfig()}
}

var ErrExitLimit = errors.New("trace exit limit reached")

// VM drives a CPU through traces. All traces share one block cache; the
// dispatch table maps a trace's entry address to the trace.
type VM struct {
	cpu   *isa.CPU
	cfg   Config
	cache *flow.Cache

	traces map[uint64]*flow.Trace
	exits  uint64
}

func New(cpu *isa.CPU, cfg Config) *VM {
	return &VM{
		cpu:    cpu,
		cfg:    cfg,
		cache:  flow.NewCache(isa.NewDecoder(cpu.Mem), cfg.Flow),
		traces: make(map[uint64]*flow.Trace),
	}
}

func (vm *VM) CPU() *isa.CPU { return vm.cpu }

func (vm *VM) Cache() *flow.Cache { return vm.cache }

// Traces returns the number of traces in the dispatch table.
func (vm *VM) Traces() int { return len(vm.traces) }

// Trace returns the trace entered at addr, if one was built.
func (vm *VM) Trace(addr uint64) (*flow.Trace, bool) {
	t, ok := vm.traces[addr]
	return t, ok
}

// Exits returns how many times a trace has returned control to the VM.
func (vm *VM) Exits() uint64 { return vm.exits }

// Flush drops every trace and cached block. Callers use it after guest code
// has been rewritten.
func (vm *VM) Flush() {
	vm.cache = flow.NewCache(isa.NewDecoder(vm.cpu.Mem), vm.cfg.Flow)
	vm.traces = make(map[uint64]*flow.Trace)
	log.Debug(log.VMModule, "flushed traces and block cache")
}

func (vm *VM) traceAt(pc uint64) *flow.Trace {
	t, ok := vm.traces[pc]
	if !ok {
		t = flow.NewTrace(vm.cache, vm.cfg.Flow)
		vm.traces[pc] = t
		tracesCounter.Inc(1)
	}
	return t
}

// Step executes the trace entered at the current RIP once.
func (vm *VM) Step() (pc uint64, reason flow.ExitReason, err error) {
	entry := vm.cpu.RIP
	t := vm.traceAt(entry)
	pc, reason, err = t.Execute(vm.cpu)
	vm.exits++

	switch reason {
	case flow.ExitOverflow:
		overflowsMeter.Mark(1)
	case flow.ExitFault:
		faultsCounter.Inc(1)
	}
	log.Trace(log.VMModule, "trace exit", "entry", fmt.Sprintf("0x%016x", entry), "pc", fmt.Sprintf("0x%016x", pc), "reason", reason, "blocks", t.Len())

	if vm.cfg.Steps != nil {
		step := trace.NewTraceStep(vm.exits, entry, pc, reason.String())
		step.Blocks = t.Len()
		step.SetPostState(vm.cpu)
		if pe, ok := vmerrors.IsProcessExit(err); ok {
			step.SetExitCode(pe.Code)
		} else if err != nil {
			step.SetFault(err)
		}
		if werr := vm.cfg.Steps.WriteStep(step); werr != nil {
			return pc, reason, errors.Join(err, fmt.Errorf("write trace step: %w", werr))
		}
	}
	return pc, reason, err
}

// Run executes traces until the guest exits, a fault occurs or ctx is done.
// Cancellation is observed between traces only.
func (vm *VM) Run(ctx context.Context) (int, error) {
	defer runTimer.UpdateSince(time.Now())
	for {
		select {
		case <-ctx.Done():
			return FaultExitCode, ctx.Err()
		default:
		}
		if vm.cfg.MaxTraceExits > 0 && vm.exits >= vm.cfg.MaxTraceExits {
			return FaultExitCode, fmt.Errorf("%w after %d exits at 0x%016x", ErrExitLimit, vm.exits, vm.cpu.RIP)
		}

		_, reason, err := vm.Step()
		switch reason {
		case flow.ExitOverflow, flow.ExitIndirect:
			if err != nil {
				return FaultExitCode, err
			}
		case flow.ExitTerminated:
			pe, ok := vmerrors.IsProcessExit(err)
			if !ok {
				return FaultExitCode, err
			}
			log.Info(log.VMModule, "process exited", "code", pe.Code, "retired", vm.cpu.Retired, "traces", len(vm.traces), "blocks", vm.cache.Len())
			return pe.Code, nil
		default:
			return FaultExitCode, err
		}
	}
}
