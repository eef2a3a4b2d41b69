package flow

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/log"
	"github.com/colorfulnotion/vmx86/symbols"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	fastPathMeter = metrics.NewRegisteredMeter("flow/trace/fast", nil)
	slowPathMeter = metrics.NewRegisteredMeter("flow/trace/slow", nil)
	overflowMeter = metrics.NewRegisteredMeter("flow/trace/overflow", nil)
)

// ExitReason tells the caller why Execute returned.
type ExitReason int

const (
	// ExitOverflow: the next block would exceed the trace's block bound. The
	// returned PC is where execution should resume.
	ExitOverflow ExitReason = iota
	// ExitTerminated: the guest asked the process to exit.
	ExitTerminated
	// ExitFault: execution stopped on an error, returned as a *Fault.
	ExitFault
	// ExitIndirect: the next block is not a linked successor and the trace was
	// configured to hand such transfers back to the caller.
	ExitIndirect
)

func (r ExitReason) String() string {
	switch r {
	case ExitOverflow:
		return "overflow"
	case ExitTerminated:
		return "terminated"
	case ExitFault:
		return "fault"
	case ExitIndirect:
		return "indirect"
	}
	return fmt.Sprintf("exit(%d)", int(r))
}

// Fault is an execution failure annotated with where it happened.
type Fault struct {
	PC          uint64
	Block       uint64
	Instruction string
	Region      string
	RegionBase  uint64
	Symbol      string
	Err         error
}

func (f *Fault) Error() string {
	var sb bytes.Buffer
	fmt.Fprintf(&sb, "fault at 0x%016x", f.PC)
	if f.Symbol != "" {
		fmt.Fprintf(&sb, " (%s)", f.Symbol)
	}
	if f.Instruction != "" {
		fmt.Fprintf(&sb, " [%s]", f.Instruction)
	}
	if f.Region != "" {
		fmt.Fprintf(&sb, " in %s+0x%x", f.Region, f.PC-f.RegionBase)
	}
	fmt.Fprintf(&sb, ": %v", f.Err)
	return sb.String()
}

func (f *Fault) Unwrap() error { return f.Err }

// Trace executes a chain of blocks starting at one fixed entry address. It
// follows linked successors without consulting the cache and only falls back
// to Cache.Resolve when a transfer has no link. Each trace admits at most
// Config.MaxBlockCount distinct blocks.
type Trace struct {
	cache *Cache
	cfg   Config

	entry   uint64
	started bool

	table  []*Block
	byAddr map[uint64]int
	index  map[*Block]int
}

func NewTrace(cache *Cache, cfg Config) *Trace {
	size := cfg.InitialTableSize
	if size < 1 {
		size = 1
	}
	return &Trace{
		cache:  cache,
		cfg:    cfg,
		table:  make([]*Block, 0, size),
		byAddr: make(map[uint64]int, size),
		index:  make(map[*Block]int, size),
	}
}

// Entry returns the trace's entry address once it has executed.
func (t *Trace) Entry() (uint64, bool) { return t.entry, t.started }

func (t *Trace) Len() int { return len(t.table) }

// Blocks returns the admitted blocks in admission order.
func (t *Trace) Blocks() []*Block {
	out := make([]*Block, len(t.table))
	copy(out, t.table)
	return out
}

// Index returns the admission slot of b.
func (t *Trace) Index(b *Block) (int, bool) {
	k, ok := t.index[b]
	return k, ok
}

func (t *Trace) holds(b *Block) bool {
	_, ok := t.index[b]
	return ok
}

func (t *Trace) full() bool {
	return t.cfg.MaxBlockCount > 0 && len(t.table) >= t.cfg.MaxBlockCount
}

func (t *Trace) admit(b *Block) {
	if len(t.table) == cap(t.table) {
		grown := make([]*Block, len(t.table), cap(t.table)+cap(t.table)/2+1)
		copy(grown, t.table)
		t.table = grown
	}
	t.index[b] = len(t.table)
	t.byAddr[b.Address()] = len(t.table)
	t.table = append(t.table, b)
}

// admitted returns the block this trace already holds for pc.
func (t *Trace) admitted(pc uint64) *Block {
	if k, ok := t.byAddr[pc]; ok && t.table[k].Address() == pc {
		return t.table[k]
	}
	return nil
}

// Execute runs the trace from cpu.RIP, which must equal the entry address of
// the first call. It returns the program counter at which execution stopped
// and why. cpu.RIP is left equal to the returned PC.
func (t *Trace) Execute(cpu *isa.CPU) (pc uint64, reason ExitReason, err error) {
	pc = cpu.RIP
	if !t.started {
		t.entry, t.started = pc, true
	}
	if pc != t.entry {
		panic(&vmerrors.EntryMismatchError{Entry: t.entry, PC: pc})
	}
	defer func() { cpu.RIP = pc }()

	block := t.admitted(pc)
	if block == nil {
		if block, err = t.cache.Resolve(pc); err != nil {
			return pc, ExitFault, t.fault(cpu, pc, err)
		}
		t.admit(block)
	}

	for {
		if t.cfg.Verbosity > 0 && t.cfg.Output != nil {
			fmt.Fprintf(t.cfg.Output, "==> executing %s\n", t.where(block.Address()))
		}
		next, xerr := block.execute(cpu, t.stepper(cpu, block))
		if xerr != nil {
			pc = next
			if _, ok := vmerrors.IsProcessExit(xerr); ok {
				return pc, ExitTerminated, xerr
			}
			return pc, ExitFault, t.fault(cpu, pc, xerr)
		}
		pc = next

		succ := block.Successor(pc)
		if succ != nil {
			fastPathMeter.Mark(1)
		} else {
			if t.cfg.ExitOnIndirect {
				return pc, ExitIndirect, nil
			}
			slowPathMeter.Mark(1)
			succ = t.admitted(pc)
		}
		if succ == nil || !t.holds(succ) {
			if t.full() {
				overflowMeter.Mark(1)
				log.Trace(log.FlowModule, "trace overflow", "entry", fmt.Sprintf("0x%016x", t.entry), "pc", fmt.Sprintf("0x%016x", pc))
				return pc, ExitOverflow, nil
			}
			if succ == nil {
				if succ, err = t.cache.Resolve(pc); err != nil {
					return pc, ExitFault, t.fault(cpu, pc, err)
				}
			}
			if !t.holds(succ) {
				t.admit(succ)
			}
		}
		block = succ
	}
}

func (t *Trace) where(addr uint64) string {
	if t.cfg.PrintSymbols {
		return symbols.Format(t.cfg.Symbols, addr)
	}
	return fmt.Sprintf("0x%016x", addr)
}

// stepper returns the per-instruction hook for diagnostic output, or nil.
func (t *Trace) stepper(cpu *isa.CPU, b *Block) func(isa.Instruction) {
	if t.cfg.Output == nil || (t.cfg.Verbosity < 2 && !t.cfg.PrintState) {
		return nil
	}
	if t.cfg.PrintOnce && b.Executions() > 0 {
		return nil
	}
	w := t.cfg.Output
	return func(insn isa.Instruction) {
		if t.cfg.PrintState {
			fmt.Fprint(w, cpu.String())
		}
		fmt.Fprintf(w, "%s: %s\n", t.where(insn.PC()), insn)
	}
}

// fault wraps err with location details. Enrichment problems are logged and
// never replace err.
func (t *Trace) fault(cpu *isa.CPU, pc uint64, err error) (f *Fault) {
	f = &Fault{PC: pc, Err: err}
	var cf *vmerrors.CPUFault
	if errors.As(err, &cf) {
		f.Block, f.Err = cf.Block, cf.Err
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn(log.FlowModule, "fault enrichment failed", "pc", fmt.Sprintf("0x%016x", pc), "panic", r)
		}
		log.Error(log.FlowModule, "execution fault", "pc", fmt.Sprintf("0x%016x", pc), "symbol", f.Symbol, "insn", f.Instruction, "err", f.Err)
	}()
	if s, ok := lookupSymbol(t.cfg.Symbols, pc); ok {
		f.Symbol = s
	}
	if b := t.cache.Floor(pc); b != nil && b.covers(pc) {
		f.Block = b.Address()
		if insn := b.Instruction(pc); insn != nil {
			f.Instruction = insn.String()
		}
	}
	if cpu.Mem != nil {
		if r, ok := cpu.Mem.Region(pc); ok {
			f.Region, f.RegionBase = r.Name, r.Base
		}
		if errors.Is(f.Err, vmerrors.ErrSegfault) {
			var layout bytes.Buffer
			cpu.Mem.PrintLayout(&layout)
			log.Debug(log.FlowModule, "segmentation fault", "pc", fmt.Sprintf("0x%016x", pc), "layout", layout.String())
		}
	}
	return f
}

func lookupSymbol(r symbols.Resolver, addr uint64) (string, bool) {
	if r == nil {
		return "", false
	}
	if _, ok := r.Lookup(addr); !ok {
		return "", false
	}
	return symbols.Format(r, addr), true
}

// GPRReads returns the registers the trace reads before writing them. Blocks
// after the first are analysed against the first block's writes only, since
// their order on any given run is unknown.
func (t *Trace) GPRReads() isa.RegSet {
	if len(t.table) == 0 {
		return 0
	}
	first := t.table[0]
	reads, written := first.GPRReads(0)
	all := reads
	for _, b := range t.table[1:] {
		r, _ := b.GPRReads(written)
		all = all.Union(r)
	}
	return all
}

// GPRWrites returns the union of every admitted block's writes.
func (t *Trace) GPRWrites() isa.RegSet {
	var w isa.RegSet
	for _, b := range t.table {
		w = w.Union(b.GPRWrites())
	}
	return w
}
