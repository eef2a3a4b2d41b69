// Package oracle checks the interpreter block by block against a reference
// CPU implementation.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/vmx86/flow"
	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/log"
	"github.com/colorfulnotion/vmx86/memory"
	"github.com/colorfulnotion/vmx86/vmerrors"
	"github.com/nsf/jsondiff"
)

// Reference is an independent x86-64 implementation the interpreter is
// compared with.
type Reference interface {
	// Sync copies every guest region into the reference's memory.
	Sync(mem *memory.Memory) error
	// Step loads state, runs count instructions and returns the new state.
	Step(state isa.State, count int) (isa.State, error)
	Close() error
}

// Mismatch reports a block after which the two implementations disagree.
type Mismatch struct {
	Block    uint64
	Expected isa.State
	Actual   isa.State
	Diff     string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("state mismatch after block 0x%016x:\n%s", m.Block, m.Diff)
}

// CompareStates returns nil when actual matches expected. With ignoreFlags
// RFLAGS is left out, since several instructions leave flags undefined.
func CompareStates(block uint64, expected, actual isa.State, ignoreFlags bool) *Mismatch {
	if ignoreFlags {
		expected.RFLAGS, actual.RFLAGS = 0, 0
	}
	a, err := json.Marshal(expected)
	if err != nil {
		return &Mismatch{Block: block, Expected: expected, Actual: actual, Diff: err.Error()}
	}
	b, err := json.Marshal(actual)
	if err != nil {
		return &Mismatch{Block: block, Expected: expected, Actual: actual, Diff: err.Error()}
	}
	opts := jsondiff.DefaultConsoleOptions()
	diff, text := jsondiff.Compare(a, b, &opts)
	if diff == jsondiff.FullMatch {
		return nil
	}
	return &Mismatch{Block: block, Expected: expected, Actual: actual, Diff: text}
}

// Report summarizes a checked run.
type Report struct {
	Blocks   int
	Checked  int
	Skipped  int
	ExitCode *int
	Mismatch *Mismatch
}

type Checker struct {
	ref         Reference
	cache       *flow.Cache
	IgnoreFlags bool
}

func NewChecker(ref Reference, cache *flow.Cache) *Checker {
	return &Checker{ref: ref, cache: cache}
}

func hasSyscall(b *flow.Block) bool {
	for _, insn := range b.Instructions() {
		if isa.IsSyscall(insn) {
			return true
		}
	}
	return false
}

// Run executes blocks from cpu.RIP and compares the register state after
// each one with the reference. Blocks that enter the syscall handler are run
// only locally, after which guest memory is copied to the reference again.
// Run stops at process exit, on the first mismatch or fault, or after
// maxBlocks blocks when maxBlocks is positive.
func (c *Checker) Run(ctx context.Context, cpu *isa.CPU, maxBlocks int) (*Report, error) {
	report := new(Report)
	if err := c.ref.Sync(cpu.Mem); err != nil {
		return report, fmt.Errorf("sync reference: %w", err)
	}
	for maxBlocks <= 0 || report.Blocks < maxBlocks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		b, err := c.cache.Resolve(cpu.RIP)
		if err != nil {
			return report, err
		}
		before := cpu.Snapshot()
		_, err = b.Execute(cpu)
		report.Blocks++
		if pe, ok := vmerrors.IsProcessExit(err); ok {
			code := pe.Code
			report.ExitCode = &code
			return report, nil
		}
		if err != nil {
			return report, err
		}

		if hasSyscall(b) {
			report.Skipped++
			if err := c.ref.Sync(cpu.Mem); err != nil {
				return report, fmt.Errorf("sync reference: %w", err)
			}
			continue
		}
		want, err := c.ref.Step(before, b.Len())
		if err != nil {
			return report, fmt.Errorf("reference at 0x%016x: %w", b.Address(), err)
		}
		if m := CompareStates(b.Address(), want, cpu.Snapshot(), c.IgnoreFlags); m != nil {
			log.Warn(log.OracleModule, "oracle mismatch", "block", fmt.Sprintf("0x%016x", b.Address()))
			report.Mismatch = m
			return report, m
		}
		report.Checked++
	}
	return report, nil
}
