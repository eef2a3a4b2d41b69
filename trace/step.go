package trace

import "github.com/colorfulnotion/vmx86/isa"

// TraceStep records one trace exit: where the trace was entered, where it
// stopped and the register state at that point.
type TraceStep struct {
	Seq     uint64 `json:"seq"`
	Entry   uint64 `json:"entry"`
	PC      uint64 `json:"pc"`
	Reason  string `json:"reason"`
	Blocks  int    `json:"blocks"`
	Retired uint64 `json:"retired"`

	PostState *isa.State `json:"postState,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Fault     *string    `json:"fault,omitempty"`
}

func NewTraceStep(seq, entry, pc uint64, reason string) *TraceStep {
	return &TraceStep{Seq: seq, Entry: entry, PC: pc, Reason: reason}
}

func (ts *TraceStep) SetPostState(cpu *isa.CPU) {
	s := cpu.Snapshot()
	ts.PostState = &s
	ts.Retired = cpu.Retired
}

func (ts *TraceStep) SetExitCode(code int) {
	ts.ExitCode = &code
}

func (ts *TraceStep) SetFault(err error) {
	msg := err.Error()
	ts.Fault = &msg
}
