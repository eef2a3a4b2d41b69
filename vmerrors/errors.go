package vmerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Decode (D) Errors
var (
	ErrDecode         = errors.New("D1|DecodeDefect: Malformed instruction bytes.")
	ErrBlockContract  = errors.New("D2|BlockContract: Block instructions are empty or not address-contiguous.")
	ErrSplitContract  = errors.New("D3|SplitContract: Split requested outside the block or off an instruction boundary.")
	ErrEntryMismatch  = errors.New("D4|EntryMismatch: Trace executed with a program counter other than its entry address.")
	ErrBlockNotFound  = errors.New("D5|BlockNotFound: No block starts at the requested address.")
	ErrUnmappedCode   = errors.New("D6|UnmappedCode: Instruction fetch from memory that is not executable.")
	ErrEmptyCodeRange = errors.New("D7|EmptyCodeRange: No instruction bytes available at the requested address.")
)

// Runtime (R) Errors
var (
	ErrSegfault      = errors.New("R1|SegmentationViolation: Access to unmapped or protected memory.")
	ErrDivideByZero  = errors.New("R2|DivideError: Division by zero or quotient overflow.")
	ErrUnsupported   = errors.New("R3|Unsupported: Instruction is decoded but not implemented.")
	ErrPrivileged    = errors.New("R4|Privileged: Instruction is not allowed in user mode.")
	ErrTrap          = errors.New("R5|Trap: Software breakpoint or invalid opcode trap.")
	ErrRegionOverlap = errors.New("R6|RegionOverlap: Memory region overlaps an existing mapping.")
	ErrBadSyscall    = errors.New("R7|BadSyscall: Syscall arguments could not be serviced.")
)

// Process (P) signals
var (
	ErrProcessExit = errors.New("P1|ProcessExit: The emulated process terminated.")
)

// ProcessExit is the termination signal raised by exit/exit_group. It is not a
// fault and is propagated unchanged through every layer.
type ProcessExit struct {
	Code int
}

func (e *ProcessExit) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

func (e *ProcessExit) Unwrap() error { return ErrProcessExit }

// DecodeError reports malformed instruction bytes at PC.
type DecodeError struct {
	PC    uint64
	Bytes []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at 0x%016x [% x]: %v", e.PC, e.Bytes, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// CPUFault annotates an execution failure with the faulting program counter and
// the start address of the block that was running.
type CPUFault struct {
	PC    uint64
	Block uint64
	Err   error
}

func (e *CPUFault) Error() string {
	return fmt.Sprintf("fault at 0x%016x (block 0x%016x): %v", e.PC, e.Block, e.Err)
}

func (e *CPUFault) Unwrap() error { return e.Err }

// SplitContractError is the panic value of an invalid block split.
type SplitContractError struct {
	Block   uint64
	Address uint64
	Reason  string
}

func (e *SplitContractError) Error() string {
	return fmt.Sprintf("split block 0x%016x at 0x%016x: %s", e.Block, e.Address, e.Reason)
}

func (e *SplitContractError) Unwrap() error { return ErrSplitContract }

// EntryMismatchError is the panic value of a trace invoked at the wrong PC.
type EntryMismatchError struct {
	Entry uint64
	PC    uint64
}

func (e *EntryMismatchError) Error() string {
	return fmt.Sprintf("non-constant entry point: trace entry 0x%016x, pc 0x%016x", e.Entry, e.PC)
}

func (e *EntryMismatchError) Unwrap() error { return ErrEntryMismatch }

// IsProcessExit returns the exit signal carried by err, if any.
func IsProcessExit(err error) (*ProcessExit, bool) {
	var exit *ProcessExit
	if errors.As(err, &exit) {
		return exit, true
	}
	return nil, false
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}
