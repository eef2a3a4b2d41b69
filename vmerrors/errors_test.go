package vmerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorNames(t *testing.T) {
	assert.Equal(t, "DecodeDefect", GetErrorName(ErrDecode))
	assert.Equal(t, "D1", GetErrorCode(ErrDecode))
	assert.Equal(t, "R1_SegmentationViolation", GetErrorCodeWithName(ErrSegfault))
	assert.Equal(t, "No Error", GetErrorName(nil))
	assert.Equal(t, "", GetErrorCode(errors.New("plain")))
}

func TestTypedErrorsUnwrap(t *testing.T) {
	decode := &DecodeError{PC: 0x401000, Bytes: []byte{0x0f, 0xff}, Err: errors.New("unrecognized instruction")}
	assert.ErrorIs(t, decode, ErrDecode)

	fault := &CPUFault{PC: 0x401004, Block: 0x401000, Err: ErrDivideByZero}
	assert.ErrorIs(t, fault, ErrDivideByZero)

	wrapped := fmt.Errorf("outer: %w", &ProcessExit{Code: 3})
	exit, ok := IsProcessExit(wrapped)
	require.True(t, ok)
	assert.Equal(t, 3, exit.Code)
	assert.ErrorIs(t, wrapped, ErrProcessExit)

	_, ok = IsProcessExit(fault)
	assert.False(t, ok)

	assert.ErrorIs(t, &SplitContractError{Block: 1, Address: 2, Reason: "x"}, ErrSplitContract)
	assert.ErrorIs(t, &EntryMismatchError{Entry: 1, PC: 2}, ErrEntryMismatch)
}
