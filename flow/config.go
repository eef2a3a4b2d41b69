package flow

import (
	"io"
	"os"

	"github.com/colorfulnotion/vmx86/symbols"
	"go.opentelemetry.io/otel/trace"
)

// Config controls block decoding and trace dispatch.
type Config struct {
	// MaxBlockCount bounds the distinct blocks one trace may admit. Zero means
	// no bound.
	MaxBlockCount int
	// MaxBlockInstructions cuts long straight-line runs into several blocks.
	// Zero means no cut.
	MaxBlockInstructions int
	// InitialTableSize is the starting capacity of a trace's block table.
	InitialTableSize int
	// ExitOnIndirect returns to the caller whenever the next block is not a
	// linked successor instead of resolving it inside the trace.
	ExitOnIndirect bool

	Verbosity    int
	PrintSymbols bool
	PrintState   bool
	PrintOnce    bool
	Output       io.Writer

	Symbols        symbols.Resolver
	TracerProvider trace.TracerProvider
}

func DefaultConfig() Config {
	return Config{
		MaxBlockCount:        32,
		MaxBlockInstructions: 512,
		InitialTableSize:     4,
		Output:               os.Stderr,
	}
}
