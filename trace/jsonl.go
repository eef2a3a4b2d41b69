package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrWriterClosed is returned when WriteStep is called after Close.
var ErrWriterClosed = errors.New("jsonl trace writer is closed")

// Writer emits TraceStep records as JSON Lines. It is safe for concurrent
// use.
type Writer struct {
	mu     sync.Mutex
	enc    *json.Encoder
	buf    *bufio.Writer
	closer io.Closer // set only when the writer owns the destination
	closed bool
	steps  uint64
}

func newWriter(w io.Writer, size int, closer io.Closer) *Writer {
	buf := bufio.NewWriterSize(w, size)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc, buf: buf, closer: closer}
}

// NewWriter wraps w. Close flushes but never closes w.
func NewWriter(w io.Writer) *Writer {
	return newWriter(w, 64*1024, nil)
}

// NewFileWriter creates or truncates path. Close flushes and closes the file.
func NewFileWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return newWriter(f, 64*1024, f), nil
}

// NewStdoutWriter uses a small buffer so steps show up promptly.
func NewStdoutWriter() *Writer {
	return newWriter(os.Stdout, 4*1024, nil)
}

func (w *Writer) WriteStep(step *TraceStep) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.enc.Encode(step); err != nil {
		return err
	}
	w.steps++
	return nil
}

// Steps counts the records written so far.
func (w *Writer) Steps() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.steps
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.buf.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		if w.closer != nil {
			_ = w.closer.Close()
		}
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// ReadSteps decodes every record in r. Blank lines are skipped.
func ReadSteps(r io.Reader) ([]*TraceStep, error) {
	var steps []*TraceStep
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		step := new(TraceStep)
		if err := json.Unmarshal(sc.Bytes(), step); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		steps = append(steps, step)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

func ReadFile(path string) ([]*TraceStep, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSteps(f)
}
