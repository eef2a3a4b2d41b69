package trace

import (
	"encoding/json"
	"fmt"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Divergence is the first point where two traces disagree.
type Divergence struct {
	Index    int
	Expected *TraceStep
	Actual   *TraceStep
	Diff     string
}

func (d *Divergence) String() string {
	return fmt.Sprintf("traces diverge at step %d\n%s", d.Index, d.Diff)
}

// Compare walks both traces in order and reports the first differing step,
// or nil when they match. A trace that ends early diverges at its length.
func Compare(expected, actual []*TraceStep, coloring bool) (*Divergence, error) {
	n := len(expected)
	if len(actual) > n {
		n = len(actual)
	}
	for k := 0; k < n; k++ {
		if k >= len(expected) || k >= len(actual) {
			d := &Divergence{Index: k}
			if k < len(expected) {
				d.Expected = expected[k]
				d.Diff = fmt.Sprintf("actual trace ended after %d steps", len(actual))
			} else {
				d.Actual = actual[k]
				d.Diff = fmt.Sprintf("expected trace ended after %d steps", len(expected))
			}
			return d, nil
		}
		diff, err := diffSteps(expected[k], actual[k], coloring)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", k, err)
		}
		if diff != "" {
			return &Divergence{Index: k, Expected: expected[k], Actual: actual[k], Diff: diff}, nil
		}
	}
	return nil, nil
}

func diffSteps(a, b *TraceStep, coloring bool) (string, error) {
	left, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	right, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	delta, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return "", err
	}
	if !delta.Modified() {
		return "", nil
	}
	var leftObj interface{}
	if err := json.Unmarshal(left, &leftObj); err != nil {
		return "", err
	}
	f := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       coloring,
	})
	return f.Format(delta)
}
