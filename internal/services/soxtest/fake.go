// Package soxtest provides an in-process stand-in for the sox binary.
package soxtest

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Operation names reported by Op.
const (
	OpForeground = "foreground"
	OpDuration   = "duration"
	OpInfo       = "info"
	OpBackground = "background"
	OpMix        = "mix"
)

// FakeRunner mimics the four sox invocation shapes: it creates the output
// file each one would write and answers duration queries with Duration.
type FakeRunner struct {
	// Duration is printed for `--i -D` queries. Defaults to "2.345000".
	Duration string
	// Rate and Channels answer `--i -r` and `--i -c`. Default "16000" and "1".
	Rate     string
	Channels string
	// Fail makes the named operation exit non-zero.
	Fail map[string]bool
	// Partial makes failing operations leave a half-written output behind,
	// the way a crashed sox would.
	Partial bool

	mu    sync.Mutex
	calls [][]string
}

// Op classifies an argv by its leading flag.
func Op(args []string) string {
	if len(args) == 0 {
		return ""
	}
	switch args[0] {
	case "--i":
		if len(args) > 1 && args[1] == "-D" {
			return OpDuration
		}
		return OpInfo
	case "-t":
		return OpForeground
	case "-n":
		return OpBackground
	case "-m":
		return OpMix
	}
	return ""
}

// OutputOf returns the file an invocation writes, or "" for queries.
func OutputOf(args []string) string {
	switch Op(args) {
	case OpForeground:
		for i := 0; i+2 < len(args); i++ {
			if args[i] == "-t" && args[i+1] == "wav" {
				return args[i+2]
			}
		}
	case OpBackground:
		if len(args) > 5 {
			return args[5]
		}
	case OpMix:
		if len(args) > 3 {
			return args[3]
		}
	}
	return ""
}

// InputsOf returns the files an invocation reads.
func InputsOf(args []string) []string {
	switch Op(args) {
	case OpForeground:
		if len(args) > 10 {
			return []string{args[10]}
		}
	case OpDuration, OpInfo:
		return []string{args[len(args)-1]}
	case OpMix:
		if len(args) > 2 {
			return []string{args[1], args[2]}
		}
	}
	return nil
}

func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	op := Op(args)
	for _, in := range InputsOf(args) {
		if _, err := os.Stat(in); err != nil {
			return nil, fmt.Errorf("sox FAIL formats: can't open input file %q", in)
		}
	}

	out := OutputOf(args)
	if f.Fail[op] {
		if f.Partial && out != "" {
			_ = os.WriteFile(out, []byte("partial"), 0o644)
		}
		return nil, fmt.Errorf("exit status 2")
	}

	if op == OpDuration {
		d := f.Duration
		if d == "" {
			d = "2.345000"
		}
		return []byte(d + "\n"), nil
	}

	if op == OpInfo {
		v := orDefault(f.Rate, "16000")
		if args[1] == "-c" {
			v = orDefault(f.Channels, "1")
		}
		return []byte(v + "\n"), nil
	}

	if out != "" {
		if err := os.WriteFile(out, []byte(op), 0o644); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// Calls returns a copy of every argv seen so far, each prefixed by the binary.
func (f *FakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the argvs (without binary) of one operation type.
func (f *FakeRunner) CallsFor(op string) [][]string {
	var out [][]string
	for _, c := range f.Calls() {
		if Op(c[1:]) == op {
			out = append(out, c[1:])
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
