// Package proctest provides a scripted Runner for tests.
package proctest

import (
	"context"
	"strings"
	"sync"

	"github.com/samsamfire/klipperfleet/internal/proc"
)

// Result is what a fake invocation produces.
type Result struct {
	Stdout string
	Code   int
	Err    error
}

// Runner matches commands against substring rules and records every
// invocation. Rules are checked in order; the first whose Match is
// contained in the full command line wins. Unmatched commands succeed
// with empty output.
type Runner struct {
	mu    sync.Mutex
	rules []rule
	Calls []string
}

type rule struct {
	match string
	fn    func(call int) Result
	calls int
}

func NewRunner() *Runner { return &Runner{} }

// On registers a static result for commands containing match.
func (r *Runner) On(match string, res Result) {
	r.OnFunc(match, func(int) Result { return res })
}

// OnFunc registers a per-call result; call counts from 0 and increments
// each time the rule fires, which lets tests script retry sequences.
func (r *Runner) OnFunc(match string, fn func(call int) Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{match: match, fn: fn})
}

func (r *Runner) lookup(line string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, line)
	for i := range r.rules {
		if strings.Contains(line, r.rules[i].match) {
			res := r.rules[i].fn(r.rules[i].calls)
			r.rules[i].calls++
			return res
		}
	}
	return Result{}
}

// CallsMatching returns how many recorded invocations contain match.
func (r *Runner) CallsMatching(match string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

func (r *Runner) Output(ctx context.Context, cmd proc.Command) (string, int, error) {
	res := r.lookup(cmd.String())
	return res.Stdout, res.Code, res.Err
}

func (r *Runner) Stream(ctx context.Context, cmd proc.Command, sink func(string)) (int, error) {
	res := r.lookup(cmd.String())
	if sink != nil && res.Stdout != "" {
		sink(res.Stdout)
	}
	return res.Code, res.Err
}
