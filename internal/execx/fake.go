package execx

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner is a scripted Runner for tests. Responses are keyed by the full
// command line ("name arg1 arg2"); unscripted commands succeed with an empty
// result. All invocations are recorded in order.
//
// FakeRunner is safe for concurrent use, although production code issues
// commands strictly sequentially.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string]FakeResponse
	calls     []string
}

// FakeResponse is the scripted result for one command line.
type FakeResponse struct {
	Result Result
	Err    error
}

// Script registers a response for the given command line.
func (f *FakeRunner) Script(commandLine string, resp FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responses == nil {
		f.responses = make(map[string]FakeResponse)
	}
	f.responses[commandLine] = resp
}

// Run implements Runner with scripted responses.
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)

	if resp, ok := f.responses[line]; ok {
		return resp.Result, resp.Err
	}
	return Result{}, nil
}

// Calls returns a copy of the recorded command lines in invocation order.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many recorded command lines contain substr.
func (f *FakeRunner) CallCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}
