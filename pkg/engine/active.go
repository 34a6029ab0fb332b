package engine

import (
	"context"
	"sort"
	"sync"
)

// activeRun is the bookkeeping for one executing deployment.
// mu serializes Cancel against the run's final save.
type activeRun struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	finished  bool
}

// activeRuns tracks the deployments currently executing in one orchestrator.
type activeRuns struct {
	mu   sync.Mutex
	runs map[string]*activeRun
}

func newActiveRuns() *activeRuns {
	return &activeRuns{runs: make(map[string]*activeRun)}
}

// register records a run. It returns false if the deployment is already executing.
func (a *activeRuns) register(id string, cancel context.CancelFunc) (*activeRun, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.runs[id]; exists {
		return nil, false
	}
	run := &activeRun{cancel: cancel}
	a.runs[id] = run
	return run, true
}

func (a *activeRuns) lookup(id string) (*activeRun, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	run, ok := a.runs[id]
	return run, ok
}

func (a *activeRuns) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, id)
}

// ids returns the sorted IDs of executing deployments.
func (a *activeRuns) ids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.runs))
	for id := range a.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
