// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/workflowstate"
)

// Config tunes the orchestrator's execution policy (§4.1 "Configuration").
type Config struct {
	ErrorPolicy model.ErrorPolicy

	// Workers bounds the number of stages executed concurrently. Zero
	// defaults to 4.
	Workers int

	// DefaultTimeout applies to any StepConfig that didn't set its own.
	DefaultTimeout time.Duration
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 4
}

func (c Config) defaultTimeout() time.Duration {
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 30 * time.Second
}

// FatalError is returned by Run when the fail-fast error policy aborts
// the workflow because a required stage exhausted its retries.
type FatalError struct {
	Step model.StageName
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("engine: stage %q failed fatally: %v", e.Step, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Orchestrator runs a registered set of stage agents over a shared
// WorkflowState, per §4.1. It is built once per process and Run once
// per case; Register calls are not safe to interleave with a running
// Run.
type Orchestrator struct {
	mu     sync.Mutex
	order  []model.StageName
	steps  map[model.StageName]StepConfig
	config Config
}

// New builds an orchestrator with the given policy configuration.
func New(config Config) *Orchestrator {
	registerMetrics()
	return &Orchestrator{
		steps: make(map[model.StageName]StepConfig),
		config: config,
	}
}

// Register adds a stage agent to the DAG (§4.1 "Registration"). It does
// not validate DependsOn against already-registered names, since
// registration order is not required to be topological; Run validates
// the full graph.
func (o *Orchestrator) Register(cfg StepConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.steps[cfg.Name]; !exists {
		o.order = append(o.order, cfg.Name)
	}
	o.steps[cfg.Name] = cfg
}

// Configure replaces the orchestrator's policy configuration.
func (o *Orchestrator) Configure(config Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = config
}

// validate checks that every DependsOn entry names a registered step and
// that the graph has no cycles.
func (o *Orchestrator) validate() error {
	for name, cfg := range o.steps {
		for _, dep := range cfg.DependsOn {
			if _, ok := o.steps[dep]; !ok {
				return fmt.Errorf("engine: stage %q depends on unregistered stage %q", name, dep)
			}
		}
	}
	return detectCycle(o.steps)
}

func detectCycle(steps map[model.StageName]StepConfig) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[model.StageName]int, len(steps))
	var visit func(n model.StageName, path []model.StageName) error
	visit = func(n model.StageName, path []model.StageName) error {
		color[n] = gray
		for _, dep := range steps[n].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("engine: dependency cycle detected: %v -> %s", append(path, n), dep)
			case white:
				if err := visit(dep, append(path, n)); err != nil {
					return err
				}
			}
		}
		color[n] = black
		return nil
	}
	for n := range steps {
		if color[n] == white {
			if err := visit(n, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run executes every registered stage over initial, respecting
// dependency order, and returns the final merged state.
//
// The scheduler is a worker pool draining a ready-set guarded by a
// condition variable (§9 "not busy-poll"): a stage becomes ready the
// instant its last dependency finishes, and an idle worker blocks on
// the condition variable rather than polling.
func (o *Orchestrator) Run(ctx context.Context, initial *model.WorkflowState) (*model.WorkflowState, error) {
	o.mu.Lock()
	steps := make(map[model.StageName]StepConfig, len(o.steps))
	for k, v := range o.steps {
		steps[k] = v
	}
	order := append([]model.StageName(nil), o.order...)
	config := o.config
	o.mu.Unlock()

	if err := o.validate(); err != nil {
		return initial, err
	}

	mgr := workflowstate.New(initial)
	sch := newScheduler(steps, order)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < config.workers(); i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			sch.worker(runCtx, cancel, mgr, config)
		}(i)
	}
	wg.Wait()

	if sch.fatal != nil {
		promRunsTotal.WithLabelValues("fatal").Inc()
		return mgr.State(), sch.fatal
	}
	promRunsTotal.WithLabelValues("completed").Inc()
	return mgr.State(), nil
}

// scheduler holds the mutable DAG-execution state shared by all workers.
type scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	steps map[model.StageName]StepConfig

	remaining map[model.StageName]int            // unmet dependency count
	dependents map[model.StageName][]model.StageName

	success map[model.StageName]bool // whether a finished stage succeeded
	blocked map[model.StageName]bool // a required (non-optional) dependency failed or was itself skipped

	ready    []model.StageName
	inflight int
	left     int // stages not yet completed (success, failure, or skip)

	fatal error
}

func newScheduler(steps map[model.StageName]StepConfig, order []model.StageName) *scheduler {
	s := &scheduler{
		steps:      steps,
		remaining:  make(map[model.StageName]int, len(steps)),
		dependents: make(map[model.StageName][]model.StageName, len(steps)),
		success:    make(map[model.StageName]bool, len(steps)),
		blocked:    make(map[model.StageName]bool, len(steps)),
		left:       len(steps),
	}
	s.cond = sync.NewCond(&s.mu)

	for name, cfg := range steps {
		s.remaining[name] = len(cfg.DependsOn)
		for _, dep := range cfg.DependsOn {
			s.dependents[dep] = append(s.dependents[dep], name)
		}
	}
	// Seed the ready set with every zero-dependency stage, in
	// registration order for determinism, then priority-sorted.
	for _, name := range order {
		if s.remaining[name] == 0 {
			s.ready = append(s.ready, name)
		}
	}
	s.sortReady()
	return s
}

func (s *scheduler) sortReady() {
	sort.SliceStable(s.ready, func(i, j int) bool {
		return s.steps[s.ready[i]].Priority > s.steps[s.ready[j]].Priority
	})
}

// worker is the body of one pool goroutine: block until work is ready
// (or the run is finished/aborted), execute one stage, merge its
// result, then update the ready set for its dependents.
func (s *scheduler) worker(ctx context.Context, cancel context.CancelFunc, mgr *workflowstate.Manager, config Config) {
	for {
		s.mu.Lock()
		for len(s.ready) == 0 && s.left > 0 && s.fatal == nil {
			s.cond.Wait()
		}
		if s.left == 0 || s.fatal != nil {
			s.mu.Unlock()
			return
		}
		name := s.ready[0]
		s.ready = s.ready[1:]
		s.inflight++
		s.mu.Unlock()

		promActiveWorkers.Inc()
		cfg := s.steps[name]
		status, execErr := runStepWithRetry(ctx, cfg, mgr, config)
		promActiveWorkers.Dec()

		s.mu.Lock()
		s.inflight--
		s.left--
		succeeded := execErr == nil
		s.success[name] = succeeded

		if execErr != nil && !cfg.Optional && config.ErrorPolicy == model.ErrorPolicyFailFast {
			s.fatal = &FatalError{Step: name, Err: execErr}
			s.cond.Broadcast()
			s.mu.Unlock()
			cancel()
			return
		}

		s.propagate(name, succeeded, cfg.Optional, mgr)
		s.sortReady()
		_ = status
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// propagate notifies name's dependents that it has finished (§4.1:
// "failed stage's dependents become unreachable and are skipped unless
// marked optional"). A dependent only becomes ready once every
// dependency has finished and none of its required (non-optional)
// dependencies failed or was itself skipped; otherwise it is skipped
// without ever running its Agent, and the skip cascades to its own
// dependents in turn. Callers must hold s.mu.
func (s *scheduler) propagate(name model.StageName, succeeded, optional bool, mgr *workflowstate.Manager) {
	for _, dep := range s.dependents[name] {
		if !succeeded && !optional {
			s.blocked[dep] = true
		}
		s.remaining[dep]--
		if s.remaining[dep] == 0 {
			if s.blocked[dep] {
				s.skip(dep, mgr)
			} else {
				s.ready = append(s.ready, dep)
			}
		}
	}
}

// skip marks dep as StepSkipped without invoking its Agent, merges a
// synthetic mutation recording the skip, and cascades to dep's own
// dependents. Callers must hold s.mu.
func (s *scheduler) skip(dep model.StageName, mgr *workflowstate.Manager) {
	s.left--
	s.success[dep] = false
	cfg := s.steps[dep]
	promStepsTotal.WithLabelValues(string(dep), "skipped").Inc()
	_ = mgr.Merge(workflowstate.Mutation{
		Step:    dep,
		Status:  model.StepSkipped,
		Message: fmt.Sprintf("stage %q skipped: a required dependency did not succeed", dep),
	})
	s.propagate(dep, false, cfg.Optional, mgr)
}

// runStepWithRetry executes one stage's Agent with timeout and retry,
// then merges its outcome into the shared state (§4.1 "Retry").
func runStepWithRetry(ctx context.Context, cfg StepConfig, mgr *workflowstate.Manager, config Config) (model.StepStatus, error) {
	retryCond := cfg.RetryCondition
	if retryCond == nil {
		retryCond = defaultRetryCondition
	}

	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	var lastMut workflowstate.Mutation
	start := time.Now()

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			promStepRetries.WithLabelValues(string(cfg.Name)).Inc()
			if cfg.RetryBackoff > 0 {
				time.Sleep(cfg.RetryBackoff * time.Duration(attempt))
			}
		}

		stepCtx, stepCancel := context.WithTimeout(ctx, cfg.effectiveTimeout(config.defaultTimeout()))
		mut, err := invokeAgent(stepCtx, cfg, mgr)
		stepCancel()

		lastMut, lastErr = mut, err
		if err == nil {
			break
		}
		if !retryCond(err) {
			break
		}
	}

	duration := time.Since(start)
	promStepDuration.WithLabelValues(string(cfg.Name)).Observe(float64(duration.Milliseconds()))

	status := model.StepSuccess
	if lastErr != nil {
		status = model.StepFailure
		if cfg.Optional {
			status = model.StepSkipped
		}
		promStepsTotal.WithLabelValues(string(cfg.Name), "failure").Inc()

		perr, ok := lastErr.(*model.ProcessingError)
		if !ok {
			perr = model.NewProcessingError(string(cfg.Name), model.ErrorKindUnknown, model.SeverityHigh, lastErr.Error())
		}
		_ = mgr.Merge(workflowstate.Mutation{
			Step:   cfg.Name,
			Status: status,
			Result: model.AgentResult{
				Success: false,
				Errors:  []*model.ProcessingError{perr},
				Metadata: model.AgentResultMetadata{
					ExecutionTime: duration,
					AgentName:     cfg.Name,
				},
			},
			Message: lastErr.Error(),
		})
		log.Printf("[engine] stage %q failed after %d attempt(s): %v", cfg.Name, attempts, lastErr)
		return status, lastErr
	}

	promStepsTotal.WithLabelValues(string(cfg.Name), "success").Inc()
	lastMut.Step = cfg.Name
	if lastMut.Status == "" {
		lastMut.Status = model.StepSuccess
	}
	lastMut.Result.Metadata.ExecutionTime = duration
	lastMut.Result.Metadata.AgentName = cfg.Name
	lastMut.Result.Success = true
	if err := mgr.Merge(lastMut); err != nil {
		return model.StepFailure, err
	}
	return model.StepSuccess, nil
}

// invokeAgent wraps cfg.Agent.Execute with panic recovery so a single
// misbehaving agent can never take down the whole worker pool (§4.2
// step 3, "normalize panics to critical errors").
func invokeAgent(ctx context.Context, cfg StepConfig, mgr *workflowstate.Manager) (mut workflowstate.Mutation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.NewProcessingError(string(cfg.Name), model.ErrorKindUnknown, model.SeverityCritical,
				fmt.Sprintf("panic in stage %q: %v", cfg.Name, r))
		}
	}()
	snap := mgr.Snapshot()
	return cfg.Agent.Execute(ctx, snap)
}
