// Package jobqueue implements the build scheduler: one goroutine per job,
// gated by a jobserver token pool, driving a pipelined build where a
// dependent may start as soon as its dependency's compiler metadata is
// ready rather than waiting for the dependency to fully finish.
package jobqueue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	forge "github.com/forgectl/forgecore"
)

// State is one point in a Job's Pending -> Waiting -> Ready -> Running ->
// {MetadataReady, Finished} | Failed lifecycle.
type State int32

const (
	StatePending State = iota
	StateWaiting
	StateReady
	StateRunning
	StateMetadataReady
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateMetadataReady:
		return "metadata-ready"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// RunFunc performs the actual compiler-driver invocation for a Job. It must
// call signalMetadataReady exactly once, as soon as the compiler has
// emitted enough to satisfy downstream units (rustc's "metadata ready"
// pipelining signal), even if it later fails while finishing codegen.
type RunFunc func(ctx context.Context, signalMetadataReady func()) error

// Job is one schedulable unit of work: a single Unit's compiler invocation.
type Job struct {
	Unit *forge.Unit
	Deps []*Job
	Run  RunFunc

	state         int32 // State, accessed atomically
	metadataOnce  sync.Once
	metadataReady chan struct{}
	done          chan struct{}
	failed        int32
}

// NewJob wraps unit with its prerequisite jobs and the function that
// performs its compilation.
func NewJob(unit *forge.Unit, deps []*Job, run RunFunc) *Job {
	return &Job{
		Unit:          unit,
		Deps:          deps,
		Run:           run,
		metadataReady: make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (j *Job) setState(s State) { atomic.StoreInt32(&j.state, int32(s)) }

// State reports this job's current lifecycle state.
func (j *Job) State() State { return State(atomic.LoadInt32(&j.state)) }

// Failed reports whether this job ended in StateFailed.
func (j *Job) Failed() bool { return atomic.LoadInt32(&j.failed) == 1 }

func (j *Job) closeMetadataReady() {
	j.metadataOnce.Do(func() { close(j.metadataReady) })
}

// Scheduler runs a set of Jobs respecting their dependency edges. Every job
// gets its own goroutine; the jobserver token pool bounds how many compiler
// invocations run concurrently at any instant.
type Scheduler struct {
	Jobs      []*Job
	Tokens    *semaphore.Weighted
	KeepGoing bool
}

// NewScheduler builds a Scheduler with jobTokens concurrent compiler-driver
// slots (cargo's jobserver pool; typically == -j / NumCPU).
func NewScheduler(jobTokens int64, keepGoing bool) *Scheduler {
	return &Scheduler{Tokens: semaphore.NewWeighted(jobTokens), KeepGoing: keepGoing}
}

// Add registers j with the scheduler.
func (s *Scheduler) Add(j *Job) {
	j.setState(StatePending)
	s.Jobs = append(s.Jobs, j)
}

// Run drives every job to completion (or failure), honoring pipelined
// metadata-ready unlocking and --keep-going semantics: under KeepGoing, an
// independent job's failure does not cancel sibling branches that don't
// depend on it; the first error is still returned once every job has
// settled. Without KeepGoing, the first failure cancels the run's context,
// which unblocks any job still waiting on a metadata-ready signal that will
// now never come.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, j := range s.Jobs {
		j := j
		g.Go(func() error {
			defer close(j.done)
			defer j.closeMetadataReady()

			j.setState(StateWaiting)
			for _, dep := range j.Deps {
				select {
				case <-dep.metadataReady:
				case <-gctx.Done():
					j.setState(StateFailed)
					atomic.StoreInt32(&j.failed, 1)
					return gctx.Err()
				}
				if dep.Failed() {
					j.setState(StateFailed)
					atomic.StoreInt32(&j.failed, 1)
					err := errors.Errorf("dependency %s failed", dep.Unit.Pkg.Name)
					recordErr(err)
					if s.KeepGoing {
						return nil
					}
					return err
				}
			}

			j.setState(StateReady)
			if err := s.Tokens.Acquire(gctx, 1); err != nil {
				j.setState(StateFailed)
				atomic.StoreInt32(&j.failed, 1)
				return err
			}
			defer s.Tokens.Release(1)

			j.setState(StateRunning)
			err := j.Run(gctx, func() { j.setState(StateMetadataReady); j.closeMetadataReady() })
			if err != nil {
				j.setState(StateFailed)
				atomic.StoreInt32(&j.failed, 1)
				recordErr(err)
				if s.KeepGoing {
					return nil
				}
				return err
			}
			j.setState(StateFinished)
			return nil
		})
	}

	err := g.Wait()
	if s.KeepGoing {
		if firstErr != nil {
			return firstErr
		}
		return nil
	}
	return err
}
