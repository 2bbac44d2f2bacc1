// Package background implements the Background Task Set: up to three
// independent enrichment workers (memory extraction, cultural-knowledge
// extraction, learning extraction) launched per run after the message
// sequence is built and before the model call.
//
// Grounded on the teacher's lifecycle.Manager goroutine-with-stop-channel
// shape (cleanupLoop/stopCh/wg) for the "cancel, wait briefly, swallow"
// contract, generalized from one periodic loop to N one-shot workers
// joined (or cancelled) once per run.
package background

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/logger"
)

// MemoryFacts is the payload produced by an enrichment worker: freshly
// extracted user memories, cultural-knowledge items, or learnings.
type MemoryFacts struct {
	Kind  string
	Items []string
}

// Worker is the shape of a single enrichment task. It receives the
// messages built for the run by reference and must not mutate them.
type Worker func(ctx context.Context) (MemoryFacts, error)

type taskResult struct {
	kind  string
	facts MemoryFacts
	err   error
}

// Set runs the (at most three) configured workers for a single run and
// joins or cancels them according to the contract in spec.md §4.2.
type Set struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	cancels []context.CancelFunc
	results chan taskResult
	started bool
	logger  *logger.Logger
}

// NewSet creates an empty task set. Workers are registered with Launch.
func NewSet(log *logger.Logger) *Set {
	return &Set{logger: log}
}

// Launch starts the given named workers concurrently. This is the point
// of no return: once called, every worker runs to completion, cancellation,
// or the caller abandoning the join. Calling Launch more than once on the
// same Set panics, mirroring the spec's "started after message build" rule
// that a run has exactly one launch point.
func (s *Set) Launch(ctx context.Context, workers map[string]Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("background: Launch called more than once on the same Set")
	}
	s.started = true

	s.results = make(chan taskResult, len(workers))
	for kind, worker := range workers {
		taskCtx, cancel := context.WithCancel(ctx)
		s.cancels = append(s.cancels, cancel)
		s.wg.Add(1)
		go func(kind string, worker Worker, taskCtx context.Context, cancel context.CancelFunc) {
			defer s.wg.Done()
			defer cancel()
			facts, err := worker(taskCtx)
			s.results <- taskResult{kind: kind, facts: facts, err: err}
		}(kind, worker, taskCtx, cancel)
	}
}

// Join blocks until all launched workers complete or ctx is done, returning
// the facts produced by each (errors are logged and swallowed, matching
// the "failures inside tasks are swallowed and logged" contract). If no
// workers were launched, Join returns immediately with an empty slice.
func (s *Set) Join(ctx context.Context) []MemoryFacts {
	if !s.started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("background task join aborted by context")
	}
	close(s.results)

	var out []MemoryFacts
	for r := range s.results {
		if r.err != nil {
			s.logger.Warn("background task failed",
				zap.String("kind", r.kind), zap.Error(r.err))
			continue
		}
		out = append(out, r.facts)
	}
	return out
}

// JoinStreamed behaves like Join but invokes onComplete for each worker's
// result in the order it arrives, for the streaming event pipeline's
// "await threads" adapter which must emit a completion event per worker
// (spec.md §4.7 "background-task completion events").
func (s *Set) JoinStreamed(ctx context.Context, onComplete func(MemoryFacts)) {
	if !s.started {
		return
	}

	go func() {
		s.wg.Wait()
		close(s.results)
	}()

loop:
	for {
		select {
		case r, ok := <-s.results:
			if !ok {
				break loop
			}
			if r.err != nil {
				s.logger.Warn("background task failed",
					zap.String("kind", r.kind), zap.Error(r.err))
				continue
			}
			onComplete(r.facts)
		case <-ctx.Done():
			s.logger.Warn("background task join aborted by context")
			break loop
		}
	}
}

// CancelAndDrain cancels any not-yet-done workers and performs a
// non-blocking wait with a zero timeout, per the spec's "cancel,
// wait only briefly (non-blocking wait with a zero timeout)" contract on
// cancellation/error/raise_if_cancelled paths.
func (s *Set) CancelAndDrain() {
	s.mu.Lock()
	cancels := s.cancels
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if !s.started {
		return
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(0):
	}
}
