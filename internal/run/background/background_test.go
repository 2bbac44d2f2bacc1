package background

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentrun/internal/common/logger"
)

func TestJoinCollectsAllWorkerResults(t *testing.T) {
	s := NewSet(logger.Default())
	s.Launch(context.Background(), map[string]Worker{
		"memory": func(ctx context.Context) (MemoryFacts, error) {
			return MemoryFacts{Kind: "memory", Items: []string{"likes go"}}, nil
		},
		"learning": func(ctx context.Context) (MemoryFacts, error) {
			return MemoryFacts{Kind: "learning", Items: []string{"prefers concise answers"}}, nil
		},
	})

	results := s.Join(context.Background())
	require.Len(t, results, 2)
}

func TestJoinSwallowsWorkerErrors(t *testing.T) {
	s := NewSet(logger.Default())
	s.Launch(context.Background(), map[string]Worker{
		"memory": func(ctx context.Context) (MemoryFacts, error) {
			return MemoryFacts{}, errors.New("extraction failed")
		},
	})

	results := s.Join(context.Background())
	assert.Empty(t, results)
}

func TestJoinWithNoWorkersLaunchedReturnsImmediately(t *testing.T) {
	s := NewSet(logger.Default())
	results := s.Join(context.Background())
	assert.Nil(t, results)
}

func TestCancelAndDrainStopsRunningWorkers(t *testing.T) {
	s := NewSet(logger.Default())
	started := make(chan struct{})
	s.Launch(context.Background(), map[string]Worker{
		"memory": func(ctx context.Context) (MemoryFacts, error) {
			close(started)
			<-ctx.Done()
			return MemoryFacts{}, ctx.Err()
		},
	})

	<-started
	s.CancelAndDrain()
}

func TestLaunchTwiceOnSameSetPanics(t *testing.T) {
	s := NewSet(logger.Default())
	s.Launch(context.Background(), map[string]Worker{
		"memory": func(ctx context.Context) (MemoryFacts, error) { return MemoryFacts{}, nil },
	})
	s.Join(context.Background())

	assert.Panics(t, func() {
		s.Launch(context.Background(), map[string]Worker{
			"memory": func(ctx context.Context) (MemoryFacts, error) { return MemoryFacts{}, nil },
		})
	})
}

func TestJoinStreamedInvokesCallbackPerWorker(t *testing.T) {
	s := NewSet(logger.Default())
	s.Launch(context.Background(), map[string]Worker{
		"memory": func(ctx context.Context) (MemoryFacts, error) {
			return MemoryFacts{Kind: "memory"}, nil
		},
	})

	var got []MemoryFacts
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.JoinStreamed(ctx, func(f MemoryFacts) {
		got = append(got, f)
	})

	assert.Len(t, got, 1)
}

// TestJoinStreamedWithMultipleWorkersDoesNotPanic guards against a
// double-close of the internal results channel once every worker has
// reported: with several workers the "all done" and "next result ready"
// select cases can both be ready on the same iteration.
func TestJoinStreamedWithMultipleWorkersDoesNotPanic(t *testing.T) {
	s := NewSet(logger.Default())
	s.Launch(context.Background(), map[string]Worker{
		"memory": func(ctx context.Context) (MemoryFacts, error) {
			return MemoryFacts{Kind: "memory"}, nil
		},
		"cultural_knowledge": func(ctx context.Context) (MemoryFacts, error) {
			return MemoryFacts{Kind: "cultural_knowledge"}, nil
		},
		"learning": func(ctx context.Context) (MemoryFacts, error) {
			return MemoryFacts{Kind: "learning"}, nil
		},
	})

	var got []MemoryFacts
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() {
		s.JoinStreamed(ctx, func(f MemoryFacts) {
			got = append(got, f)
		})
	})

	assert.Len(t, got, 3)
}
