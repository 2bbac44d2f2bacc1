package cancel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndRaiseIfCancelled(t *testing.T) {
	r := New()
	r.Register("run-1")

	err := r.RaiseIfCancelled("run-1")
	assert.NoError(t, err)

	ok := r.Cancel("run-1")
	assert.True(t, ok)

	err = r.RaiseIfCancelled("run-1")
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
}

func TestCancelUnregisteredReturnsFalse(t *testing.T) {
	r := New()
	ok := r.Cancel("does-not-exist")
	assert.False(t, ok)
}

func TestRaiseIfCancelledUnregisteredIsNil(t *testing.T) {
	r := New()
	err := r.RaiseIfCancelled("does-not-exist")
	assert.NoError(t, err)
}

func TestSecondCancelAfterCleanupIsNoOp(t *testing.T) {
	r := New()
	r.Register("run-1")
	require.True(t, r.Cancel("run-1"))

	r.Cleanup("run-1")

	ok := r.Cancel("run-1")
	assert.False(t, ok)
	assert.False(t, r.IsRegistered("run-1"))
}

func TestDoneChannelClosesOnCancel(t *testing.T) {
	r := New()
	r.Register("run-1")
	done := r.Done("run-1")
	require.NotNil(t, done)

	select {
	case <-done:
		t.Fatal("done channel should not be closed before cancel")
	default:
	}

	r.Cancel("run-1")

	select {
	case <-done:
	default:
		t.Fatal("done channel should be closed after cancel")
	}
}

func TestConcurrentCancelAndRaiseIfCancelled(t *testing.T) {
	r := New()
	r.Register("run-1")

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		r.Cancel("run-1")
	}()
	go func() {
		defer wg.Done()
		_ = r.RaiseIfCancelled("run-1")
	}()

	wg.Wait()
	assert.Error(t, r.RaiseIfCancelled("run-1"))
}

func TestReregisterAfterCleanupStartsFresh(t *testing.T) {
	r := New()
	r.Register("run-1")
	r.Cancel("run-1")
	r.Cleanup("run-1")

	r.Register("run-1")
	assert.NoError(t, r.RaiseIfCancelled("run-1"))
}
