package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_CompleteOnce(t *testing.T) {
	f := New[int]()
	assert.False(t, f.IsDone())

	_, ok := f.Get()
	assert.False(t, ok)

	assert.True(t, f.Complete(7))
	assert.False(t, f.Complete(8))
	assert.False(t, f.Fail(errors.New("late")))

	v, ok := f.Get()
	require.True(t, ok)
	assert.NoError(t, f.Err())
	assert.Equal(t, 7, v)
}

func TestFuture_AwaitAcrossGoroutines(t *testing.T) {
	f := New[string]()

	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Complete("ready")
	}()

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", v)
}

func TestFuture_AwaitContextCancelled(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFuture_Failed(t *testing.T) {
	boom := errors.New("boom")
	f := Failed[int](boom)

	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, f.Err(), boom)

	_, ok := f.Get()
	assert.False(t, ok)
}

func TestFuture_OnComplete(t *testing.T) {
	f := New[int]()

	var mu sync.Mutex
	var got []int
	f.OnComplete(func(v int, err error) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	f.Complete(3)

	// Registered after completion runs inline.
	f.OnComplete(func(v int, err error) {
		mu.Lock()
		got = append(got, v*10)
		mu.Unlock()
	})

	assert.Equal(t, []int{3, 30}, got)
}

func TestFuture_Resolved(t *testing.T) {
	f := Resolved("cached")
	assert.True(t, f.IsDone())
	select {
	case <-f.Done():
	default:
		t.Fatal("resolved future must have a closed done channel")
	}
}
