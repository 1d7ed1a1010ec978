package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.NoError(t, s.Err())
}

func TestFirstErrorCancels(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("bad", func(context.Context) error { return boom })
	s.Go("late", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return errors.New("second")
	})

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled on error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
}

func TestPanicIsRecorded(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("panicky", func(context.Context) { panic("oops") })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in panicky")
	assert.NoError(t, s.Context().Err(), "cancel-on-error is off")
	s.Cancel()
}

func TestGoRestartRetriesUntilNil(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s := New(context.Background())
	s.GoRestart("flaky", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.EqualValues(t, 3, calls.Load())
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, s.Wait(context.Background()))
}
