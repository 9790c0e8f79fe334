package async_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/lib/async"
)

func TestSubmitRunsTasks(t *testing.T) {
	p, err := async.NewPool("exec", 2, 4)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.Equal(t, int32(4), ran.Load())
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	p, err := async.NewPool("drain", 1, 4)
	require.NoError(t, err)

	release := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		<-release
		ran.Add(1)
		return nil
	}))
	// These sit in the queue behind the blocked worker.
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.Equal(t, int32(4), ran.Load())
}

func TestSubmitAfterCloseIsRejected(t *testing.T) {
	p, err := async.NewPool("closed", 1, 1)
	require.NoError(t, err)
	p.Close()

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}
