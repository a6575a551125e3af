package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payflow/lock"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	ctx := context.Background()
	k := lock.NewKeyedMutex()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "p1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, k.Held(), "idle keys are released")
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	ctx := context.Background()
	k := lock.NewKeyedMutex()

	unlock1, err := k.Lock(ctx, "p1")
	require.NoError(t, err)
	defer unlock1()

	done := make(chan struct{})
	go func() {
		unlock2, err := k.Lock(ctx, "p2")
		if err == nil {
			unlock2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on p2 blocked behind p1")
	}
}

func TestKeyedMutex_ContextCancelWhileWaiting(t *testing.T) {
	k := lock.NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "p1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Zero(t, k.Held())

	again, err := k.Lock(context.Background(), "p1")
	require.NoError(t, err)
	again()
}
