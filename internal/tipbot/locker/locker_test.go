package locker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLocker_SerializesSameKey(t *testing.T) {
	l := New(NewLocal())
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release, err := l.Lock(context.Background(), BalanceKey(1, "BTC"))
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestKeyLocker_Reentrant(t *testing.T) {
	l := New(nil)
	ctx, release, err := l.Lock(context.Background(), BalanceKey(1, "BTC"), BalanceKey(2, "BTC"))
	require.NoError(t, err)

	// 同一调用链里再锁，不能死锁
	done := make(chan struct{})
	go func() {
		_, inner, err := l.Lock(ctx, BalanceKey(2, "BTC"), BalanceKey(1, "BTC"))
		assert.NoError(t, err)
		inner()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("重入加锁卡住了")
	}
	release()
}

func TestKeyLocker_OppositeOrderNoDeadlock(t *testing.T) {
	l := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, r, err := l.Lock(context.Background(), BalanceKey(1, "BTC"), BalanceKey(2, "BTC"))
			require.NoError(t, err)
			r()
		}()
		go func() {
			defer wg.Done()
			_, r, err := l.Lock(context.Background(), BalanceKey(2, "BTC"), BalanceKey(1, "BTC"))
			require.NoError(t, err)
			r()
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("反序加锁死锁")
	}
}

func TestLocal_CancelWhileWaiting(t *testing.T) {
	local := NewLocal()
	l := New(local)
	_, release, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx, "a", "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 失败时已经拿到的 "a" 要放掉
	_, ra, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	ra()

	release()
	assert.Equal(t, 0, local.size())
}
