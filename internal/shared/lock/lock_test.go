package lock

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, JobKey("t", "j"))
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, m.locks, "释放后应回收 key")
}

func TestKeyedMutexContextCancel(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	_, err = m.Lock(context.Background(), "other")
	assert.NoError(t, err, "不同 key 互不影响")
}

func TestEtcdLocker(t *testing.T) {
	endpoints := os.Getenv("ETCD_TEST_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_TEST_ENDPOINTS not set")
	}
	l, err := NewEtcdLocker(EtcdConfig{Endpoints: strings.Split(endpoints, ","), Prefix: "/jobmesh-test"})
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	defer l.Close()

	unlock, err := l.Lock(context.Background(), JobDefKey("t", "jd"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	other, err := NewEtcdLocker(EtcdConfig{Endpoints: strings.Split(endpoints, ","), Prefix: "/jobmesh-test"})
	require.NoError(t, err)
	defer other.Close()
	_, err = other.Lock(ctx, JobDefKey("t", "jd"))
	assert.Error(t, err, "另一会话在持锁期间应等待至超时")

	unlock()
}
