package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	ctx := context.Background()
	p := NewPool(ctx, 4)
	defer p.Shutdown()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(20), n.Load())
	assert.LessOrEqual(t, p.NumWorkers(), 4)
}

func TestPoolQuotaLimitsConcurrency(t *testing.T) {
	ctx := context.Background()
	p := NewPool(ctx, 16)
	defer p.Shutdown()
	p.SetQuota("narrow", 1)

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go p.SubmitQuota("narrow", func() {
			defer wg.Done()
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestSchedulerOneShotAndRepeat(t *testing.T) {
	ctx := context.Background()
	p := NewPool(ctx, 8)
	defer p.Shutdown()
	s := NewScheduler("fast", p, 10*time.Millisecond)
	s.Start(ctx)
	defer s.Stop()

	var once, repeated atomic.Int32
	s.AddJob("once", 0, 0, func(context.Context) { once.Add(1) })
	s.AddJob("repeat", 0, 15*time.Millisecond, func(context.Context) { repeated.Add(1) })

	require.Eventually(t, func() bool { return repeated.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), once.Load())
}

func TestJobCancelAndWake(t *testing.T) {
	ctx := context.Background()
	p := NewPool(ctx, 8)
	defer p.Shutdown()
	s := NewScheduler("slow", p, 50*time.Millisecond)
	s.Start(ctx)
	defer s.Stop()

	var ran atomic.Int32
	j := s.AddJob("far future", time.Hour, 0, func(context.Context) { ran.Add(1) })
	j.Wake()
	require.Eventually(t, func() bool { return ran.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	var never atomic.Int32
	j2 := s.AddJob("cancelled", 30*time.Millisecond, 0, func(context.Context) { never.Add(1) })
	j2.Cancel()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), never.Load())
}

func TestPubSubDeliversOnPool(t *testing.T) {
	ctx := context.Background()
	p := NewPool(ctx, 8)
	defer p.Shutdown()
	ps := NewPubSub(p, 16)
	defer ps.Shutdown()

	got := make(chan any, 1)
	ps.Subscribe("accounts_modified", func(args ...any) { got <- args[0] })
	ps.Pub("accounts_modified", "abc123")

	select {
	case v := <-got:
		assert.Equal(t, "abc123", v)
	case <-time.After(2 * time.Second):
		t.Fatal("publication never delivered")
	}
}

func TestBusyFlag(t *testing.T) {
	var b BusyFlag
	assert.False(t, b.IsBusy())
	assert.True(t, b.TryAcquire())
	assert.True(t, b.IsBusy())
	assert.False(t, b.TryAcquire(), "second acquire fails fast")
	b.Release()
	assert.True(t, b.TryAcquire())
	b.Release()
}
