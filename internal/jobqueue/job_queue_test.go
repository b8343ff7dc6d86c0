package jobqueue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/acceptq/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newJob() job.Job {
	return job.NewTCPJob(nil, nil, nil, nil, job.DefaultConfig())
}

type maxObserver struct {
	mu      sync.Mutex
	maxLen  int
	fullHit int
}

func (o *maxObserver) ObserveEnqueue(length int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if length > o.maxLen {
		o.maxLen = length
	}
}

func (o *maxObserver) ObserveDispatch(int, int) {}

func (o *maxObserver) ObserveFull() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fullHit++
}

// ============================================================================
// Ordering
// ============================================================================

// TestFIFOOrder tests that jobs come out in the order they went in
func TestFIFOOrder(t *testing.T) {
	q := New(0)
	j1, j2, j3 := newJob(), newJob(), newJob()

	q.Put(j1, false)
	q.Put(j2, false)
	q.Put(j3, false)
	require.Equal(t, 3, q.Len())

	assert.Same(t, j1, q.Get())
	assert.Same(t, j2, q.Get())
	assert.Same(t, j3, q.Get())
	assert.Equal(t, 0, q.Len())
}

// TestPutStampsLastAccess tests that Put records the enqueue time on the job
func TestPutStampsLastAccess(t *testing.T) {
	stamp := time.Unix(1_700_000_123, 0)
	q := New(0, WithClock(func() time.Time { return stamp }))
	j := newJob()

	q.Put(j, false)
	assert.Equal(t, stamp, j.LastAccess())
}

// ============================================================================
// Capacity / backpressure
// ============================================================================

// TestPutBlocksWhenFull tests that a full queue blocks producers until a Get
func TestPutBlocksWhenFull(t *testing.T) {
	q := New(1)
	q.Put(newJob(), false)

	done := make(chan struct{})
	go func() {
		q.Put(newJob(), false)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Put should block while the queue is full")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, q.Len())

	q.Get()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked producer was not woken by Get")
	}
	assert.Equal(t, 1, q.Len())
}

// TestForcedPutBypassesCapacity tests that force ignores the capacity bound
func TestForcedPutBypassesCapacity(t *testing.T) {
	q := New(1)
	q.Put(newJob(), false)

	done := make(chan struct{})
	go func() {
		q.Put(newJob(), true)
		q.Put(newJob(), true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forced Put must not block")
	}
	assert.Equal(t, 3, q.Len())
}

// TestUnblockReleasesWaitingPuts tests that Unblock wakes producers stuck on a
// full queue and lets later puts through without a consumer
func TestUnblockReleasesWaitingPuts(t *testing.T) {
	q := New(1)
	q.Put(newJob(), false)

	const producers = 3
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Put(newJob(), false)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, q.Len())

	q.Unblock()
	q.Unblock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unblock did not release the waiting producers")
	}

	q.Put(newJob(), false)
	assert.Equal(t, producers+2, q.Len())
	assert.Len(t, q.Drain(), producers+2)
}

// TestCapacityInvariant tests that non-forced puts never grow the queue past
// its capacity under concurrent producers and consumers
func TestCapacityInvariant(t *testing.T) {
	const (
		capacity  = 3
		producers = 8
		perWorker = 50
	)
	obs := &maxObserver{}
	q := New(capacity, WithObserver(obs))

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				q.Put(newJob(), false)
			}
		}()
	}

	consumed := 0
	for consumed < producers*perWorker {
		q.Get()
		consumed++
		if consumed%17 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	assert.LessOrEqual(t, obs.maxLen, capacity)
	assert.Positive(t, obs.fullHit, "producers should have hit backpressure")
	assert.Equal(t, 0, q.Len())
}

// ============================================================================
// Concurrency
// ============================================================================

// TestGetBlocksUntilPut tests that Get waits for a job and counts as waiting
func TestGetBlocksUntilPut(t *testing.T) {
	q := New(0)
	got := make(chan job.Job, 1)
	go func() { got <- q.Get() }()

	require.Eventually(t, func() bool { return q.WaitingWorkers() == 1 },
		time.Second, 5*time.Millisecond)

	j := newJob()
	q.Put(j, false)

	select {
	case g := <-got:
		assert.Same(t, j, g)
	case <-time.After(2 * time.Second):
		t.Fatal("Get was not woken by Put")
	}
	assert.Equal(t, 0, q.WaitingWorkers())
}

// TestCascadeWake tests that several queued jobs drain to several waiters
func TestCascadeWake(t *testing.T) {
	q := New(0)
	const waiters = 4

	var got sync.WaitGroup
	got.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			q.Get()
			got.Done()
		}()
	}
	require.Eventually(t, func() bool { return q.WaitingWorkers() == waiters },
		time.Second, 5*time.Millisecond)

	for i := 0; i < waiters; i++ {
		q.Put(newJob(), false)
	}

	done := make(chan struct{})
	go func() {
		got.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not every waiter received a job")
	}
}

// TestSingleOwnerAccess tests that a job is never handed to two workers
// before it has been put back
func TestSingleOwnerAccess(t *testing.T) {
	const (
		jobs    = 16
		workers = 8
		rounds  = 200
	)
	q := New(jobs)
	for i := 0; i < jobs; i++ {
		q.Put(newJob(), false)
	}

	var inUse sync.Map
	var violations atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				j := q.Get()
				if _, loaded := inUse.LoadOrStore(j.ID(), true); loaded {
					violations.Add(1)
				}
				inUse.Delete(j.ID())
				q.Put(j, false)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), violations.Load())
	assert.Equal(t, jobs, q.Len())
}

// ============================================================================
// No-waiters signal
// ============================================================================

// TestWaitNoWaitersSignalled tests that a Put without waiting workers signals
func TestWaitNoWaitersSignalled(t *testing.T) {
	q := New(0)
	result := make(chan bool, 1)
	go func() { result <- q.WaitNoWaiters(2 * time.Second) }()

	// give the watcher time to block before producing
	time.Sleep(50 * time.Millisecond)
	q.Put(newJob(), false)

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("WaitNoWaiters did not return")
	}
}

// TestWaitNoWaitersTimeout tests the timeout path
func TestWaitNoWaitersTimeout(t *testing.T) {
	q := New(0)
	start := time.Now()
	assert.False(t, q.WaitNoWaiters(50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

// TestWaitNoWaitersNotSignalledWithIdleWorker tests that a Put handed to a
// waiting worker does not report "all busy"
func TestWaitNoWaitersNotSignalledWithIdleWorker(t *testing.T) {
	q := New(0)
	go q.Get()
	require.Eventually(t, func() bool { return q.WaitingWorkers() == 1 },
		time.Second, 5*time.Millisecond)

	result := make(chan bool, 1)
	go func() { result <- q.WaitNoWaiters(200 * time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	q.Put(newJob(), false)

	assert.False(t, <-result)
}

// TestWaitNoWaitersWhileStarved tests the immediate return when jobs are
// queued and nobody waits for them
func TestWaitNoWaitersWhileStarved(t *testing.T) {
	q := New(0)
	q.Put(newJob(), false)

	start := time.Now()
	assert.True(t, q.WaitNoWaiters(time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	q.Get()
	assert.False(t, q.WaitNoWaiters(20*time.Millisecond))
}

// ============================================================================
// Misc
// ============================================================================

func TestDrain(t *testing.T) {
	q := New(2)
	for i := 0; i < 2; i++ {
		q.Put(newJob(), false)
	}
	drained := q.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 2, q.Capacity())
}

func TestNegativeCapacityIsUnbounded(t *testing.T) {
	q := New(-5)
	assert.Equal(t, 0, q.Capacity())
	for i := 0; i < 10; i++ {
		q.Put(newJob(), false)
	}
	assert.Equal(t, 10, q.Len(), fmt.Sprintf("len=%d", q.Len()))
}
