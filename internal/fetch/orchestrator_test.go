package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segment-streamer/internal/origin"
	"segment-streamer/internal/store"
	"segment-streamer/pkg/types"
)

const testAsset = "AAAAAAAAAAA"

// fakeSource scripts status rounds and serves deterministic segment bytes,
// while tracking fetch order, per-segment fetch counts, and peak in-flight
// concurrency.
type fakeSource struct {
	mu          sync.Mutex
	rounds      []roundScript
	round       int
	fetchOrder  []int
	fetchCounts map[int]int
	failLeft    map[int]int // fetch failures to inject per segment

	fetchDelay  time.Duration
	inflight    int32
	maxInflight int32
}

type roundScript struct {
	st  origin.Status
	err error
}

func newFakeSource(rounds ...roundScript) *fakeSource {
	return &fakeSource{rounds: rounds, fetchCounts: make(map[int]int), failLeft: make(map[int]int)}
}

func (f *fakeSource) Status(ctx context.Context, id string) (origin.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rounds[len(f.rounds)-1] // last round repeats
	if f.round < len(f.rounds) {
		r = f.rounds[f.round]
	}
	f.round++
	return r.st, r.err
}

func (f *fakeSource) FetchSegment(ctx context.Context, id string, n int) (io.ReadCloser, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInflight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInflight, max, cur) {
			break
		}
	}
	if f.fetchDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.fetchDelay):
		}
	}

	f.mu.Lock()
	f.fetchOrder = append(f.fetchOrder, n)
	f.fetchCounts[n]++
	fail := f.failLeft[n] > 0
	if fail {
		f.failLeft[n]--
	}
	f.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("segment %d: %w", n, origin.ErrSegmentUnavailable)
	}
	return io.NopCloser(bytes.NewReader(segData(n))), nil
}

func segData(n int) []byte { return []byte(fmt.Sprintf("segment-%d-payload", n)) }

func fastOpts() Options {
	return Options{
		MaxConcurrent:     3,
		PollInterval:      5 * time.Millisecond,
		MaxRetries:        3,
		RetryBaseDelay:    time.Millisecond,
		MaxStatusFailures: 5,
		IdlePollRounds:    3,
	}
}

func newOrch(t *testing.T, src *fakeSource) (*Orchestrator, *store.Store) {
	t.Helper()
	st := store.New(t.TempDir())
	return New(st, src, fastOpts()), st
}

func TestEnsureSegmentFetchesAndPersists(t *testing.T) {
	src := newFakeSource(roundScript{})
	o, st := newOrch(t, src)

	require.NoError(t, o.EnsureSegment(context.Background(), testAsset, 0))
	require.True(t, st.Has(testAsset, 0))

	// Second call short-circuits on disk, no second fetch.
	require.NoError(t, o.EnsureSegment(context.Background(), testAsset, 0))
	assert.Equal(t, 1, src.fetchCounts[0])
}

func TestEnsureSegmentRejectsInvalidID(t *testing.T) {
	src := newFakeSource(roundScript{})
	o, _ := newOrch(t, src)
	err := o.EnsureSegment(context.Background(), "../bad", 0)
	assert.ErrorIs(t, err, types.ErrInvalidAssetID)
	assert.Empty(t, src.fetchOrder, "no network I/O for invalid ids")
}

func TestEnsureSegmentSingleFlight(t *testing.T) {
	src := newFakeSource(roundScript{})
	src.fetchDelay = 30 * time.Millisecond
	o, st := newOrch(t, src)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.EnsureSegment(context.Background(), testAsset, 4)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, src.fetchCounts[4], "concurrent callers share one fetch")
	assert.True(t, st.Has(testAsset, 4))
}

func TestEnsureSegmentRetriesThenCompletes(t *testing.T) {
	src := newFakeSource(roundScript{})
	src.failLeft[2] = 2 // two failures, third attempt succeeds
	o, st := newOrch(t, src)

	require.NoError(t, o.EnsureSegment(context.Background(), testAsset, 2))
	assert.Equal(t, 3, src.fetchCounts[2])
	assert.True(t, st.Has(testAsset, 2))
	assert.Empty(t, o.Progress(testAsset).Failed)
}

func TestEnsureSegmentBudgetExhaustionMarksFailed(t *testing.T) {
	src := newFakeSource(roundScript{})
	src.failLeft[2] = 99
	o, st := newOrch(t, src)

	err := o.EnsureSegment(context.Background(), testAsset, 2)
	require.Error(t, err)
	assert.Equal(t, 3, src.fetchCounts[2], "exactly the retry budget")
	assert.False(t, st.Has(testAsset, 2))
	assert.Equal(t, []int{2}, o.Progress(testAsset).Failed)
}

func TestDownloadAllScenario(t *testing.T) {
	// Round 1: only segment 0 ready, total unknown. Round 2: all four ready
	// with the authoritative total. The run must end as complete.
	src := newFakeSource(
		roundScript{st: origin.Status{Ready: []int{0}}},
		roundScript{st: origin.Status{Ready: []int{0, 1, 2, 3}, TotalSegments: 4}},
	)
	o, st := newOrch(t, src)

	require.NoError(t, o.DownloadAll(context.Background(), testAsset))

	assert.Equal(t, []int{0, 1, 2, 3}, st.ListPresent(testAsset))
	p := o.Progress(testAsset)
	assert.Equal(t, 4, p.TotalSegments)
	assert.Empty(t, p.Downloading)
	assert.Empty(t, p.Failed)
}

func TestSegmentZeroAlwaysFirst(t *testing.T) {
	// The status endpoint never even lists segment 0 first.
	src := newFakeSource(
		roundScript{st: origin.Status{Ready: []int{3, 1, 2, 0}, TotalSegments: 4}},
	)
	o, _ := newOrch(t, src)

	require.NoError(t, o.DownloadAll(context.Background(), testAsset))
	require.NotEmpty(t, src.fetchOrder)
	assert.Equal(t, 0, src.fetchOrder[0], "segment 0 gates instant playback")
}

func TestConcurrencyBound(t *testing.T) {
	ready := make([]int, 12)
	for i := range ready {
		ready[i] = i
	}
	src := newFakeSource(
		roundScript{st: origin.Status{Ready: ready, TotalSegments: 12}},
	)
	src.fetchDelay = 10 * time.Millisecond
	o, st := newOrch(t, src)

	require.NoError(t, o.DownloadAll(context.Background(), testAsset))
	assert.Len(t, st.ListPresent(testAsset), 12)
	assert.LessOrEqual(t, src.maxInflight, int32(3), "per-asset fetch cap")
}

func TestFailedSegmentDoesNotAbortSiblings(t *testing.T) {
	src := newFakeSource(
		roundScript{st: origin.Status{Ready: []int{0, 1, 2}, TotalSegments: 3}},
	)
	src.failLeft[1] = 99
	o, st := newOrch(t, src)

	// The run can never complete (segment 1 is unfetchable and the origin
	// keeps answering), so bound it.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = o.DownloadAll(ctx, testAsset)

	assert.True(t, st.Has(testAsset, 0))
	assert.True(t, st.Has(testAsset, 2))
	assert.Equal(t, []int{1}, o.Progress(testAsset).Failed)
	assert.Equal(t, 3, src.fetchCounts[1], "failed segment is not re-queued within the run")
}

func TestConsecutiveStatusFailuresTerminateRun(t *testing.T) {
	src := newFakeSource(
		roundScript{err: errors.New("origin down")},
	)
	o, _ := newOrch(t, src)
	o.opts.IdlePollRounds = 1000 // isolate the status-failure bound

	done := make(chan error, 1)
	go func() { done <- o.DownloadAll(context.Background(), testAsset) }()

	select {
	case err := <-done:
		require.NoError(t, err, "a dead origin ends the run defensively, not with an error")
	case <-time.After(3 * time.Second):
		t.Fatal("run did not terminate against a dead origin")
	}
	assert.GreaterOrEqual(t, src.round, 5)
}

func TestUnknownTotalIdleHeuristic(t *testing.T) {
	// Origin keeps answering with the same two segments and never reports a
	// total; after the idle grace the run must declare itself done.
	src := newFakeSource(
		roundScript{st: origin.Status{Ready: []int{0, 1}}},
	)
	o, st := newOrch(t, src)

	done := make(chan error, 1)
	go func() { done <- o.DownloadAll(context.Background(), testAsset) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("idle heuristic did not terminate the run")
	}
	assert.Equal(t, []int{0, 1}, st.ListPresent(testAsset))
}

func TestStartIsSupervisedAndCancellable(t *testing.T) {
	src := newFakeSource(
		roundScript{st: origin.Status{Ready: []int{0}}},
	)
	src.fetchDelay = 20 * time.Millisecond
	o, _ := newOrch(t, src)
	o.opts.IdlePollRounds = 100000 // run would poll ~forever

	require.NoError(t, o.Start(testAsset))
	assert.True(t, o.Running(testAsset))

	// Duplicate starts coalesce.
	require.NoError(t, o.Start(testAsset))

	o.Cancel(testAsset)
	require.Eventually(t, func() bool { return !o.Running(testAsset) },
		2*time.Second, 5*time.Millisecond, "cancel must reach the background run")
}

func TestStartCompletionCallback(t *testing.T) {
	src := newFakeSource(
		roundScript{st: origin.Status{Ready: []int{0, 1}, TotalSegments: 2}},
	)
	o, _ := newOrch(t, src)

	var mu sync.Mutex
	var got *types.Progress
	o.OnRunDone = func(id string, p types.Progress, took time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		got = &p
	}

	require.NoError(t, o.Start(testAsset))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, got.Completed)
	assert.Equal(t, 2, got.TotalSegments)
}

func TestCancelAll(t *testing.T) {
	src := newFakeSource(roundScript{st: origin.Status{Ready: []int{0}}})
	src.fetchDelay = 20 * time.Millisecond
	o, _ := newOrch(t, src)
	o.opts.IdlePollRounds = 100000

	other := "BBBBBBBBBBB"
	require.NoError(t, o.Start(testAsset))
	require.NoError(t, o.Start(other))

	o.CancelAll()
	require.Eventually(t, func() bool {
		return !o.Running(testAsset) && !o.Running(other)
	}, 2*time.Second, 5*time.Millisecond)
}
