package fetch

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"segment-streamer/internal/origin"
	"segment-streamer/internal/store"
	"segment-streamer/pkg/types"
)

// SegmentSource is what the orchestrator needs from the origin.
type SegmentSource interface {
	Status(ctx context.Context, id string) (origin.Status, error)
	FetchSegment(ctx context.Context, id string, n int) (io.ReadCloser, error)
}

// Options bound a download run. Zero values fall back to the defaults the
// origin protocol was tuned against.
type Options struct {
	MaxConcurrent     int           // simultaneous segment fetches per asset
	PollInterval      time.Duration // delay between status rounds
	MaxRetries        int           // attempts per segment
	RetryBaseDelay    time.Duration // backoff base, doubles per retry
	MaxStatusFailures int           // consecutive failed status rounds before giving up
	IdlePollRounds    int           // empty rounds before an unknown-total asset is done
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.MaxStatusFailures <= 0 {
		o.MaxStatusFailures = 5
	}
	if o.IdlePollRounds <= 0 {
		o.IdlePollRounds = 5
	}
}

// Orchestrator drives segment acquisition: bounded concurrency per asset,
// retry with backoff, single-flight per (asset, index), and supervised
// background runs. All bookkeeping lives on the instance so independent
// orchestrators (tests, multiple caches) cannot interfere.
type Orchestrator struct {
	store *store.Store
	src   SegmentSource
	opts  Options

	// OnRunDone, if set, observes finished background runs. Telemetry only.
	OnRunDone func(id string, p types.Progress, took time.Duration)

	flight singleflight.Group

	mu     sync.Mutex
	assets map[string]*assetState
}

type assetState struct {
	downloading map[int]struct{}
	failed      map[int]struct{}
	total       int                // authoritative once known, else 0
	cancel      context.CancelFunc // non-nil while a background run is active
}

func New(st *store.Store, src SegmentSource, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		store:  st,
		src:    src,
		opts:   opts,
		assets: make(map[string]*assetState),
	}
}

func (o *Orchestrator) state(id string) *assetState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.assets[id]
	if st == nil {
		st = &assetState{
			downloading: make(map[int]struct{}),
			failed:      make(map[int]struct{}),
		}
		o.assets[id] = st
	}
	return st
}

// EnsureSegment makes segment n locally present, fetching it if needed.
// Concurrent callers for the same (asset, index) share one network fetch.
// Calling it for a previously failed segment is a fresh attempt.
func (o *Orchestrator) EnsureSegment(ctx context.Context, id string, n int) error {
	if err := types.CheckAssetID(id); err != nil {
		return err
	}
	if o.store.Has(id, n) {
		return nil
	}

	key := id + "#" + strconv.Itoa(n)
	_, err, _ := o.flight.Do(key, func() (any, error) {
		return nil, o.fetchSegment(ctx, id, n)
	})
	return err
}

func (o *Orchestrator) fetchSegment(ctx context.Context, id string, n int) error {
	st := o.state(id)

	o.mu.Lock()
	st.downloading[n] = struct{}{}
	delete(st.failed, n)
	o.mu.Unlock()

	start := time.Now()
	err := retryDo(ctx, o.opts.MaxRetries, o.opts.RetryBaseDelay, func(ctx context.Context) error {
		body, err := o.src.FetchSegment(ctx, id, n)
		if err != nil {
			return err
		}
		defer body.Close()
		written, err := o.store.Write(id, n, body)
		if err != nil {
			return err
		}
		log.Printf("[fetch] %s segment %d done (%d bytes in %s)", id, n, written, time.Since(start).Truncate(time.Millisecond))
		return nil
	})

	o.mu.Lock()
	delete(st.downloading, n)
	if err != nil {
		st.failed[n] = struct{}{}
	}
	o.mu.Unlock()

	if err != nil {
		log.Printf("[fetch] %s segment %d FAILED: %v", id, n, err)
	}
	return err
}

// DownloadAll runs the poll/download loop until the asset is complete, the
// origin is judged dead, or ctx is cancelled. Segment failures are recorded,
// never propagated; only cancellation surfaces as an error.
func (o *Orchestrator) DownloadAll(ctx context.Context, id string) error {
	if err := types.CheckAssetID(id); err != nil {
		return err
	}
	st := o.state(id)

	// Segment 0 gates instant playback; it goes first, ahead of whatever
	// the status endpoint reports.
	if !o.store.Has(id, 0) {
		if err := o.EnsureSegment(ctx, id, 0); err != nil && errors.Is(err, context.Canceled) {
			return err
		}
	}

	statusFails := 0
	idleRounds := 0

	for {
		round, err := o.src.Status(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			statusFails++
			log.Printf("[poll] %s status round failed (%d/%d): %v", id, statusFails, o.opts.MaxStatusFailures, err)
			if statusFails >= o.opts.MaxStatusFailures {
				// Dead origin: stop polling, keep whatever is cached.
				log.Printf("[poll] %s giving up after %d consecutive status failures", id, statusFails)
				return nil
			}
		} else {
			statusFails = 0
			if round.TotalSegments > 0 {
				o.mu.Lock()
				st.total = round.TotalSegments
				o.mu.Unlock()
			}
		}

		batch := o.nextBatch(st, id, round.Ready)
		if len(batch) > 0 {
			idleRounds = 0
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(o.opts.MaxConcurrent)
			for _, n := range batch {
				g.Go(func() error {
					_ = o.EnsureSegment(gctx, id, n) // failure is recorded state
					return nil
				})
			}
			_ = g.Wait()
		}

		completed := len(o.store.ListPresent(id))
		o.mu.Lock()
		total := st.total
		busy := len(st.downloading)
		o.mu.Unlock()

		log.Printf("[poll] %s round: completed=%d total=%d downloading=%d batch=%d", id, completed, total, busy, len(batch))

		if total > 0 && completed >= total {
			log.Printf("[poll] %s complete (%d/%d segments)", id, completed, total)
			return nil
		}
		if err == nil && total == 0 && len(batch) == 0 && busy == 0 {
			idleRounds++
			if idleRounds >= o.opts.IdlePollRounds {
				// Total never became known; after enough quiet rounds we
				// assume the origin is done producing.
				log.Printf("[poll] %s idle for %d rounds, assuming done (%d segments)", id, idleRounds, completed)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.opts.PollInterval):
		}
	}
}

// nextBatch picks ready segments we are not already tracking, capped by free
// concurrency slots.
func (o *Orchestrator) nextBatch(st *assetState, id string, ready []int) []int {
	completed := make(map[int]struct{})
	for _, n := range o.store.ListPresent(id) {
		completed[n] = struct{}{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	slots := o.opts.MaxConcurrent - len(st.downloading)
	if slots <= 0 {
		return nil
	}
	var batch []int
	for _, n := range ready {
		if n < 0 {
			continue
		}
		if _, ok := completed[n]; ok {
			continue
		}
		if _, ok := st.downloading[n]; ok {
			continue
		}
		if _, ok := st.failed[n]; ok {
			continue
		}
		batch = append(batch, n)
		if len(batch) >= slots {
			break
		}
	}
	sort.Ints(batch)
	return batch
}

// Start launches a supervised background run for the asset. A second Start
// while a run is active is a no-op. The run's cancel func lives in the
// registry so Cancel/CancelAll can always reach it.
func (o *Orchestrator) Start(id string) error {
	if err := types.CheckAssetID(id); err != nil {
		return err
	}
	st := o.state(id)

	o.mu.Lock()
	if st.cancel != nil {
		o.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	o.mu.Unlock()

	go func() {
		start := time.Now()
		err := o.DownloadAll(ctx, id)

		o.mu.Lock()
		st.cancel = nil
		o.mu.Unlock()
		cancel()

		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[fetch] %s background run ended: %v", id, err)
		}
		if o.OnRunDone != nil {
			o.OnRunDone(id, o.Progress(id), time.Since(start))
		}
	}()
	return nil
}

// Running reports whether a background run is active for the asset.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.assets[id]
	return st != nil && st.cancel != nil
}

// Cancel aborts the asset's background run and its in-flight fetches.
func (o *Orchestrator) Cancel(id string) {
	o.mu.Lock()
	st := o.assets[id]
	var cancel context.CancelFunc
	if st != nil && st.cancel != nil {
		cancel = st.cancel
		st.cancel = nil
	}
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelAll is for shutdown.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	var cancels []context.CancelFunc
	for _, st := range o.assets {
		if st.cancel != nil {
			cancels = append(cancels, st.cancel)
			st.cancel = nil
		}
	}
	o.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Progress derives the asset's current acquisition snapshot: completed from
// disk, downloading/failed from this instance's bookkeeping.
func (o *Orchestrator) Progress(id string) types.Progress {
	p := types.Progress{AssetID: id, Completed: o.store.ListPresent(id)}

	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.assets[id]; st != nil {
		p.Downloading = sortedKeys(st.downloading)
		p.Failed = sortedKeys(st.failed)
		p.TotalSegments = st.total
		p.Running = st.cancel != nil
	}
	return p
}

// TotalSegments returns the expected segment count, 0 while unknown.
func (o *Orchestrator) TotalSegments(id string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.assets[id]; st != nil {
		return st.total
	}
	return 0
}

func sortedKeys(m map[int]struct{}) []int {
	if len(m) == 0 {
		return nil
	}
	out := make([]int, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
