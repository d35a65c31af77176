package ocspxy

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// refreshCycle is the fixed sleep between refresh cycles, spec.md §4.6.
	refreshCycle = 30 * time.Minute

	// dailyInterval/hourlyInterval are the two re-validation tiers of the
	// midpoint schedule, spec.md §4.6 step 3.
	dailyInterval  = 24 * time.Hour
	hourlyInterval = 1 * time.Hour
)

// Refresher periodically re-validates cached entries before they expire,
// per spec.md §4.6. Grounded on devforth-wait0's warmupLoop/
// revalidateOnce/allKeysSnapshot (internal/wait0/service.go) for the
// overall per-cycle "list keys, refetch the due ones" shape, and on
// original_source/ocsp_proxy.py's OCSPRefresh for the exact midpoint
// formula and two-tier (86400s / 3600s) schedule. The interruptible sleep
// (a select on stopCh and a timer) is adapted from matthewpi-certwatcher/internal/wait/poll.go's
// PollUntilContextCancel, so Stop can interrupt the 30-minute sleep
// promptly instead of only at the next tick.
type Refresher struct {
	Store   Store
	Writer  *WriteSerializer
	Fetcher *Fetcher
	Live    *LiveConfig
	Logger  *slog.Logger
	Metrics *Metrics

	Now func() int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRefresher wires a Refresher from its collaborators.
func NewRefresher(store Store, writer *WriteSerializer, fetcher *Fetcher, live *LiveConfig, logger *slog.Logger, metrics *Metrics) *Refresher {
	return &Refresher{
		Store:   store,
		Writer:  writer,
		Fetcher: fetcher,
		Live:    live,
		Logger:  logger,
		Metrics: metrics,
		Now:     func() int64 { return time.Now().Unix() },
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (rf *Refresher) now() int64 {
	if rf.Now != nil {
		return rf.Now()
	}
	return time.Now().Unix()
}

// Run loops until Stop is called, running one cycle immediately and then
// every refreshCycle thereafter.
func (rf *Refresher) Run() {
	defer close(rf.doneCh)

	rf.runCycle()
	t := time.NewTimer(refreshCycle)
	defer t.Stop()
	for {
		select {
		case <-rf.stopCh:
			return
		case <-t.C:
			rf.runCycle()
			t.Reset(refreshCycle)
		}
	}
}

// Stop signals the loop to exit and waits for it to return. A refetch
// already in progress is not aborted, but runCycle checks for Stop before
// each key and returns early, leaving the remaining keys of that cycle
// unvisited.
func (rf *Refresher) Stop() {
	close(rf.stopCh)
	<-rf.doneCh
}

// runCycle implements spec.md §4.6 steps 1-4. A ListKeys or Get failure
// aborts the whole cycle; the next cycle retries from scratch.
func (rf *Refresher) runCycle() {
	prefix := rf.Live.Prefix()
	keys, err := rf.Store.ListKeys(prefix)
	if err != nil {
		rf.Logger.Warn("refresh cycle aborted: list keys failed", "err", err)
		return
	}

	now := rf.now()
	var refreshed, skipped, failed, malformed int

	for _, key := range keys {
		select {
		case <-rf.stopCh:
			return
		default:
		}

		entry, ok, err := rf.Store.Get(key)
		if err != nil {
			rf.Logger.Warn("refresh cycle aborted: get failed", "key", key, "err", err)
			return
		}
		if !ok {
			continue
		}
		if entry.OCSPResponder == "" || len(entry.Request) == 0 {
			rf.Writer.EnqueueDelete(key, ClassRefresh)
			malformed++
			continue
		}

		interval := revalidationInterval(entry.ThisUpdate, entry.NextUpdate, now)
		if entry.LastChecked+int64(interval.Seconds()) >= now {
			skipped++
			continue
		}

		if rf.refetch(key, entry) {
			refreshed++
		} else {
			failed++
		}
	}

	rf.countRefresh("refreshed", refreshed)
	rf.countRefresh("skipped", skipped)
	rf.countRefresh("failed", failed)
	rf.countRefresh("malformed", malformed)
	rf.Logger.Info("refresh cycle complete",
		"keys", len(keys), "refreshed", refreshed, "skipped", skipped,
		"failed", failed, "malformed", malformed)
}

// revalidationInterval implements spec.md §4.6 step 3's midpoint
// formula: entries still comfortably in the first half of their validity
// window are revisited once a day; once past the midpoint, hourly.
func revalidationInterval(thisUpdate, nextUpdate, now int64) time.Duration {
	midpoint := thisUpdate + (nextUpdate-thisUpdate)/2
	if midpoint > now {
		return dailyInterval
	}
	return hourlyInterval
}

// refetch re-fetches and re-decodes the upstream response for entry,
// enqueueing an Upsert of the refreshed entry on success. On failure it
// logs and leaves the existing entry untouched — no eviction, unlike the
// handler's miss-path, because a transient refresh failure shouldn't
// destroy an entry that is still within its stated validity window.
func (rf *Refresher) refetch(key string, entry CacheEntry) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	respBytes, err := rf.Fetcher.Fetch(ctx, entry.OCSPResponder, entry.Request)
	if err != nil {
		rf.Logger.Debug("refresh fetch failed", "key", key, "err", err)
		return false
	}
	decoded, err := DecodeResponse(respBytes)
	if err != nil {
		rf.Logger.Debug("refresh decode failed", "key", key, "err", err)
		return false
	}

	refreshed := CacheEntry{
		CacheKey:      key,
		OCSPResponder: entry.OCSPResponder,
		Request:       entry.Request,
		Response:      respBytes,
		ThisUpdate:    decoded.ThisUpdate,
		NextUpdate:    decoded.NextUpdate,
		LastChecked:   rf.now(),
		Status:        decoded.Status,
		NonceCount:    decoded.NonceCount,
	}
	if !refreshed.Cacheable() {
		rf.Logger.Debug("refresh produced an uncacheable response, leaving prior entry in place", "key", key)
		return false
	}

	rf.Writer.EnqueueUpsert(refreshed, ClassRefresh)
	return true
}

func (rf *Refresher) countRefresh(outcome string, n int) {
	if rf.Metrics == nil || n == 0 {
		return
	}
	rf.Metrics.RefreshTotal.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}
