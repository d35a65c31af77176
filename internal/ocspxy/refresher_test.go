package ocspxy

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

func TestRevalidationIntervalBeforeMidpoint(t *testing.T) {
	// thisUpdate=0, nextUpdate=1000, now=100: midpoint=500 > now -> daily.
	got := revalidationInterval(0, 1000, 100)
	if got != dailyInterval {
		t.Fatalf("interval = %v, want dailyInterval", got)
	}
}

func TestRevalidationIntervalAfterMidpoint(t *testing.T) {
	// thisUpdate=0, nextUpdate=1000, now=900: midpoint=500 <= now -> hourly.
	got := revalidationInterval(0, 1000, 900)
	if got != hourlyInterval {
		t.Fatalf("interval = %v, want hourlyInterval", got)
	}
}

// TestRevalidationIntervalMidpointScenario reproduces the scenario of
// thisUpdate=0, nextUpdate=2*now, lastChecked=now-7200: the midpoint sits
// exactly at now, so the entry is due for hourly re-validation and, since
// the last check was two hours ago, the cycle should refetch it.
func TestRevalidationIntervalMidpointScenario(t *testing.T) {
	now := int64(10_000)
	nextUpdate := 2 * now
	lastChecked := now - 7200

	interval := revalidationInterval(0, nextUpdate, now)
	if interval != hourlyInterval {
		t.Fatalf("interval = %v, want hourlyInterval", interval)
	}
	if lastChecked+int64(interval.Seconds()) >= now {
		t.Fatalf("expected the entry to be due for refetch, got lastChecked+interval=%d >= now=%d",
			lastChecked+int64(interval.Seconds()), now)
	}
}

func newTestRefresher(t *testing.T, store *fakeStore, fetcher *Fetcher) *Refresher {
	t.Helper()
	ws := NewWriteSerializer(store, testLogger(), nil)
	go ws.Run()
	t.Cleanup(ws.Stop)

	live := NewLiveConfig(DefaultConfig())
	return NewRefresher(store, ws, fetcher, live, testLogger(), nil)
}

func TestRefresherSkipsEntryNotYetDue(t *testing.T) {
	store := newFakeStore()
	now := time.Now().Unix()
	key := "ocspxy_a_1"
	store.data[key] = CacheEntry{
		CacheKey: key, OCSPResponder: "irrelevant.example.com",
		Request: []byte{1}, Response: []byte{2},
		ThisUpdate: now - 100, NextUpdate: now + 1_000_000,
		LastChecked: now,
	}

	rf := newTestRefresher(t, store, NewFetcher())
	rf.Now = func() int64 { return now }
	rf.runCycle()

	got, _, _ := store.Get(key)
	if got.LastChecked != now {
		t.Fatalf("entry not due for refresh should be left untouched, got LastChecked=%d", got.LastChecked)
	}
}

func TestRefresherRefetchesDueEntry(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	srv, issuer, _ := startUpstream(t, ocsp.Good, now, now.Add(2*time.Hour), nil)
	defer srv.Close()
	host := upstreamHost(t, srv)

	store := newFakeStore()
	entryKey := "ocspxy_x_1"
	reqDER := buildRequest(t, issuer, big.NewInt(1))
	store.data[entryKey] = CacheEntry{
		CacheKey: entryKey, OCSPResponder: host,
		Request: reqDER, Response: []byte{9, 9, 9},
		ThisUpdate:  now.Add(-2 * time.Hour).Unix(),
		NextUpdate:  now.Add(2 * time.Hour).Unix(),
		LastChecked: now.Add(-2 * time.Hour).Unix(),
	}

	rf := newTestRefresher(t, store, NewFetcher())
	rf.Now = func() int64 { return now.Unix() }
	rf.runCycle()

	waitFor(t, func() bool {
		got, _, _ := store.Get(entryKey)
		return got.LastChecked == now.Unix()
	})
}

func TestRefresherDeletesMalformedEntry(t *testing.T) {
	store := newFakeStore()
	key := "ocspxy_bad"
	store.data[key] = CacheEntry{CacheKey: key} // no responder, no request

	rf := newTestRefresher(t, store, NewFetcher())
	rf.runCycle()

	waitFor(t, func() bool {
		_, ok, _ := store.Get(key)
		return !ok
	})
}

func TestRefresherLeavesEntryOnFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	host := upstreamHost(t, srv)

	now := time.Now().Unix()
	store := newFakeStore()
	key := "ocspxy_y_1"
	store.data[key] = CacheEntry{
		CacheKey: key, OCSPResponder: host,
		Request: []byte{1}, Response: []byte{2},
		ThisUpdate: now - 7200, NextUpdate: now + 7200, LastChecked: now - 7200,
	}

	rf := newTestRefresher(t, store, NewFetcher())
	rf.Now = func() int64 { return now }
	rf.runCycle()

	got, ok, _ := store.Get(key)
	if !ok {
		t.Fatalf("entry must survive a failed refresh, not be evicted")
	}
	if got.LastChecked != now-7200 {
		t.Fatalf("LastChecked should be untouched on a failed refresh, got %d", got.LastChecked)
	}
}
