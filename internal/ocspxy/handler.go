package ocspxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// An upstream response is only eligible for caching when its OCSP
// responseStatus is 0 ("successful"); anything else is treated like an
// upstream failure, per
// spec.md §4.5 step 9 / §7's ResponderStatusNonSuccess.
//
// golang.org/x/crypto/ocsp.ParseResponse already refuses to return a
// populated Response for a non-"successful" responseStatus (it surfaces
// that as a decode error instead), so DecodeResponse's error return
// already folds this case in; no separate status field needs checking
// here.

// Handler implements the request-path state machine of spec.md §4.5: one
// call per accepted HTTP request, structured exactly the way
// devforth-wait0's Service.handle is (rule check -> cache hit -> miss ->
// fetch -> serve), generalized from "cache whatever an HTTP GET origin
// returns" to "cache an OCSP response keyed by issuer key hash + serial,
// subject to the nonce and purge rules".
//
// The upstream contacted is whatever host the client's Host header names;
// no allowlist restricts it, on the miss path or the multi-request bypass.
type Handler struct {
	Store      Store
	Writer     *WriteSerializer
	Fetcher    *Fetcher
	Live       *LiveConfig
	Logger     *slog.Logger
	Metrics    *Metrics
	overflow   *rateLimitedLogger

	// Now is overridable for tests; defaults to time.Now().Unix().
	Now func() int64
}

// NewHandler wires a Handler from its collaborators.
func NewHandler(store Store, writer *WriteSerializer, fetcher *Fetcher, live *LiveConfig, logger *slog.Logger, metrics *Metrics) *Handler {
	return &Handler{
		Store:    store,
		Writer:   writer,
		Fetcher:  fetcher,
		Live:     live,
		Logger:   logger,
		Metrics:  metrics,
		overflow: newRateLimitedLogger(logger, time.Minute),
		Now:      func() int64 { return time.Now().Unix() },
	}
}

func (h *Handler) now() int64 {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().Unix()
}

func (h *Handler) countRequest(outcome string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.RequestsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ServeHTTP implements the per-request state machine. Keep-alive
// connection reuse across requests is handled by net/http itself; this
// is invoked once per HTTP request regardless of how many share a
// connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.Header.Get("Host")
	if host == "" {
		host = r.Host
	}
	prune := r.Header.Get("X-prune-from-cache")

	// 1. Method check.
	if r.Method != http.MethodPost {
		h.countRequest("error")
		http.Error(w, "method not allowed", http.StatusForbidden)
		return
	}

	// 2. Header check.
	if host == "" && prune == "" {
		h.countRequest("error")
		http.Error(w, "'Host' missing", http.StatusBadRequest)
		return
	}

	// 3. Content-Type check.
	if r.Header.Get("Content-Type") != "application/ocsp-request" {
		h.countRequest("error")
		http.Error(w, "'application/ocsp-request' required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		h.countRequest("error")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// 4. Decode.
	decoded, err := DecodeRequest(body)
	if err != nil {
		h.countRequest("error")
		h.Logger.Debug("request decode failed", "err", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "cannot parse ocsp request", http.StatusBadRequest)
		return
	}

	// 5. Multi-request bypass.
	if decoded.RequestCount > 1 {
		h.bypass(w, r, host, body)
		return
	}

	// 6. Compute cache key.
	prefix := h.Live.Prefix()
	cacheKey := CacheKey(prefix, decoded.IssuerKeyHash, decoded.SerialNumber)

	// 7. Purge path.
	if prune != "" {
		h.Writer.EnqueueDelete(cacheKey, ClassHandler)
		h.countRequest("purge")
		h.log(r, cacheKey, false, http.StatusGone)
		http.Error(w, "cache cleared", http.StatusGone)
		return
	}

	// 8. Lookup.
	entry, ok, err := h.Store.Get(cacheKey)
	if err != nil {
		h.countRequest("error")
		h.Logger.Error("store unavailable on lookup", "key", cacheKey, "err", err)
		http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}
	if ok && entry.Fresh(h.now()) {
		h.countRequest("hit")
		h.log(r, cacheKey, true, http.StatusOK)
		h.serve(w, entry)
		return
	}

	// 9. Miss path.
	h.miss(w, r, host, body, cacheKey)
}

func (h *Handler) bypass(w http.ResponseWriter, r *http.Request, host string, body []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	upstreamResp, statusCode, headers, err := h.rawFetch(ctx, host, body)
	if err != nil {
		h.countRequest("error")
		h.overflow.Warn("multi-request upstream fetch failed", "host", host, "err", err)
		http.Error(w, "upstream fetch failed", http.StatusServiceUnavailable)
		return
	}
	h.countRequest("bypass")
	h.log(r, "", false, statusCode)
	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(statusCode)
	_, _ = w.Write(upstreamResp)
}

// rawFetch performs the same HTTP POST Fetcher.Fetch does, but returns
// the upstream's status and headers unchanged for the multi-request
// bypass path (spec.md §4.5 step 5), instead of Fetcher's narrower
// "200 + application/ocsp-response or error" contract.
func (h *Handler) rawFetch(ctx context.Context, host string, body []byte) ([]byte, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+host+"/", bytes.NewReader(body))
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Host", host)
	req.Host = host
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("User-Agent", "ocsp_proxy")

	client := h.Fetcher.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, 0, nil, err
	}
	return respBody, res.StatusCode, res.Header, nil
}

func (h *Handler) miss(w http.ResponseWriter, r *http.Request, host string, body []byte, cacheKey string) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	respBytes, err := h.Fetcher.Fetch(ctx, host, body)
	if err != nil {
		h.evictOnFailure(w, r, cacheKey, err)
		return
	}

	decoded, err := DecodeResponse(respBytes)
	if err != nil {
		h.evictOnFailure(w, r, cacheKey, err)
		return
	}

	entry := CacheEntry{
		CacheKey:      cacheKey,
		OCSPResponder: host,
		Request:       body,
		Response:      respBytes,
		ThisUpdate:    decoded.ThisUpdate,
		NextUpdate:    decoded.NextUpdate,
		LastChecked:   h.now(),
		Status:        decoded.Status,
		NonceCount:    decoded.NonceCount,
	}

	if entry.Cacheable() {
		h.Writer.EnqueueUpsert(entry, ClassHandler)
	} else if decoded.NonceCount > 0 {
		h.Logger.Debug("response carries a nonce, serving without caching", "key", cacheKey)
	}

	h.countRequest("miss")
	h.log(r, cacheKey, false, http.StatusOK)
	h.serve(w, entry)
}

// evictOnFailure implements spec.md §4.5 step 9's "on any fetch or
// decode failure ... enqueue Delete(cache_key) ... reply 503": a stale
// entry must not survive an upstream that can no longer vouch for it, and
// the client must be told the lookup failed rather than left to net/http's
// implicit 200-with-empty-body default.
func (h *Handler) evictOnFailure(w http.ResponseWriter, r *http.Request, cacheKey string, cause error) {
	h.Writer.EnqueueDelete(cacheKey, ClassHandler)
	h.countRequest("error")
	h.overflow.Warn("upstream fetch/decode failed, evicting cache entry", "key", cacheKey, "err", cause)
	h.log(r, cacheKey, false, http.StatusServiceUnavailable)
	http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
}

func (h *Handler) serve(w http.ResponseWriter, entry CacheEntry) {
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if entry.NextUpdate > 0 {
		w.Header().Set("Expires", time.Unix(entry.NextUpdate, 0).UTC().Format(http.TimeFormat))
	}
	if entry.ThisUpdate > 0 {
		w.Header().Set("Last-Modified", time.Unix(entry.ThisUpdate, 0).UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Response)
}

// log emits the per-request access line the original ocsp_proxy.py's
// BaseHTTPRequestHandler.log_request override produces ("<peer> <key>
// (direct|cached) -> <status>"), as structured slog fields instead of a
// formatted string, plus X-Forwarded-For when the client sent one (§6:
// "logged but not otherwise consumed").
func (h *Handler) log(r *http.Request, cacheKey string, cached bool, status int) {
	attrs := []any{
		"remote_addr", r.RemoteAddr,
		"cache_key", cacheKey,
		"cached", cached,
		"status", status,
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		attrs = append(attrs, "x_forwarded_for", xff)
	}
	if h.Live != nil && h.Live.Verbose() {
		h.Logger.Info("request", attrs...)
	} else {
		h.Logger.Debug("request", attrs...)
	}
}
