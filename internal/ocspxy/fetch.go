package ocspxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// UpstreamErrorKind classifies why an upstream OCSP fetch failed.
type UpstreamErrorKind int

const (
	UpstreamTransport UpstreamErrorKind = iota
	UpstreamStatus
	UpstreamContentType
)

func (k UpstreamErrorKind) String() string {
	switch k {
	case UpstreamStatus:
		return "status"
	case UpstreamContentType:
		return "content-type"
	default:
		return "transport"
	}
}

// UpstreamError reports a failed upstream OCSP fetch.
type UpstreamError struct {
	Kind UpstreamErrorKind
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ocspxy: upstream %s: %v", e.Kind, e.Err)
}
func (e *UpstreamError) Unwrap() error { return e.Err }

// maxResponseSize caps how much of an upstream response body we'll read;
// real OCSP responses are a few KB, a malicious or misbehaving responder
// doesn't get to make us buffer more than this.
const maxResponseSize = 1 << 20 // 1 MiB

// Fetcher issues OCSP requests to upstream responders named by the
// client's Host header.
type Fetcher struct {
	Client *http.Client
}

// NewFetcher builds a Fetcher with a bounded default timeout, mirroring
// the teacher's origin http.Client construction in NewService.
func NewFetcher() *Fetcher {
	return &Fetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

// Fetch sends requestBytes as an OCSP POST to responderHost and returns
// the raw DER response body, per spec.md §4.2.
func (f *Fetcher) Fetch(ctx context.Context, responderHost string, requestBytes []byte) ([]byte, error) {
	url := "http://" + responderHost + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBytes))
	if err != nil {
		return nil, &UpstreamError{Kind: UpstreamTransport, Err: err}
	}
	req.Header.Set("Host", responderHost)
	req.Host = responderHost
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(requestBytes)))
	req.Header.Set("User-Agent", "ocsp_proxy")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Kind: UpstreamTransport, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, &UpstreamError{Kind: UpstreamTransport, Err: err}
	}

	if res.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Kind: UpstreamStatus, Err: fmt.Errorf("got HTTP %d", res.StatusCode)}
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/ocsp-response" {
		return nil, &UpstreamError{Kind: UpstreamContentType, Err: fmt.Errorf("got %q", ct)}
	}

	return body, nil
}
