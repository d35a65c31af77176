package ocspxy

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"
)

// oidNonce is the OCSP nonce extension, RFC 6960 §4.4.1. Its presence
// makes a response a one-shot answer to a specific request, and therefore
// uncacheable. DecodeResponse counts it among the singleExtensions of the
// response's SingleResponse (what golang.org/x/crypto/ocsp exposes as
// Response.Extensions); the responseExtensions of tbsResponseData are not
// examined.
var oidNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}

// DecodeError wraps a failure to parse an OCSP request or response.
type DecodeError struct {
	Op  string // "request" or "response"
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("ocspxy: decode %s: %v", e.Op, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// DecodedRequest is what the Request Handler needs out of a client's DER
// OCSP request: the first CertID (for cache-key derivation) and the
// total number of embedded requests (for the multi-request bypass rule).
type DecodedRequest struct {
	RequestCount  int
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

// asn1CertID mirrors the CertID structure golang.org/x/crypto/ocsp
// decodes internally, used only to recover len(requestList) — a detail
// ocsp.ParseRequest does not expose since it only ever looks at the
// first entry.
type asn1CertID struct {
	HashAlgorithm  pkix.AlgorithmIdentifier
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int
}

type asn1SingleRequest struct {
	ReqCert asn1CertID
}

type asn1TBSRequest struct {
	Version       asn1.RawValue `asn1:"optional,explicit,tag:0"`
	RequestorName asn1.RawValue `asn1:"optional,explicit,tag:1"`
	RequestList   []asn1SingleRequest
}

type asn1OCSPRequest struct {
	TBSRequest asn1.RawValue
}

// DecodeRequest parses a client-submitted DER OCSP request far enough to
// make a caching decision: how many certificates it asks about, and (for
// the single-cert case) the issuer key hash and serial number used to
// derive the cache key.
func DecodeRequest(der []byte) (DecodedRequest, error) {
	var env asn1OCSPRequest
	if _, err := asn1.Unmarshal(der, &env); err != nil {
		return DecodedRequest{}, &DecodeError{Op: "request", Err: err}
	}
	var tbs asn1TBSRequest
	if _, err := asn1.Unmarshal(env.TBSRequest.FullBytes, &tbs); err != nil {
		return DecodedRequest{}, &DecodeError{Op: "request", Err: err}
	}
	if len(tbs.RequestList) == 0 {
		return DecodedRequest{}, &DecodeError{Op: "request", Err: fmt.Errorf("empty requestList")}
	}

	out := DecodedRequest{RequestCount: len(tbs.RequestList)}
	if out.RequestCount == 1 {
		// Use the vetted library parse for the fields we actually rely
		// on, rather than trusting our own minimal struct's values.
		req, err := ocsp.ParseRequest(der)
		if err != nil {
			return DecodedRequest{}, &DecodeError{Op: "request", Err: err}
		}
		out.IssuerKeyHash = req.IssuerKeyHash
		out.SerialNumber = req.SerialNumber
	}
	return out, nil
}

// DecodedResponse is what the Request Handler and Refresher need out of
// an upstream DER OCSP response.
type DecodedResponse struct {
	Status     CertStatus
	ThisUpdate int64
	NextUpdate int64
	NonceCount int
}

// DecodeResponse parses an upstream DER OCSP response. Signature
// verification is deliberately not performed — spec.md's non-goals treat
// the proxy as trusting its configured responders. A response carrying
// more than one SingleResponse is rejected with a DecodeError, since
// ocsp.ParseResponse accepts exactly one; the request path only ever
// issues single-certificate requests once it has decided to cache.
func DecodeResponse(der []byte) (DecodedResponse, error) {
	resp, err := ocsp.ParseResponse(der, nil)
	if err != nil {
		return DecodedResponse{}, &DecodeError{Op: "response", Err: err}
	}

	var status CertStatus
	switch resp.Status {
	case ocsp.Good:
		status = StatusGood
	case ocsp.Revoked:
		status = StatusRevoked
	default:
		status = StatusUnknown
	}

	nonces := 0
	for _, ext := range resp.Extensions {
		if ext.Id.Equal(oidNonce) {
			nonces++
		}
	}

	return DecodedResponse{
		Status:     status,
		ThisUpdate: unixSeconds(resp.ThisUpdate),
		NextUpdate: unixSeconds(resp.NextUpdate),
		NonceCount: nonces,
	}, nil
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
