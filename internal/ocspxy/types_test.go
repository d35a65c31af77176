package ocspxy

import (
	"math/big"
	"testing"
)

func TestCacheKeyDeterministic(t *testing.T) {
	hash := []byte{0xde, 0xad, 0xbe, 0xef}
	serial := big.NewInt(4660) // 0x1234

	k1 := CacheKey("ocspxy_", hash, serial)
	k2 := CacheKey("ocspxy_", hash, serial)
	if k1 != k2 {
		t.Fatalf("CacheKey not deterministic: %q vs %q", k1, k2)
	}
	want := "ocspxy_deadbeef_1234"
	if k1 != want {
		t.Fatalf("CacheKey = %q, want %q", k1, want)
	}
}

func TestCacheKeyDiffersBySerial(t *testing.T) {
	hash := []byte{0x01, 0x02}
	a := CacheKey("p_", hash, big.NewInt(1))
	b := CacheKey("p_", hash, big.NewInt(2))
	if a == b {
		t.Fatalf("expected distinct keys for distinct serials, got %q for both", a)
	}
}

func TestCacheKeyNilSerial(t *testing.T) {
	k := CacheKey("p_", []byte{0xaa}, nil)
	if k != "p_aa_0" {
		t.Fatalf("CacheKey with nil serial = %q, want %q", k, "p_aa_0")
	}
}

func TestCacheEntryValid(t *testing.T) {
	base := CacheEntry{
		OCSPResponder: "ocsp.example.com",
		Request:       []byte{1},
		Response:      []byte{2},
		ThisUpdate:    100,
	}
	if !base.Valid() {
		t.Fatalf("expected base entry to be valid")
	}

	missingResponder := base
	missingResponder.OCSPResponder = ""
	if missingResponder.Valid() {
		t.Fatalf("entry with no responder must not be valid")
	}

	zeroThisUpdate := base
	zeroThisUpdate.ThisUpdate = 0
	if zeroThisUpdate.Valid() {
		t.Fatalf("entry with zero ThisUpdate must not be valid")
	}

	emptyBody := base
	emptyBody.Response = nil
	if emptyBody.Valid() {
		t.Fatalf("entry with empty response must not be valid")
	}
}

func TestCacheEntryCacheable(t *testing.T) {
	base := CacheEntry{
		OCSPResponder: "ocsp.example.com",
		Request:       []byte{1},
		Response:      []byte{2},
		ThisUpdate:    100,
	}
	if !base.Cacheable() {
		t.Fatalf("valid, non-nonced entry should be cacheable")
	}

	nonced := base
	nonced.NonceCount = 1
	if nonced.Cacheable() {
		t.Fatalf("nonced entry must never be cacheable")
	}

	invalid := CacheEntry{}
	if invalid.Cacheable() {
		t.Fatalf("invalid entry must never be cacheable")
	}
}

func TestCacheEntryFresh(t *testing.T) {
	entry := CacheEntry{
		Request:    []byte{1},
		Response:   []byte{2},
		ThisUpdate: 100,
		NextUpdate: 200,
	}
	if !entry.Fresh(150) {
		t.Fatalf("entry with NextUpdate in the future should be fresh")
	}
	if entry.Fresh(200) {
		t.Fatalf("entry at exactly NextUpdate should no longer be fresh")
	}
	if entry.Fresh(250) {
		t.Fatalf("entry past NextUpdate should not be fresh")
	}

	noBody := entry
	noBody.Response = nil
	if noBody.Fresh(150) {
		t.Fatalf("entry with no cached body should not be fresh")
	}
}
