package ocspxy

import (
	"encoding/hex"
	"math/big"
)

// CertStatus is the CHOICE tag selected by an OCSP SingleResponse's
// certStatus field.
type CertStatus string

const (
	StatusGood    CertStatus = "good"
	StatusRevoked CertStatus = "revoked"
	StatusUnknown CertStatus = "unknown"
)

// CacheEntry is the record stored in the shared key-value store under
// CacheKey. Times are Unix seconds held as int64. The levelDBStore
// persists each entry as one gob-encoded value; the fields are not
// stored as separate string scalars.
type CacheEntry struct {
	CacheKey      string
	OCSPResponder string
	Request       []byte
	Response      []byte
	ThisUpdate    int64
	NextUpdate    int64
	LastChecked   int64
	Status        CertStatus
	NonceCount    int
}

// Valid reports whether e satisfies the field part of the persistence
// invariant of spec §3: non-empty Request/Response/OCSPResponder and a
// positive ThisUpdate. It does not look at NonceCount; Cacheable adds
// the no-nonce check.
func (e CacheEntry) Valid() bool {
	return len(e.Request) > 0 && len(e.Response) > 0 &&
		e.OCSPResponder != "" && e.ThisUpdate > 0
}

// Cacheable reports whether e is safe to persist: valid and carrying no
// nonce extension. Nonced responses are one-shot and must never be
// written to the store.
func (e CacheEntry) Cacheable() bool {
	return e.Valid() && e.NonceCount == 0
}

// Fresh reports whether e may be served without consulting the upstream
// responder: NextUpdate strictly in the future, ThisUpdate present, and
// both request/response bodies intact. now is the caller's wall clock in
// Unix seconds, so tests can pin it.
func (e CacheEntry) Fresh(now int64) bool {
	return e.NextUpdate > now && e.ThisUpdate > 0 &&
		len(e.Request) > 0 && len(e.Response) > 0
}

// CacheKey derives the primary key for a (issuerKeyHash, serial) pair:
// prefix || lowercase-hex(issuerKeyHash) || "_" || lowercase-hex(serial),
// with the serial hex unpadded (no leading zero, no 0x prefix). The
// issuer name hash is deliberately excluded — see DESIGN.md's note on the
// "key collision across issuers" open question.
func CacheKey(prefix string, issuerKeyHash []byte, serial *big.Int) string {
	serialHex := "0"
	if serial != nil {
		serialHex = serial.Text(16)
	}
	return prefix + hex.EncodeToString(issuerKeyHash) + "_" + serialHex
}
