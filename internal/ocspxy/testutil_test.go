package ocspxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

// testIssuer builds a self-signed certificate/key pair to stand in for both
// the OCSP responder's signing cert and the issuer it vouches for, the same
// shortcut notaryproject-notation-core-go's testhelper.MockServer takes.
func testIssuer(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test issuer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert, key
}

// buildRequest constructs a real single-certificate DER OCSP request for
// serial against issuer, via golang.org/x/crypto/ocsp.CreateRequest.
func buildRequest(t *testing.T, issuer *x509.Certificate, serial *big.Int) []byte {
	t.Helper()
	cert := &x509.Certificate{SerialNumber: serial}
	der, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return der
}

type responseOpts struct {
	status     int
	serial     *big.Int
	thisUpdate time.Time
	nextUpdate time.Time
	nonce      []byte
}

// buildResponse constructs a real DER OCSP response signed by issuer/key.
func buildResponse(t *testing.T, issuer *x509.Certificate, key *rsa.PrivateKey, o responseOpts) []byte {
	t.Helper()
	tmpl := ocsp.Response{
		Status:     o.status,
		SerialNumber: o.serial,
		ThisUpdate:   o.thisUpdate,
		NextUpdate:   o.nextUpdate,
	}
	if o.nonce != nil {
		tmpl.ExtraExtensions = []pkix.Extension{
			{Id: oidNonce, Value: o.nonce},
		}
	}
	der, err := ocsp.CreateResponse(issuer, issuer, tmpl, key)
	if err != nil {
		t.Fatalf("create response: %v", err)
	}
	return der
}
