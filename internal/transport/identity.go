package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/pion/webrtc/v3"
)

// Fingerprint identifies a DTLS certificate, e.g. {"sha-256", "ab:cd:..."}.
type Fingerprint struct {
	Algorithm string
	Value     string
}

// String renders the fingerprint in the "<algorithm> <digest>" form exchanged
// with the controller.
func (f Fingerprint) String() string {
	return f.Algorithm + " " + f.Value
}

// Identity is the node's self-signed certificate used for the DTLS handshake.
type Identity struct {
	certificate webrtc.Certificate
	tlsCert     tls.Certificate
	fingerprint Fingerprint
}

func NewIdentity() (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	tlsCert, err := selfsign.SelfSign(key)
	if err != nil {
		return nil, fmt.Errorf("generating certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	tlsCert.Leaf = leaf
	cert := webrtc.CertificateFromX509(key, leaf)

	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("computing fingerprint: %w", err)
	}
	if len(fingerprints) == 0 {
		return nil, errors.New("certificate has no fingerprint")
	}

	return &Identity{
		certificate: cert,
		tlsCert:     tlsCert,
		fingerprint: Fingerprint{
			Algorithm: fingerprints[0].Algorithm,
			Value:     fingerprints[0].Value,
		},
	}, nil
}

func (id *Identity) Certificate() tls.Certificate {
	return id.tlsCert
}

func (id *Identity) Fingerprint() Fingerprint {
	return id.fingerprint
}

func (id *Identity) Expires() time.Time {
	return id.certificate.Expires()
}
