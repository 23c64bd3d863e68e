package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/zeebo/blake3"
)

// certificateLifetime is the validity of a node's self-signed certificate.
const certificateLifetime = 365 * 24 * time.Hour

// ErrBadPeerCertificate is returned when a peer does not present a valid
// self-signed ed25519 certificate.
var ErrBadPeerCertificate = errors.New("network: bad peer certificate")

// generateCertificate builds the self-signed TLS certificate that carries a
// node's ed25519 identity. The serial is derived from the public key so a
// node presents the same certificate across restarts.
func generateCertificate(privateKey ed25519.PrivateKey) (tls.Certificate, error) {
	publicKey := privateKey.Public().(ed25519.PublicKey)
	digest := blake3.Sum256(publicKey)

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          new(big.Int).SetBytes(digest[:16]),
		Subject:               pkix.Name{CommonName: "dato-" + hex.EncodeToString(publicKey[:8])},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certificateLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate:\n%w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate:\n%w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  privateKey,
		Leaf:        leaf,
	}, nil
}

// extractPublicKey returns the ed25519 identity of a peer whose certificate
// is signed by its own key.
func extractPublicKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no certificate presented:\n%w", ErrBadPeerCertificate)
	}

	cert := state.PeerCertificates[0]

	pubKey, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is not ed25519:\n%w", ErrBadPeerCertificate)
	}

	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return nil, fmt.Errorf("certificate not self-signed:\n%w", ErrBadPeerCertificate)
	}

	return pubKey, nil
}
