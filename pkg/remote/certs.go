package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// alternativeNameEncoding is the alphabet used to derive a host name from a
// public key.
const alternativeNameEncoding = "abcdefghijklmnopqrstuvwxyz234567"

// generateCertificate creates a self-signed certificate whose only DNS name is
// derived from the ed25519 public key.
func generateCertificate(privateKey ed25519.PrivateKey) (tls.Certificate, error) {
	publicKey := privateKey.Public().(ed25519.PublicKey)
	altName, err := AlternativeName(publicKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate alternative name: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: altName,
		},
		DNSNames:              []string{altName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, publicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{certBytes},
		PrivateKey:  privateKey,
	}, nil
}

// AlternativeName encodes pubKey, read as a little-endian integer, as 52
// base-32 digits prefixed with "r".
func AlternativeName(pubKey ed25519.PublicKey) (string, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key size: %d", len(pubKey))
	}
	revBytes := make([]byte, len(pubKey))
	for i, b := range pubKey {
		revBytes[len(pubKey)-1-i] = b
	}
	n := new(big.Int).SetBytes(revBytes)

	result := []byte{'r'}
	thirtytwo := big.NewInt(32)
	mod := new(big.Int)
	for i := 0; i < 52; i++ {
		mod.Mod(n, thirtytwo)
		result = append(result, alternativeNameEncoding[mod.Int64()])
		n.Div(n, thirtytwo)
	}
	return string(result), nil
}

// peerKey checks that the leaf certificate is ed25519 and names its own key,
// and returns that key.
func peerKey(rawCerts [][]byte) (ed25519.PublicKey, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("no certificate provided by peer")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	publicKey, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer certificate does not use Ed25519 key")
	}
	if len(cert.DNSNames) != 1 {
		return nil, fmt.Errorf("peer certificate must have exactly one DNS name, has %d", len(cert.DNSNames))
	}
	expectedName, err := AlternativeName(publicKey)
	if err != nil {
		return nil, err
	}
	if cert.DNSNames[0] != expectedName {
		return nil, fmt.Errorf("peer certificate DNS name does not match its key: %s vs %s",
			cert.DNSNames[0], expectedName)
	}
	return publicKey, nil
}

func serverTLSConfig(privateKey ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := generateCertificate(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpnProto},
	}, nil
}

// clientTLSConfig accepts any self-consistent server certificate, or only the
// one for pinned when it is set.
func clientTLSConfig(pinned ed25519.PublicKey) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{alpnProto},
		// Self-signed; checked by VerifyPeerCertificate instead.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			key, err := peerKey(rawCerts)
			if err != nil {
				return err
			}
			if pinned != nil && !key.Equal(pinned) {
				return fmt.Errorf("server key %x is not the pinned key", []byte(key))
			}
			return nil
		},
	}
}
