package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	// CommonName is the fixed subject used for every issued identity.
	CommonName = "AirWin"

	certValidity  = 365 * 24 * time.Hour
	certBackdate  = time.Hour
	serialNumBits = 128

	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"
)

// ErrCommonNameMismatch is returned by the strict client verifier.
var ErrCommonNameMismatch = errors.New("crypto: peer certificate common name mismatch")

// CertificateError reports a failure to produce a TLS identity. It is not recoverable.
type CertificateError struct {
	Err error
}

func (e *CertificateError) Error() string {
	return "crypto: issue certificate: " + e.Err.Error()
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}

// TLSIdentity is an ephemeral self-signed certificate and its key.
//
// Identities are never persisted or pinned. Peers do not verify them, so they
// encrypt the channel without authenticating either side.
type TLSIdentity struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	Certificate    tls.Certificate
	NotAfter       time.Time
}

// IssueIdentity generates a fresh ECDSA P-256 self-signed certificate bound to CommonName.
func IssueIdentity() (*TLSIdentity, error) {
	return issueIdentityAt(time.Now())
}

func issueIdentityAt(now time.Time) (*TLSIdentity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &CertificateError{Err: fmt.Errorf("generate key: %w", err)}
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), serialNumBits))
	if err != nil {
		return nil, &CertificateError{Err: fmt.Errorf("generate serial: %w", err)}
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   CommonName,
			Organization: []string{CommonName},
			Country:      []string{"US"},
		},
		DNSNames:              []string{CommonName},
		NotBefore:             now.Add(-certBackdate),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, &CertificateError{Err: fmt.Errorf("create certificate: %w", err)}
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, &CertificateError{Err: fmt.Errorf("marshal private key: %w", err)}
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER})

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &CertificateError{Err: fmt.Errorf("load key pair: %w", err)}
	}

	return &TLSIdentity{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
		Certificate:    pair,
		NotAfter:       template.NotAfter,
	}, nil
}

// ServerTLSConfig returns a server config presenting id. Client certificates are not requested.
func ServerTLSConfig(id *TLSIdentity) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.Certificate},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.NoClientCert,
	}
}

// ClientOptions tunes outbound TLS behavior.
type ClientOptions struct {
	// StrictCommonName rejects peers whose leaf certificate CN is not CommonName.
	StrictCommonName bool
	ServerName       string
}

// ClientTLSConfig returns a client config presenting id.
//
// Chain and hostname verification are disabled because Apple receivers and
// other AirWin hosts present self-signed certificates.
func ClientTLSConfig(id *TLSIdentity, opts ClientOptions) *tls.Config {
	serverName := opts.ServerName
	if serverName == "" {
		serverName = CommonName
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: true,
	}
	if id != nil {
		cfg.Certificates = []tls.Certificate{id.Certificate}
	}
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("crypto: peer presented no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("crypto: parse peer certificate: %w", err)
		}
		if opts.StrictCommonName && leaf.Subject.CommonName != CommonName {
			return fmt.Errorf("%w: %q", ErrCommonNameMismatch, leaf.Subject.CommonName)
		}
		return nil
	}
	return cfg
}
