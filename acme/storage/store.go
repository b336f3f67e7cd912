// Package storage persists the certificate chain and its keypair under the
// configured settings directory, replaces them atomically on renewal and
// recovers the last consistent pair after a crash mid-renewal.
package storage

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/lgrit/certward/acme"
	"github.com/lgrit/certward/acme/keys"
)

// File names under the settings directory. The account identity lives
// beside the certificate pair but is never part of the renewal swap.
const (
	AccountIdentityFile     = "account-identity.pem"
	CertificateIdentityFile = "certificate-identity.pem"
	CertificateFile         = "certificate.pem"

	// oldSuffix marks the previous pair while a renewal is in flight.
	oldSuffix = ".old"
)

// Store owns the on-disk certificate state in one settings directory.
type Store struct {
	dir string
	log *slog.Logger
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &acme.IdentityIOError{Path: dir, Err: err}
	}
	return &Store{
		dir: dir,
		log: logger.With("component", "certificate-store"),
	}, nil
}

// Dir returns the settings directory.
func (s *Store) Dir() string { return s.dir }

// AccountIdentityPath returns the path of the account keypair PEM.
func (s *Store) AccountIdentityPath() string {
	return filepath.Join(s.dir, AccountIdentityFile)
}

func (s *Store) certPath() string    { return filepath.Join(s.dir, CertificateFile) }
func (s *Store) keyPath() string     { return filepath.Join(s.dir, CertificateIdentityFile) }
func (s *Store) oldCertPath() string { return s.certPath() + oldSuffix }
func (s *Store) oldKeyPath() string  { return s.keyPath() + oldSuffix }

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Recover classifies the on-disk state left by a possible crash during
// a previous renewal and restores the last consistent certificate pair.
// It must run before any read of the current files.
//
// The renewal protocol renames the current pair to ".old", writes the new
// pair, then removes the ".old" files; every crash point between those
// steps lands in exactly one of the cases below. A layout matching none of
// them was not produced by the protocol and is surfaced for the operator
// rather than guessed at.
func (s *Store) Recover() error {
	var curCert, curKey, oldCert, oldKey bool
	for _, probe := range []struct {
		path string
		flag *bool
	}{
		{s.certPath(), &curCert},
		{s.keyPath(), &curKey},
		{s.oldCertPath(), &oldCert},
		{s.oldKeyPath(), &oldKey},
	} {
		found, err := exists(probe.path)
		if err != nil {
			return &acme.IdentityIOError{Path: probe.path, Err: err}
		}
		*probe.flag = found
	}

	switch {
	case curCert && curKey:
		// Steady state, possibly with ".old" leftovers from a renewal that
		// completed but crashed during cleanup. Finish the cleanup.
		if oldCert || oldKey {
			s.log.Info("removing stale renewal leftovers")
			if err := removeIfExists(s.oldCertPath()); err != nil {
				return err
			}
			if err := removeIfExists(s.oldKeyPath()); err != nil {
				return err
			}
		}
		return nil

	case !curCert && !curKey && oldCert && oldKey:
		// Crashed after moving the old pair aside, before writing anything.
		s.log.Warn("recovering certificate pair from interrupted renewal")
		if err := rename(s.oldCertPath(), s.certPath()); err != nil {
			return err
		}
		return rename(s.oldKeyPath(), s.keyPath())

	case curCert && !curKey && oldCert && oldKey:
		// Crashed after writing the new chain but before its key. The new
		// chain is useless without it; restore the old pair.
		s.log.Warn("discarding partially renewed certificate")
		if err := removeIfExists(s.certPath()); err != nil {
			return err
		}
		if err := rename(s.oldCertPath(), s.certPath()); err != nil {
			return err
		}
		return rename(s.oldKeyPath(), s.keyPath())

	case !curCert && curKey && oldCert:
		// Crashed between the two step-2 renames: the chain moved aside but
		// the key never did. Put the chain back; restore the key too if it
		// also made it to ".old".
		s.log.Warn("recovering certificate chain from interrupted renewal")
		if err := rename(s.oldCertPath(), s.certPath()); err != nil {
			return err
		}
		if oldKey {
			if err := removeIfExists(s.keyPath()); err != nil {
				return err
			}
			return rename(s.oldKeyPath(), s.keyPath())
		}
		return nil

	case !curCert && !curKey && !oldCert && !oldKey:
		// Cold start; issuance will populate the directory.
		return nil
	}

	return &acme.CertificateStateCorruptedError{
		Dir: s.dir,
		State: fmt.Sprintf("certificate=%t identity=%t certificate%s=%t identity%s=%t",
			curCert, curKey, oldSuffix, oldCert, oldSuffix, oldKey),
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &acme.IdentityIOError{Path: path, Err: err}
	}
	return nil
}

func rename(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return &acme.IdentityIOError{Path: from, Err: err}
	}
	return nil
}

// Load reads and parses the current certificate pair. It returns (nil, nil)
// when no pair exists yet. Run Recover first.
func (s *Store) Load() (*Bundle, error) {
	chainPEM, err := os.ReadFile(s.certPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &acme.IdentityIOError{Path: s.certPath(), Err: err}
	}

	keyPEM, err := os.ReadFile(s.keyPath())
	if err != nil {
		return nil, &acme.IdentityIOError{Path: s.keyPath(), Err: err}
	}

	return newBundle(chainPEM, keyPEM)
}

// Replace atomically swaps in a renewed certificate pair. The write order
// matters: each intermediate state is one Recover can classify.
func (s *Store) Replace(chainPEM []byte, certKey crypto.Signer) (*Bundle, error) {
	keyPEM, err := keys.SignerToPEM(certKey)
	if err != nil {
		return nil, &acme.IdentityParseError{Path: s.keyPath(), Err: err}
	}

	// Parse before touching the disk so a bad chain never replaces a good
	// one.
	bundle, err := newBundle(chainPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	curExists, err := exists(s.certPath())
	if err != nil {
		return nil, &acme.IdentityIOError{Path: s.certPath(), Err: err}
	}
	if curExists {
		if err := rename(s.certPath(), s.oldCertPath()); err != nil {
			return nil, err
		}
		if err := rename(s.keyPath(), s.oldKeyPath()); err != nil {
			return nil, err
		}
	}

	if err := writeFileSync(s.certPath(), chainPEM, 0644); err != nil {
		return nil, err
	}
	if err := writeFileSync(s.keyPath(), keyPEM, 0600); err != nil {
		return nil, err
	}

	if err := removeIfExists(s.oldCertPath()); err != nil {
		return nil, err
	}
	if err := removeIfExists(s.oldKeyPath()); err != nil {
		return nil, err
	}

	s.log.Info("stored certificate pair",
		"notAfter", bundle.NotAfter(), "serial", bundle.SerialNumber())
	return bundle, nil
}

// writeFileSync writes data and fsyncs before closing, so a completed
// rename step is never paired with an unflushed write.
func writeFileSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return &acme.IdentityIOError{Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &acme.IdentityIOError{Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &acme.IdentityIOError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &acme.IdentityIOError{Path: path, Err: err}
	}
	return nil
}

// Bundle is a parsed certificate chain plus its keypair, ready to serve.
type Bundle struct {
	// ChainPEM is the stored chain, leaf first.
	ChainPEM []byte
	// Certificate is the chain paired with its key for use in
	// a tls.Config.
	Certificate tls.Certificate
	// Leaf is the parsed leaf certificate.
	Leaf *x509.Certificate
}

func newBundle(chainPEM, keyPEM []byte) (*Bundle, error) {
	cert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, &acme.IdentityParseError{Path: CertificateFile, Err: err}
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, &acme.IdentityParseError{Path: CertificateFile, Err: err}
	}
	cert.Leaf = leaf
	return &Bundle{
		ChainPEM:    chainPEM,
		Certificate: cert,
		Leaf:        leaf,
	}, nil
}

// NotAfter returns the leaf certificate's expiry.
func (b *Bundle) NotAfter() time.Time {
	return b.Leaf.NotAfter
}

// NotBefore returns the start of the leaf certificate's validity.
func (b *Bundle) NotBefore() time.Time {
	return b.Leaf.NotBefore
}

// SerialNumber returns the leaf certificate's serial.
func (b *Bundle) SerialNumber() *big.Int {
	return b.Leaf.SerialNumber
}

// Domains returns the leaf certificate's DNS SANs.
func (b *Bundle) Domains() []string {
	return b.Leaf.DNSNames
}
