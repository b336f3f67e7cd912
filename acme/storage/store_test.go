package storage

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgrit/certward/acme"
	"github.com/lgrit/certward/acme/keys"
)

// selfSigned returns a PEM chain and key usable as a stored pair.
func selfSigned(t *testing.T, domains ...string) ([]byte, crypto.Signer) {
	t.Helper()
	key, err := keys.NewSigner()
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)

	chainPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return chainPEM, key
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func write(t *testing.T, s *Store, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), name), []byte(content), 0600))
}

func read(t *testing.T, s *Store, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(s.Dir(), name))
	require.NoError(t, err)
	return string(data)
}

func fileExists(s *Store, name string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(), name))
	return err == nil
}

func TestReplaceAndLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	chainPEM, key := selfSigned(t, "example.com", "www.example.com")

	stored, err := s.Replace(chainPEM, key)
	require.NoError(t, err)

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, stored.SerialNumber(), loaded.SerialNumber())
	assert.Equal(t, []string{"example.com", "www.example.com"}, loaded.Domains())
	assert.Equal(t, chainPEM, loaded.ChainPEM)

	// Key files are private, the chain is not.
	keyInfo, err := os.Stat(filepath.Join(s.Dir(), CertificateIdentityFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), keyInfo.Mode().Perm())
	chainInfo, err := os.Stat(filepath.Join(s.Dir(), CertificateFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), chainInfo.Mode().Perm())

	assert.False(t, fileExists(s, CertificateFile+".old"))
	assert.False(t, fileExists(s, CertificateIdentityFile+".old"))
}

func TestReplaceSwapsOutPreviousPair(t *testing.T) {
	s := newStore(t)

	first, firstKey := selfSigned(t, "example.com")
	_, err := s.Replace(first, firstKey)
	require.NoError(t, err)

	second, secondKey := selfSigned(t, "example.com")
	stored, err := s.Replace(second, secondKey)
	require.NoError(t, err)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, stored.SerialNumber(), loaded.SerialNumber())
	assert.False(t, fileExists(s, CertificateFile+".old"))
	assert.False(t, fileExists(s, CertificateIdentityFile+".old"))
}

func TestLoadEmptyStore(t *testing.T) {
	s := newStore(t)
	bundle, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, bundle)
}

// Renewal completed but cleanup crashed: stale .old files beside a valid
// current pair are deleted, current files untouched.
func TestRecoverCleansStaleOldFiles(t *testing.T) {
	s := newStore(t)
	write(t, s, CertificateFile, "current-chain")
	write(t, s, CertificateIdentityFile, "current-key")
	write(t, s, CertificateFile+".old", "stale-chain")
	write(t, s, CertificateIdentityFile+".old", "stale-key")

	require.NoError(t, s.Recover())

	assert.Equal(t, "current-chain", read(t, s, CertificateFile))
	assert.Equal(t, "current-key", read(t, s, CertificateIdentityFile))
	assert.False(t, fileExists(s, CertificateFile+".old"))
	assert.False(t, fileExists(s, CertificateIdentityFile+".old"))
}

// Crash after both renames, before any write: the .old pair comes back.
func TestRecoverRestoresMovedAsidePair(t *testing.T) {
	s := newStore(t)
	write(t, s, CertificateFile+".old", "previous-chain")
	write(t, s, CertificateIdentityFile+".old", "previous-key")

	require.NoError(t, s.Recover())

	assert.Equal(t, "previous-chain", read(t, s, CertificateFile))
	assert.Equal(t, "previous-key", read(t, s, CertificateIdentityFile))
	assert.False(t, fileExists(s, CertificateFile+".old"))
	assert.False(t, fileExists(s, CertificateIdentityFile+".old"))
}

// Crash after writing the new chain but before its key: the partial write
// is discarded and the previous pair restored.
func TestRecoverDiscardsPartialWrite(t *testing.T) {
	s := newStore(t)
	write(t, s, CertificateFile, "half-written-chain")
	write(t, s, CertificateFile+".old", "previous-chain")
	write(t, s, CertificateIdentityFile+".old", "previous-key")

	require.NoError(t, s.Recover())

	assert.Equal(t, "previous-chain", read(t, s, CertificateFile))
	assert.Equal(t, "previous-key", read(t, s, CertificateIdentityFile))
	assert.False(t, fileExists(s, CertificateFile+".old"))
	assert.False(t, fileExists(s, CertificateIdentityFile+".old"))
}

// Crash between the two step-2 renames: the chain moved aside, the key
// never did.
func TestRecoverRestoresChainAfterSplitRename(t *testing.T) {
	s := newStore(t)
	write(t, s, CertificateIdentityFile, "current-key")
	write(t, s, CertificateFile+".old", "previous-chain")

	require.NoError(t, s.Recover())

	assert.Equal(t, "previous-chain", read(t, s, CertificateFile))
	assert.Equal(t, "current-key", read(t, s, CertificateIdentityFile))
	assert.False(t, fileExists(s, CertificateFile+".old"))
}

func TestRecoverSteadyStateIsNoop(t *testing.T) {
	s := newStore(t)
	write(t, s, CertificateFile, "current-chain")
	write(t, s, CertificateIdentityFile, "current-key")

	require.NoError(t, s.Recover())

	assert.Equal(t, "current-chain", read(t, s, CertificateFile))
	assert.Equal(t, "current-key", read(t, s, CertificateIdentityFile))
}

func TestRecoverColdStartIsNoop(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Recover())
	assert.False(t, fileExists(s, CertificateFile))
}

func TestRecoverRefusesUnclassifiableState(t *testing.T) {
	s := newStore(t)
	// A chain with no key and no .old files was not produced by the
	// renewal protocol.
	write(t, s, CertificateFile, "orphan-chain")

	err := s.Recover()
	var corrupt *acme.CertificateStateCorruptedError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, s.Dir(), corrupt.Dir)
}

// Recovery then load always yields a pair that parses together: run the
// real protocol, crash it at each step boundary, recover, reload.
func TestRecoverThenLoadYieldsConsistentPair(t *testing.T) {
	s := newStore(t)
	chainPEM, key := selfSigned(t, "example.com")
	original, err := s.Replace(chainPEM, key)
	require.NoError(t, err)

	// Simulate the crash windows that leave work behind.
	crashes := map[string]func(){
		"after renames": func() {
			require.NoError(t, os.Rename(
				filepath.Join(s.Dir(), CertificateFile),
				filepath.Join(s.Dir(), CertificateFile+".old")))
			require.NoError(t, os.Rename(
				filepath.Join(s.Dir(), CertificateIdentityFile),
				filepath.Join(s.Dir(), CertificateIdentityFile+".old")))
		},
		"after first rename": func() {
			require.NoError(t, os.Rename(
				filepath.Join(s.Dir(), CertificateFile),
				filepath.Join(s.Dir(), CertificateFile+".old")))
		},
	}

	for name, crash := range crashes {
		crash()
		require.NoError(t, s.Recover(), name)

		loaded, err := s.Load()
		require.NoError(t, err, name)
		require.NotNil(t, loaded, name)
		assert.Equal(t, original.SerialNumber(), loaded.SerialNumber(), name)
	}
}
