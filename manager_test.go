package certward

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgrit/certward/acme"
	"github.com/lgrit/certward/acme/acmetest"
	"github.com/lgrit/certward/acme/storage"
)

// fixture is a manager wired to an acmetest server whose HTTP-01
// validations hit the manager's own responder over a real listener.
type fixture struct {
	m   *manager
	srv *acmetest.Server
}

func newFixture(t *testing.T, settingsPath string, opts acmetest.Options) *fixture {
	t.Helper()

	m, err := newManager(Config{
		Domains:      []string{"localhost", "ward.example"},
		SettingsPath: settingsPath,
		DirectoryURL: "http://placeholder.invalid/directory",
		Logger:       slog.Default(),
	})
	require.NoError(t, err)

	challenges := httptest.NewServer(m.responder.Handler(nil))
	t.Cleanup(challenges.Close)

	if opts.ValidateHTTP01 == "" {
		opts.ValidateHTTP01 = challenges.URL
	}
	srv, err := acmetest.New(opts)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	m.config.DirectoryURL = srv.URL()
	return &fixture{m: m, srv: srv}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.m.start())
	t.Cleanup(f.m.stop)
}

func (f *fixture) liveCertificate(t *testing.T) *tls.Certificate {
	t.Helper()
	cert, err := f.m.tlsConfig().GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	return cert
}

func TestColdStartIssuance(t *testing.T) {
	settingsPath := t.TempDir()
	fix := newFixture(t, settingsPath, acmetest.Options{})
	fix.start(t)

	// The settings directory gained the full persisted state.
	for _, name := range []string{
		storage.AccountIdentityFile,
		storage.CertificateIdentityFile,
		storage.CertificateFile,
	} {
		_, err := os.Stat(filepath.Join(settingsPath, name))
		assert.NoError(t, err, name)
	}

	cert := fix.liveCertificate(t)
	leaf := cert.Leaf
	require.NotNil(t, leaf)
	assert.ElementsMatch(t, []string{"localhost", "ward.example"}, leaf.DNSNames)
	now := time.Now()
	assert.True(t, leaf.NotBefore.Before(now))
	assert.True(t, leaf.NotAfter.After(now))

	assert.Equal(t, 1, fix.srv.OrderCount())
	assert.Zero(t, fix.srv.NonceReuseCount())
}

func TestWarmStartUsesStoredCertificate(t *testing.T) {
	settingsPath := t.TempDir()

	cold := newFixture(t, settingsPath, acmetest.Options{})
	require.NoError(t, cold.m.start())
	coldSerial := cold.liveCertificate(t).Leaf.SerialNumber
	cold.m.stop()

	warm := newFixture(t, settingsPath, acmetest.Options{})
	begin := time.Now()
	warm.start(t)
	elapsed := time.Since(begin)

	// No network, no keygen: the stored pair is served as-is.
	assert.Less(t, elapsed, 100*time.Millisecond)
	assert.Zero(t, warm.srv.OrderCount())
	assert.Equal(t, coldSerial, warm.liveCertificate(t).Leaf.SerialNumber)
}

func TestForcedRenewalRotatesCertificate(t *testing.T) {
	fix := newFixture(t, t.TempDir(), acmetest.Options{})
	fix.start(t)

	firstSerial := fix.liveCertificate(t).Leaf.SerialNumber

	// Drag the trigger date into the past; the next check must renew.
	fix.m.setRenewAt(fix.m.now().Add(-24 * time.Hour))
	require.NoError(t, fix.m.checkForRenewal(context.Background()))

	secondSerial := fix.liveCertificate(t).Leaf.SerialNumber
	assert.NotEqual(t, firstSerial, secondSerial)
	assert.Equal(t, 2, fix.srv.OrderCount())

	// The due time moved back out to notAfter minus the renewal window.
	assert.True(t, fix.m.renewalDue().After(fix.m.now()))
}

func TestHealthyCertificateIsNotRenewed(t *testing.T) {
	fix := newFixture(t, t.TempDir(), acmetest.Options{})
	fix.start(t)

	require.NoError(t, fix.m.checkForRenewal(context.Background()))
	require.NoError(t, fix.m.checkForRenewal(context.Background()))
	assert.Equal(t, 1, fix.srv.OrderCount())
}

func TestConcurrentRenewalsCoalesce(t *testing.T) {
	// Slow the issuance down so every goroutine lands inside the same
	// in-flight order.
	fix := newFixture(t, t.TempDir(), acmetest.Options{PendingPolls: 2})
	fix.start(t)

	fix.m.setRenewAt(fix.m.now().Add(-24 * time.Hour))

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, fix.m.checkForRenewal(context.Background()))
		}()
	}
	wg.Wait()

	// One initial issuance plus exactly one coalesced renewal.
	assert.Equal(t, 2, fix.srv.OrderCount())
}

func TestRenewalFailureKeepsStoredCertificate(t *testing.T) {
	settingsPath := t.TempDir()
	fix := newFixture(t, settingsPath, acmetest.Options{})
	fix.start(t)
	serial := fix.liveCertificate(t).Leaf.SerialNumber

	// Point the renewal at a dead directory and force it.
	failing := newFixture(t, settingsPath, acmetest.Options{})
	failing.m.config.DirectoryURL = "http://127.0.0.1:1/directory"
	require.NoError(t, failing.m.start())
	t.Cleanup(failing.m.stop)
	failing.m.setRenewAt(failing.m.now().Add(-24 * time.Hour))

	err := failing.m.checkForRenewal(context.Background())
	require.Error(t, err)

	// A failure never deletes the certificate on disk.
	reloaded, err := failing.m.store.Load()
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.Equal(t, serial, reloaded.SerialNumber())
}

func TestProvisionValidatesConfig(t *testing.T) {
	cases := []Config{
		{},
		{Domains: []string{"example.com"}},
		{Domains: []string{"example.com"}, SettingsPath: "relative/path"},
		{Domains: []string{"*.example.com"}, SettingsPath: "/tmp"},
		{Domains: []string{"example.com"}, SettingsPath: "/tmp", Server: acme.Environment("bogus")},
	}
	for _, config := range cases {
		_, err := Provision(config)
		var confErr *acme.ConfigurationError
		assert.True(t, errors.As(err, &confErr), "config %+v", config)
	}
}

func TestConfigDerivesDirectoryFromEnvironment(t *testing.T) {
	config := Config{
		Domains:      []string{"example.com"},
		Server:       acme.Staging,
		SettingsPath: "/var/lib/certward",
	}
	require.NoError(t, config.normalize())
	assert.Equal(t, "https://acme-staging-v02.api.letsencrypt.org/directory", config.DirectoryURL)
}

func TestStopAutoRenewalStopsScheduler(t *testing.T) {
	fix := newFixture(t, t.TempDir(), acmetest.Options{})
	require.NoError(t, fix.m.start())

	done := make(chan struct{})
	go func() {
		fix.m.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StopAutoRenewal did not stop the scheduler")
	}
}
