//go:build pebble

package certward

import (
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgrit/certward/acme"
)

// TestPebbleProvision exercises the full facade against a real Pebble
// server: provisioning serves HTTP-01 responses from the embedded
// responder on the port Pebble validates against (:5002 by default), and
// a warm restart reuses the stored pair.
//
//	go test -tags pebble . -run TestPebbleProvision
func TestPebbleProvision(t *testing.T) {
	caPath := os.Getenv("PEBBLE_CA")
	if caPath == "" {
		t.Skip("PEBBLE_CA is not set; skipping Pebble integration test")
	}

	settingsPath := t.TempDir()
	config := Config{
		Domains:      []string{"localhost", "pebble"},
		Server:       acme.Pebble,
		SettingsPath: settingsPath,
		CACertPath:   caPath,
	}

	// The responder must be listening before Provision blocks on issuance.
	require.NoError(t, config.normalize())
	m, err := newManager(config)
	require.NoError(t, err)

	srv := &http.Server{Addr: ":5002", Handler: m.responder.Handler(nil)}
	go func() { _ = srv.ListenAndServe() }()
	defer srv.Close()

	require.NoError(t, m.start())
	first := (&Handle{m: m}).TLSConfig()
	cert, err := first.GetCertificate(nil)
	require.NoError(t, err)
	leaf := cert.Leaf
	require.NotNil(t, leaf)
	assert.ElementsMatch(t, []string{"localhost", "pebble"}, leaf.DNSNames)
	coldSerial := leaf.SerialNumber
	m.stop()

	// Warm start: stored pair, no new order, fast.
	warm, err := newManager(config)
	require.NoError(t, err)
	begin := time.Now()
	require.NoError(t, warm.start())
	defer warm.stop()
	assert.Less(t, time.Since(begin), 100*time.Millisecond)

	warmCert, err := warm.tlsConfig().GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, coldSerial, warmCert.Leaf.SerialNumber)
}
