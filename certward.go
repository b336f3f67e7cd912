// Package certward provisions and maintains TLS server certificates from
// Let's Encrypt (or any RFC 8555 directory) using the HTTP-01 challenge.
//
// A host application supplies one or more domain names and a settings
// directory, mounts the challenge responder in its plaintext listener and
// receives a live, auto-renewing *tls.Config for its HTTPS listener:
//
//	handle, err := certward.Provision(certward.Config{
//		Domains:      []string{"example.com"},
//		Server:       acme.Production,
//		SettingsPath: "/var/lib/certward",
//	})
//	...
//	go http.ListenAndServe(":80", handle.HTTPHandler(mux))
//	srv := &http.Server{Addr: ":443", TLSConfig: handle.TLSConfig(), Handler: mux}
//	srv.ListenAndServeTLS("", "")
package certward

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/lgrit/certward/acme"
)

// Config carries everything Provision needs.
type Config struct {
	// Domains is the non-empty list of DNS names to include as certificate
	// SANs. The first name is the CSR common name.
	Domains []string
	// Server selects the ACME directory environment. Ignored when
	// DirectoryURL is set.
	Server acme.Environment
	// DirectoryURL optionally overrides the environment's directory
	// endpoint (used by tests pointing at an in-process server).
	DirectoryURL string
	// SettingsPath is the absolute directory the account identity,
	// certificate identity and certificate chain persist under.
	SettingsPath string
	// Contacts optionally lists mailto contact addresses for the account.
	Contacts []string
	// CACertPath optionally points at PEM trust roots for the ACME server's
	// own HTTPS certificate (required for Pebble).
	CACertPath string
	// Logger receives the library's structured log output. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

func (c *Config) normalize() error {
	c.SettingsPath = strings.TrimSpace(c.SettingsPath)
	c.DirectoryURL = strings.TrimSpace(c.DirectoryURL)

	if len(c.Domains) == 0 {
		return &acme.ConfigurationError{Field: "Domains", Reason: "must not be empty"}
	}
	for _, d := range c.Domains {
		if strings.TrimSpace(d) == "" {
			return &acme.ConfigurationError{Field: "Domains", Reason: "contains an empty name"}
		}
		if strings.Contains(d, "*") {
			return &acme.ConfigurationError{Field: "Domains",
				Reason: "wildcard names cannot be validated over http-01"}
		}
	}

	if c.SettingsPath == "" {
		return &acme.ConfigurationError{Field: "SettingsPath", Reason: "must not be empty"}
	}
	if !filepath.IsAbs(c.SettingsPath) {
		return &acme.ConfigurationError{Field: "SettingsPath", Reason: "must be an absolute path"}
	}

	if c.DirectoryURL == "" {
		dirURL, err := c.Server.DirectoryURL()
		if err != nil {
			return &acme.ConfigurationError{Field: "Server", Reason: err.Error()}
		}
		c.DirectoryURL = dirURL
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Handle is the host-facing surface of a provisioned certificate: the live
// TLS configuration, the challenge responder middleware and the renewal
// kill switch.
type Handle struct {
	m *manager
}

// Provision runs recovery on the settings directory, obtains a certificate
// if none is stored (blocking until issuance completes) and starts the
// renewal scheduler. The returned Handle stays valid for the life of the
// process.
func Provision(config Config) (*Handle, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}

	m, err := newManager(config)
	if err != nil {
		return nil, err
	}
	if err := m.start(); err != nil {
		return nil, err
	}
	return &Handle{m: m}, nil
}

// TLSConfig returns the live TLS server configuration. The configuration's
// GetCertificate callback follows certificate rotations, so the value can
// be installed in a long-lived http.Server once.
func (h *Handle) TLSConfig() *tls.Config {
	return h.m.tlsConfig()
}

// HTTPHandler wraps the host's plaintext handler with the HTTP-01
// challenge responder. Mount it on the listener serving port 80.
func (h *Handle) HTTPHandler(next http.Handler) http.Handler {
	return h.m.responder.Handler(next)
}

// StopAutoRenewal cancels the renewal scheduler. In-flight renewal
// requests complete so no server-side state leaks. Used primarily by
// tests.
func (h *Handle) StopAutoRenewal() {
	h.m.stop()
}
