// Package net provides the HTTP plumbing shared by the certward ACME
// client: fixed identification headers, network timeouts and optional
// private trust roots for test ACME servers.
package net

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"
)

const (
	version       = "1.0"
	userAgentBase = "certward"
	locale        = "en-US"

	// Every HTTPS request to the ACME server observes this timeout.
	requestTimeout = 30 * time.Second
	// The newNonce HEAD fetch has a tighter timeout of its own.
	nonceTimeout = 10 * time.Second
)

// joseContentType is the media type required for ACME request bodies.
// See https://tools.ietf.org/html/rfc8555#section-6.2
const joseContentType = "application/jose+json"

// Config holds options for creating an ACMENet instance.
type Config struct {
	// CABundlePath optionally points to one or more PEM encoded CA
	// certificates to be used as trust roots for HTTPS requests to the ACME
	// server (e.g. Pebble's test/certs/pebble.minica.pem). If empty the
	// system roots are used.
	CABundlePath string
}

func (c *Config) normalize() {
	c.CABundlePath = strings.TrimSpace(c.CABundlePath)
}

// ACMENet makes HTTP GET/POST/HEAD requests to an ACME server.
type ACMENet struct {
	httpClient *http.Client
}

// New creates an ACMENet from the given Config.
func New(conf Config) (*ACMENet, error) {
	conf.normalize()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if conf.CABundlePath != "" {
		pemBundle, err := readCABundle(conf.CABundlePath)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pemBundle}
	}

	return &ACMENet{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}, nil
}

func readCABundle(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no CA certificates found in %q", path)
	}
	return pool, nil
}

// NetResponse bundles an HTTP response with its fully-read body.
type NetResponse struct {
	Response *http.Response
	RespBody []byte
}

func (c *ACMENet) do(req *http.Request) (*NetResponse, error) {
	ua := fmt.Sprintf("%s %s (%s; %s)",
		userAgentBase, version, runtime.GOOS, runtime.GOARCH)
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Language", locale)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &NetResponse{
		Response: resp,
		RespBody: respBody,
	}, nil
}

// GetURL sends a GET request to the given URL.
func (c *ACMENet) GetURL(ctx context.Context, url string) (*NetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// HeadURL sends a HEAD request to the given URL. It is used solely for the
// newNonce endpoint and carries that endpoint's tighter timeout.
func (c *ACMENet) HeadURL(ctx context.Context, url string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, nonceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Response, nil
}

// PostURL sends a POST request with the given JWS body to the given URL
// using the required application/jose+json media type.
func (c *ACMENet) PostURL(ctx context.Context, url string, body []byte) (*NetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", joseContentType)
	return c.do(req)
}
