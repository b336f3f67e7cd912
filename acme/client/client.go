// Package client provides the certward ACME v2 client: the signed request
// engine, account registration and the order state machine that turns
// a list of domains into an issued certificate chain.
package client

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/lgrit/certward/acme"
	"github.com/lgrit/certward/acme/keys"
	"github.com/lgrit/certward/acme/resources"
	acmenet "github.com/lgrit/certward/net"
)

// Client interacts with a single ACME server on behalf of a single account
// identity. All state a request needs - the cached directory, the nonce
// pool, the account URL - hangs off the Client value; nothing is process
// global, so independent Clients can serve independent tests or domains.
type Client struct {
	// The account identity whose key signs every request.
	Identity *keys.Identity
	// The registered account. Its ID is empty until Register succeeds.
	Account *resources.Account

	directoryURL *url.URL
	directory    *Directory
	nonces       *NoncePool
	net          *acmenet.ACMENet
	log          *slog.Logger
}

// Config contains configuration options provided to New when creating
// a Client instance.
type Config struct {
	// A fully qualified URL for the ACME server's directory resource. Must
	// include an HTTP/HTTPS protocol prefix.
	DirectoryURL string
	// An optional file path to one or more PEM encoded CA certificates to
	// be used as trust roots for HTTPS requests to the ACME server (needed
	// for Pebble, whose directory is served with a minica certificate).
	CACertPath string
	// The account identity. Mandatory.
	Identity *keys.Identity
	// Optional mailto contact addresses registered with the account.
	Contacts []string
	// Optional logger; slog.Default() is used when nil.
	Logger *slog.Logger
}

func (conf *Config) normalize() error {
	conf.DirectoryURL = strings.TrimSpace(conf.DirectoryURL)
	conf.CACertPath = strings.TrimSpace(conf.CACertPath)

	if conf.DirectoryURL == "" {
		return &acme.ConfigurationError{Field: "DirectoryURL", Reason: "must not be empty"}
	}
	if _, err := url.Parse(conf.DirectoryURL); err != nil {
		return &acme.ConfigurationError{Field: "DirectoryURL", Reason: err.Error()}
	}
	if conf.Identity == nil {
		return &acme.ConfigurationError{Field: "Identity", Reason: "must not be nil"}
	}
	return nil
}

// New creates a Client instance from the given Config. The directory is not
// fetched until the first request needs it.
func New(config Config) (*Client, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}

	net, err := acmenet.New(acmenet.Config{CABundlePath: config.CACertPath})
	if err != nil {
		return nil, err
	}

	// Safe to discard the error: normalize already parsed the URL once.
	dirURL, _ := url.Parse(config.DirectoryURL)

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		Identity:     config.Identity,
		Account:      &resources.Account{Contact: mailtoContacts(config.Contacts)},
		directoryURL: dirURL,
		net:          net,
		log:          logger.With("component", "acme-client"),
	}
	c.nonces = NewNoncePool(c.fetchNonce)
	return c, nil
}

func mailtoContacts(emails []string) []string {
	var contacts []string
	for _, e := range emails {
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, "mailto:") {
			contacts = append(contacts, e)
			continue
		}
		contacts = append(contacts, "mailto:"+e)
	}
	return contacts
}

// KeyAuthorization computes the HTTP-01 key authorization for the given
// challenge token under the client's account key.
func (c *Client) KeyAuthorization(token string) string {
	return c.Identity.KeyAuthorization(token)
}
