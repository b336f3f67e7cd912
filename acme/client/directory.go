package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lgrit/certward/acme"
)

// Directory is the ACME directory document mapping operations to URLs.
// It is immutable once fetched and cached for the life of the Client.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
}

// Directory returns the cached directory, fetching it on first use.
func (c *Client) Directory(ctx context.Context) (*Directory, error) {
	if c.directory != nil {
		return c.directory, nil
	}

	dirURL := c.directoryURL.String()
	resp, err := c.net.GetURL(ctx, dirURL)
	if err != nil {
		return nil, &acme.DirectoryFetchError{URL: dirURL, Err: err}
	}
	if resp.Response.StatusCode != http.StatusOK {
		return nil, &acme.DirectoryFetchError{
			URL: dirURL,
			Err: fmt.Errorf("unexpected status %d", resp.Response.StatusCode),
		}
	}

	var directory Directory
	if err := json.Unmarshal(resp.RespBody, &directory); err != nil {
		return nil, &acme.DirectoryFetchError{URL: dirURL, Err: err}
	}

	c.directory = &directory
	c.log.Debug("fetched ACME directory", "url", dirURL)
	return c.directory, nil
}

// endpointURL resolves a directory key to the URL the server advertises
// for it.
func (c *Client) endpointURL(ctx context.Context, name string) (string, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", err
	}

	var endpoint string
	switch name {
	case acme.NEW_NONCE_ENDPOINT:
		endpoint = dir.NewNonce
	case acme.NEW_ACCOUNT_ENDPOINT:
		endpoint = dir.NewAccount
	case acme.NEW_ORDER_ENDPOINT:
		endpoint = dir.NewOrder
	case acme.REVOKE_CERT_ENDPOINT:
		endpoint = dir.RevokeCert
	case acme.KEY_CHANGE_ENDPOINT:
		endpoint = dir.KeyChange
	}
	if endpoint == "" {
		return "", &acme.DirectoryFetchError{
			URL: c.directoryURL.String(),
			Err: fmt.Errorf("missing %q entry in directory", name),
		}
	}
	return endpoint, nil
}
