package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lgrit/certward/acme"
)

// Register creates the client's account with the ACME server, or recovers
// the existing account registered for the same key. The server replies 201
// for a fresh registration and 200 when the key is already known; either
// way the Location header carries the account URL used as the JWS Key ID
// for all subsequent requests.
//
// Registration always agrees to the server's terms of service; embedding
// certward in a host application implies that agreement.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3
func (c *Client) Register(ctx context.Context) error {
	if c.Account.ID != "" {
		return nil
	}

	newAcctReq := struct {
		Contact   []string `json:"contact,omitempty"`
		ToSAgreed bool     `json:"termsOfServiceAgreed"`
	}{
		Contact:   c.Account.Contact,
		ToSAgreed: true,
	}

	resp, err := c.do(ctx, request{
		endpoint:     acme.NEW_ACCOUNT_ENDPOINT,
		payload:      &newAcctReq,
		embedKey:     true,
		expectStatus: []int{http.StatusOK, http.StatusCreated},
	})
	if err != nil {
		return &acme.AccountRegistrationError{Err: err}
	}

	locHeader := resp.Header.Get("Location")
	if locHeader == "" {
		return &acme.AccountRegistrationError{
			Err: fmt.Errorf("server returned response with no Location header"),
		}
	}

	if err := resp.decode(c.Account); err != nil {
		return &acme.AccountRegistrationError{
			Err: fmt.Errorf("server returned invalid JSON: %w", err),
		}
	}

	c.Account.ID = locHeader
	c.log.Info("registered ACME account", "kid", c.Account.ID, "status", c.Account.Status)
	return nil
}
