package client

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/lgrit/certward/acme"
	"github.com/lgrit/certward/acme/keys"
	"github.com/lgrit/certward/acme/resources"
)

// maxCertChainSize bounds the certificate download. A chain of a handful of
// RSA certificates is well under this; anything larger is a misbehaving
// server.
const maxCertChainSize = 64 * 1024

// ChallengeSolver publishes and withdraws HTTP-01 challenge responses while
// an order is validated. The certward responder implements it; so does
// a letsencrypt/challtestsrv instance, which the Pebble integration tests
// use in its place.
type ChallengeSolver interface {
	AddHTTPOneChallenge(token, keyAuth string)
	DeleteHTTPOneChallenge(token string)
}

// IssuedCertificate is the product of a completed order: the PEM chain
// (leaf first) and the freshly generated private key the chain's leaf
// certifies.
type IssuedCertificate struct {
	ChainPEM []byte
	Key      crypto.Signer
}

// errStillPending marks a poll round that observed a non-terminal status.
var errStillPending = errors.New("resource is not in a terminal state yet")

// IssueCertificate drives one order through the full ACME issuance flow:
// register the account if needed, create the order, satisfy every
// authorization over HTTP-01, finalize with a CSR over a fresh certificate
// key and download the issued chain.
//
// Operations within the order are strictly sequential. The first
// authorization that resolves invalid aborts the order without touching the
// remaining ones. Challenge responses are withdrawn from the solver before
// returning, whatever the outcome.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) IssueCertificate(ctx context.Context, domains []string, solver ChallengeSolver) (*IssuedCertificate, error) {
	if len(domains) == 0 {
		return nil, &acme.ConfigurationError{Field: "Domains", Reason: "must not be empty"}
	}

	if err := c.Register(ctx); err != nil {
		return nil, err
	}

	order, err := c.createOrder(ctx, domains)
	if err != nil {
		return nil, err
	}

	var tokens []string
	defer func() {
		for _, token := range tokens {
			solver.DeleteHTTPOneChallenge(token)
		}
	}()

	for _, authzURL := range order.Authorizations {
		token, err := c.authorize(ctx, order, authzURL, solver)
		if token != "" {
			tokens = append(tokens, token)
		}
		if err != nil {
			return nil, err
		}
	}

	certKey, err := keys.NewSigner()
	if err != nil {
		return nil, err
	}
	if err := c.finalizeOrder(ctx, order, domains, certKey); err != nil {
		return nil, err
	}

	chainPEM, err := c.downloadCertificate(ctx, order.Certificate)
	if err != nil {
		return nil, err
	}

	c.log.Info("issued certificate", "order", order.ID, "domains", domains)
	return &IssuedCertificate{ChainPEM: chainPEM, Key: certKey}, nil
}

// createOrder submits the newOrder request for the given domains.
func (c *Client) createOrder(ctx context.Context, domains []string) (*resources.Order, error) {
	identifiers := make([]resources.Identifier, 0, len(domains))
	for _, d := range domains {
		identifiers = append(identifiers, resources.Identifier{
			Type:  acme.IdentifierTypeDNS,
			Value: d,
		})
	}

	req := struct {
		Identifiers []resources.Identifier `json:"identifiers"`
	}{
		Identifiers: identifiers,
	}

	resp, err := c.do(ctx, request{
		endpoint:     acme.NEW_ORDER_ENDPOINT,
		payload:      &req,
		expectStatus: []int{http.StatusCreated},
	})
	if err != nil {
		return nil, err
	}

	locHeader := resp.Header.Get("Location")
	if locHeader == "" {
		return nil, &acme.RequestError{
			URL:        c.directoryURL.String(),
			StatusCode: resp.StatusCode,
			Problem:    &resources.Problem{Detail: "newOrder response had no Location header"},
		}
	}

	order := &resources.Order{}
	if err := resp.decode(order); err != nil {
		return nil, fmt.Errorf("newOrder response was invalid JSON: %w", err)
	}
	order.ID = locHeader

	c.log.Info("created order", "order", order.ID, "authorizations", len(order.Authorizations))
	return order, nil
}

// postAsGet fetches a resource with a signed empty-payload POST.
// See https://tools.ietf.org/html/rfc8555#section-6.3
func (c *Client) postAsGet(ctx context.Context, url string, v interface{}) error {
	resp, err := c.do(ctx, request{
		url:          url,
		expectStatus: []int{http.StatusOK},
	})
	if err != nil {
		return err
	}
	return resp.decode(v)
}

// authorize satisfies one authorization: select its http-01 challenge,
// publish the key authorization through the solver, signal readiness and
// poll until the server validates. The registered token is returned (also
// on failure) so the caller can withdraw it.
func (c *Client) authorize(ctx context.Context, order *resources.Order, authzURL string, solver ChallengeSolver) (string, error) {
	authz := &resources.Authorization{}
	if err := c.postAsGet(ctx, authzURL, authz); err != nil {
		return "", err
	}
	authz.ID = authzURL

	switch authz.Status {
	case acme.StatusValid:
		// A previously validated authorization; nothing to prove.
		return "", nil
	case acme.StatusPending:
	default:
		return "", &acme.OrderFailedError{
			OrderURL:   order.ID,
			Identifier: authz.Identifier.Value,
			Problem:    challengeProblem(authz),
		}
	}

	// Tie-break: the first listed http-01 challenge wins.
	var chall *resources.Challenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == acme.ChallengeTypeHTTP01 {
			chall = &authz.Challenges[i]
			break
		}
	}
	if chall == nil {
		return "", &acme.OrderFailedError{
			OrderURL:   order.ID,
			Identifier: authz.Identifier.Value,
			Problem: &resources.Problem{
				Detail: "authorization offers no http-01 challenge",
			},
		}
	}

	keyAuth := c.KeyAuthorization(chall.Token)
	solver.AddHTTPOneChallenge(chall.Token, keyAuth)
	c.log.Debug("published challenge response",
		"identifier", authz.Identifier.Value, "token", chall.Token)

	// Signal readiness. The body is the empty JSON object, not the empty
	// POST-as-GET payload.
	if _, err := c.do(ctx, request{
		url:          chall.URL,
		payload:      struct{}{},
		expectStatus: []int{http.StatusOK},
	}); err != nil {
		return chall.Token, err
	}

	if err := c.pollAuthorization(ctx, order, authzURL); err != nil {
		return chall.Token, err
	}

	c.log.Info("authorization validated", "identifier", authz.Identifier.Value)
	return chall.Token, nil
}

// pollAuthorization polls an authorization URL until it settles valid, or
// fails the order when it settles invalid or outlives the poll deadline.
func (c *Client) pollAuthorization(ctx context.Context, order *resources.Order, authzURL string) error {
	pollCtx, cancel := context.WithTimeout(ctx, pollDeadline)
	defer cancel()

	op := func() error {
		authz := &resources.Authorization{}
		if err := c.postAsGet(pollCtx, authzURL, authz); err != nil {
			return backoff.Permanent(err)
		}
		switch authz.Status {
		case acme.StatusValid:
			return nil
		case acme.StatusInvalid, acme.StatusDeactivated, acme.StatusRevoked:
			return backoff.Permanent(&acme.OrderFailedError{
				OrderURL:   order.ID,
				Identifier: authz.Identifier.Value,
				Problem:    challengeProblem(authz),
			})
		default:
			return errStillPending
		}
	}

	err := backoff.Retry(op, backoff.WithContext(newPollBackOff(), pollCtx))
	if err != nil && (errors.Is(err, errStillPending) || pollCtx.Err() != nil) {
		return &acme.OrderTimeoutError{Op: "authorization", URL: authzURL, Deadline: pollDeadline}
	}
	return err
}

// challengeProblem digs the most specific problem document out of a failed
// authorization: the error on the attempted challenge if any challenge
// carries one.
func challengeProblem(authz *resources.Authorization) *resources.Problem {
	for _, chall := range authz.Challenges {
		if chall.Error != nil {
			return chall.Error
		}
	}
	return nil
}

// finalizeOrder submits the CSR and polls the order until the server
// finishes issuance. The order is updated in place; on success its
// Certificate field holds the download URL.
func (c *Client) finalizeOrder(ctx context.Context, order *resources.Order, domains []string, certKey crypto.Signer) error {
	csr, err := CSR(domains, certKey)
	if err != nil {
		return err
	}

	req := struct {
		CSR string `json:"csr"`
	}{
		CSR: csr,
	}

	resp, err := c.do(ctx, request{
		url:          order.Finalize,
		payload:      &req,
		expectStatus: []int{http.StatusOK},
	})
	if err != nil {
		return err
	}
	if err := resp.decode(order); err != nil {
		return fmt.Errorf("finalize response was invalid JSON: %w", err)
	}

	return c.pollOrder(ctx, order)
}

// pollOrder polls the order URL until issuance completes. "processing"
// means the server is still working; "invalid" is terminal failure.
func (c *Client) pollOrder(ctx context.Context, order *resources.Order) error {
	pollCtx, cancel := context.WithTimeout(ctx, pollDeadline)
	defer cancel()

	op := func() error {
		switch order.Status {
		case acme.StatusValid:
			if order.Certificate == "" {
				return backoff.Permanent(&acme.OrderFailedError{
					OrderURL: order.ID,
					Problem: &resources.Problem{
						Detail: "order is valid but has no certificate URL",
					},
				})
			}
			return nil
		case acme.StatusInvalid:
			return backoff.Permanent(&acme.OrderFailedError{
				OrderURL: order.ID,
				Problem:  order.Error,
			})
		}

		refreshed := &resources.Order{}
		if err := c.postAsGet(pollCtx, order.ID, refreshed); err != nil {
			return backoff.Permanent(err)
		}
		refreshed.ID = order.ID
		*order = *refreshed
		return errStillPending
	}

	err := backoff.Retry(op, backoff.WithContext(newPollBackOff(), pollCtx))
	if err != nil && (errors.Is(err, errStillPending) || pollCtx.Err() != nil) {
		return &acme.OrderTimeoutError{Op: "finalize", URL: order.ID, Deadline: pollDeadline}
	}
	return err
}

// downloadCertificate fetches the issued PEM chain. The body is the one
// ACME response that is not JSON.
func (c *Client) downloadCertificate(ctx context.Context, certURL string) ([]byte, error) {
	resp, err := c.do(ctx, request{
		url:          certURL,
		expectStatus: []int{http.StatusOK},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Body) > maxCertChainSize {
		return nil, fmt.Errorf("certificate chain exceeds %d bytes", maxCertChainSize)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(resp.Body), []byte("-----BEGIN CERTIFICATE-----")) {
		return nil, fmt.Errorf("certificate download %q is not PEM", certURL)
	}
	return resp.Body, nil
}
