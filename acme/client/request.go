package client

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/lgrit/certward/acme"
	"github.com/lgrit/certward/acme/resources"
)

// request describes one signed ACME operation. Each operation is a data
// value handed to the one request engine; there is no per-operation
// request type.
type request struct {
	// endpoint is a directory key; it resolves the target URL when url is
	// empty.
	endpoint string
	// url is an explicit target (order, authorization, challenge and
	// certificate URLs are only known at runtime).
	url string
	// payload is marshalled as the JWS payload. nil means POST-as-GET
	// (the empty-string payload, not "{}").
	payload interface{}
	// embedKey selects the embedded-JWK protected header over the account
	// Key ID. Only newAccount sets it.
	embedKey bool
	// expectStatus lists the response codes that mean success.
	expectStatus []int
}

// response carries a successful ACME response.
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// decode unmarshals the response body into v.
func (r *response) decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// do executes a signed request: resolve the URL, take a nonce, sign, POST,
// harvest the response nonce and check the status. A single badNonce
// rejection is retried once with the replacement nonce the server supplied;
// a second badNonce fails. All other ACME errors are returned as
// a RequestError carrying the problem document - retry policy above this
// layer belongs to the order engine and the renewal scheduler.
//
// See https://tools.ietf.org/html/rfc8555#section-6.5
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	targetURL := req.url
	if targetURL == "" {
		var err error
		targetURL, err = c.endpointURL(ctx, req.endpoint)
		if err != nil {
			return nil, err
		}
	}

	var body []byte
	if req.payload != nil {
		var err error
		body, err = json.Marshal(req.payload)
		if err != nil {
			return nil, err
		}
	}

	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		nonce, err := c.nonces.Take(ctx)
		if err != nil {
			return nil, err
		}

		signedBody, err := c.sign(targetURL, body, signingOptions{
			embedKey: req.embedKey,
			nonce:    nonce,
		})
		if err != nil {
			return nil, err
		}

		c.log.Debug("sending ACME request", "url", targetURL, "attempt", attempt+1)
		resp, err := c.net.PostURL(ctx, targetURL, signedBody)
		if err != nil {
			return nil, err
		}

		// Harvest the replacement nonce no matter how the request went.
		c.nonces.Put(resp.Response.Header.Get(acme.REPLAY_NONCE_HEADER))

		if slices.Contains(req.expectStatus, resp.Response.StatusCode) {
			return &response{
				StatusCode: resp.Response.StatusCode,
				Header:     resp.Response.Header,
				Body:       resp.RespBody,
			}, nil
		}

		problem := &resources.Problem{}
		if err := json.Unmarshal(resp.RespBody, problem); err != nil {
			problem = nil
		}
		reqErr := &acme.RequestError{
			URL:        targetURL,
			StatusCode: resp.Response.StatusCode,
			Problem:    problem,
		}

		if problem.IsBadNonce() {
			c.log.Debug("retrying after badNonce rejection", "url", targetURL)
			lastErr = reqErr
			continue
		}
		return nil, reqErr
	}
	return nil, lastErr
}
