package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/lgrit/certward/acme"
)

// NoncePool maintains the client's supply of anti-replay nonces. Every ACME
// response carries a Replay-Nonce header that is Put back into the pool;
// Take pops the oldest pooled nonce or, when the pool is empty, fetches
// a fresh one from the server's newNonce endpoint. At most one newNonce
// fetch is in flight at a time.
//
// See https://tools.ietf.org/html/rfc8555#section-6.5
type NoncePool struct {
	mu     sync.Mutex
	nonces []string

	fetch  func(ctx context.Context) (string, error)
	flight singleflight.Group
}

// NewNoncePool creates a pool that refills via the given fetch function.
func NewNoncePool(fetch func(ctx context.Context) (string, error)) *NoncePool {
	return &NoncePool{fetch: fetch}
}

// Take returns a nonce, removing it from the pool. Each returned nonce is
// handed out exactly once. When the pool is empty a newNonce fetch runs;
// concurrent empty Takes share a single in-flight fetch and the losers loop
// to fetch again, so no two callers ever receive the same value.
func (p *NoncePool) Take(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", &acme.NonceError{Err: err}
		}

		p.mu.Lock()
		if len(p.nonces) > 0 {
			nonce := p.nonces[0]
			p.nonces = p.nonces[1:]
			p.mu.Unlock()
			return nonce, nil
		}
		p.mu.Unlock()

		// Pool is empty: fetch. The singleflight group keeps this to one
		// HEAD request at a time; every waiter re-checks the pool after the
		// shared flight lands in case another waiter consumed the result.
		_, err, _ := p.flight.Do("newNonce", func() (interface{}, error) {
			nonce, err := p.fetch(ctx)
			if err != nil {
				return nil, err
			}
			p.Put(nonce)
			return nonce, nil
		})
		if err != nil {
			return "", err
		}
	}
}

// Put adds a nonce to the pool. Empty values are ignored so responses
// lacking a Replay-Nonce header never wedge the pool.
func (p *NoncePool) Put(nonce string) {
	if nonce == "" {
		return
	}
	p.mu.Lock()
	p.nonces = append(p.nonces, nonce)
	p.mu.Unlock()
}

// Len reports how many nonces are pooled.
func (p *NoncePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nonces)
}

// fetchNonce issues a HEAD request to the directory's newNonce URL and
// extracts the Replay-Nonce header.
//
// See https://tools.ietf.org/html/rfc8555#section-7.2
func (c *Client) fetchNonce(ctx context.Context) (string, error) {
	nonceURL, err := c.endpointURL(ctx, acme.NEW_NONCE_ENDPOINT)
	if err != nil {
		return "", &acme.NonceError{Err: err}
	}

	resp, err := c.net.HeadURL(ctx, nonceURL)
	if err != nil {
		return "", &acme.NonceError{Err: err}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return "", &acme.NonceError{
			Err: fmt.Errorf("%q returned HTTP status %d", acme.NEW_NONCE_ENDPOINT, resp.StatusCode),
		}
	}

	nonce := resp.Header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return "", &acme.NonceError{
			Err: fmt.Errorf("%q returned no %q header value",
				acme.NEW_NONCE_ENDPOINT, acme.REPLAY_NONCE_HEADER),
		}
	}

	c.log.Debug("fetched fresh nonce", "url", nonceURL)
	return nonce, nil
}
