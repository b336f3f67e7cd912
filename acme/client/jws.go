package client

import (
	"crypto"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/lgrit/certward/acme/keys"
)

// signingOptions control how a request body is wrapped in a JWS.
type signingOptions struct {
	// If true, embed the account's public key as a JWK in the protected
	// header instead of a Key ID. Required for newAccount, where the server
	// does not yet know the key. Mutually exclusive with a non-empty keyID.
	embedKey bool
	// The JWS Key ID header identifying the ACME account: the account URL.
	keyID string
	// The anti-replay nonce for the protected header. The engine takes it
	// from the pool before signing so a badNonce retry can re-sign with
	// a replacement.
	nonce string
	// The key that signs. Defaults to the client's account identity.
	signer crypto.Signer
}

func (opts *signingOptions) validate() error {
	if opts.keyID != "" && opts.embedKey {
		return fmt.Errorf("sign: cannot specify both keyID and embedKey")
	}
	if opts.keyID == "" && !opts.embedKey {
		return fmt.Errorf("sign: must specify a keyID or embedKey")
	}
	if opts.nonce == "" {
		return fmt.Errorf("sign: must specify a nonce")
	}
	if opts.signer == nil {
		return fmt.Errorf("sign: must specify a signer")
	}
	return nil
}

// staticNonceSource feeds a single predetermined nonce to go-jose.
type staticNonceSource string

func (s staticNonceSource) Nonce() (string, error) {
	return string(s), nil
}

// sign produces the flattened JSON serialization of a JWS over payload with
// the protected headers ACME requires: alg, nonce, url and either jwk or
// kid. An empty payload produces the empty-string payload POST-as-GET
// requires (not "{}").
//
// See https://tools.ietf.org/html/rfc8555#section-6.2
func (c *Client) sign(url string, payload []byte, opts signingOptions) ([]byte, error) {
	if payload == nil {
		payload = []byte{}
	}
	if opts.signer == nil {
		opts.signer = c.Identity.Signer
	}
	if !opts.embedKey && opts.keyID == "" {
		opts.keyID = c.Account.ID
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	joseOpts := &jose.SignerOptions{
		NonceSource: staticNonceSource(opts.nonce),
		EmbedJWK:    opts.embedKey,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	signingKey := keys.SigningKeyForSigner(opts.signer, opts.keyID)
	signer, err := jose.NewSigner(signingKey, joseOpts)
	if err != nil {
		return nil, err
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	return []byte(signed.FullSerialize()), nil
}
