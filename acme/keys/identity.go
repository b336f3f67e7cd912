package keys

import (
	"crypto"
	"errors"
	"io/fs"
	"os"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/lgrit/certward/acme"
)

// Identity is an RSA keypair persisted as PEM at a stable path. The ACME
// account identity is created once and reused for the life of the account;
// certificate identities are rotated on every renewal.
type Identity struct {
	// Path is the PEM file backing the identity.
	Path string
	// Signer is the private key.
	Signer crypto.Signer
}

// LoadOrCreateIdentity loads the identity persisted at path, or generates
// a fresh RSA-2048 keypair and persists it (mode 0600) when the file does
// not exist yet.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	pemBytes, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return GenerateIdentity(path)
	}
	if err != nil {
		return nil, &acme.IdentityIOError{Path: path, Err: err}
	}

	signer, err := SignerFromPEM(pemBytes)
	if err != nil {
		return nil, &acme.IdentityParseError{Path: path, Err: err}
	}
	return &Identity{Path: path, Signer: signer}, nil
}

// GenerateIdentity creates a fresh RSA-2048 keypair and persists it at path
// with mode 0600.
func GenerateIdentity(path string) (*Identity, error) {
	signer, err := NewSigner()
	if err != nil {
		return nil, &acme.IdentityIOError{Path: path, Err: err}
	}

	id := &Identity{Path: path, Signer: signer}
	pemBytes, err := id.PEM()
	if err != nil {
		return nil, &acme.IdentityParseError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, &acme.IdentityIOError{Path: path, Err: err}
	}
	return id, nil
}

// PEM returns the private key serialized as a PKCS#1 PEM block.
func (id *Identity) PEM() ([]byte, error) {
	return SignerToPEM(id.Signer)
}

// JWK returns the public JWK for the identity's key.
func (id *Identity) JWK() jose.JSONWebKey {
	return JWKForSigner(id.Signer)
}

// Thumbprint returns the base64url RFC 7638 thumbprint of the identity's
// public key.
func (id *Identity) Thumbprint() string {
	return JWKThumbprint(id.Signer)
}

// KeyAuthorization computes the key authorization for the given challenge
// token under this identity's key.
func (id *Identity) KeyAuthorization(token string) string {
	return KeyAuth(id.Signer, token)
}
