// Package keys offers utility functions for working with the RSA keypairs,
// JWKs and PEM serialization certward uses for ACME accounts and
// certificates.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// rsaKeySize is the modulus size for generated account and certificate
// keypairs.
const rsaKeySize = 2048

// pemKeyHeader is the PEM block type for PKCS#1 encoded RSA private keys.
const pemKeyHeader = "RSA PRIVATE KEY"

// NewSigner generates a fresh RSA-2048 private key.
func NewSigner() (crypto.Signer, error) {
	return rsa.GenerateKey(rand.Reader, rsaKeySize)
}

// JWKForSigner returns the public JWK for the given signer.
func JWKForSigner(signer crypto.Signer) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       signer.Public(),
		Algorithm: "RSA",
	}
}

// SigningKeyForSigner returns a jose.SigningKey wrapping the given signer.
// If keyID is not empty the produced JWS carries it as the protected "kid"
// header. Embedding the public JWK instead is selected by the caller's
// jose.SignerOptions.EmbedJWK, not by this function.
func SigningKeyForSigner(signer crypto.Signer, keyID string) jose.SigningKey {
	jwk := jose.JSONWebKey{
		Key:       signer,
		Algorithm: string(jose.RS256),
		KeyID:     keyID,
	}
	return jose.SigningKey{
		Key:       jwk,
		Algorithm: jose.RS256,
	}
}

// JWKThumbprintBytes computes the RFC 7638 SHA-256 thumbprint of the
// public key for the given signer.
func JWKThumbprintBytes(signer crypto.Signer) []byte {
	return ThumbprintBytesForPublicKey(signer.Public())
}

// JWKThumbprint returns the base64url (unpadded) RFC 7638 thumbprint of the
// public key for the given signer.
func JWKThumbprint(signer crypto.Signer) string {
	return base64.RawURLEncoding.EncodeToString(JWKThumbprintBytes(signer))
}

// ThumbprintBytesForPublicKey computes the RFC 7638 SHA-256 thumbprint of
// a bare public key.
func ThumbprintBytesForPublicKey(pub crypto.PublicKey) []byte {
	jwk := jose.JSONWebKey{Key: pub}
	thumbBytes, _ := jwk.Thumbprint(crypto.SHA256)
	return thumbBytes
}

// KeyAuth computes the key authorization for a challenge token:
// the token joined to the account key's JWK thumbprint with a ".".
// See https://tools.ietf.org/html/rfc8555#section-8.1
func KeyAuth(signer crypto.Signer, token string) string {
	return fmt.Sprintf("%s.%s", token, JWKThumbprint(signer))
}

// SignerToPEM serializes an RSA private key as a PKCS#1 PEM block.
func SignerToPEM(signer crypto.Signer) ([]byte, error) {
	k, ok := signer.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unknown key type: %T", signer)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  pemKeyHeader,
		Bytes: x509.MarshalPKCS1PrivateKey(k),
	})
	return pemBytes, nil
}

// SignerFromPEM parses a PKCS#1 PEM block produced by SignerToPEM.
func SignerFromPEM(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if block.Type != pemKeyHeader {
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
	privKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return privKey, nil
}
