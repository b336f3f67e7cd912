// Package acme provides ACME protocol constants, server environments and the
// error kinds shared by the certward packages.
package acme

const (
	// See https://tools.ietf.org/html/rfc8555#section-7.1.1
	// The ACME directory key for the newNonce endpoint.
	NEW_NONCE_ENDPOINT = "newNonce"
	// The ACME directory key for the newAccount endpoint.
	NEW_ACCOUNT_ENDPOINT = "newAccount"
	// The ACME directory key for the newOrder endpoint.
	NEW_ORDER_ENDPOINT = "newOrder"
	// The ACME directory key for the revokeCert endpoint.
	REVOKE_CERT_ENDPOINT = "revokeCert"
	// The ACME directory key for the keyChange endpoint.
	KEY_CHANGE_ENDPOINT = "keyChange"
	// The HTTP response header used by ACME to communicate a fresh nonce. See
	// https://tools.ietf.org/html/rfc8555#section-6.5.1
	REPLAY_NONCE_HEADER = "Replay-Nonce"
)

// Resource status values shared by Orders, Authorizations and Challenges.
// See https://tools.ietf.org/html/rfc8555#section-7.1.6
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusDeactivated = "deactivated"
	StatusRevoked     = "revoked"
)

// ChallengeTypeHTTP01 is the only challenge type certward solves. See
// https://tools.ietf.org/html/rfc8555#section-8.3
const ChallengeTypeHTTP01 = "http-01"

// IdentifierTypeDNS is the identifier type used for all order identifiers.
const IdentifierTypeDNS = "dns"

// WellKnownChallengePath is the URL path prefix the HTTP-01 validation
// request arrives on. The challenge token is the final path segment.
const WellKnownChallengePath = "/.well-known/acme-challenge/"
