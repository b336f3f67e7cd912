// Package resources provides types representing ACME protocol resources.
package resources

// Account holds the client's view of a single ACME Account resource. If the
// account has an empty ID it has not yet been registered with the ACME
// server.
//
// The ID field holds the server-assigned account URL from the Location
// header of a successful newAccount response. It is used as the JWS "kid"
// when authenticating subsequent requests.
//
// The account's keypair is not part of this struct: the key belongs to the
// account identity on disk and the signing engine references it directly.
// The Account resource is cheap to re-derive at any time by re-POSTing
// newAccount for the same key.
//
// For information about the Account resource see
// https://tools.ietf.org/html/rfc8555#section-7.1.2
type Account struct {
	// The server-assigned account URL, used as the JWS Key ID.
	ID string `json:"-"`
	// The status of the account: "valid", "deactivated" or "revoked".
	Status string `json:"status"`
	// If not nil, a slice of "mailto:" contact addresses.
	Contact []string `json:"contact,omitempty"`
}

// String returns the Account's ID or an empty string if it has not been
// registered with the ACME server.
func (a Account) String() string {
	return a.ID
}
