package resources

import "fmt"

// BadNonceProblem is the problem document type an ACME server returns when
// a request carried a stale or unknown anti-replay nonce.
// See https://tools.ietf.org/html/rfc8555#section-6.5
const BadNonceProblem = "urn:ietf:params:acme:error:badNonce"

// Problem is an RFC 7807 problem document returned by the server alongside
// a 4xx/5xx response.
type Problem struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

// Error lets a Problem be carried as the cause of a request error.
func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Type, p.Detail)
}

// IsBadNonce reports whether the problem is the badNonce error that permits
// a single signed-request retry.
func (p *Problem) IsBadNonce() bool {
	return p != nil && p.Type == BadNonceProblem
}
