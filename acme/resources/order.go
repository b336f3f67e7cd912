package resources

// The Order resource represents a collection of identifiers that an account
// wishes to obtain a certificate for.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.3
//
// To understand the Status changes specified by ACME for the Order resource
// see https://tools.ietf.org/html/rfc8555#section-7.1.6
type Order struct {
	// The server-assigned ID (the Location header URL) identifying the Order.
	// Not part of the wire representation.
	ID string `json:"-"`
	// The Status of the Order. It progresses pending -> ready -> processing
	// -> valid, or terminally to invalid.
	Status string `json:"status"`
	// An RFC 3339 date after which the server considers the Order expired.
	Expires string `json:"expires,omitempty"`
	// The Identifiers the Order wishes to finalize a Certificate for once
	// the Order is ready.
	Identifiers []Identifier `json:"identifiers"`
	// A list of URLs for Authorization resources the server specifies for
	// the Order Identifiers.
	Authorizations []string `json:"authorizations,omitempty"`
	// A URL used to Finalize the Order with a CSR once the Order has
	// a status of "ready".
	Finalize string `json:"finalize,omitempty"`
	// A URL used to fetch the Certificate issued by the server for the Order
	// after being Finalized. Present and not-empty when the Order has
	// a status of "valid".
	Certificate string `json:"certificate,omitempty"`
	// The Error associated with an invalid Order.
	Error *Problem `json:"error,omitempty"`
}

// String returns the Order's ID URL.
func (o Order) String() string {
	return o.ID
}
