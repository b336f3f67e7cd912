package acme

import (
	"fmt"
	"time"

	"github.com/lgrit/certward/acme/resources"
)

// The error kinds below form a closed taxonomy. Callers branch on kind with
// errors.As; no error is ever matched by message text.

// IdentityIOError reports that a keypair file could not be read or written.
type IdentityIOError struct {
	Path string
	Err  error
}

func (e *IdentityIOError) Error() string {
	return fmt.Sprintf("identity %q: %s", e.Path, e.Err)
}

func (e *IdentityIOError) Unwrap() error { return e.Err }

// IdentityParseError reports that a keypair file exists but does not contain
// a usable PEM-encoded RSA private key.
type IdentityParseError struct {
	Path string
	Err  error
}

func (e *IdentityParseError) Error() string {
	return fmt.Sprintf("identity %q: malformed key: %s", e.Path, e.Err)
}

func (e *IdentityParseError) Unwrap() error { return e.Err }

// DirectoryFetchError reports that the ACME directory document could not be
// fetched or parsed, or that it lacks a required endpoint.
type DirectoryFetchError struct {
	URL string
	Err error
}

func (e *DirectoryFetchError) Error() string {
	return fmt.Sprintf("directory %q: %s", e.URL, e.Err)
}

func (e *DirectoryFetchError) Unwrap() error { return e.Err }

// NonceError reports that a replay nonce could not be obtained from the
// server's newNonce endpoint.
type NonceError struct {
	Err error
}

func (e *NonceError) Error() string {
	return fmt.Sprintf("nonce: %s", e.Err)
}

func (e *NonceError) Unwrap() error { return e.Err }

// RequestError is an ACME-level request failure carrying the server's
// RFC 7807 problem document (when one was returned).
type RequestError struct {
	URL        string
	StatusCode int
	Problem    *resources.Problem
}

func (e *RequestError) Error() string {
	if e.Problem != nil {
		return fmt.Sprintf("acme request %q failed with status %d: %s",
			e.URL, e.StatusCode, e.Problem.Error())
	}
	return fmt.Sprintf("acme request %q failed with status %d", e.URL, e.StatusCode)
}

func (e *RequestError) Unwrap() error {
	if e.Problem == nil {
		return nil
	}
	return e.Problem
}

// AccountRegistrationError reports a failed newAccount registration.
type AccountRegistrationError struct {
	Err error
}

func (e *AccountRegistrationError) Error() string {
	return fmt.Sprintf("account registration: %s", e.Err)
}

func (e *AccountRegistrationError) Unwrap() error { return e.Err }

// OrderFailedError reports that an order (or one of its authorizations)
// reached a terminal invalid state.
type OrderFailedError struct {
	OrderURL   string
	Identifier string
	Problem    *resources.Problem
}

func (e *OrderFailedError) Error() string {
	detail := "no problem document"
	if e.Problem != nil {
		detail = e.Problem.Error()
	}
	if e.Identifier != "" {
		return fmt.Sprintf("order %q: authorization for %q failed: %s",
			e.OrderURL, e.Identifier, detail)
	}
	return fmt.Sprintf("order %q failed: %s", e.OrderURL, detail)
}

func (e *OrderFailedError) Unwrap() error {
	if e.Problem == nil {
		return nil
	}
	return e.Problem
}

// OrderTimeoutError reports that an authorization or finalize poll exceeded
// its deadline without reaching a terminal state.
type OrderTimeoutError struct {
	// Op names the polled step: "authorization" or "finalize".
	Op       string
	URL      string
	Deadline time.Duration
}

func (e *OrderTimeoutError) Error() string {
	return fmt.Sprintf("order %s poll %q did not settle within %s",
		e.Op, e.URL, e.Deadline)
}

// CertificateStateCorruptedError reports that the on-disk certificate state
// matches none of the recoverable renewal-crash layouts and needs operator
// intervention.
type CertificateStateCorruptedError struct {
	Dir   string
	State string
}

func (e *CertificateStateCorruptedError) Error() string {
	return fmt.Sprintf("certificate state in %q is corrupted (%s); refusing to guess", e.Dir, e.State)
}

// ConfigurationError reports missing or invalid facade configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}
