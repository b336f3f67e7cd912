package client

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgrit/certward/acme"
	"github.com/lgrit/certward/acme/acmetest"
	"github.com/lgrit/certward/acme/keys"
	"github.com/lgrit/certward/acme/responder"
)

// issuanceFixture wires an acmetest server to a real responder served over
// an httptest listener, so challenge validation exercises the same HTTP-01
// path a live ACME server would.
type issuanceFixture struct {
	srv    *acmetest.Server
	solver *responder.Responder
	client *Client
}

func newIssuanceFixture(t *testing.T, opts acmetest.Options) *issuanceFixture {
	t.Helper()

	solver := responder.New(nil)
	challenges := httptest.NewServer(solver.Handler(nil))
	t.Cleanup(challenges.Close)

	if opts.ValidateHTTP01 == "" {
		opts.ValidateHTTP01 = challenges.URL
	}
	srv, err := acmetest.New(opts)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	return &issuanceFixture{
		srv:    srv,
		solver: solver,
		client: testClient(t, srv, nil),
	}
}

func TestIssueCertificate(t *testing.T) {
	fix := newIssuanceFixture(t, acmetest.Options{})
	domains := []string{"a.example", "b.example"}

	issued, err := fix.client.IssueCertificate(context.Background(), domains, fix.solver)
	require.NoError(t, err)

	// The chain pairs with the freshly generated key.
	keyPEM, err := keys.SignerToPEM(issued.Key)
	require.NoError(t, err)
	pair, err := tls.X509KeyPair(issued.ChainPEM, keyPEM)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, domains, leaf.DNSNames)
	assert.True(t, leaf.NotBefore.Before(time.Now()))
	assert.True(t, leaf.NotAfter.After(time.Now()))

	// The certificate key is not the account key.
	accountPub := fix.client.Identity.Signer.Public().(*rsa.PublicKey)
	leafPub := leaf.PublicKey.(*rsa.PublicKey)
	assert.NotEqual(t, accountPub.N, leafPub.N)

	// The chain is leaf first and contains the issuing CA.
	block, rest := pem.Decode(issued.ChainPEM)
	require.NotNil(t, block)
	require.NotEmpty(t, rest)

	// Every nonce was presented exactly once across the whole flow.
	assert.Zero(t, fix.srv.NonceReuseCount())
	assert.Equal(t, 1, fix.srv.OrderCount())
}

func TestIssueCertificateSurvivesSlowValidationAndIssuance(t *testing.T) {
	fix := newIssuanceFixture(t, acmetest.Options{
		PendingPolls:    1,
		ProcessingPolls: 1,
	})

	issued, err := fix.client.IssueCertificate(context.Background(), []string{"slow.example"}, fix.solver)
	require.NoError(t, err)
	require.NotEmpty(t, issued.ChainPEM)
	assert.Zero(t, fix.srv.NonceReuseCount())
}

func TestInvalidAuthorizationAbortsOrder(t *testing.T) {
	fix := newIssuanceFixture(t, acmetest.Options{
		FailIdentifiers: []string{"bad.example"},
	})

	_, err := fix.client.IssueCertificate(context.Background(),
		[]string{"bad.example", "good.example"}, fix.solver)

	var orderErr *acme.OrderFailedError
	require.True(t, errors.As(err, &orderErr))
	assert.Equal(t, "bad.example", orderErr.Identifier)
	require.NotNil(t, orderErr.Problem)

	// The second authorization was never touched.
	assert.Zero(t, fix.srv.AuthzFetchCount("good.example"))
}

func TestAuthorizationPollTimeout(t *testing.T) {
	restore := pollDeadline
	pollDeadline = 200 * time.Millisecond
	defer func() { pollDeadline = restore }()

	fix := newIssuanceFixture(t, acmetest.Options{
		StallAuthorizations: true,
	})

	_, err := fix.client.IssueCertificate(context.Background(), []string{"stuck.example"}, fix.solver)

	var timeoutErr *acme.OrderTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "authorization", timeoutErr.Op)
}

func TestMismatchedKeyAuthorizationFailsValidation(t *testing.T) {
	// Point the server's validation at a responder that serves nothing:
	// the key authorization lookup 404s and the authorization must go
	// invalid.
	empty := httptest.NewServer(responder.New(nil).Handler(nil))
	defer empty.Close()

	fix := newIssuanceFixture(t, acmetest.Options{ValidateHTTP01: empty.URL})

	_, err := fix.client.IssueCertificate(context.Background(), []string{"unreach.example"}, fix.solver)
	var orderErr *acme.OrderFailedError
	require.True(t, errors.As(err, &orderErr))
}

func TestIssueCertificateRequiresDomains(t *testing.T) {
	fix := newIssuanceFixture(t, acmetest.Options{})
	_, err := fix.client.IssueCertificate(context.Background(), nil, fix.solver)
	var confErr *acme.ConfigurationError
	require.True(t, errors.As(err, &confErr))
}
