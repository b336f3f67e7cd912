// Package acmetest provides an in-process fake ACME server for exercising
// the certward client without a network. It speaks the RFC 8555 subset the
// client uses - JWS-authenticated POSTs, replay nonces, the
// order/authorization/challenge/finalize flow - verifies every signature
// and nonce, and issues real certificates from an in-memory CA.
package acmetest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// Options configure fault injection and validation behavior.
type Options struct {
	// BadNonceRejections rejects this many otherwise-valid signed requests
	// with a badNonce problem (each carrying a fresh Replay-Nonce) before
	// behaving normally.
	BadNonceRejections int
	// FailIdentifiers lists identifiers whose authorizations resolve
	// invalid when their challenge is attempted.
	FailIdentifiers []string
	// StallAuthorizations leaves every authorization pending forever.
	StallAuthorizations bool
	// PendingPolls keeps an attempted authorization pending for this many
	// status fetches before it turns valid.
	PendingPolls int
	// ProcessingPolls keeps a finalized order processing for this many
	// status fetches before it turns valid.
	ProcessingPolls int
	// ValidateHTTP01 makes the server fetch
	// {base}/.well-known/acme-challenge/{token} from the given base URL
	// when a challenge is attempted and compare the body against the
	// account's expected key authorization.
	ValidateHTTP01 string
}

type authzState struct {
	id           string
	identifier   string
	status       string
	token        string
	challStatus  string
	pendingPolls int
}

type orderState struct {
	id              string
	identifiers     []string
	authzIDs        []string
	status          string
	processingPolls int
	chainPEM        []byte
}

// Server is the fake ACME server. Create one with New and point the client
// at URL().
type Server struct {
	srv  *httptest.Server
	opts Options

	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate

	mu           sync.Mutex
	accounts     map[string]jose.JSONWebKey
	orders       map[string]*orderState
	authzs       map[string]*authzState
	nonces       map[string]bool // false = outstanding, true = used
	nextID       int
	nonceReuse   int
	postCounts   map[string]int
	authzFetches map[string]int
	badNonceLeft int
}

// New starts a fake ACME server.
func New(opts Options) (*Server, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "acmetest intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, caKey.Public(), caKey)
	if err != nil {
		return nil, err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:         opts,
		caKey:        caKey,
		caCert:       caCert,
		accounts:     map[string]jose.JSONWebKey{},
		orders:       map[string]*orderState{},
		authzs:       map[string]*authzState{},
		nonces:       map[string]bool{},
		postCounts:   map[string]int{},
		authzFetches: map[string]int{},
		badNonceLeft: opts.BadNonceRejections,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/directory", s.handleDirectory)
	mux.HandleFunc("/new-nonce", s.handleNewNonce)
	mux.HandleFunc("/new-account", s.handleNewAccount)
	mux.HandleFunc("/new-order", s.handleNewOrder)
	mux.HandleFunc("/authz/", s.handleAuthz)
	mux.HandleFunc("/chall/", s.handleChallenge)
	mux.HandleFunc("/order/", s.handleOrder)
	mux.HandleFunc("/finalize/", s.handleFinalize)
	mux.HandleFunc("/cert/", s.handleCertificate)
	s.srv = httptest.NewServer(mux)
	return s, nil
}

// URL returns the directory URL.
func (s *Server) URL() string { return s.srv.URL + "/directory" }

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// CACertPEM returns the issuing CA certificate so tests can verify issued
// chains.
func (s *Server) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw})
}

// PostCount reports how many signed POSTs hit the given path.
func (s *Server) PostCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postCounts[path]
}

// OrderCount reports how many orders were created.
func (s *Server) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// AuthzFetchCount reports how many times the authorization for the given
// identifier was fetched.
func (s *Server) AuthzFetchCount(identifier string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authzFetches[identifier]
}

// NonceReuseCount reports how many signed requests presented a nonce that
// had already been consumed. A correct client keeps this at zero.
func (s *Server) NonceReuseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonceReuse
}

// mintNonce issues a fresh outstanding nonce. Callers hold s.mu.
func (s *Server) mintNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	nonce := hex.EncodeToString(buf)
	s.nonces[nonce] = false
	return nonce
}

// consumeNonce marks a nonce used. Callers hold s.mu.
func (s *Server) consumeNonce(nonce string) bool {
	used, issued := s.nonces[nonce]
	if !issued {
		return false
	}
	if used {
		s.nonceReuse++
		return false
	}
	s.nonces[nonce] = true
	return true
}

func (s *Server) setNonceHeader(w http.ResponseWriter) {
	s.mu.Lock()
	nonce := s.mintNonce()
	s.mu.Unlock()
	w.Header().Set("Replay-Nonce", nonce)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	s.setNonceHeader(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type problem struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func (s *Server) writeProblem(w http.ResponseWriter, status int, typ, detail string) {
	s.setNonceHeader(w)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{Type: typ, Detail: detail, Status: status})
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	base := "http://" + r.Host
	_ = json.NewEncoder(w).Encode(map[string]string{
		"newNonce":   base + "/new-nonce",
		"newAccount": base + "/new-account",
		"newOrder":   base + "/new-order",
		"revokeCert": base + "/revoke-cert",
		"keyChange":  base + "/key-change",
	})
}

func (s *Server) handleNewNonce(w http.ResponseWriter, r *http.Request) {
	s.setNonceHeader(w)
	w.WriteHeader(http.StatusOK)
}

// signedRequest is a verified inbound JWS.
type signedRequest struct {
	payload []byte
	kid     string
	jwk     *jose.JSONWebKey
}

// accountKey resolves the key that authenticated the request.
func (s *Server) accountKey(req *signedRequest) (jose.JSONWebKey, bool) {
	if req.jwk != nil {
		return *req.jwk, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, found := s.accounts[req.kid]
	return key, found
}

// readJWS parses and verifies the request body. On failure it writes the
// appropriate problem response and returns false.
func (s *Server) readJWS(w http.ResponseWriter, r *http.Request) (*signedRequest, bool) {
	s.mu.Lock()
	s.postCounts[r.URL.Path]++
	s.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:malformed", "unreadable body")
		return nil, false
	}

	jws, err := jose.ParseSigned(string(body), []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:malformed", fmt.Sprintf("bad JWS: %s", err))
		return nil, false
	}

	header := jws.Signatures[0].Header

	s.mu.Lock()
	nonceOK := s.consumeNonce(header.Nonce)
	injectBadNonce := false
	if nonceOK && s.badNonceLeft > 0 {
		s.badNonceLeft--
		injectBadNonce = true
	}
	s.mu.Unlock()

	if !nonceOK || injectBadNonce {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:badNonce", "stale or unknown nonce")
		return nil, false
	}

	if u, _ := header.ExtraHeaders["url"].(string); u == "" ||
		!strings.HasSuffix(u, r.URL.Path) {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:malformed", "protected url header mismatch")
		return nil, false
	}

	req := &signedRequest{kid: header.KeyID, jwk: header.JSONWebKey}
	key, found := s.accountKey(req)
	if !found {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:accountDoesNotExist", "unknown kid")
		return nil, false
	}

	payload, err := jws.Verify(key)
	if err != nil {
		s.writeProblem(w, http.StatusUnauthorized,
			"urn:ietf:params:acme:error:unauthorized", "signature verification failed")
		return nil, false
	}

	req.payload = payload
	return req, true
}

func keyThumbprint(key jose.JSONWebKey) string {
	thumb, _ := key.Thumbprint(crypto.SHA256)
	return base64.RawURLEncoding.EncodeToString(thumb)
}

func (s *Server) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readJWS(w, r)
	if !ok {
		return
	}
	if req.jwk == nil {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:malformed", "newAccount requires an embedded JWK")
		return
	}

	kid := "http://" + r.Host + "/acct/" + keyThumbprint(*req.jwk)

	s.mu.Lock()
	_, existing := s.accounts[kid]
	s.accounts[kid] = *req.jwk
	s.mu.Unlock()

	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	w.Header().Set("Location", kid)
	s.writeJSON(w, status, map[string]interface{}{"status": "valid"})
}

func (s *Server) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readJWS(w, r)
	if !ok {
		return
	}

	var orderReq struct {
		Identifiers []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"identifiers"`
	}
	if err := json.Unmarshal(req.payload, &orderReq); err != nil || len(orderReq.Identifiers) == 0 {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:malformed", "bad newOrder payload")
		return
	}

	base := "http://" + r.Host

	s.mu.Lock()
	s.nextID++
	order := &orderState{
		id:              fmt.Sprintf("%d", s.nextID),
		status:          "pending",
		processingPolls: s.opts.ProcessingPolls,
	}
	var authzURLs []string
	for _, ident := range orderReq.Identifiers {
		s.nextID++
		authz := &authzState{
			id:           fmt.Sprintf("%d", s.nextID),
			identifier:   ident.Value,
			status:       "pending",
			token:        mintToken(),
			challStatus:  "pending",
			pendingPolls: s.opts.PendingPolls,
		}
		s.authzs[authz.id] = authz
		order.identifiers = append(order.identifiers, ident.Value)
		order.authzIDs = append(order.authzIDs, authz.id)
		authzURLs = append(authzURLs, base+"/authz/"+authz.id)
	}
	s.orders[order.id] = order
	s.mu.Unlock()

	w.Header().Set("Location", base+"/order/"+order.id)
	s.writeJSON(w, http.StatusCreated, s.orderJSON(order, base))
}

func mintToken() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// orderJSON renders an order resource. Callers must not hold s.mu.
func (s *Server) orderJSON(order *orderState, base string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	var identifiers []map[string]string
	for _, v := range order.identifiers {
		identifiers = append(identifiers, map[string]string{"type": "dns", "value": v})
	}
	var authzURLs []string
	for _, id := range order.authzIDs {
		authzURLs = append(authzURLs, base+"/authz/"+id)
	}

	body := map[string]interface{}{
		"status":         order.status,
		"expires":        time.Now().Add(time.Hour).Format(time.RFC3339),
		"identifiers":    identifiers,
		"authorizations": authzURLs,
		"finalize":       base + "/finalize/" + order.id,
	}
	if order.status == "valid" {
		body["certificate"] = base + "/cert/" + order.id
	}
	return body
}

func pathID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	return parts[len(parts)-1]
}

func (s *Server) handleAuthz(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readJWS(w, r); !ok {
		return
	}

	s.mu.Lock()
	authz, found := s.authzs[pathID(r.URL.Path)]
	if !found {
		s.mu.Unlock()
		s.writeProblem(w, http.StatusNotFound,
			"urn:ietf:params:acme:error:malformed", "no such authorization")
		return
	}
	s.authzFetches[authz.identifier]++
	// An attempted authorization ripens after the configured number of
	// status fetches.
	if authz.status == "pending" && authz.challStatus == "attempted" {
		if authz.pendingPolls > 0 {
			authz.pendingPolls--
		} else if !s.opts.StallAuthorizations {
			authz.status = "valid"
			authz.challStatus = "valid"
		}
	}
	body := s.authzJSON(authz, "http://"+r.Host)
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, body)
}

// authzJSON renders an authorization resource. Callers hold s.mu.
func (s *Server) authzJSON(authz *authzState, base string) map[string]interface{} {
	chall := map[string]interface{}{
		"type":   "http-01",
		"url":    base + "/chall/" + authz.id,
		"token":  authz.token,
		"status": authz.challStatus,
	}
	if authz.status == "invalid" {
		chall["error"] = problem{
			Type:   "urn:ietf:params:acme:error:unauthorized",
			Detail: fmt.Sprintf("validation failed for %q", authz.identifier),
			Status: http.StatusForbidden,
		}
	}
	return map[string]interface{}{
		"status":     authz.status,
		"expires":    time.Now().Add(time.Hour).Format(time.RFC3339),
		"identifier": map[string]string{"type": "dns", "value": authz.identifier},
		"challenges": []interface{}{chall},
	}
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readJWS(w, r)
	if !ok {
		return
	}

	key, _ := s.accountKey(req)

	s.mu.Lock()
	authz, found := s.authzs[pathID(r.URL.Path)]
	if !found {
		s.mu.Unlock()
		s.writeProblem(w, http.StatusNotFound,
			"urn:ietf:params:acme:error:malformed", "no such challenge")
		return
	}
	expectedKeyAuth := authz.token + "." + keyThumbprint(key)
	failListed := false
	for _, ident := range s.opts.FailIdentifiers {
		if ident == authz.identifier {
			failListed = true
		}
	}
	validate := s.opts.ValidateHTTP01
	token := authz.token
	s.mu.Unlock()

	outcome := "attempted"
	if failListed {
		outcome = "invalid"
	} else if validate != "" {
		if !fetchAndCompare(validate+"/.well-known/acme-challenge/"+token, expectedKeyAuth) {
			outcome = "invalid"
		}
	}

	s.mu.Lock()
	switch outcome {
	case "invalid":
		authz.status = "invalid"
		authz.challStatus = "invalid"
	default:
		authz.challStatus = "attempted"
	}
	body := map[string]interface{}{
		"type":   "http-01",
		"url":    "http://" + r.Host + "/chall/" + authz.id,
		"token":  authz.token,
		"status": "processing",
	}
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, body)
}

func fetchAndCompare(url, expected string) bool {
	resp, err := http.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}
	return string(body) == expected
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readJWS(w, r); !ok {
		return
	}

	s.mu.Lock()
	order, found := s.orders[pathID(r.URL.Path)]
	if !found {
		s.mu.Unlock()
		s.writeProblem(w, http.StatusNotFound,
			"urn:ietf:params:acme:error:malformed", "no such order")
		return
	}
	if order.status == "processing" {
		if order.processingPolls > 0 {
			order.processingPolls--
		} else {
			order.status = "valid"
		}
	}
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, s.orderJSON(order, "http://"+r.Host))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readJWS(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	order, found := s.orders[pathID(r.URL.Path)]
	if !found {
		s.mu.Unlock()
		s.writeProblem(w, http.StatusNotFound,
			"urn:ietf:params:acme:error:malformed", "no such order")
		return
	}
	for _, authzID := range order.authzIDs {
		if s.authzs[authzID].status != "valid" {
			s.mu.Unlock()
			s.writeProblem(w, http.StatusForbidden,
				"urn:ietf:params:acme:error:orderNotReady", "authorizations are not all valid")
			return
		}
	}
	identifiers := append([]string{}, order.identifiers...)
	s.mu.Unlock()

	var finalizeReq struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(req.payload, &finalizeReq); err != nil {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:malformed", "bad finalize payload")
		return
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(finalizeReq.CSR)
	if err != nil {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:badCSR", "csr is not base64url")
		return
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:badCSR", "csr does not parse")
		return
	}
	if !sameNames(csr.DNSNames, identifiers) {
		s.writeProblem(w, http.StatusBadRequest,
			"urn:ietf:params:acme:error:badCSR", "csr names do not match order identifiers")
		return
	}

	chainPEM, err := s.issue(csr)
	if err != nil {
		s.writeProblem(w, http.StatusInternalServerError,
			"urn:ietf:params:acme:error:serverInternal", err.Error())
		return
	}

	s.mu.Lock()
	order.chainPEM = chainPEM
	if order.processingPolls > 0 {
		order.status = "processing"
	} else {
		order.status = "valid"
	}
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, s.orderJSON(order, "http://"+r.Host))
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, n := range a {
		set[n] = true
	}
	for _, n := range b {
		if !set[n] {
			return false
		}
	}
	return true
}

// issue signs a certificate over the CSR's names with the test CA.
func (s *Server) issue(csr *x509.CertificateRequest) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		return nil, err
	}

	var chain []byte
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})...)
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw})...)
	return chain, nil
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readJWS(w, r); !ok {
		return
	}

	s.mu.Lock()
	order, found := s.orders[pathID(r.URL.Path)]
	chainPEM := []byte(nil)
	if found {
		chainPEM = order.chainPEM
	}
	s.mu.Unlock()

	if chainPEM == nil {
		s.writeProblem(w, http.StatusNotFound,
			"urn:ietf:params:acme:error:malformed", "certificate is not issued")
		return
	}

	s.setNonceHeader(w)
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(chainPEM)
}
