// Package responder serves HTTP-01 challenge responses from inside the
// host application's plaintext listener. It is a middleware, not a server:
// requests that are not challenge validations pass through to the wrapped
// handler untouched.
package responder

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/lgrit/certward/acme"
)

// Responder answers GET /.well-known/acme-challenge/{token} with the key
// authorization registered for the token. Registration and deregistration
// happen from the order engine while validations arrive concurrently from
// the ACME server, so the token map is mutex-protected.
//
// The Add/Delete method names mirror letsencrypt/challtestsrv so both
// satisfy the client's ChallengeSolver interface.
type Responder struct {
	mu         sync.RWMutex
	challenges map[string]string

	log *slog.Logger
}

// New creates an empty Responder.
func New(logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		challenges: map[string]string{},
		log:        logger.With("component", "http01-responder"),
	}
}

// AddHTTPOneChallenge registers the key authorization to serve for token.
func (r *Responder) AddHTTPOneChallenge(token, keyAuth string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges[token] = keyAuth
}

// DeleteHTTPOneChallenge withdraws the response for token.
func (r *Responder) DeleteHTTPOneChallenge(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.challenges, token)
}

func (r *Responder) lookup(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keyAuth, found := r.challenges[token]
	return keyAuth, found
}

// Handler wraps next so challenge validations are answered here and every
// other request falls through. A nil next turns unmatched requests into
// 404s.
func (r *Responder) Handler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, found := strings.CutPrefix(req.URL.Path, acme.WellKnownChallengePath)
		if !found || token == "" || strings.Contains(token, "/") {
			next.ServeHTTP(w, req)
			return
		}

		keyAuth, found := r.lookup(token)
		if !found {
			next.ServeHTTP(w, req)
			return
		}

		r.log.Debug("served challenge response", "token", token, "remote", req.RemoteAddr)
		// The body is exactly the key authorization, no trailing newline.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(keyAuth))
	})
}

// ServeHTTP serves challenge validations with a 404 fallback, for hosts
// that dedicate a mux entry to the well-known path.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Handler(nil).ServeHTTP(w, req)
}
