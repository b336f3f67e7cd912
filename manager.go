package certward

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/lgrit/certward/acme/client"
	"github.com/lgrit/certward/acme/keys"
	"github.com/lgrit/certward/acme/responder"
	"github.com/lgrit/certward/acme/storage"
)

const (
	// renewBefore is how long before expiry a replacement is obtained.
	renewBefore = 30 * 24 * time.Hour
	// recheckInterval guards against system-clock jumps and long sleeps:
	// expiry is re-evaluated on this cadence regardless of the timer.
	recheckInterval = 24 * time.Hour

	// Failed renewals are retried on this doubling schedule.
	retryInitialInterval = 1 * time.Minute
	retryMaxInterval     = 1 * time.Hour
)

// manager owns the certificate lifecycle: the store, the ACME client, the
// responder and the renewal scheduler. One manager exists per Handle.
type manager struct {
	config Config
	log    *slog.Logger

	store     *storage.Store
	identity  *keys.Identity
	responder *responder.Responder

	// bundle is the live certificate; TLS acceptors read it through the
	// tls.Config callback, the scheduler swaps it atomically on rotation.
	bundle atomic.Pointer[storage.Bundle]
	tlsCfg *tls.Config

	// flight coalesces concurrent renewal triggers into one order.
	flight singleflight.Group

	client     *client.Client
	clientOnce sync.Once
	clientErr  error

	// renewAt is when the next renewal is due. Guarded by mu; tests mutate
	// it to force a renewal.
	mu      sync.Mutex
	renewAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// now is a clock hook for tests.
	now func() time.Time
}

func newManager(config Config) (*manager, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	store, err := storage.New(config.SettingsPath, config.Logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &manager{
		config:    config,
		log:       config.Logger.With("component", "renewal-manager"),
		store:     store,
		responder: responder.New(config.Logger),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		now:       time.Now,
	}, nil
}

// start runs crash recovery, loads or issues the initial certificate and
// launches the scheduler goroutine.
func (m *manager) start() error {
	if err := m.store.Recover(); err != nil {
		return err
	}

	identity, err := keys.LoadOrCreateIdentity(m.store.AccountIdentityPath())
	if err != nil {
		return err
	}
	m.identity = identity

	m.tlsCfg = &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			bundle := m.bundle.Load()
			if bundle == nil {
				return nil, errors.New("no certificate available")
			}
			return &bundle.Certificate, nil
		},
	}

	bundle, err := m.store.Load()
	if err != nil {
		return err
	}
	if bundle != nil {
		m.bundle.Store(bundle)
		m.setRenewAt(bundle.NotAfter().Add(-renewBefore))
		m.log.Info("loaded stored certificate",
			"serial", bundle.SerialNumber(), "renewAt", m.renewalDue())
	}

	// Cold start, or the stored pair is already inside the renewal window:
	// block until we hold a usable certificate.
	if m.bundle.Load() == nil || !m.now().Before(m.renewalDue()) {
		if err := m.renew(m.ctx); err != nil {
			return err
		}
	}

	go m.scheduleLoop()
	return nil
}

func (m *manager) tlsConfig() *tls.Config {
	return m.tlsCfg
}

func (m *manager) setRenewAt(t time.Time) {
	m.mu.Lock()
	m.renewAt = t
	m.mu.Unlock()
}

func (m *manager) renewalDue() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewAt
}

// acmeClient builds the ACME client on first use so the directory fetch
// happens inside the first issuance, not at Provision time for warm
// starts.
func (m *manager) acmeClient() (*client.Client, error) {
	m.clientOnce.Do(func() {
		m.client, m.clientErr = client.New(client.Config{
			DirectoryURL: m.config.DirectoryURL,
			CACertPath:   m.config.CACertPath,
			Identity:     m.identity,
			Contacts:     m.config.Contacts,
			Logger:       m.config.Logger,
		})
	})
	return m.client, m.clientErr
}

// renew obtains a replacement certificate and swaps it in. Concurrent
// callers coalesce into the same issuance and share its outcome; only one
// order is ever in flight per manager.
func (m *manager) renew(ctx context.Context) error {
	_, err, _ := m.flight.Do("renew", func() (interface{}, error) {
		acmeClient, err := m.acmeClient()
		if err != nil {
			return nil, err
		}

		issued, err := acmeClient.IssueCertificate(ctx, m.config.Domains, m.responder)
		if err != nil {
			return nil, err
		}

		bundle, err := m.store.Replace(issued.ChainPEM, issued.Key)
		if err != nil {
			return nil, err
		}

		m.bundle.Store(bundle)
		m.setRenewAt(bundle.NotAfter().Add(-renewBefore))
		m.log.Info("certificate rotated",
			"serial", bundle.SerialNumber(), "notAfter", bundle.NotAfter(),
			"renewAt", m.renewalDue())
		return nil, nil
	})
	return err
}

// checkForRenewal renews when the certificate is missing or inside the
// renewal window, and is a no-op while the stored pair is healthy.
func (m *manager) checkForRenewal(ctx context.Context) error {
	if m.bundle.Load() != nil && m.now().Before(m.renewalDue()) {
		return nil
	}
	return m.renew(ctx)
}

// scheduleLoop sleeps until the renewal due time, renews, and re-checks
// expiry every 24 h as a guard against clock jumps. Renewal failures back
// off from 1 minute doubling to a 1 hour ceiling; the certificate on disk
// is never touched by a failure.
func (m *manager) scheduleLoop() {
	defer close(m.done)

	retry := &backoff.ExponentialBackOff{
		InitialInterval:     retryInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         retryMaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	retry.Reset()

	recheck := time.NewTicker(recheckInterval)
	defer recheck.Stop()

	timer := time.NewTimer(m.untilRenewal())
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
		case <-recheck.C:
		}

		// Once an attempt starts it runs to completion even if
		// StopAutoRenewal fires; abandoning a request mid-flight would leak
		// server-side order state.
		if err := m.checkForRenewal(context.WithoutCancel(m.ctx)); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			wait := retry.NextBackOff()
			m.log.Error("renewal attempt failed; rescheduling",
				"err", err, "retryIn", wait)
			timer.Reset(wait)
			continue
		}

		retry.Reset()
		timer.Reset(m.untilRenewal())
	}
}

// untilRenewal returns the sleep until the next due time, never negative.
func (m *manager) untilRenewal() time.Duration {
	wait := m.renewalDue().Sub(m.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// stop cancels the scheduler and waits for it to exit. In-flight ACME
// requests complete; certward never abandons an order mid-request.
func (m *manager) stop() {
	m.cancel()
	<-m.done
}
