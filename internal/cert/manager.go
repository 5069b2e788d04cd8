/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cert maintains the ephemeral mTLS client identity used to dial a
// Cloud SQL instance: a locally held RSA keypair paired with a client
// certificate signed on demand by the admin API, refreshed ahead of expiry.
package cert

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/cloudsql-broker/connector/internal/adminapi"
	"github.com/cloudsql-broker/connector/internal/backoff"
	"github.com/cloudsql-broker/connector/internal/instancekey"
	"github.com/cloudsql-broker/connector/internal/logging"
)

// RefreshWindow is how far ahead of a certificate's expiry the manager
// begins serving a replacement: an identity whose NotAfter is within this
// window of now is considered stale.
const RefreshWindow = 15 * time.Minute

// BackgroundInterval is the sleep between pre-warming refresh attempts.
const BackgroundInterval = 50 * time.Minute

// rsaKeyBits is the size of the locally generated client keypair. Generated
// once per Manager and reused across every certificate renewal.
const rsaKeyBits = 2048

// Identity is a client certificate bound to the manager's RSA key, ready to
// present in a TLS ClientHello.
type Identity struct {
	TLSCert  tls.Certificate
	NotAfter time.Time
}

// stale reports whether the identity must be refreshed before now.
func (id Identity) stale(now time.Time) bool {
	return !now.Add(RefreshWindow).Before(id.NotAfter)
}

// Manager holds the ephemeral client identity for a single Cloud SQL
// instance and keeps it fresh.
type Manager struct {
	key    instancekey.Key
	admin  *adminapi.Client
	logger *zap.SugaredLogger

	keyOnce sync.Once
	rsaKey  *rsa.PrivateKey
	keyErr  error

	mu      sync.Mutex
	current *Identity

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger overrides the Manager's logger, which otherwise defaults to
// logging.Nop.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = logging.Named(l, "cert") }
}

// NewManager constructs a Manager for key, using admin to mint certificates,
// and starts its background refresh loop. Callers must call Stop when done.
func NewManager(key instancekey.Key, admin *adminapi.Client, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		key:    key,
		admin:  admin,
		logger: logging.Nop,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.backgroundRefresh(ctx)
	return m
}

// Stop cancels the background refresh loop and waits for it to exit.
func (m *Manager) Stop() {
	m.cancel()
	<-m.done
}

func (m *Manager) backgroundRefresh(ctx context.Context) {
	defer close(m.done)
	timer := time.NewTimer(BackgroundInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := m.GetValidClientCertificate(ctx); err != nil {
				m.logger.Warnw("background certificate refresh failed", "instance", m.key, "error", err)
			}
			timer.Reset(BackgroundInterval)
		}
	}
}

func (m *Manager) privateKey() (*rsa.PrivateKey, error) {
	m.keyOnce.Do(func() {
		m.rsaKey, m.keyErr = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	})
	return m.rsaKey, m.keyErr
}

// GetValidClientCertificate returns an Identity whose NotAfter is later than
// now+RefreshWindow, refreshing it via the admin API if necessary. Refreshes
// are single-flighted: concurrent callers block on the same mutex, and those
// queued behind a successful refresh reuse its identity; after a failed
// refresh, the next caller in line tries again.
func (m *Manager) GetValidClientCertificate(ctx context.Context) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.current != nil && !m.current.stale(now) {
		return *m.current, nil
	}

	priv, err := m.privateKey()
	if err != nil {
		return Identity{}, fmt.Errorf("cert: generating client keypair: %w", err)
	}

	var clientCert *x509.Certificate
	err = backoff.Do(ctx, adminapi.IsRetryable, func() error {
		var callErr error
		clientCert, callErr = m.admin.GenerateEphemeralCert(ctx, m.key, &priv.PublicKey)
		return callErr
	})
	if err != nil {
		return Identity{}, fmt.Errorf("cert: refreshing ephemeral certificate for %s: %w", m.key, err)
	}

	identity, err := bindIdentity(priv, clientCert)
	if err != nil {
		return Identity{}, fmt.Errorf("cert: binding refreshed certificate for %s: %w", m.key, err)
	}

	m.current = &identity
	return identity, nil
}

// bindIdentity re-associates cert with priv by round-tripping both through
// an in-memory PKCS#12 blob, then reloading them as a tls.Certificate. The
// admin API signs the certificate independently of the key that requested
// it, so this is how the two are materialized into one TLS-usable credential.
func bindIdentity(priv *rsa.PrivateKey, cert *x509.Certificate) (Identity, error) {
	pfx, err := gopkcs12.Modern.Encode(priv, cert, nil, "")
	if err != nil {
		return Identity{}, fmt.Errorf("encoding PKCS#12 identity: %w", err)
	}

	reloadedKey, reloadedCert, _, err := gopkcs12.DecodeChain(pfx, "")
	if err != nil {
		return Identity{}, fmt.Errorf("reloading PKCS#12 identity: %w", err)
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{reloadedCert.Raw},
		PrivateKey:  reloadedKey,
		Leaf:        reloadedCert,
	}
	return Identity{TLSCert: tlsCert, NotAfter: reloadedCert.NotAfter}, nil
}
