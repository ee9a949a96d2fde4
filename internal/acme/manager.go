// Package acme handles automatic TLS certificate management for the gateway via ACME.
package acme

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sync"

	"github.com/caddyserver/certmagic"
	certmagicsqlite "github.com/rsclarke/certmagic-sqlite"
	"go.uber.org/zap"
)

// Manager obtains and renews gateway certificates using the HTTP-01 and
// TLS-ALPN-01 challenges. Certificates are stored in the gateway database.
type Manager struct {
	Domains []string
	Email   string
	Staging bool
	DB      *sql.DB
	Logger  *zap.Logger

	mu     sync.RWMutex
	config *certmagic.Config
	issuer *certmagic.ACMEIssuer
}

// SetLogger configures the global certmagic loggers.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	certmagic.Default.Logger = logger
	certmagic.DefaultACME.Logger = logger
}

// NewManager creates a new ACME manager.
func NewManager(domains []string, email string, db *sql.DB, staging bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	SetLogger(logger)

	return &Manager{
		Domains: domains,
		Email:   email,
		Staging: staging,
		DB:      db,
		Logger:  logger,
	}
}

// CA returns the directory URL certificates are requested from.
func (m *Manager) CA() string {
	if m.Staging {
		return certmagic.LetsEncryptStagingCA
	}
	return certmagic.LetsEncryptProductionCA
}

// Prepare builds the certmagic config and issuer without contacting the CA.
// It is safe to call more than once.
func (m *Manager) Prepare() error {
	if len(m.Domains) == 0 {
		return errors.New("acme: no domains configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config != nil {
		return nil
	}

	hostname, _ := os.Hostname()
	storage, err := certmagicsqlite.NewWithDB(m.DB, certmagicsqlite.WithOwnerID(hostname))
	if err != nil {
		return fmt.Errorf("create certmagic storage: %w", err)
	}

	cfg := certmagic.NewDefault()
	cfg.Storage = storage
	cfg.Logger = m.Logger

	issuer := certmagic.NewACMEIssuer(cfg, certmagic.ACMEIssuer{
		CA:     m.CA(),
		Email:  m.Email,
		Agreed: true,
		Logger: m.Logger,
	})
	cfg.Issuers = []certmagic.Issuer{issuer}

	m.config = cfg
	m.issuer = issuer
	return nil
}

// Manage starts obtaining and renewing certificates in the background.
// Handshakes for a domain block until its certificate is available.
func (m *Manager) Manage(ctx context.Context) error {
	if err := m.Prepare(); err != nil {
		return err
	}
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	m.Logger.Info("managing certificates", zap.Strings("domains", m.Domains), zap.String("ca", m.CA()))
	if err := cfg.ManageAsync(ctx, m.Domains); err != nil {
		return fmt.Errorf("manage certificates for %v: %w", m.Domains, err)
	}
	return nil
}

// TLSConfig returns a TLS configuration that serves the managed certificates
// and answers TLS-ALPN-01 challenges. It is nil before Prepare.
func (m *Manager) TLSConfig() *tls.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return nil
	}
	tc := m.config.TLSConfig()
	for _, proto := range []string{"http/1.1", "h2"} {
		if !slices.Contains(tc.NextProtos, proto) {
			tc.NextProtos = append([]string{proto}, tc.NextProtos...)
		}
	}
	return tc
}

// HTTPChallengeHandler answers HTTP-01 challenges and passes every other
// request to next.
func (m *Manager) HTTPChallengeHandler(next http.Handler) http.Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.issuer == nil {
		return next
	}
	return m.issuer.HTTPChallengeHandler(next)
}
