// Package tls obtains and renews certificates for the tile server using
// ACME DNS-01 challenges against Azure DNS.
package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/azure"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/config"
)

// ErrDisabled is returned by Manager methods when TLS is not enabled.
var ErrDisabled = errors.New("tls disabled")

// Manager owns the certificate cache for the configured domains.
type Manager struct {
	cfg    config.TLSConfig
	magic  *certmagic.Config
	logger *slog.Logger
}

// NewManager configures certificate management. A disabled configuration
// yields a Manager whose TLSConfig is nil.
func NewManager(cfg config.TLSConfig, logger *slog.Logger) (*Manager, error) {
	m := &Manager{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return m, nil
	}

	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("TLS enabled but no domains specified")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("TLS enabled but no email specified")
	}

	magic := certmagic.NewDefault()
	if cfg.CacheDir != "" {
		magic.Storage = &certmagic.FileStorage{Path: cfg.CacheDir}
	}

	ca := certmagic.LetsEncryptProductionCA
	if cfg.Staging {
		ca = certmagic.LetsEncryptStagingCA
	}

	provider := &azure.Provider{
		SubscriptionId:    cfg.DNS.SubscriptionID,
		ResourceGroupName: cfg.DNS.ResourceGroupName,
		ClientId:          cfg.DNS.ClientID,
	}
	issuer := certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
		CA:     ca,
		Email:  cfg.Email,
		Agreed: true,
		DNS01Solver: &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{DNSProvider: provider},
		},
	})
	magic.Issuers = []certmagic.Issuer{issuer}

	m.magic = magic
	return m, nil
}

// Enabled reports whether certificates are managed.
func (m *Manager) Enabled() bool {
	return m.magic != nil
}

// ManageCertificates obtains certificates for the configured domains and
// keeps them renewed in the background.
func (m *Manager) ManageCertificates(ctx context.Context) error {
	if m.magic == nil {
		return ErrDisabled
	}

	m.logger.Info("obtaining certificates", "domains", m.cfg.Domains, "staging", m.cfg.Staging)
	if err := m.magic.ManageSync(ctx, m.cfg.Domains); err != nil {
		return fmt.Errorf("managing certificates: %w", err)
	}
	m.logger.Info("certificates ready", "domains", m.cfg.Domains)
	return nil
}

// TLSConfig returns the server TLS configuration, or nil when disabled.
func (m *Manager) TLSConfig() *tls.Config {
	if m.magic == nil {
		return nil
	}
	tlsConfig := m.magic.TLSConfig()
	tlsConfig.NextProtos = append([]string{"h2", "http/1.1"}, tlsConfig.NextProtos...)
	return tlsConfig
}
