package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/dispatchkit/dispatchkit/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const renewalWindow = 30 * 24 * time.Hour

var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// Manager terminates TLS for the dispatch server. It serves either a
// static cert/key pair or ACME certificates via autocert, and keeps
// autocert certificates fresh with a background renewal loop.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.TLSConfig
	autocertMgr     *autocert.Manager
	mu              sync.RWMutex
	certificates    map[string]*tls.Certificate
	state           atomic.Value
	stopCh          chan struct{}
	renewalInterval time.Duration
}

func NewManager(ctx context.Context, logger types.Logger, config types.ConfigManager) (types.TLSManager, error) {
	tlsConfig := config.GetConfig().Server.TLS

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		config:          tlsConfig,
		certificates:    make(map[string]*tls.Certificate),
		stopCh:          make(chan struct{}),
		renewalInterval: 12 * time.Hour,
	}

	m.state.Store(StateStopped)

	if tlsConfig.AutoCert {
		if err := m.initAutocert(); err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to initialize autocert manager")
		}
	}

	return m, nil
}

func (m *Manager) Serve(addr string) (net.Listener, error) {
	if !m.IsRunning() {
		return nil, types.ErrServerNotRunning
	}

	tlsConfig, err := m.buildTLSConfig()
	if err != nil {
		return nil, err
	}

	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create TLS listener")
	}

	return ln, nil
}

func (m *Manager) GetTLSConfig() *tls.Config {
	cfg, err := m.buildTLSConfig()
	if err != nil {
		return nil
	}
	return cfg
}

func (m *Manager) buildTLSConfig() (*tls.Config, error) {
	base := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
		NextProtos:   []string{"h2", "http/1.1"},
	}

	if m.config.AutoCert {
		if m.autocertMgr == nil {
			return nil, types.NewErrorf("autocert manager not initialized")
		}
		base.GetCertificate = m.loggedGetCertificate(m.autocertMgr.GetCertificate)
		return base, nil
	}

	if m.config.CertFile == "" || m.config.KeyFile == "" {
		return nil, types.NewErrorf("tls enabled but cert_file or key_file not specified")
	}

	cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
	if err != nil {
		return nil, types.WrapError(err, "failed to load certificate files")
	}

	if err := validateCertificate(cert); err != nil {
		return nil, err
	}

	base.Certificates = []tls.Certificate{cert}
	return base, nil
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if m.config.AutoCert {
		m.preloadCertificates()
		go m.renewalLoop()
	}

	m.setState(StateRunning)

	m.logger.Info("TLS manager started",
		zap.Bool("auto_cert", m.config.AutoCert),
		zap.Strings("domains", m.config.Domains))

	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	close(m.stopCh)
	m.cancel()
	m.setState(StateStopped)

	m.logger.Info("TLS manager stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	return m.state.CompareAndSwap(m.getState(), newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager) initAutocert() error {
	if len(m.config.Domains) == 0 {
		return types.NewErrorf("no domains specified for TLS certificate")
	}

	cacheDir := m.config.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}

	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return types.WrapError(err, "failed to create certificate cache directory")
	}

	m.autocertMgr = &autocert.Manager{
		Cache:      autocert.DirCache(cacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.config.Domains...),
		Email:      m.config.Email,
	}

	if m.config.ACMEDirectory != "" {
		m.autocertMgr.Client = &acme.Client{
			DirectoryURL: m.config.ACMEDirectory,
		}
	}

	return nil
}

func (m *Manager) loggedGetCertificate(getCert func(*tls.ClientHelloInfo) (*tls.Certificate, error)) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := getCert(hello)
		if err != nil {
			m.logger.Error("Failed to get certificate",
				zap.String("server_name", hello.ServerName),
				zap.Error(err))
			return nil, err
		}
		return cert, nil
	}
}

// preloadCertificates warms the autocert cache so the first real
// handshake does not pay the ACME round trip.
func (m *Manager) preloadCertificates() {
	for _, domain := range m.config.Domains {
		hello := &tls.ClientHelloInfo{ServerName: domain}

		cert, err := m.autocertMgr.GetCertificate(hello)
		if err != nil {
			m.logger.Warn("Failed to preload certificate",
				zap.String("domain", domain),
				zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.certificates[domain] = cert
		m.mu.Unlock()

		m.logger.Debug("Certificate preloaded", zap.String("domain", domain))
	}
}

func (m *Manager) renewalLoop() {
	ticker := time.NewTicker(m.renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.renewExpiring()
		case <-m.stopCh:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) renewExpiring() {
	m.mu.RLock()
	domains := make([]string, 0, len(m.certificates))
	for domain := range m.certificates {
		domains = append(domains, domain)
	}
	m.mu.RUnlock()

	for _, domain := range domains {
		x509Cert, err := m.certificateInfo(domain)
		if err != nil {
			m.logger.Error("Failed to get certificate info",
				zap.String("domain", domain),
				zap.Error(err))
			continue
		}

		if time.Now().Before(x509Cert.NotAfter.Add(-renewalWindow)) {
			continue
		}

		m.logger.Info("Certificate renewal required",
			zap.String("domain", domain),
			zap.Time("expires_at", x509Cert.NotAfter))

		cert, err := m.autocertMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
		if err != nil {
			m.logger.Error("Failed to renew certificate",
				zap.String("domain", domain),
				zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.certificates[domain] = cert
		m.mu.Unlock()

		m.logger.Info("Certificate renewed", zap.String("domain", domain))
	}
}

func (m *Manager) certificateInfo(domain string) (*x509.Certificate, error) {
	m.mu.RLock()
	cert, exists := m.certificates[domain]
	m.mu.RUnlock()

	if !exists || len(cert.Certificate) == 0 {
		return nil, types.NewErrorf("certificate not found for domain: %s", domain)
	}

	return x509.ParseCertificate(cert.Certificate[0])
}

func (m *Manager) GetCertificateStatus() map[string]types.CertificateStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]types.CertificateStatus, len(m.certificates))

	for domain, cert := range m.certificates {
		if len(cert.Certificate) == 0 {
			status[domain] = types.CertificateStatus{
				Domain: domain,
				Status: "error",
				Error:  "no certificate data",
			}
			continue
		}

		x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			status[domain] = types.CertificateStatus{
				Domain: domain,
				Status: "error",
				Error:  err.Error(),
			}
			continue
		}

		daysUntilExpiry := int(time.Until(x509Cert.NotAfter).Hours() / 24)
		certStatus := "valid"
		if daysUntilExpiry <= 0 {
			certStatus = "expired"
		} else if daysUntilExpiry <= 30 {
			certStatus = "expiring_soon"
		}

		status[domain] = types.CertificateStatus{
			Domain:          domain,
			Status:          certStatus,
			Issuer:          x509Cert.Issuer.String(),
			Subject:         x509Cert.Subject.String(),
			NotBefore:       x509Cert.NotBefore,
			NotAfter:        x509Cert.NotAfter,
			DaysUntilExpiry: daysUntilExpiry,
		}
	}

	return status
}

func validateCertificate(cert tls.Certificate) error {
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return types.WrapError(err, "failed to parse certificate")
	}

	now := time.Now()
	if now.Before(x509Cert.NotBefore) {
		return types.NewErrorf("certificate not yet valid")
	}
	if now.After(x509Cert.NotAfter) {
		return types.NewErrorf("certificate expired")
	}

	return nil
}
