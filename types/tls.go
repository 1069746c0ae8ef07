package types

import (
	"crypto/tls"
	"net"
	"time"
)

// TLSManager owns certificate loading and renewal. Serve wraps a plain
// listener address into a TLS listener using the managed certificates.
type TLSManager interface {
	LifecycleManager
	Serve(addr string) (net.Listener, error)
	GetTLSConfig() *tls.Config
	GetCertificateStatus() map[string]CertificateStatus
}

// CertificateStatus reports one managed certificate, keyed by domain.
// Status is "valid", "expiring_soon" or "expired".
type CertificateStatus struct {
	Domain          string    `json:"domain"`
	Status          string    `json:"status"`
	Issuer          string    `json:"issuer,omitempty"`
	Subject         string    `json:"subject,omitempty"`
	NotBefore       time.Time `json:"not_before,omitempty"`
	NotAfter        time.Time `json:"not_after,omitempty"`
	DaysUntilExpiry int       `json:"days_until_expiry,omitempty"`
	Error           string    `json:"error,omitempty"`
}
