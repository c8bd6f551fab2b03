// ABOUTME: Self-signed certificate issuance covering the host's LAN addresses
// ABOUTME: Reuses the on-disk bundle until a newly seen address forces regeneration

package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Fixed artifact names inside the certificate directory.
const (
	CertFileName = "companion-cert.pem"
	KeyFileName  = "companion-key.pem"
)

const (
	keyBits  = 2048
	validity = 10 * 365 * 24 * time.Hour
)

// ErrNoBundle is returned by Load when no certificate has been issued yet.
var ErrNoBundle = errors.New("no certificate bundle on disk")

// Bundle is a certificate and its private key in PEM form.
type Bundle struct {
	CertPEM     []byte
	KeyPEM      []byte
	Certificate *x509.Certificate
}

// Serial returns the certificate serial number as a decimal string.
func (b *Bundle) Serial() string {
	if b == nil || b.Certificate == nil {
		return ""
	}
	return b.Certificate.SerialNumber.String()
}

// TLSCertificate parses the bundle into a tls.Certificate.
func (b *Bundle) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(b.CertPEM, b.KeyPEM)
}

// Covers reports whether the certificate's SANs include every address in addrs
// plus the fixed localhost entries. Extra SANs are ignored.
func (b *Bundle) Covers(addrs []net.IP) bool {
	if b == nil || b.Certificate == nil {
		return false
	}
	have := make(map[string]bool, len(b.Certificate.IPAddresses))
	for _, ip := range b.Certificate.IPAddresses {
		have[ip.String()] = true
	}
	for _, ip := range requiredIPs(addrs) {
		if !have[ip.String()] {
			return false
		}
	}
	for _, name := range b.Certificate.DNSNames {
		if name == "localhost" {
			return true
		}
	}
	return false
}

// AddressFunc enumerates the host's non-loopback IPv4 addresses.
type AddressFunc func() ([]net.IP, error)

// Manager issues and validates the self-signed bundle.
type Manager struct {
	addresses AddressFunc
	logger    *slog.Logger
}

// NewManager creates a Manager. A nil addresses func enumerates the real
// network interfaces; pass nil logger for default.
func NewManager(addresses AddressFunc, logger *slog.Logger) *Manager {
	if addresses == nil {
		addresses = InterfaceIPv4Addresses
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		addresses: addresses,
		logger:    logger.With("component", "certs"),
	}
}

// CertPath returns the certificate file path inside dir.
func CertPath(dir string) string { return filepath.Join(dir, CertFileName) }

// KeyPath returns the private key file path inside dir.
func KeyPath(dir string) string { return filepath.Join(dir, KeyFileName) }

// LANAddresses returns the current non-loopback IPv4 addresses. Enumeration
// failure degrades to an empty list so callers fall back to localhost-only SANs.
func (m *Manager) LANAddresses() []net.IP {
	addrs, err := m.addresses()
	if err != nil {
		m.logger.Warn("enumerating network interfaces failed, using localhost only", "error", err)
		return nil
	}
	return addrs
}

// Ensure returns the on-disk bundle if it still covers every current LAN
// address, otherwise issues a new one.
func (m *Manager) Ensure(dir string) (*Bundle, error) {
	addrs := m.LANAddresses()

	existing, err := Load(dir)
	switch {
	case err == nil && existing.Covers(addrs):
		m.logger.Debug("reusing certificate", "serial", existing.Serial())
		return existing, nil
	case err == nil:
		m.logger.Info("certificate does not cover current addresses, regenerating", "addresses", ipStrings(addrs))
	case errors.Is(err, ErrNoBundle):
		m.logger.Info("no certificate found, generating", "dir", dir)
	default:
		m.logger.Warn("existing certificate unusable, regenerating", "error", err)
	}

	return m.generate(dir, addrs)
}

// NeedsRegeneration reports whether bundle fails to cover the current addresses.
func (m *Manager) NeedsRegeneration(bundle *Bundle) bool {
	return !bundle.Covers(m.LANAddresses())
}

// Generate issues a new bundle for the current addresses and writes it to dir.
func (m *Manager) Generate(dir string) (*Bundle, error) {
	return m.generate(dir, m.LANAddresses())
}

// Regenerate unconditionally re-issues the bundle, e.g. after a network change.
func (m *Manager) Regenerate(dir string) (*Bundle, error) {
	m.logger.Info("regenerating certificate", "dir", dir)
	return m.Generate(dir)
}

func (m *Manager) generate(dir string, addrs []net.IP) (*Bundle, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Pilot Companion",
			Organization: []string{"Pilot"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           requiredIPs(addrs),
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing new certificate: %w", err)
	}

	bundle := &Bundle{
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		Certificate: cert,
	}

	if err := write(dir, bundle); err != nil {
		return nil, err
	}

	m.logger.Info("certificate issued",
		"serial", bundle.Serial(),
		"ip_sans", ipStrings(cert.IPAddresses),
		"not_after", cert.NotAfter.Format(time.RFC3339))
	return bundle, nil
}

// Load reads the bundle stored in dir.
func Load(dir string) (*Bundle, error) {
	certPEM, err := os.ReadFile(CertPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoBundle
	}
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(KeyPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoBundle
	}
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	return Parse(certPEM, keyPEM)
}

// Parse validates a PEM certificate and key pair.
func Parse(certPEM, keyPEM []byte) (*Bundle, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("decoding certificate: no CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("certificate and key do not match: %w", err)
	}
	return &Bundle{CertPEM: certPEM, KeyPEM: keyPEM, Certificate: cert}, nil
}

func write(dir string, b *Bundle) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating certificate directory: %w", err)
	}
	if err := os.WriteFile(KeyPath(dir), b.KeyPEM, 0600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	if err := os.WriteFile(CertPath(dir), b.CertPEM, 0644); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}
	return nil
}

// InterfaceIPv4Addresses lists non-loopback IPv4 addresses of up interfaces.
func InterfaceIPv4Addresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				out = append(out, ip4)
			}
		}
	}
	return out, nil
}

// requiredIPs is the SAN IP set for addrs: loopback, the unspecified address,
// and every LAN address, de-duplicated and sorted.
func requiredIPs(addrs []net.IP) []net.IP {
	seen := map[string]net.IP{
		"127.0.0.1": net.IPv4(127, 0, 0, 1).To4(),
		"0.0.0.0":   net.IPv4zero.To4(),
	}
	for _, ip := range addrs {
		if ip4 := ip.To4(); ip4 != nil {
			seen[ip4.String()] = ip4
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]net.IP, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

func ipStrings(ips []net.IP) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out
}
