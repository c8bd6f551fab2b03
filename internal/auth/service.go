// ABOUTME: Pairing handshake and long-lived token lifecycle for companion devices
// ABOUTME: One live PIN/QR session at a time, exchanged for a persisted session token

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// PairingTTL is how long a PIN or QR credential stays valid.
	PairingTTL = 5 * time.Minute

	// PINDigits is the length of the numeric pairing PIN.
	PINDigits = 6

	// qrCredentialBytes yields a 64-hex-character QR credential.
	qrCredentialBytes = 32

	// secretBytes yields a 96-hex-character session secret.
	secretBytes = 48
)

// QR payload identification.
const (
	QRPayloadType    = "pilot-companion"
	QRPayloadVersion = 1
)

// PairingKind identifies how the active pairing credential was issued.
type PairingKind string

const (
	PairingKindPIN PairingKind = "pin"
	PairingKindQR  PairingKind = "qr"
)

// PairingSession is the single short-lived credential a device can exchange for a token.
type PairingSession struct {
	Credential string
	Kind       PairingKind
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// AuthToken is a long-lived credential held by a paired device.
type AuthToken struct {
	SessionID  string
	Secret     string
	DeviceName string
	CreatedAt  time.Time
	LastSeen   time.Time
}

// DeviceInfo describes a paired device without exposing its secret.
type DeviceInfo struct {
	SessionID  string    `json:"sessionId"`
	DeviceName string    `json:"deviceName"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeen   time.Time `json:"lastSeen"`
}

// QRPayload is the JSON document rendered as a scannable code by the host UI.
type QRPayload struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token"`
}

// PairingStatus reports whether a pairing credential is currently live.
type PairingStatus struct {
	Active    bool        `json:"active"`
	Kind      PairingKind `json:"kind,omitempty"`
	ExpiresAt time.Time   `json:"expiresAt,omitempty"`
}

// RevokeHook is called after a device's tokens have been deleted.
type RevokeHook func(sessionID string)

// Service owns the pairing session and the token set.
type Service struct {
	mu      sync.Mutex
	session *PairingSession
	tokens  map[string]*AuthToken // secret -> token
	store   TokenStore
	hooks   []RevokeHook
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, used by tests to pin expiry boundaries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service and loads any persisted tokens from the store.
// Pass a nil logger for default.
func NewService(store TokenStore, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		tokens: make(map[string]*AuthToken),
		store:  store,
		now:    time.Now,
		logger: logger.With("component", "auth"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("loading tokens: %w", err)
		}
		for _, tok := range loaded {
			t := tok
			s.tokens[t.Secret] = &t
		}
		s.logger.Debug("tokens loaded", "count", len(loaded))
	}

	return s, nil
}

// OnRevoke registers a hook fired after RevokeDevice removes tokens.
func (s *Service) OnRevoke(hook RevokeHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// GeneratePIN starts a new pairing session with a 6-digit numeric credential,
// discarding any previous session.
func (s *Service) GeneratePIN() (string, error) {
	pin, err := randomDigits(PINDigits)
	if err != nil {
		return "", fmt.Errorf("generating pin: %w", err)
	}
	s.startSession(pin, PairingKindPIN)
	return pin, nil
}

// GenerateQRPayload starts a new pairing session with a 64-hex-character
// credential and returns the payload to render as a QR code.
func (s *Service) GenerateQRPayload(host string, port int) (*QRPayload, error) {
	credential, err := randomHex(qrCredentialBytes)
	if err != nil {
		return nil, fmt.Errorf("generating qr credential: %w", err)
	}
	s.startSession(credential, PairingKindQR)
	return &QRPayload{
		Type:    QRPayloadType,
		Version: QRPayloadVersion,
		Host:    host,
		Port:    port,
		Token:   credential,
	}, nil
}

func (s *Service) startSession(credential string, kind PairingKind) {
	now := s.now()
	s.mu.Lock()
	s.session = &PairingSession{
		Credential: credential,
		Kind:       kind,
		CreatedAt:  now,
		ExpiresAt:  now.Add(PairingTTL),
	}
	s.mu.Unlock()
	s.logger.Info("pairing session started", "kind", kind, "expires_at", now.Add(PairingTTL).Format(time.RFC3339))
}

// PairingStatus reports the live pairing session, if any. An expired session
// is discarded as a side effect.
func (s *Service) PairingStatus() PairingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return PairingStatus{}
	}
	if s.now().After(s.session.ExpiresAt) {
		s.session = nil
		return PairingStatus{}
	}
	return PairingStatus{Active: true, Kind: s.session.Kind, ExpiresAt: s.session.ExpiresAt}
}

// Pair exchanges the active pairing credential for a new session secret.
// It reports ok=false when there is no session, the session expired, the
// credential does not match, or the new token could not be persisted.
func (s *Service) Pair(credential, deviceName string) (secret string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		s.logger.Debug("pairing rejected", "reason", "no session")
		return "", false
	}
	now := s.now()
	if now.After(s.session.ExpiresAt) {
		s.session = nil
		s.logger.Debug("pairing rejected", "reason", "expired")
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(s.session.Credential)) != 1 {
		s.logger.Debug("pairing rejected", "reason", "mismatch")
		return "", false
	}

	secret, err := randomHex(secretBytes)
	if err != nil {
		s.logger.Error("generating session secret", "error", err)
		return "", false
	}
	if deviceName == "" {
		deviceName = "Unknown device"
	}
	tok := &AuthToken{
		SessionID:  uuid.New().String(),
		Secret:     secret,
		DeviceName: deviceName,
		CreatedAt:  now,
		LastSeen:   now,
	}
	s.tokens[secret] = tok

	if err := s.persistLocked(); err != nil {
		delete(s.tokens, secret)
		s.logger.Error("persisting new token", "error", err)
		return "", false
	}

	s.session = nil
	s.logger.Info("device paired", "session_id", tok.SessionID, "device", deviceName)
	return secret, true
}

// ValidateToken looks up a session secret and refreshes its LastSeen.
func (s *Service) ValidateToken(secret string) (*AuthToken, bool) {
	if secret == "" {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[secret]
	if !ok {
		return nil, false
	}

	now := s.now()
	if !now.After(tok.LastSeen) {
		now = tok.LastSeen.Add(time.Millisecond)
	}
	tok.LastSeen = now

	if err := s.persistLocked(); err != nil {
		s.logger.Warn("persisting token last-seen", "error", err)
	}

	cp := *tok
	return &cp, true
}

// ListDevices returns every paired device ordered by pairing time.
func (s *Service) ListDevices() []DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]DeviceInfo, 0, len(s.tokens))
	for _, tok := range s.tokens {
		devices = append(devices, DeviceInfo{
			SessionID:  tok.SessionID,
			DeviceName: tok.DeviceName,
			CreatedAt:  tok.CreatedAt,
			LastSeen:   tok.LastSeen,
		})
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].CreatedAt.Equal(devices[j].CreatedAt) {
			return devices[i].SessionID < devices[j].SessionID
		}
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices
}

// RevokeDevice deletes every token belonging to sessionID and returns how many
// were removed. Revoke hooks run after the store is updated.
func (s *Service) RevokeDevice(sessionID string) int {
	s.mu.Lock()
	removed := 0
	for secret, tok := range s.tokens {
		if tok.SessionID == sessionID {
			delete(s.tokens, secret)
			removed++
		}
	}
	if removed > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("persisting token revocation", "error", err)
		}
	}
	hooks := append([]RevokeHook(nil), s.hooks...)
	s.mu.Unlock()

	if removed == 0 {
		return 0
	}

	s.logger.Info("device revoked", "session_id", sessionID, "tokens", removed)
	for _, hook := range hooks {
		hook(sessionID)
	}
	return removed
}

// persistLocked writes the full token set. Caller must hold s.mu.
func (s *Service) persistLocked() error {
	if s.store == nil {
		return nil
	}
	out := make([]AuthToken, 0, len(s.tokens))
	for _, tok := range s.tokens {
		out = append(out, *tok)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return s.store.Save(out)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func randomDigits(n int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}
