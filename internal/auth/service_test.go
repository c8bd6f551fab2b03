// ABOUTME: Tests for the pairing service and token lifecycle
// ABOUTME: Covers session replacement, expiry boundaries, validation, revocation, and persistence

package auth

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryStore is an in-memory TokenStore that records saves.
type memoryStore struct {
	mu      sync.Mutex
	tokens  []AuthToken
	saves   int
	saveErr error
}

func (m *memoryStore) Load() ([]AuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuthToken(nil), m.tokens...), nil
}

func (m *memoryStore) Save(tokens []AuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.tokens = append([]AuthToken(nil), tokens...)
	m.saves++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *memoryStore, *fakeClock) {
	t.Helper()
	store := &memoryStore{}
	clock := newFakeClock()
	svc, err := NewService(store, testLogger(), WithClock(clock.Now))
	require.NoError(t, err)
	return svc, store, clock
}

func TestGeneratePIN_Format(t *testing.T) {
	svc, _, _ := newTestService(t)

	pin, err := svc.GeneratePIN()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), pin)

	status := svc.PairingStatus()
	assert.True(t, status.Active)
	assert.Equal(t, PairingKindPIN, status.Kind)
}

func TestGenerateQRPayload_Format(t *testing.T) {
	svc, _, _ := newTestService(t)

	payload, err := svc.GenerateQRPayload("192.168.1.20", 9443)
	require.NoError(t, err)

	assert.Equal(t, "pilot-companion", payload.Type)
	assert.Equal(t, 1, payload.Version)
	assert.Equal(t, "192.168.1.20", payload.Host)
	assert.Equal(t, 9443, payload.Port)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), payload.Token)
}

func TestPair_Success(t *testing.T) {
	svc, store, _ := newTestService(t)

	pin, err := svc.GeneratePIN()
	require.NoError(t, err)

	secret, ok := svc.Pair(pin, "Pixel 8")
	require.True(t, ok)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{96}$`), secret)

	// Persisted before Pair returned
	assert.Equal(t, 1, store.saves)
	require.Len(t, store.tokens, 1)
	assert.Equal(t, secret, store.tokens[0].Secret)
	assert.Equal(t, "Pixel 8", store.tokens[0].DeviceName)

	assert.False(t, svc.PairingStatus().Active, "session should be consumed")
}

func TestPair_QRCredential(t *testing.T) {
	svc, _, _ := newTestService(t)

	payload, err := svc.GenerateQRPayload("host", 1)
	require.NoError(t, err)

	_, ok := svc.Pair(payload.Token, "iPad")
	assert.True(t, ok)
}

func TestPair_SecondAttemptFails(t *testing.T) {
	svc, _, _ := newTestService(t)

	pin, _ := svc.GeneratePIN()
	_, ok := svc.Pair(pin, "first")
	require.True(t, ok)

	_, ok = svc.Pair(pin, "second")
	assert.False(t, ok, "session must be cleared after success")
}

func TestPair_NewSessionInvalidatesOld(t *testing.T) {
	svc, _, _ := newTestService(t)

	oldPayload, err := svc.GenerateQRPayload("h", 1)
	require.NoError(t, err)
	newPIN, err := svc.GeneratePIN()
	require.NoError(t, err)

	_, ok := svc.Pair(oldPayload.Token, "device")
	assert.False(t, ok, "old credential must be rejected")

	_, ok = svc.Pair(newPIN, "device")
	assert.True(t, ok)
}

func TestPair_Rejections(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		svc, store, _ := newTestService(t)
		_, ok := svc.Pair("123456", "device")
		assert.False(t, ok)
		assert.Equal(t, 0, store.saves)
	})

	t.Run("mismatch", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		pin, _ := svc.GeneratePIN()
		wrong := "000000"
		if pin == wrong {
			wrong = "111111"
		}
		_, ok := svc.Pair(wrong, "device")
		assert.False(t, ok)
		assert.True(t, svc.PairingStatus().Active, "mismatch must not consume the session")
	})

	t.Run("persist failure", func(t *testing.T) {
		svc, store, _ := newTestService(t)
		store.saveErr = errors.New("disk full")
		pin, _ := svc.GeneratePIN()
		_, ok := svc.Pair(pin, "device")
		assert.False(t, ok)
		assert.Empty(t, svc.ListDevices())
	})
}

func TestPair_ExpiryBoundary(t *testing.T) {
	t.Run("just before expiry", func(t *testing.T) {
		svc, _, clock := newTestService(t)
		pin, _ := svc.GeneratePIN()
		clock.Advance(PairingTTL - time.Millisecond)
		_, ok := svc.Pair(pin, "device")
		assert.True(t, ok)
	})

	t.Run("just after expiry", func(t *testing.T) {
		svc, _, clock := newTestService(t)
		pin, _ := svc.GeneratePIN()
		clock.Advance(PairingTTL + time.Millisecond)
		_, ok := svc.Pair(pin, "device")
		assert.False(t, ok)
		assert.False(t, svc.PairingStatus().Active)
	})
}

func TestValidateToken(t *testing.T) {
	svc, _, clock := newTestService(t)

	tok, ok := svc.ValidateToken("never-issued")
	assert.False(t, ok)
	assert.Nil(t, tok)

	_, ok = svc.ValidateToken("")
	assert.False(t, ok)

	pin, _ := svc.GeneratePIN()
	secret, ok := svc.Pair(pin, "Pixel")
	require.True(t, ok)

	first, ok := svc.ValidateToken(secret)
	require.True(t, ok)
	assert.Equal(t, "Pixel", first.DeviceName)
	assert.NotEmpty(t, first.SessionID)

	// Same instant on the clock: LastSeen must still strictly increase.
	second, ok := svc.ValidateToken(secret)
	require.True(t, ok)
	assert.True(t, second.LastSeen.After(first.LastSeen))

	clock.Advance(time.Second)
	third, ok := svc.ValidateToken(secret)
	require.True(t, ok)
	assert.True(t, third.LastSeen.After(second.LastSeen))
}

func TestRevokeDevice(t *testing.T) {
	svc, store, _ := newTestService(t)

	var revoked []string
	svc.OnRevoke(func(sessionID string) {
		revoked = append(revoked, sessionID)
	})

	pin, _ := svc.GeneratePIN()
	secretA, _ := svc.Pair(pin, "A")
	pin, _ = svc.GeneratePIN()
	secretB, _ := svc.Pair(pin, "B")

	tokA, ok := svc.ValidateToken(secretA)
	require.True(t, ok)

	removed := svc.RevokeDevice(tokA.SessionID)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{tokA.SessionID}, revoked)

	_, ok = svc.ValidateToken(secretA)
	assert.False(t, ok)
	_, ok = svc.ValidateToken(secretB)
	assert.True(t, ok)

	require.Len(t, store.tokens, 1)
	assert.Equal(t, secretB, store.tokens[0].Secret)

	// Unknown session: no hooks, nothing removed.
	assert.Equal(t, 0, svc.RevokeDevice("unknown"))
	assert.Len(t, revoked, 1)
}

func TestListDevices_OmitsSecretsAndSorts(t *testing.T) {
	svc, _, clock := newTestService(t)

	pin, _ := svc.GeneratePIN()
	_, _ = svc.Pair(pin, "first")
	clock.Advance(time.Minute)
	pin, _ = svc.GeneratePIN()
	_, _ = svc.Pair(pin, "second")

	devices := svc.ListDevices()
	require.Len(t, devices, 2)
	assert.Equal(t, "first", devices[0].DeviceName)
	assert.Equal(t, "second", devices[1].DeviceName)
}

func TestService_ReloadsFromFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	svc, err := NewService(NewFileTokenStore(path), testLogger())
	require.NoError(t, err)
	pin, _ := svc.GeneratePIN()
	secret, ok := svc.Pair(pin, "Laptop")
	require.True(t, ok)

	reloaded, err := NewService(NewFileTokenStore(path), testLogger())
	require.NoError(t, err)
	tok, ok := reloaded.ValidateToken(secret)
	require.True(t, ok)
	assert.Equal(t, "Laptop", tok.DeviceName)
}
