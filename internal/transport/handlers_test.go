// ABOUTME: Tests for the transport HTTP endpoints
// ABOUTME: Covers probes, pairing submission, the attachment policy, and the UI catch-all

package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleCapabilities(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathCapabilities, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var caps Capabilities
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caps))
	assert.True(t, caps.Companion)
	assert.Equal(t, ProtocolVersion, caps.Protocol)
	assert.Equal(t, "test", caps.Version)
	assert.ElementsMatch(t, []string{"pin", "qr"}, caps.Pairing)
}

func TestHandleConfig(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.Addr = "0.0.0.0:9443"
		c.Secure = true
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathConfig, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got ConnectionConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, ConnectionConfig{Port: 9443, Path: "/ws", Secure: true, TokenRequired: true}, got)
}

func TestHandleConfig_ReportsBoundPort(t *testing.T) {
	s := startTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathConfig, nil))

	var got ConnectionConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, s.Port(), got.Port)
	assert.NotZero(t, got.Port)
}

func TestHandlePair(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"wrong credential", `{"credential":"000000","deviceName":"phone"}`, http.StatusUnauthorized},
		{"empty credential", `{"deviceName":"phone"}`, http.StatusUnauthorized},
		{"malformed body", `{`, http.StatusBadRequest},
		{"credential field", `{"credential":"123456","deviceName":"phone"}`, http.StatusOK},
		{"pin field", `{"pin":"123456","deviceName":"phone"}`, http.StatusOK},
		{"token field", `{"token":"123456","deviceName":"phone"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, PathPair, strings.NewReader(tt.body))
			s.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			switch tt.wantStatus {
			case http.StatusOK:
				var resp PairResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "paired-phone", resp.Secret)
				assert.Equal(t, "ws://example.com/ws", resp.SocketURL)
			case http.StatusUnauthorized:
				assert.Contains(t, rec.Body.String(), "pairing failed")
			}
		})
	}
}

func TestHandlePair_SecureSocketURL(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.Secure = true })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, PathPair, strings.NewReader(`{"credential":"123456","deviceName":"phone"}`))
	req.Host = "192.168.1.20:9443"
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp PairResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "wss://192.168.1.20:9443/ws", resp.SocketURL)
}

func TestHandleAttachment(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "project", "pilot-attachments")
	require.NoError(t, os.MkdirAll(dir, 0755))
	image := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(image, []byte("\x89PNG fake"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.png"), []byte("nope"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("text"), 0644))

	s := newTestServer(t, nil)

	get := func(path, token, bearer string) *httptest.ResponseRecorder {
		q := url.Values{}
		q.Set("path", path)
		if token != "" {
			q.Set("token", token)
		}
		req := httptest.NewRequest(http.MethodGet, PathAttachment+"?"+q.Encode(), nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	t.Run("query token", func(t *testing.T) {
		rec := get(image, testSecret, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.Equal(t, "\x89PNG fake", rec.Body.String())
	})

	t.Run("bearer token", func(t *testing.T) {
		rec := get(image, "", testSecret)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("no token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get(image, "", "").Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get(image, "bogus", "").Code)
	})

	forbidden := map[string]string{
		"dot-dot escape":    filepath.Join(dir, "..", "..", "secret.png"),
		"relative dot-dot":  "pilot-attachments/../../secret.png",
		"no segment":        filepath.Join(root, "secret.png"),
		"disallowed ext":    filepath.Join(dir, "notes.txt"),
		"segment as prefix": filepath.Join(root, "pilot-attachments-old", "x.png"),
		"empty":             "",
	}
	for name, p := range forbidden {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusForbidden, get(p, testSecret, "").Code)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(filepath.Join(dir, "gone.png"), testSecret, "").Code)
	})

	t.Run("directory", func(t *testing.T) {
		sub := filepath.Join(dir, "folder.png")
		require.NoError(t, os.MkdirAll(sub, 0755))
		assert.Equal(t, http.StatusNotFound, get(sub, testSecret, "").Code)
	})
}

func TestCheckAttachmentPath_CaseInsensitiveExtension(t *testing.T) {
	s := newTestServer(t, nil)
	got, err := s.checkAttachmentPath("/home/me/repo/pilot-attachments/IMG.PNG")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean("/home/me/repo/pilot-attachments/IMG.PNG"), got)
}

func TestUICatchAll(t *testing.T) {
	s := newTestServer(t, nil)

	for _, p := range []string{"/", "/sessions/abc", "/assets/app.js"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, rec.Code, p)
		assert.Equal(t, "ui:"+p, rec.Body.String())
	}
}

func TestHelpRoute(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.Help = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("help"))
		})
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathHelp, nil))
	assert.Equal(t, "help", rec.Body.String())
}

func TestSocketRouteRequiresRunningServer(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
