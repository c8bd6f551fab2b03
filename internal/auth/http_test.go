// ABOUTME: Tests for admin HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, and the admin subject gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var httpTestSecret = []byte("http-middleware-test-secret-32b!")

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := newTestVerifier(t, httpTestSecret)
	adminToken, _ := verifier.Generate(AdminSubject, time.Hour)
	otherToken, _ := verifier.Generate("someone-else", time.Hour)
	expiredToken, _ := verifier.Generate(AdminSubject, -time.Hour)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantAdmin  bool
	}{
		{name: "valid admin token", header: "Bearer " + adminToken, wantStatus: http.StatusOK, wantAdmin: true},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "empty bearer", header: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "expired token", header: "Bearer " + expiredToken, wantStatus: http.StatusUnauthorized},
		{name: "non-admin subject", header: "Bearer " + otherToken, wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth *AuthContext
			handler := HTTPAuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = FromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/admin/devices", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantAdmin && !gotAuth.IsAdmin() {
				t.Error("expected admin auth context")
			}
		})
	}
}
