package assets

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestContainsHash(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"js/app.a1b2c3d4.js", true},
		{"assets/app.CU4W1PlC.css", true},
		{"js/chunks/vendor.abcdef0123456789.js", true},
		{"index.html", false},
		{"assets/app.js", false},
		{".gitkeep", false},
	}
	for _, tt := range tests {
		if got := containsHash(tt.path); got != tt.want {
			t.Errorf("containsHash(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestMimeFromExt(t *testing.T) {
	tests := []struct {
		ext  string
		want string
	}{
		{".js", "application/javascript"},
		{".mjs", "application/javascript"},
		{".css", "text/css; charset=utf-8"},
		{".html", "text/html; charset=utf-8"},
		{".woff2", "font/woff2"},
		{".svg", "image/svg+xml"},
		{".map", "application/json"},
		{".qqqqqq", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := mimeFromExt(tt.ext); got != tt.want {
			t.Errorf("mimeFromExt(%q) = %q, want %q", tt.ext, got, tt.want)
		}
	}
}

func testBundle() fstest.MapFS {
	return fstest.MapFS{
		"index.html":                {Data: []byte("<html>shell</html>")},
		"assets/app.js":             {Data: []byte("console.log(1)")},
		"assets/vendor.a1b2c3d4.js": {Data: []byte("vendor")},
		"assets/style.CU4W1PlC.css": {Data: []byte("body{}")},
	}
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestUIHandler_ServesFilesAndShell(t *testing.T) {
	h, err := newUIHandler(testBundle(), discardLogger())
	if err != nil {
		t.Fatalf("newUIHandler: %v", err)
	}

	tests := []struct {
		name        string
		target      string
		wantStatus  int
		wantBody    string
		wantType    string
		wantCaching string
	}{
		{"root", "/", http.StatusOK, "<html>shell</html>", "text/html; charset=utf-8", "no-cache"},
		{"index", "/index.html", http.StatusOK, "<html>shell</html>", "text/html; charset=utf-8", "no-cache"},
		{"client route", "/sessions/abc", http.StatusOK, "<html>shell</html>", "text/html; charset=utf-8", "no-cache"},
		{"plain asset", "/assets/app.js", http.StatusOK, "console.log(1)", "application/javascript", "no-cache"},
		{"hashed asset", "/assets/vendor.a1b2c3d4.js", http.StatusOK, "vendor", "application/javascript", "public, max-age=31536000, immutable"},
		{"hashed css", "/assets/style.CU4W1PlC.css", http.StatusOK, "body{}", "text/css; charset=utf-8", "public, max-age=31536000, immutable"},
		{"missing asset", "/assets/missing.js", http.StatusNotFound, "", "", ""},
		{"directory", "/assets", http.StatusNotFound, "", "", ""},
		{"traversal", "/../../etc/passwd", http.StatusOK, "<html>shell</html>", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, http.MethodGet, tt.target)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if tt.wantType != "" && rec.Header().Get("Content-Type") != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), tt.wantType)
			}
			if tt.wantCaching != "" && rec.Header().Get("Cache-Control") != tt.wantCaching {
				t.Errorf("Cache-Control = %q, want %q", rec.Header().Get("Cache-Control"), tt.wantCaching)
			}
		})
	}
}

func TestUIHandler_RejectsWrites(t *testing.T) {
	h, err := newUIHandler(testBundle(), discardLogger())
	if err != nil {
		t.Fatalf("newUIHandler: %v", err)
	}
	if rec := serve(t, h, http.MethodPost, "/"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestUIHandler_RequiresIndex(t *testing.T) {
	_, err := newUIHandler(fstest.MapFS{"app.js": {Data: []byte("x")}}, discardLogger())
	if err == nil {
		t.Fatal("expected error for bundle without index.html")
	}
}

func TestUIHandler_EmbeddedBundle(t *testing.T) {
	h, err := UIHandler("", discardLogger())
	if err != nil {
		t.Fatalf("UIHandler: %v", err)
	}
	rec := serve(t, h, http.MethodGet, "/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Pilot Companion") {
		t.Errorf("embedded index not served: %d %q", rec.Code, rec.Body.String())
	}
	if rec := serve(t, h, http.MethodGet, "/assets/app.js"); rec.Code != http.StatusOK {
		t.Errorf("embedded app.js status = %d", rec.Code)
	}
}

func TestUIHandler_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("dev shell"), 0644); err != nil {
		t.Fatal(err)
	}

	h, err := UIHandler(dir, discardLogger())
	if err != nil {
		t.Fatalf("UIHandler: %v", err)
	}
	if rec := serve(t, h, http.MethodGet, "/"); rec.Body.String() != "dev shell" {
		t.Errorf("body = %q, want dev shell", rec.Body.String())
	}

	if _, err := UIHandler(filepath.Join(dir, "missing"), discardLogger()); err == nil {
		t.Error("expected error for missing ui directory")
	}
	if _, err := UIHandler(filepath.Join(dir, "index.html"), discardLogger()); err == nil {
		t.Error("expected error when ui directory is a file")
	}
}
