// ABOUTME: Serves the bundled companion UI embedded via go:embed
// ABOUTME: Single-page fallback to index.html and cache headers keyed on content hashes

package assets

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"regexp"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

const indexFile = "index.html"

// hashPattern detects bundler content hashes in filenames (e.g. ".CU4W1PlC.").
// Base64url hashes, 8-character minimum.
var hashPattern = regexp.MustCompile(`\.[a-zA-Z0-9_-]{8,}\.`)

func init() {
	// Errors are ignored: these only fail if extension format is invalid.
	_ = mime.AddExtensionType(".woff2", "font/woff2")
	_ = mime.AddExtensionType(".map", "application/json")
	_ = mime.AddExtensionType(".webmanifest", "application/manifest+json")
}

// containsHash reports whether the given path contains a content hash
// (8+ characters between dots, e.g. "app.a1b2c3d4.js").
func containsHash(p string) bool {
	return hashPattern.MatchString(p)
}

// mimeFromExt returns the MIME type for a file extension.
// Falls back to the standard library's MIME database, then to
// "application/octet-stream" if unknown.
func mimeFromExt(ext string) string {
	switch ext {
	case ".js", ".mjs":
		return "application/javascript"
	case ".css":
		return "text/css; charset=utf-8"
	case ".html":
		return "text/html; charset=utf-8"
	case ".woff2":
		return "font/woff2"
	case ".svg":
		return "image/svg+xml"
	case ".map":
		return "application/json"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
		return "application/octet-stream"
	}
}

// UIHandler serves the companion UI. With dir empty the embedded bundle is
// used; otherwise files are read from dir so a development build can be
// served without recompiling.
func UIHandler(dir string, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var fsys fs.FS
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("ui directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("ui directory %s is not a directory", dir)
		}
		fsys = os.DirFS(dir)
		logger.Info("serving UI from disk", "dir", dir)
	} else {
		sub, err := fs.Sub(distFS, "dist")
		if err != nil {
			return nil, fmt.Errorf("embedded ui: %w", err)
		}
		fsys = sub
	}
	return newUIHandler(fsys, logger)
}

func newUIHandler(fsys fs.FS, logger *slog.Logger) (http.Handler, error) {
	if _, err := fs.Stat(fsys, indexFile); err != nil {
		return nil, fmt.Errorf("ui bundle has no %s: %w", indexFile, err)
	}
	fileServer := http.FileServer(http.FS(fsys))
	logger = logger.With("component", "ui")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}

		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		ext := strings.ToLower(path.Ext(name))

		if name == "" || name == indexFile {
			serveIndex(w, r, fsys, logger)
			return
		}

		info, err := fs.Stat(fsys, name)
		if err != nil {
			// Client-side routes have no extension and resolve to the app shell.
			if errors.Is(err, fs.ErrNotExist) && ext == "" {
				serveIndex(w, r, fsys, logger)
				return
			}
			http.NotFound(w, r)
			return
		}
		if info.IsDir() {
			http.NotFound(w, r)
			return
		}

		if ext != "" {
			w.Header().Set("Content-Type", mimeFromExt(ext))
		}
		if containsHash(name) {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		} else {
			w.Header().Set("Cache-Control", "no-cache")
		}
		fileServer.ServeHTTP(w, r)
	}), nil
}

func serveIndex(w http.ResponseWriter, r *http.Request, fsys fs.FS, logger *slog.Logger) {
	data, err := fs.ReadFile(fsys, indexFile)
	if err != nil {
		logger.Error("reading index", "error", err)
		http.Error(w, "ui unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}
