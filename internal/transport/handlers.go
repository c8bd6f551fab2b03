// ABOUTME: Fixed HTTP endpoints of the companion transport
// ABOUTME: Capability and config probes, pairing submission, attachment fetch, UI catch-all

package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/2389/pilot-companion/internal/auth"
)

// Route paths served besides the socket path and the UI catch-all.
const (
	PathCapabilities = "/api/companion/capabilities"
	PathConfig       = "/api/companion/config"
	PathPair         = "/api/companion/pair"
	PathAttachment   = "/api/companion/attachment"
	PathHelp         = "/help"
)

// ProtocolVersion identifies the socket frame protocol.
const ProtocolVersion = 1

// maxPairBody bounds the pairing request body.
const maxPairBody = 16 << 10

var errAttachmentForbidden = errors.New("attachment path not allowed")

// Capabilities is the capability probe response.
type Capabilities struct {
	Companion bool     `json:"companion"`
	Version   string   `json:"version,omitempty"`
	Protocol  int      `json:"protocol"`
	Pairing   []string `json:"pairing"`
	Features  []string `json:"features"`
}

// ConnectionConfig is the connection-config probe response.
type ConnectionConfig struct {
	Port          int    `json:"port"`
	Path          string `json:"path"`
	Secure        bool   `json:"secure"`
	TokenRequired bool   `json:"tokenRequired"`
}

// PairRequest is the pairing submission body. Credential may also be sent as
// "pin" or "token" depending on how the client obtained it.
type PairRequest struct {
	Credential string `json:"credential"`
	PIN        string `json:"pin,omitempty"`
	Token      string `json:"token,omitempty"`
	DeviceName string `json:"deviceName"`
}

// PairResponse is returned on successful pairing.
type PairResponse struct {
	Secret    string `json:"secret"`
	SocketURL string `json:"socketUrl"`
}

func (s *Server) routes() *httprouter.Router {
	r := httprouter.New()
	r.GET(PathCapabilities, s.handleCapabilities)
	r.GET(PathConfig, s.handleConfig)
	r.POST(PathPair, s.handlePair)
	r.GET(PathAttachment, s.handleAttachment)
	r.GET(s.cfg.SocketPath, s.handleSocket)
	if s.cfg.Help != nil {
		r.Handler(http.MethodGet, PathHelp, s.cfg.Help)
	}
	r.NotFound = s.cfg.UI
	r.HandleMethodNotAllowed = false
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, Capabilities{
		Companion: true,
		Version:   s.cfg.Version,
		Protocol:  ProtocolVersion,
		Pairing:   []string{"pin", "qr"},
		Features:  []string{"ipc", "events", "attachments"},
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, ConnectionConfig{
		Port:          s.Port(),
		Path:          s.cfg.SocketPath,
		Secure:        s.cfg.Secure,
		TokenRequired: true,
	})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req PairRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPairBody)).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	credential := req.Credential
	if credential == "" {
		credential = req.PIN
	}
	if credential == "" {
		credential = req.Token
	}

	secret, ok := s.auth.Pair(credential, strings.TrimSpace(req.DeviceName))
	if !ok {
		// One message for every failure mode.
		http.Error(w, `{"error":"pairing failed"}`, http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, PairResponse{
		Secret:    secret,
		SocketURL: s.socketURL(r),
	})
}

func (s *Server) socketURL(r *http.Request) string {
	scheme := "ws"
	if s.cfg.Secure || r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + s.cfg.SocketPath
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	secret := r.URL.Query().Get("token")
	if bearer, errMsg := auth.ExtractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		secret = bearer
	}
	tok, ok := s.auth.ValidateToken(secret)
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	r = r.WithContext(auth.WithAuth(r.Context(), &auth.AuthContext{SessionID: tok.SessionID}))

	p, err := s.checkAttachmentPath(r.URL.Query().Get("path"))
	if err != nil {
		s.logger.Info("attachment request refused", "session_id", tok.SessionID, "path", r.URL.Query().Get("path"))
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	f, err := os.Open(p)
	if err != nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", imageContentType(filepath.Ext(p)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// checkAttachmentPath applies the attachment policy: no ".." segments, a
// literal attachments directory segment, and an allowed image extension.
// It returns the cleaned path.
func (s *Server) checkAttachmentPath(raw string) (string, error) {
	if raw == "" || strings.ContainsRune(raw, 0) {
		return "", errAttachmentForbidden
	}
	slashed := filepath.ToSlash(raw)
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", errAttachmentForbidden
		}
	}

	cleaned := filepath.Clean(raw)
	segment := s.cfg.AttachmentSegment
	if segment == "" {
		return "", errAttachmentForbidden
	}
	if !slices.Contains(strings.Split(filepath.ToSlash(cleaned), "/"), segment) {
		return "", errAttachmentForbidden
	}

	ext := strings.ToLower(filepath.Ext(cleaned))
	if ext == "" || !slices.Contains(s.cfg.AttachmentExtensions, ext) {
		return "", errAttachmentForbidden
	}
	return cleaned, nil
}

func imageContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}
