// ABOUTME: Loopback admin API for the local host: pairing, devices, certificates, events
// ABOUTME: Routes other than /health require an admin JWT signed with auth.admin_secret

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/2389/pilot-companion/internal/auth"
)

// Admin API paths.
const (
	PathHealth       = "/health"
	PathAdminPIN     = "/admin/pairing/pin"
	PathAdminQR      = "/admin/pairing/qr"
	PathAdminQRImage = "/admin/pairing/qr.png"
	PathAdminDevices = "/admin/devices"
	PathAdminRegen   = "/admin/certificates/regenerate"
	PathAdminEvents  = "/admin/events"
)

const (
	maxAdminBodyBytes = 1 << 20
	qrImageSize       = 256
)

// PINResponse is the JSON response for POST /admin/pairing/pin.
type PINResponse struct {
	PIN       string    `json:"pin"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// QRResponse is the JSON response for POST /admin/pairing/qr.
type QRResponse struct {
	Payload   *auth.QRPayload `json:"payload"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// DevicesResponse is the JSON response for GET /admin/devices.
type DevicesResponse struct {
	Devices []auth.DeviceInfo `json:"devices"`
}

// RevokeResponse is the JSON response for DELETE /admin/devices/{sessionId}.
type RevokeResponse struct {
	Removed int `json:"removed"`
}

// EventRequest is the JSON request body for POST /admin/events.
type EventRequest struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Transport bool   `json:"transport"`
	Clients   int    `json:"clients"`
}

// adminHandler builds the admin mux. Without an admin secret only /health is served.
func (g *Gateway) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathHealth, g.handleHealth)

	if !g.config.AdminEnabled() {
		g.logger.Warn("admin API disabled - no auth.admin_secret configured")
		return mux
	}

	verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.AdminSecret))
	if err != nil {
		g.logger.Error("admin API disabled", "error", err)
		return mux
	}
	requireAdmin := auth.HTTPAuthMiddleware(verifier)

	mux.Handle("POST "+PathAdminPIN, requireAdmin(http.HandlerFunc(g.handleGeneratePIN)))
	mux.Handle("POST "+PathAdminQR, requireAdmin(http.HandlerFunc(g.handleGenerateQR)))
	mux.Handle("GET "+PathAdminQRImage, requireAdmin(http.HandlerFunc(g.handleQRImage)))
	mux.Handle("GET "+PathAdminDevices, requireAdmin(http.HandlerFunc(g.handleAdminDevices)))
	mux.Handle("DELETE "+PathAdminDevices+"/{sessionId}", requireAdmin(http.HandlerFunc(g.handleAdminRevoke)))
	mux.Handle("POST "+PathAdminRegen, requireAdmin(http.HandlerFunc(g.handleRegenerate)))
	mux.Handle("POST "+PathAdminEvents, requireAdmin(http.HandlerFunc(g.handleAdminEvent)))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth returns 200 OK while the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   g.version,
		Transport: g.transport.Running(),
		Clients:   g.bridge.ClientCount(),
	})
}

func (g *Gateway) handleGeneratePIN(w http.ResponseWriter, _ *http.Request) {
	pin, err := g.auth.GeneratePIN()
	if err != nil {
		g.logger.Error("generating pin", "error", err)
		http.Error(w, `{"error":"failed to generate pin"}`, http.StatusInternalServerError)
		return
	}
	g.setQR(nil)
	writeJSON(w, http.StatusOK, PINResponse{PIN: pin, ExpiresAt: g.auth.PairingStatus().ExpiresAt})
}

func (g *Gateway) handleGenerateQR(w http.ResponseWriter, _ *http.Request) {
	host, port := g.pairingEndpoint()
	payload, err := g.auth.GenerateQRPayload(host, port)
	if err != nil {
		g.logger.Error("generating qr payload", "error", err)
		http.Error(w, `{"error":"failed to generate qr payload"}`, http.StatusInternalServerError)
		return
	}
	g.setQR(payload)
	writeJSON(w, http.StatusOK, QRResponse{Payload: payload, ExpiresAt: g.auth.PairingStatus().ExpiresAt})
}

// handleQRImage renders the live QR payload as a PNG.
func (g *Gateway) handleQRImage(w http.ResponseWriter, _ *http.Request) {
	payload := g.activeQR()
	if payload == nil {
		http.Error(w, `{"error":"no active qr pairing"}`, http.StatusNotFound)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"failed to encode qr payload"}`, http.StatusInternalServerError)
		return
	}
	png, err := qrcode.Encode(string(data), qrcode.Medium, qrImageSize)
	if err != nil {
		g.logger.Error("rendering qr image", "error", err)
		http.Error(w, `{"error":"failed to render qr image"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (g *Gateway) handleAdminDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: g.auth.ListDevices()})
}

func (g *Gateway) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	removed := g.auth.RevokeDevice(sessionID)
	if removed == 0 {
		http.Error(w, `{"error":"device not found"}`, http.StatusNotFound)
		return
	}
	var subject string
	if ac := auth.FromContext(r.Context()); ac != nil {
		subject = ac.Subject
	}
	g.logger.Info("device revoked via admin API", "session_id", sessionID, "removed", removed, "subject", subject)
	writeJSON(w, http.StatusOK, RevokeResponse{Removed: removed})
}

func (g *Gateway) handleRegenerate(w http.ResponseWriter, _ *http.Request) {
	bundle, err := g.RegenerateCertificate()
	if errors.Is(err, ErrInsecure) {
		http.Error(w, `{"error":"server is not running in secure mode"}`, http.StatusConflict)
		return
	}
	if err != nil {
		g.logger.Error("regenerating certificate", "error", err)
		http.Error(w, `{"error":"failed to regenerate certificate"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, certificateEvent(bundle))
}

// handleAdminEvent lets out-of-process host collaborators push events to remote clients.
func (g *Gateway) handleAdminEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	req.Channel = strings.TrimSpace(req.Channel)
	if req.Channel == "" {
		http.Error(w, `{"error":"channel is required"}`, http.StatusBadRequest)
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	g.ForwardEvent(req.Channel, payload)
	w.WriteHeader(http.StatusAccepted)
}

// pairingEndpoint picks the host and port a scanning device should dial:
// the tailnet name while a tunnel certificate is served, else the first LAN address.
func (g *Gateway) pairingEndpoint() (string, int) {
	if domain := g.tunnelDomain(); domain != "" {
		return domain, 443
	}
	port := g.transport.Port()
	if addrs := g.certs.LANAddresses(); len(addrs) > 0 {
		return addrs[0].String(), port
	}
	return "localhost", port
}

func (g *Gateway) setQR(p *auth.QRPayload) {
	g.qrMu.Lock()
	g.qr = p
	g.qrMu.Unlock()
}

// activeQR returns the last QR payload while its pairing session is still live.
func (g *Gateway) activeQR() *auth.QRPayload {
	status := g.auth.PairingStatus()
	if !status.Active || status.Kind != auth.PairingKindQR {
		return nil
	}
	g.qrMu.Lock()
	defer g.qrMu.Unlock()
	return g.qr
}
