// ABOUTME: CLI commands that talk to a running host over the loopback admin API
// ABOUTME: Mints short-lived admin JWTs from the configured secret for each request

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/skip2/go-qrcode"

	"github.com/2389/pilot-companion/internal/auth"
	"github.com/2389/pilot-companion/internal/config"
	"github.com/2389/pilot-companion/internal/gateway"
)

// requestTokenTTL bounds the lifetime of tokens minted for a single CLI call.
const requestTokenTTL = time.Minute

// adminClient issues authenticated requests against the admin API.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(cfg *config.Config) (*adminClient, error) {
	if !cfg.AdminEnabled() {
		return nil, errors.New("auth.admin_secret is not configured (run pilot-companion init)")
	}
	token, err := mintAdminToken(cfg, requestTokenTTL)
	if err != nil {
		return nil, err
	}
	return &adminClient{
		baseURL: "http://" + cfg.Admin.Addr,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func mintAdminToken(cfg *config.Config, ttl time.Duration) (string, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.AdminSecret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(auth.AdminSubject, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting host at %s (is it running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiError(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// apiError extracts the message from an {"error": "..."} body.
func apiError(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

func loadAdminClient() (*adminClient, error) {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return nil, err
	}
	return newAdminClient(cfg)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}
	if !cfg.AdminEnabled() {
		return errors.New("auth.admin_secret is not configured (run pilot-companion init)")
	}
	token, err := mintAdminToken(cfg, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runPIN(ctx context.Context) error {
	client, err := loadAdminClient()
	if err != nil {
		return err
	}
	var resp gateway.PINResponse
	if err := client.do(ctx, http.MethodPost, gateway.PathAdminPIN, &resp); err != nil {
		return err
	}

	fmt.Println()
	fmt.Print("  Pairing PIN: ")
	color.New(color.FgCyan, color.Bold).Println(resp.PIN)
	color.New(color.FgHiBlack).Printf("  expires %s\n\n", resp.ExpiresAt.Local().Format(time.Kitchen))
	return nil
}

func runQR(ctx context.Context) error {
	client, err := loadAdminClient()
	if err != nil {
		return err
	}
	var resp gateway.QRResponse
	if err := client.do(ctx, http.MethodPost, gateway.PathAdminQR, &resp); err != nil {
		return err
	}
	if resp.Payload == nil {
		return errors.New("host returned no qr payload")
	}

	data, err := json.Marshal(resp.Payload)
	if err != nil {
		return fmt.Errorf("encoding qr payload: %w", err)
	}
	qr, err := qrcode.New(string(data), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("building qr code: %w", err)
	}

	fmt.Println()
	fmt.Print(qr.ToSmallString(false))
	fmt.Printf("  Scan to pair with %s:%d\n", resp.Payload.Host, resp.Payload.Port)
	color.New(color.FgHiBlack).Printf("  expires %s\n\n", resp.ExpiresAt.Local().Format(time.Kitchen))
	return nil
}

func runDevices(ctx context.Context) error {
	client, err := loadAdminClient()
	if err != nil {
		return err
	}
	var resp gateway.DevicesResponse
	if err := client.do(ctx, http.MethodGet, gateway.PathAdminDevices, &resp); err != nil {
		return err
	}
	if len(resp.Devices) == 0 {
		fmt.Println("No paired devices.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION ID\tDEVICE\tPAIRED\tLAST SEEN")
	for _, d := range resp.Devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			d.SessionID,
			d.DeviceName,
			d.CreatedAt.Local().Format("2006-01-02 15:04"),
			d.LastSeen.Local().Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runRevoke(ctx context.Context, args []string) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return errors.New("usage: pilot-companion revoke SESSION_ID")
	}
	client, err := loadAdminClient()
	if err != nil {
		return err
	}
	var resp gateway.RevokeResponse
	if err := client.do(ctx, http.MethodDelete, gateway.PathAdminDevices+"/"+args[0], &resp); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Revoked %s (%d token(s))\n", args[0], resp.Removed)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", cfg.Admin.Addr, gateway.PathHealth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health: %w", err)
	}
	fmt.Printf("healthy (version %s, transport running: %t, clients: %d)\n",
		health.Version, health.Transport, health.Clients)
	return nil
}
