// ABOUTME: Background monitors that keep the served certificate valid
// ABOUTME: Polls LAN addresses for changes and reloads bundles replaced on disk

package gateway

import (
	"context"
	"time"

	"github.com/2389/pilot-companion/internal/certs"
)

// startMonitors launches the network poller and the certificate watcher.
// Both stop when ctx is done; Shutdown waits for them.
func (g *Gateway) startMonitors(ctx context.Context) {
	if !g.config.Server.Secure {
		return
	}

	if interval := g.config.Certs.NetworkPollInterval; interval > 0 {
		g.background.Add(1)
		go func() {
			defer g.background.Done()
			g.pollNetwork(ctx, interval)
		}()
	}

	if g.config.Certs.Watch {
		g.background.Add(1)
		go func() {
			defer g.background.Done()
			if err := g.certs.Watch(ctx, g.config.Certs.Dir, g.onBundleReplaced); err != nil {
				g.logger.Warn("certificate watcher stopped", "error", err)
			}
		}()
	}
}

func (g *Gateway) pollNetwork(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.checkNetwork()
		}
	}
}

// checkNetwork regenerates the self-signed bundle when a LAN address appears
// that it does not cover. It reports whether a new bundle was installed.
// Nothing happens while a tunnel certificate is served.
func (g *Gateway) checkNetwork() bool {
	if g.tunnelCertActive.Load() {
		return false
	}
	current := g.currentBundle()
	if current != nil && !g.certs.NeedsRegeneration(current) {
		return false
	}

	g.logger.Info("network addresses changed, regenerating certificate")
	bundle, err := g.RegenerateCertificate()
	if err != nil {
		g.logger.Error("regenerating certificate after network change", "error", err)
		return false
	}
	g.logger.Info("certificate hot-swapped", "serial", bundle.Serial())
	return true
}

// onBundleReplaced installs a bundle that was replaced on disk by something
// other than this process.
func (g *Gateway) onBundleReplaced(b *certs.Bundle) {
	if current := g.currentBundle(); current != nil && current.Serial() == b.Serial() {
		return
	}
	if err := g.installBundle(b); err != nil {
		g.logger.Error("installing replaced certificate", "error", err)
		return
	}
	g.logger.Info("reloaded certificate from disk", "serial", b.Serial())
	g.ForwardEvent(EventCertificateChanged, certificateEvent(b))
}
