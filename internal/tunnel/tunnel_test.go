// ABOUTME: Tests for tunnel configuration helpers
// ABOUTME: Node startup needs a live tailnet and is exercised manually

package tunnel

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/ipn/ipnstate"
)

func TestResolveStateDir(t *testing.T) {
	got, err := resolveStateDir("/var/lib/pilot/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pilot/ts", got)

	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err = resolveStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".local", "share", "pilot-companion", "tailscale"), got)
}

func TestResolveAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveAuthKey("")
	assert.Error(t, err)

	got, err := resolveAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", got)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	got, err = resolveAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", got)

	got, err = resolveAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", got, "config wins over environment")
}

func TestCertDomain(t *testing.T) {
	tests := []struct {
		name   string
		status *ipnstate.Status
		want   string
	}{
		{"nil status", nil, ""},
		{"cert domains", &ipnstate.Status{
			CertDomains: []string{"pilot.tail1234.ts.net"},
			Self:        &ipnstate.PeerStatus{DNSName: "other.tail1234.ts.net."},
		}, "pilot.tail1234.ts.net"},
		{"self dns name", &ipnstate.Status{
			Self: &ipnstate.PeerStatus{DNSName: "pilot.tail1234.ts.net."},
		}, "pilot.tail1234.ts.net"},
		{"nothing", &ipnstate.Status{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, certDomain(tt.status))
		})
	}
}

func TestTailscaleAddr(t *testing.T) {
	assert.Equal(t, "", tailscaleAddr(nil))
	assert.Equal(t, "", tailscaleAddr(&ipnstate.Status{}))
	assert.Equal(t, "100.64.0.7", tailscaleAddr(&ipnstate.Status{
		TailscaleIPs: []netip.Addr{netip.MustParseAddr("100.64.0.7")},
	}))
}

func TestTunnelURL(t *testing.T) {
	assert.Equal(t, "", (&Tunnel{}).URL())
	assert.Equal(t, "https://pilot.tail1234.ts.net", (&Tunnel{domain: "pilot.tail1234.ts.net"}).URL())
}
