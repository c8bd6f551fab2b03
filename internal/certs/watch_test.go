// ABOUTME: Tests for the certificate directory watcher
// ABOUTME: Verifies that replacing the bundle on disk reports the new serial

package certs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReportsReplacedBundle(t *testing.T) {
	addrs := &fakeAddresses{}
	m := newTestManager(addrs)
	dir := t.TempDir()

	original, err := m.Ensure(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Bundle, 4)
	done := make(chan error, 1)
	go func() {
		done <- m.Watch(ctx, dir, func(b *Bundle) { changed <- b })
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	replacement, err := m.Regenerate(dir)
	require.NoError(t, err)

	select {
	case b := <-changed:
		assert.Equal(t, replacement.Serial(), b.Serial())
		assert.NotEqual(t, original.Serial(), b.Serial())
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the replaced bundle")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
