package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// watchSession watches the application shell's session file for tenant
// changes. The shell writes the active tenant key to the file when the
// user opens a different show; picking up the write switches the active
// tenant and kicks off a sync so the new tenant's data is warm.
//
// The parent directory is watched rather than the file itself: editors
// and the shell replace the file atomically, which would otherwise drop
// the watch.
func (m *Manager) watchSession(ctx context.Context, path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create session watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	// Pick up whatever the shell wrote before we started.
	if key, err := readSessionKey(path); err == nil && key != "" {
		m.SetTenant(key)
	}

	m.cfg.Logger.Printf("Watching session file: %s", path)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				m.handleSessionChange(ctx, path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.cfg.Logger.Printf("Warning: session watcher error: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// handleSessionChange re-reads the session file and switches tenants if
// the key changed. Syncing the new tenant happens in the background; the
// switch itself never blocks the watcher loop.
func (m *Manager) handleSessionChange(ctx context.Context, path string) {
	key, err := readSessionKey(path)
	if err != nil {
		m.cfg.Logger.Printf("Warning: failed to read session file: %v", err)
		return
	}
	if key == "" || key == m.Tenant() {
		return
	}

	m.SetTenant(key)
	go func() {
		if _, err := m.SyncTenant(ctx, key); err != nil {
			m.cfg.Logger.Printf("Warning: sync after tenant switch failed: %v", err)
		}
	}()
}

// readSessionKey reads the tenant key from the session file: first
// non-empty line, whitespace trimmed.
func readSessionKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if key := strings.TrimSpace(line); key != "" {
			return key, nil
		}
	}
	return "", nil
}
