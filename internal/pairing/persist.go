package pairing

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

// load reads persisted requests from m.path, if set. Missing file is not an error.
func (m *Manager) load() {
	if m.path == "" {
		return
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("pairing: failed to read persisted requests", "path", m.path, "error", err)
		}
		return
	}
	var list []*store.PairingRequest
	if err := json.Unmarshal(data, &list); err != nil {
		slog.Warn("pairing: failed to parse persisted requests", "path", m.path, "error", err)
		return
	}
	for _, r := range list {
		m.requests[r.Code] = r
	}
}

// saveLocked persists the current request set via atomic temp-file + rename.
// Caller must hold m.mu.
func (m *Manager) saveLocked() {
	if m.path == "" {
		return
	}
	list := make([]*store.PairingRequest, 0, len(m.requests))
	for _, r := range m.requests {
		list = append(list, r)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		slog.Error("pairing: failed to marshal requests", "error", err)
		return
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("pairing: failed to create directory", "dir", dir, "error", err)
		return
	}

	tmp, err := os.CreateTemp(dir, ".pairing-*.tmp")
	if err != nil {
		slog.Error("pairing: failed to create temp file", "error", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		slog.Error("pairing: failed to write temp file", "error", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		slog.Error("pairing: failed to fsync temp file", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		slog.Error("pairing: failed to close temp file", "error", err)
		return
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		slog.Error("pairing: failed to rename temp file", "error", err)
	}
}
