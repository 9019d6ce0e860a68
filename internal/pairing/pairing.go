// Package pairing implements the device/DM pairing code workflow: an unknown
// sender on a "pairing"-policy channel is issued a short code, which the
// gateway owner approves out-of-band (CLI or RPC) to grant that peer access.
package pairing

import (
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
)

const (
	codeLength = 8
	// codeCharset excludes visually ambiguous characters (0/O, 1/I).
	codeCharset = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	codeTTL     = time.Hour
	maxPending  = 3
)

// Manager is an in-memory, file-persisted implementation of store.PairingStore.
type Manager struct {
	mu       sync.Mutex
	path     string
	requests map[string]*store.PairingRequest // code -> request
}

// NewManager creates a Manager backed by a JSON file at path (empty path =
// in-memory only, useful for tests).
func NewManager(path string) *Manager {
	m := &Manager{path: path, requests: make(map[string]*store.PairingRequest)}
	m.load()
	return m
}

// Request creates (or returns the existing unexpired) pairing request for
// peer on channel. Returns an error if 3 pending requests already exist.
func (m *Manager) Request(channel, peer string) (*store.PairingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	pending := 0
	for _, r := range m.requests {
		if r.Channel != channel || r.Approved {
			continue
		}
		if now.After(r.ExpiresAt) {
			continue
		}
		if r.Peer == peer {
			return r, nil
		}
		pending++
	}
	if pending >= maxPending {
		return nil, fmt.Errorf("pairing: %d pending requests already exist for channel %q", maxPending, channel)
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("pairing: generate code: %w", err)
	}
	// Extremely unlikely collision with a still-pending code; regenerate once.
	if _, exists := m.requests[code]; exists {
		code, err = generateCode()
		if err != nil {
			return nil, fmt.Errorf("pairing: generate code: %w", err)
		}
	}

	req := &store.PairingRequest{
		Code:      code,
		Channel:   channel,
		Peer:      peer,
		CreatedAt: now,
		ExpiresAt: now.Add(codeTTL),
	}
	m.requests[code] = req
	m.saveLocked()
	return req, nil
}

// Get returns the pairing request for code, if any (expired or not).
func (m *Manager) Get(code string) (*store.PairingRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[code]
	if !ok {
		return nil, false
	}
	copied := *r
	return &copied, true
}

// Approve marks the request for code approved, if it exists and hasn't expired.
func (m *Manager) Approve(code string) (*store.PairingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[code]
	if !ok {
		return nil, fmt.Errorf("pairing: unknown code %q", code)
	}
	if time.Now().After(r.ExpiresAt) {
		return nil, fmt.Errorf("pairing: code %q has expired", code)
	}
	r.Approved = true
	m.saveLocked()
	copied := *r
	return &copied, nil
}

// List returns the approved requests and the unexpired pending requests
// for channel, newest first.
func (m *Manager) List(channel string) []store.PairingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([]store.PairingRequest, 0, len(m.requests))
	for _, r := range m.requests {
		if r.Channel != channel {
			continue
		}
		if !r.Approved && now.After(r.ExpiresAt) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// IsApproved reports whether peer has an approved pairing on channel.
// An allowlist entry always takes precedence over this check at the caller —
// pending or even approved pairing state never substitutes for an explicit
// allowlist entry when both exist; callers should check the allowlist first.
func (m *Manager) IsApproved(channel, peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.Channel == channel && r.Peer == peer && r.Approved {
			return true
		}
	}
	return false
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeCharset[int(b)%len(codeCharset)]
	}
	return string(out), nil
}
