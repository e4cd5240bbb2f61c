// Package ban implements the IP ban policy StratumServer consults before
// accepting a socket and after a protocol violation: a simple expiring
// ban list, generalizing the policy surface the teacher's proxy.stratum
// assumed an external "policy" package provided.
package ban

import (
	"sync"
	"time"
)

// DefaultDuration is the standard ban window for protocol violations
// (unparseable JSON, junk, failed TLS handshake) per the error taxonomy.
const DefaultDuration = 3 * time.Minute

// Manager tracks banned remote IPs with per-ban expiry.
type Manager struct {
	mu      sync.Mutex
	banned  map[string]time.Time // ip -> ban expiry
	onJunk  bool                 // BanOnJunkReceive policy
}

func NewManager(banOnJunkReceive bool) *Manager {
	return &Manager{
		banned: make(map[string]time.Time),
		onJunk: banOnJunkReceive,
	}
}

// BanOnJunkReceive reports whether a single malformed line should ban its
// source IP (default true per the framing contract).
func (m *Manager) BanOnJunkReceive() bool {
	return m.onJunk
}

// Ban bans ip for the given duration, extending any existing ban if the
// new expiry is later.
func (m *Manager) Ban(ip string, duration time.Duration) {
	if ip == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry := time.Now().Add(duration)
	if existing, ok := m.banned[ip]; ok && existing.After(expiry) {
		return
	}
	m.banned[ip] = expiry
}

// IsBanned reports whether ip is currently under an active ban, lazily
// evicting expired entries.
func (m *Manager) IsBanned(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.banned[ip]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(m.banned, ip)
		return false
	}
	return true
}

// Unban removes any active ban for ip.
func (m *Manager) Unban(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.banned, ip)
}

// Count reports the number of currently tracked ban entries (including
// not-yet-lazily-evicted expired ones).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.banned)
}
