// Package peerstat tracks the last-known health of each configured peer,
// independent of the ledger and gossip packages so a slow or unreachable
// peer never contends for the ledger lock.
package peerstat

import (
	"sync"
	"time"
)

// Stat is the last-known health of one peer (spec.md §3's "Peer stat").
// It is purely observational and never consulted by validation.
type Stat struct {
	URL         string    `json:"url"`
	LastSeen    time.Time `json:"lastSeen"`
	LastHeight  uint64    `json:"lastHeight"`
	LatestHash  string    `json:"latestHash,omitempty"`
	NodeID      string    `json:"nodeId,omitempty"`
	OK          bool      `json:"ok"`
	LastErr     string    `json:"lastErr,omitempty"`
	Consecutive int       `json:"consecutiveFailures"`
}

// Reachable reports whether the peer answered within staleAfter.
func (s Stat) Reachable(staleAfter time.Duration) bool {
	return !s.LastSeen.IsZero() && time.Since(s.LastSeen) < staleAfter
}

// Map is a mutex-guarded peer-URL -> Stat table.
type Map struct {
	mu    sync.Mutex
	stats map[string]Stat
}

// NewMap returns an empty peer stat table.
func NewMap() *Map {
	return &Map{stats: make(map[string]Stat)}
}

// RecordSuccess records that peer answered at height, reporting latestHash
// and nodeID, at the current time, resetting its failure streak.
func (m *Map) RecordSuccess(peer string, height uint64, latestHash, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[peer] = Stat{
		URL: peer, LastSeen: time.Now().UTC(), LastHeight: height,
		LatestHash: latestHash, NodeID: nodeID, OK: true,
	}
}

// RecordFailure records that a call to peer failed with err, bumping its
// consecutive-failure count.
func (m *Map) RecordFailure(peer string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[peer]
	s.URL = peer
	s.OK = false
	s.Consecutive++
	if err != nil {
		s.LastErr = err.Error()
	}
	m.stats[peer] = s
}

// Get returns the stat for peer, or the zero value if unseen.
func (m *Map) Get(peer string) Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[peer]
}

// All returns a copy of every tracked peer's stat.
func (m *Map) All() map[string]Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stat, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out
}

// BestHeight returns the highest LastHeight reported by any reachable peer,
// and whether any peer had one.
func (m *Map) BestHeight(staleAfter time.Duration) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best uint64
	found := false
	for _, s := range m.stats {
		if !s.Reachable(staleAfter) {
			continue
		}
		if !found || s.LastHeight > best {
			best = s.LastHeight
			found = true
		}
	}
	return best, found
}
