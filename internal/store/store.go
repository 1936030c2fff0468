// Package store persists ledger, payment-intent and wallet-session state
// to a node's data directory as pretty-printed JSON, guarded by an
// exclusive file lock so two node processes can never share a datadir.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
)

const (
	stateFile          = "state.json"
	paymentsFile       = "payments.json"
	walletSessionsFile = "wallet_sessions.json"
	lockFile           = "LOCK"
)

// Store owns a node's data directory. Only one process may hold it at a
// time, enforced by an exclusive flock on LOCK (the same mechanism
// go-ethereum's node.Node uses to protect a datadir).
type Store struct {
	dir  string
	lock *flock.Flock
}

// Open creates dir if needed, takes an exclusive non-blocking lock on it,
// and returns a Store. Callers must call Close when done.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create datadir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: acquire datadir lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store: datadir %s is already in use by another process", dir)
	}
	return &Store{dir: dir, lock: lock}, nil
}

// Close releases the datadir lock. Safe to call on a nil Store.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Dir returns the managed data directory.
func (s *Store) Dir() string { return s.dir }

// SaveState writes raw (already-marshaled ledger snapshot JSON) to
// state.json atomically: write to a temp file in the same directory, then
// rename over the target, so a crash mid-write never corrupts it.
func (s *Store) SaveState(raw []byte) error {
	return s.writeAtomic(stateFile, raw)
}

// LoadState returns state.json's contents, or (nil, false, nil) if it does
// not exist yet (fresh datadir).
func (s *Store) LoadState() ([]byte, bool, error) {
	return s.read(stateFile)
}

// SavePayments persists v (internal/payments' store snapshot) to
// payments.json.
func (s *Store) SavePayments(v any) error {
	return s.saveJSON(paymentsFile, v)
}

// LoadPayments decodes payments.json into v, reporting whether the file
// existed.
func (s *Store) LoadPayments(v any) (bool, error) {
	return s.loadJSON(paymentsFile, v)
}

// SaveWalletSessions persists v (internal/wallet's session snapshot) to
// wallet_sessions.json.
func (s *Store) SaveWalletSessions(v any) error {
	return s.saveJSON(walletSessionsFile, v)
}

// LoadWalletSessions decodes wallet_sessions.json into v, reporting
// whether the file existed.
func (s *Store) LoadWalletSessions(v any) (bool, error) {
	return s.loadJSON(walletSessionsFile, v)
}

func (s *Store) saveJSON(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", name, err)
	}
	return s.writeAtomic(name, raw)
}

func (s *Store) loadJSON(name string, v any) (bool, error) {
	raw, ok, err := s.read(name)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("store: unmarshal %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) writeAtomic(name string, raw []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename %s into place: %w", name, err)
	}
	log.Debug("persisted datadir file", "file", name, "bytes", len(raw))
	return nil
}

func (s *Store) read(name string) ([]byte, bool, error) {
	path := filepath.Join(s.dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: read %s: %w", name, err)
	}
	return raw, true, nil
}
