// Package payments implements payment-intent tracking: a caller registers
// the recipient/amount/memo it expects to receive, and the store resolves
// that intent against the ledger's mempool and blocks as matching
// transactions arrive.
package payments

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/bulengerk/bulennode/internal/ledger"
)

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusPending      Status = "pending"
	StatusPendingBlock Status = "pending_block"
	StatusPaid         Status = "paid"
	StatusExpired      Status = "expired"
)

// DefaultTTL is how long an intent stays resolvable before it expires
// unmatched.
const DefaultTTL = 15 * time.Minute

// Intent is one tracked expectation of an incoming payment.
type Intent struct {
	ID               string    `json:"id"`
	RecipientAddress string    `json:"recipientAddress"`
	Amount           uint64    `json:"amount"`
	Memo             string    `json:"memo,omitempty"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	MatchedTxID      string    `json:"matchedTxId,omitempty"`
}

func (i Intent) clone() Intent { return i }

// Persister persists a Store's full intent snapshot, satisfied by
// internal/store in production so a created intent or a status change
// survives a crash rather than only a graceful shutdown.
type Persister interface {
	Persist(snap Snapshot) error
}

// Store tracks payment intents in memory, guarded by its own mutex —
// deliberately separate from the ledger's lock (spec §5), since resolving
// an intent only ever reads the ledger.
type Store struct {
	mu        sync.Mutex
	intents   map[string]Intent
	persister Persister
}

// NewStore returns an empty intent store. persister may be nil to skip
// persistence (e.g. in tests).
func NewStore(persister Persister) *Store {
	return &Store{intents: make(map[string]Intent), persister: persister}
}

// persist flushes the current intent set via persister, logging rather
// than propagating a failure (spec §7's IOError treatment).
func (s *Store) persist() {
	if s.persister == nil {
		return
	}
	if err := s.persister.Persist(s.Snapshot()); err != nil {
		log.Error("failed to persist payment intents", "err", err)
	}
}

// Create registers a new intent expecting amount to arrive at recipient,
// optionally carrying memo, expiring after ttl (DefaultTTL if zero).
func (s *Store) Create(recipient string, amount uint64, memo string, ttl time.Duration) Intent {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	intent := Intent{
		ID:               newIntentID(),
		RecipientAddress: recipient,
		Amount:           amount,
		Memo:             memo,
		Status:           StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}
	s.mu.Lock()
	s.intents[intent.ID] = intent
	s.mu.Unlock()
	s.persist()
	return intent
}

// Get returns the intent with id.
func (s *Store) Get(id string) (Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[id]
	return i.clone(), ok
}

// List returns every tracked intent.
func (s *Store) List() []Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Intent, 0, len(s.intents))
	for _, i := range s.intents {
		out = append(out, i)
	}
	return out
}

// ResolveAll scans the ledger for matches against every still-open intent
// (pending or pending_block), and expires any whose deadline has passed.
// A match found among confirmed blocks is terminal (paid); a match found
// only in the mempool is provisional (pending_block) and may later be
// confirmed once its block lands.
func (s *Store) ResolveAll(l *ledger.Ledger) {
	blocks := l.Blocks()
	mempool := l.Mempool()
	now := time.Now().UTC()

	s.mu.Lock()
	changed := false
	for id, intent := range s.intents {
		switch intent.Status {
		case StatusPaid, StatusExpired:
			continue
		}

		// A block match is terminal regardless of how the intent arrived
		// here (pending or pending_block) and takes priority over expiry.
		if tx, ok := findMatch(blocks, intent); ok {
			intent.Status = StatusPaid
			intent.MatchedTxID = tx.ID
			s.intents[id] = intent
			changed = true
			continue
		}
		if tx, ok := findMatchInMempool(mempool, intent); ok {
			if intent.Status != StatusPendingBlock || intent.MatchedTxID != tx.ID {
				changed = true
			}
			intent.Status = StatusPendingBlock
			intent.MatchedTxID = tx.ID
			s.intents[id] = intent
			continue
		}
		// No match anywhere: expire only once the matching transaction is
		// gone from both blocks and mempool and the deadline has passed.
		if now.After(intent.ExpiresAt) {
			intent.Status = StatusExpired
			s.intents[id] = intent
			changed = true
			log.Debug("payment intent expired", "id", id)
		}
	}
	s.mu.Unlock()

	// Persist once per resolve pass, and only when some intent's status
	// actually moved (spec §4.E: "persists intents whenever any status
	// changes") — not on every read-triggered resolve.
	if changed {
		s.persist()
	}
}

// findMatch scans blocks in chain order (oldest first) as spec.md §4.E
// requires, so the first matching transaction by block height always wins
// rather than the most recent one.
func findMatch(blocks []ledger.Block, intent Intent) (ledger.Transaction, bool) {
	for _, block := range blocks {
		for _, tx := range block.Transactions {
			if matches(tx, intent) {
				return tx, true
			}
		}
	}
	return ledger.Transaction{}, false
}

func findMatchInMempool(mempool []ledger.Transaction, intent Intent) (ledger.Transaction, bool) {
	for _, tx := range mempool {
		if matches(tx, intent) {
			return tx, true
		}
	}
	return ledger.Transaction{}, false
}

// matches implements spec.md §4.E's match predicate exactly: the
// recipient, a satisfying-or-greater amount, and (if the intent carries
// one) an equal memo.
func matches(tx ledger.Transaction, intent Intent) bool {
	if tx.To != intent.RecipientAddress || tx.Amount < intent.Amount {
		return false
	}
	if intent.Memo != "" && tx.Memo != intent.Memo {
		return false
	}
	return true
}

func newIntentID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "pay_" + hex.EncodeToString(buf)
}

// Snapshot is the JSON-serializable form persisted to payments.json.
type Snapshot struct {
	Intents map[string]Intent `json:"intents"`
}

// Snapshot captures the current intent set for persistence.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Intent, len(s.intents))
	for k, v := range s.intents {
		out[k] = v
	}
	return Snapshot{Intents: out}
}

// Restore replaces the store's contents with snap.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Intents == nil {
		s.intents = make(map[string]Intent)
		return
	}
	s.intents = snap.Intents
}
