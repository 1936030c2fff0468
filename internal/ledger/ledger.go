package ledger

import (
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Ledger is the process-wide authoritative state: blocks, accounts and
// mempool, guarded by a single reader/writer lock (spec §5). Callers never
// see the live mempool or accounts map directly — every accessor returns a
// copy.
type Ledger struct {
	mu sync.RWMutex

	blocks   []Block
	accounts map[string]Account
	mempool  []Transaction

	producedBlocks  uint64
	startedAt       time.Time
	producedRewards float64

	nodeID             string
	requireSignatures  bool
	verifySignature    func(Transaction, uint64) error // injected from internal/signing, avoids an import cycle
}

// Option configures a new Ledger.
type Option func(*Ledger)

// WithSignatureVerifier wires in the canonical-payload ECDSA verifier from
// internal/signing. verify receives the transaction and the sender's
// current on-ledger nonce.
func WithSignatureVerifier(verify func(tx Transaction, currentNonce uint64) error) Option {
	return func(l *Ledger) { l.verifySignature = verify }
}

// New creates a fresh Ledger seeded with the genesis block.
func New(nodeID string, requireSignatures bool, opts ...Option) *Ledger {
	l := &Ledger{
		blocks:            []Block{genesisBlock(nodeID)},
		accounts:          make(map[string]Account),
		mempool:           make([]Transaction, 0),
		startedAt:         time.Now().UTC(),
		nodeID:            nodeID,
		requireSignatures: requireSignatures,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StartedAt returns when this ledger instance was created (or restored).
func (l *Ledger) StartedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startedAt
}

// Height returns the index of the current chain tip.
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[len(l.blocks)-1].Index
}

// LatestHash returns the hash of the current chain tip.
func (l *Ledger) LatestHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[len(l.blocks)-1].Hash
}

// Account returns a copy of the account at address, zero-initialized if
// unknown.
func (l *Ledger) Account(address string) Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accountLocked(address)
}

func (l *Ledger) accountLocked(address string) Account {
	if a, ok := l.accounts[address]; ok {
		return a.clone()
	}
	return ZeroAccount()
}

// AccountsCount returns the number of distinct addresses known to the ledger.
func (l *Ledger) AccountsCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}

// TotalStake sums Stake across every known account.
func (l *Ledger) TotalStake() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := big.NewInt(0)
	for _, a := range l.accounts {
		total.Add(total, a.Stake)
	}
	return total
}

// BlockAt returns the block at height, or false if it does not exist.
func (l *Ledger) BlockAt(height uint64) (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if height >= uint64(len(l.blocks)) {
		return Block{}, false
	}
	return l.blocks[height], true
}

// Blocks returns a copy of every block, oldest first.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// BlockCount returns len(blocks), i.e. height+1.
func (l *Ledger) BlockCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Mempool returns a copy of the pending transaction list.
func (l *Ledger) Mempool() []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Transaction, len(l.mempool))
	copy(out, l.mempool)
	return out
}

// MempoolSize returns len(mempool) without copying it.
func (l *Ledger) MempoolSize() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.mempool)
}

// ProducedBlocks returns the count of blocks sealed locally (I4).
func (l *Ledger) ProducedBlocks() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.producedBlocks
}

// ProducedRewards returns the cumulative (untruncated) reward credited to
// producers by this node.
func (l *Ledger) ProducedRewards() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.producedRewards
}

// Validate checks tx for structural and semantic validity against the
// current ledger state, without mutating anything (spec §4.A).
func (l *Ledger) Validate(tx Transaction) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validateLocked(tx)
}

func (l *Ledger) validateLocked(tx Transaction) error {
	if !tx.Action.Valid() {
		return &ValidationError{Msg: "invalid action"}
	}
	if tx.Amount == 0 {
		return &ValidationError{Msg: "amount must be > 0"}
	}
	if tx.From == "" || tx.To == "" {
		return &ValidationError{Msg: "missing from/to"}
	}
	if len(tx.Memo) > MaxMemoLen {
		return &ValidationError{Msg: "memo too long (max 256 chars)"}
	}
	from := l.accountLocked(tx.From)
	if tx.Nonce != from.Nonce+1 {
		return validationErrorf("invalid nonce: expected %d, got %d", from.Nonce+1, tx.Nonce)
	}

	switch tx.Action {
	case ActionTransfer, ActionStake:
		total, overflow := addOverflows(tx.Amount, tx.Fee)
		if overflow {
			return &ValidationError{Msg: "amount overflow"}
		}
		if from.Balance.Cmp(new(big.Int).SetUint64(total)) < 0 {
			return &ValidationError{Msg: "insufficient balance"}
		}
	case ActionUnstake:
		if from.Stake.Cmp(new(big.Int).SetUint64(tx.Amount)) < 0 {
			return &ValidationError{Msg: "insufficient stake"}
		}
		if from.Balance.Cmp(new(big.Int).SetUint64(tx.Fee)) < 0 {
			return &ValidationError{Msg: "insufficient balance for fee"}
		}
	}
	return nil
}

// addOverflows reports a+b and whether it overflowed uint64.
func addOverflows(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum < a
}

// ApplyTransaction revalidates tx (optionally verifying its signature)
// and, if valid, applies it to the ledger. Apply is infallible once
// validation passes.
func (l *Ledger) ApplyTransaction(tx Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyTransactionLocked(tx)
}

func (l *Ledger) applyTransactionLocked(tx Transaction) error {
	if l.requireSignatures && l.verifySignature != nil {
		currentNonce := l.accountLocked(tx.From).Nonce
		if err := l.verifySignature(tx, currentNonce); err != nil {
			return err
		}
	}
	if err := l.validateLocked(tx); err != nil {
		return err
	}

	if _, ok := l.accounts[tx.From]; !ok {
		l.accounts[tx.From] = ZeroAccount()
	}
	if _, ok := l.accounts[tx.To]; !ok {
		l.accounts[tx.To] = ZeroAccount()
	}

	if tx.From == tx.To && tx.Action == ActionTransfer {
		from := l.accounts[tx.From]
		from.Balance.Sub(from.Balance, new(big.Int).SetUint64(tx.Fee))
		from.Nonce++
		l.accounts[tx.From] = from
		return nil
	}

	switch tx.Action {
	case ActionTransfer:
		total := new(big.Int).SetUint64(tx.Amount + tx.Fee)
		from := l.accounts[tx.From]
		from.Balance.Sub(from.Balance, total)
		from.Nonce++
		l.accounts[tx.From] = from

		to := l.accounts[tx.To]
		to.Balance.Add(to.Balance, new(big.Int).SetUint64(tx.Amount))
		l.accounts[tx.To] = to
	case ActionStake:
		total := new(big.Int).SetUint64(tx.Amount + tx.Fee)
		from := l.accounts[tx.From]
		from.Balance.Sub(from.Balance, total)
		from.Stake.Add(from.Stake, new(big.Int).SetUint64(tx.Amount))
		from.Nonce++
		l.accounts[tx.From] = from
	case ActionUnstake:
		from := l.accounts[tx.From]
		from.Stake.Sub(from.Stake, new(big.Int).SetUint64(tx.Amount))
		from.Balance.Add(from.Balance, new(big.Int).SetUint64(tx.Amount))
		from.Balance.Sub(from.Balance, new(big.Int).SetUint64(tx.Fee))
		from.Nonce++
		l.accounts[tx.From] = from
	}
	return nil
}

// CreditFaucet adds amount to address's balance directly, bypassing
// transaction validation. It exists only for the developer faucet
// endpoint (spec §6, gated by enable_faucet) and is a writer under the
// same lock discipline as every other mutation (spec §5).
func (l *Ledger) CreditFaucet(address string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[address]
	if !ok {
		acc = ZeroAccount()
	}
	acc.Balance.Add(acc.Balance, new(big.Int).SetUint64(amount))
	l.accounts[address] = acc
}

// RewardFunc computes the per-block reward credited to a producer, given
// the node's current uptime. Wired in from internal/reward.
type RewardFunc func(uptime time.Duration) float64

// ApplyBlock links block onto the current tip, applies its transactions
// (skipping, not aborting on, any that fail — they may reflect a slightly
// earlier account state on another node), then credits the producer's
// reward and reputation (spec §4.A).
func (l *Ledger) ApplyBlock(block Block, reward RewardFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyBlockLocked(block, reward)
}

func (l *Ledger) applyBlockLocked(block Block, reward RewardFunc) error {
	last := l.blocks[len(l.blocks)-1]
	if block.Index != uint64(len(l.blocks)) {
		return &LinkageError{Msg: "invalid block index"}
	}
	if block.PreviousHash != last.Hash {
		return &LinkageError{Msg: "previous hash mismatch"}
	}

	for _, tx := range block.Transactions {
		if err := l.applyTransactionLocked(tx); err != nil {
			log.Debug("skipping invalid transaction in received block",
				"tx", tx.ID, "block", block.Index, "err", err)
		}
	}

	uptime := time.Since(l.startedAt)
	var r float64
	if reward != nil {
		r = reward(uptime)
	}
	producer, ok := l.accounts[block.Producer]
	if !ok {
		producer = ZeroAccount()
	}
	producer.Balance.Add(producer.Balance, big.NewInt(int64(r)))
	producer.Reputation++
	l.accounts[block.Producer] = producer
	l.producedRewards += r

	return nil
}

// AppendSealed appends a block the caller has already applied and hashed
// (the block producer's own seal path), bumping ProducedBlocks (I4).
func (l *Ledger) AppendSealed(block Block) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks = append(l.blocks, block)
	l.producedBlocks++
}

// AppendReceived appends a block that was applied via ApplyBlock but
// originated elsewhere (gossip or catch-up) — it does not count toward
// ProducedBlocks.
func (l *Ledger) AppendReceived(block Block) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks = append(l.blocks, block)
}

// WithWriteLock runs fn with the ledger's write lock held, for callers
// (producer, gossip ingress, peersync) that need to perform several of the
// above operations as one atomic unit — e.g. apply-then-append-then-drain.
// fn must not call back into any other Ledger method that itself locks.
func (l *Ledger) WithWriteLock(fn func(tx *Txn)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&Txn{l})
}

// Txn exposes the lock-already-held variants of Ledger's mutating methods,
// for use inside WithWriteLock.
type Txn struct{ l *Ledger }

func (t *Txn) ApplyBlock(block Block, reward RewardFunc) error {
	return t.l.applyBlockLocked(block, reward)
}

func (t *Txn) AppendSealed(block Block) { t.l.blocks = append(t.l.blocks, block); t.l.producedBlocks++ }

func (t *Txn) AppendReceived(block Block) { t.l.blocks = append(t.l.blocks, block) }

func (t *Txn) DrainMempool() []Transaction {
	drained := t.l.mempool
	t.l.mempool = make([]Transaction, 0)
	return drained
}

func (t *Txn) MempoolHasID(id string) bool {
	for _, tx := range t.l.mempool {
		if tx.ID == id {
			return true
		}
	}
	return false
}

func (t *Txn) PushMempool(tx Transaction) { t.l.mempool = append(t.l.mempool, tx) }

func (t *Txn) PruneMempool(ids map[string]struct{}) {
	kept := t.l.mempool[:0]
	for _, tx := range t.l.mempool {
		if _, ok := ids[tx.ID]; !ok {
			kept = append(kept, tx)
		}
	}
	t.l.mempool = kept
}

func (t *Txn) BlockCount() int { return len(t.l.blocks) }

func (t *Txn) LatestHash() string { return t.l.blocks[len(t.l.blocks)-1].Hash }

func (t *Txn) HasHash(hash string) bool {
	for _, b := range t.l.blocks {
		if b.Hash == hash {
			return true
		}
	}
	return false
}

func (t *Txn) NodeID() string { return t.l.nodeID }

// PushMempool appends tx to the mempool under its own lock (local submit
// path, where no other ledger mutation needs to happen atomically with it).
func (l *Ledger) PushMempool(tx Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mempool = append(l.mempool, tx)
}

// MempoolHasID reports whether a transaction with id is already queued.
func (l *Ledger) MempoolHasID(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, tx := range l.mempool {
		if tx.ID == id {
			return true
		}
	}
	return false
}

// HasBlockHash reports whether any block in the chain already carries hash.
func (l *Ledger) HasBlockHash(hash string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, b := range l.blocks {
		if b.Hash == hash {
			return true
		}
	}
	return false
}

// Snapshot captures the full ledger state as a JSON-serializable value,
// for internal/store to persist to state.json and for the round-trip
// equivalence property in spec's testable properties.
func (l *Ledger) Snapshot() snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	blocks := make([]Block, len(l.blocks))
	copy(blocks, l.blocks)

	accounts := make(map[string]Account, len(l.accounts))
	for addr, acc := range l.accounts {
		accounts[addr] = acc.clone()
	}

	mempool := make([]Transaction, len(l.mempool))
	copy(mempool, l.mempool)

	return snapshot{
		Blocks:          blocks,
		Accounts:        accounts,
		Mempool:         mempool,
		ProducedBlocks:  l.producedBlocks,
		StartedAt:       l.startedAt.UnixMilli(),
		ProducedRewards: l.producedRewards,
	}
}

// Restore replaces the ledger's entire state with snap. It is only ever
// called once, immediately after New, before any other goroutine has a
// reference to the Ledger — so it takes the write lock defensively rather
// than because of real contention.
func (l *Ledger) Restore(snap snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.blocks = snap.Blocks
	if l.blocks == nil {
		l.blocks = []Block{genesisBlock(l.nodeID)}
	}
	l.accounts = snap.Accounts
	if l.accounts == nil {
		l.accounts = make(map[string]Account)
	}
	for addr, acc := range l.accounts {
		if acc.Balance == nil {
			acc.Balance = big.NewInt(0)
		}
		if acc.Stake == nil {
			acc.Stake = big.NewInt(0)
		}
		l.accounts[addr] = acc
	}
	l.mempool = snap.Mempool
	if l.mempool == nil {
		l.mempool = make([]Transaction, 0)
	}
	l.producedBlocks = snap.ProducedBlocks
	l.producedRewards = snap.ProducedRewards
	if snap.StartedAt != 0 {
		l.startedAt = time.UnixMilli(snap.StartedAt).UTC()
	}
}

// MarshalSnapshotJSON and UnmarshalSnapshotJSON let internal/store read and
// write state.json without exposing the unexported snapshot type outside
// this package.
func (l *Ledger) MarshalSnapshotJSON() ([]byte, error) {
	return json.MarshalIndent(l.Snapshot(), "", "  ")
}

func (l *Ledger) UnmarshalSnapshotJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	l.Restore(snap)
	return nil
}
