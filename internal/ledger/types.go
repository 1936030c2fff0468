// Package ledger implements the authoritative in-memory state of a
// bulennode: blocks, accounts and the mempool, together with the
// validation and apply rules that keep them consistent.
package ledger

import (
	"math/big"
	"time"
)

// TxAction enumerates the operations a Transaction may perform.
type TxAction string

const (
	ActionTransfer TxAction = "transfer"
	ActionStake    TxAction = "stake"
	ActionUnstake  TxAction = "unstake"
)

func (a TxAction) Valid() bool {
	switch a {
	case ActionTransfer, ActionStake, ActionUnstake:
		return true
	default:
		return false
	}
}

// MaxMemoLen is the maximum number of characters a Transaction memo may carry.
const MaxMemoLen = 256

// Transaction is a single signed (optionally) ledger operation.
type Transaction struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    uint64    `json:"amount"`
	Fee       uint64    `json:"fee"`
	Nonce     uint64    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
	Action    TxAction  `json:"action"`
	Memo      string    `json:"memo,omitempty"`

	PublicKeyPEM string `json:"publicKey,omitempty"`
	SignatureB64 string `json:"signature,omitempty"`
}

// Account is the balance/stake/nonce/reputation record for one address.
// Balance and Stake are signed so that intermediate validation arithmetic
// can detect underflow without wrapping; invariant I2 requires both to be
// non-negative after any successful apply.
type Account struct {
	Balance    *big.Int `json:"balance"`
	Stake      *big.Int `json:"stake"`
	Nonce      uint64   `json:"nonce"`
	Reputation int64    `json:"reputation"`
}

// ZeroAccount returns a freshly zero-initialized account. Querying an
// unknown address returns this rather than "not found" — callers rely on
// that UX choice, so never change it to an error.
func ZeroAccount() Account {
	return Account{Balance: big.NewInt(0), Stake: big.NewInt(0)}
}

func (a Account) clone() Account {
	return Account{
		Balance:    new(big.Int).Set(a.Balance),
		Stake:      new(big.Int).Set(a.Stake),
		Nonce:      a.Nonce,
		Reputation: a.Reputation,
	}
}

// Block is an ordered batch of transactions linked by content hash to its
// predecessor.
type Block struct {
	Index        uint64        `json:"index"`
	PreviousHash string        `json:"previousHash"`
	Hash         string        `json:"hash"`
	Timestamp    time.Time     `json:"timestamp"`
	Producer     string        `json:"producer"`
	Transactions []Transaction `json:"transactions"`
}

// GenesisHash is both the previous-hash and hash of block 0.
const GenesisHash = "genesis"

func genesisBlock(nodeID string) Block {
	return Block{
		Index:        0,
		PreviousHash: GenesisHash,
		Hash:         GenesisHash,
		Timestamp:    time.Now().UTC(),
		Producer:     nodeID,
		Transactions: []Transaction{},
	}
}

// snapshot is the JSON-serializable shape of a Ledger's state, used both
// for on-disk persistence (internal/store) and for the round-trip
// equivalence property in spec §8.
type snapshot struct {
	Blocks          []Block            `json:"blocks"`
	Accounts        map[string]Account `json:"accounts"`
	Mempool         []Transaction      `json:"mempool"`
	ProducedBlocks  uint64             `json:"produced_blocks"`
	StartedAt       int64              `json:"started_at"`
	ProducedRewards float64            `json:"produced_rewards"`
}
