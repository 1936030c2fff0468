package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hashable is the canonical, field-ordered serialization of a block used
// for content hashing. It deliberately excludes Hash (zeroed) and mirrors
// Block's field order exactly so the hash is stable across Go versions
// (struct field order, never map iteration order).
type hashable struct {
	Index        uint64        `json:"index"`
	PreviousHash string        `json:"previousHash"`
	Hash         string        `json:"hash"`
	Timestamp    string        `json:"timestamp"`
	Producer     string        `json:"producer"`
	Transactions []Transaction `json:"transactions"`
}

// ComputeHash returns the lowercase hex SHA-256 of block with its Hash
// field zeroed, per I-block-hash.
func ComputeHash(b Block) string {
	h := hashable{
		Index:        b.Index,
		PreviousHash: b.PreviousHash,
		Hash:         "",
		Timestamp:    b.Timestamp.UTC().Format(rfc3339Milli),
		Producer:     b.Producer,
		Transactions: b.Transactions,
	}
	buf, err := json.Marshal(h)
	if err != nil {
		// Transaction and Block are both plain-data structs; marshaling
		// them can only fail on a programmer error, not bad input.
		panic("ledger: block is not serializable: " + err.Error())
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"
