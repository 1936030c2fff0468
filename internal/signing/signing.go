// Package signing verifies the ECDSA signatures attached to transactions
// and derives deterministic addresses from public keys.
package signing

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/bulengerk/bulennode/internal/ledger"
)

// canonicalPayload is the exact, field-ordered structure signed by a
// client. It binds Action and Memo in addition to the original protocol's
// {from,to,amount,fee,nonce} fields, closing the malleability gap where a
// signature valid for a transfer could be replayed against a stake/unstake
// or with a forged memo.
type canonicalPayload struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount uint64          `json:"amount"`
	Fee    uint64          `json:"fee"`
	Nonce  uint64          `json:"nonce"`
	Action ledger.TxAction `json:"action"`
	Memo   string          `json:"memo"`
}

// CanonicalPayload returns the exact bytes a client must sign for tx.
func CanonicalPayload(tx ledger.Transaction) []byte {
	buf, err := json.Marshal(canonicalPayload{
		From:   tx.From,
		To:     tx.To,
		Amount: tx.Amount,
		Fee:    tx.Fee,
		Nonce:  tx.Nonce,
		Action: tx.Action,
		Memo:   tx.Memo,
	})
	if err != nil {
		panic("signing: canonical payload is not serializable: " + err.Error())
	}
	return buf
}

// DeriveAddress computes the address bound to a PEM-encoded public key:
// "addr_" followed by the first 40 hex characters of SHA-256(raw PEM
// bytes). This intentionally hashes the PEM text itself rather than a
// re-encoding of the parsed key, matching the original protocol exactly.
func DeriveAddress(publicKeyPEM string) string {
	sum := sha256.Sum256([]byte(publicKeyPEM))
	return "addr_" + hex.EncodeToString(sum[:])[:40]
}

// Verify checks that tx carries a public key whose derived address matches
// tx.From, and that tx.SignatureB64 is a valid ECDSA/P-256 signature over
// CanonicalPayload(tx) under that key. currentNonce is accepted for
// signature-scheme symmetry with the original implementation but is not
// itself checked here — nonce sequencing is internal/ledger's job.
func Verify(tx ledger.Transaction, currentNonce uint64) error {
	_ = currentNonce

	if tx.PublicKeyPEM == "" || tx.SignatureB64 == "" {
		return &ledger.SignatureError{Msg: "missing public key or signature"}
	}

	block, _ := pem.Decode([]byte(tx.PublicKeyPEM))
	if block == nil {
		return &ledger.SignatureError{Msg: "invalid PEM public key"}
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return &ledger.SignatureError{Msg: fmt.Sprintf("invalid public key: %v", err)}
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return &ledger.SignatureError{Msg: "public key is not ECDSA"}
	}

	if wantAddr := DeriveAddress(tx.PublicKeyPEM); wantAddr != tx.From {
		return &ledger.SignatureError{Msg: "public key does not match sender address"}
	}

	sig, err := base64.StdEncoding.DecodeString(tx.SignatureB64)
	if err != nil {
		return &ledger.SignatureError{Msg: "invalid base64 signature"}
	}

	digest := sha256.Sum256(CanonicalPayload(tx))
	if !ecdsa.VerifyASN1(ecdsaPub, digest[:], sig) {
		return &ledger.SignatureError{Msg: "signature verification failed"}
	}
	return nil
}
