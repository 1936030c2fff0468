package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulengerk/bulennode/internal/ledger"
)

func mustPEM(t *testing.T, pub *ecdsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signTx(t *testing.T, priv *ecdsa.PrivateKey, tx ledger.Transaction) ledger.Transaction {
	t.Helper()
	digest := sha256.Sum256(CanonicalPayload(tx))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err)
	tx.SignatureB64 = base64.StdEncoding.EncodeToString(sig)
	return tx
}

func TestVerify_ValidSignatureAccepted(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubPEM := mustPEM(t, &priv.PublicKey)
	addr := DeriveAddress(pubPEM)

	tx := ledger.Transaction{
		From: addr, To: "addr_bob", Amount: 100, Fee: 1, Nonce: 1,
		Timestamp: time.Now().UTC(), Action: ledger.ActionTransfer,
		PublicKeyPEM: pubPEM,
	}
	tx = signTx(t, priv, tx)

	assert.NoError(t, Verify(tx, 0))
}

func TestVerify_AddressMismatchRejected(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	pubPEM := mustPEM(t, &priv.PublicKey)

	tx := ledger.Transaction{
		From: "addr_not_the_real_owner", To: "addr_bob", Amount: 100, Fee: 1, Nonce: 1,
		Timestamp: time.Now().UTC(), Action: ledger.ActionTransfer,
		PublicKeyPEM: pubPEM,
	}
	tx = signTx(t, priv, tx)

	err := Verify(tx, 0)
	require.Error(t, err)
	var serr *ledger.SignatureError
	assert.ErrorAs(t, err, &serr)
}

func TestVerify_TamperedActionRejected(t *testing.T) {
	// Regression test for the protocol malleability gap this package closes:
	// the original signed payload excluded Action and Memo, so a signature
	// valid for a transfer could be replayed as a stake or unstake. Now the
	// signature must cover Action, so flipping it after signing breaks
	// verification.
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	pubPEM := mustPEM(t, &priv.PublicKey)
	addr := DeriveAddress(pubPEM)

	tx := ledger.Transaction{
		From: addr, To: addr, Amount: 100, Fee: 1, Nonce: 1,
		Timestamp: time.Now().UTC(), Action: ledger.ActionTransfer,
		PublicKeyPEM: pubPEM,
	}
	tx = signTx(t, priv, tx)

	tx.Action = ledger.ActionStake
	err := Verify(tx, 0)
	require.Error(t, err)
	var serr *ledger.SignatureError
	assert.ErrorAs(t, err, &serr)
}

func TestVerify_TamperedMemoRejected(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	pubPEM := mustPEM(t, &priv.PublicKey)
	addr := DeriveAddress(pubPEM)

	tx := ledger.Transaction{
		From: addr, To: "addr_bob", Amount: 100, Fee: 1, Nonce: 1,
		Timestamp: time.Now().UTC(), Action: ledger.ActionTransfer,
		Memo: "invoice #1", PublicKeyPEM: pubPEM,
	}
	tx = signTx(t, priv, tx)

	tx.Memo = "invoice #2"
	assert.Error(t, Verify(tx, 0))
}

func TestVerify_MissingKeyOrSignatureRejected(t *testing.T) {
	tx := ledger.Transaction{From: "addr_x", To: "addr_y", Amount: 1, Fee: 0, Nonce: 1}
	assert.Error(t, Verify(tx, 0))
}

func TestDeriveAddress_Deterministic(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	pubPEM := mustPEM(t, &priv.PublicKey)

	a1 := DeriveAddress(pubPEM)
	a2 := DeriveAddress(pubPEM)
	assert.Equal(t, a1, a2)
	assert.Len(t, a1, len("addr_")+40)
}
