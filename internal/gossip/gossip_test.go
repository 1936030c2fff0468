package gossip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulengerk/bulennode/internal/ledger"
	"github.com/bulengerk/bulennode/internal/peerstat"
)

func TestEgress_BroadcastTx_SetsHeaders(t *testing.T) {
	var gotToken, gotNode, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(HeaderP2PToken)
		gotNode = r.Header.Get(HeaderNodeID)
		gotVersion = r.Header.Get(HeaderProtocolVersion)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	egress := NewEgress(Config{
		NodeID: "node-a", P2PToken: "secret", ProtocolVersion: "1.2.0",
		Peers: []string{srv.URL},
	}, nil, nil)

	tx := ledger.Transaction{ID: "tx1", From: "a", To: "b", Amount: 1, Action: ledger.ActionTransfer}
	errs := egress.BroadcastTx(context.Background(), tx)

	assert.Empty(t, errs)
	assert.Equal(t, "secret", gotToken)
	assert.Equal(t, "node-a", gotNode)
	assert.Equal(t, "1.2.0", gotVersion)
}

func TestEgress_BroadcastTx_OnePeerFailureDoesNotBlockOthers(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	var okCalled bool
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	egress := NewEgress(Config{Peers: []string{failing.URL, ok.URL}}, nil, nil)
	errs := egress.BroadcastTx(context.Background(), ledger.Transaction{ID: "tx1"})

	assert.Len(t, errs, 1)
	assert.Contains(t, errs, failing.URL)
	assert.True(t, okCalled)
}

func TestEgress_BroadcastTx_RecordsFailureInPeerStats(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	stats := peerstat.NewMap()
	egress := NewEgress(Config{Peers: []string{failing.URL}}, nil, stats)
	egress.BroadcastTx(context.Background(), ledger.Transaction{ID: "tx1"})

	stat := stats.Get(failing.URL)
	assert.Equal(t, 1, stat.Consecutive)
	assert.NotEmpty(t, stat.LastErr)
}

func TestIngress_VerifyHeaders(t *testing.T) {
	in := NewIngress(Config{P2PToken: "secret", ProtocolVersion: "1.2.0"}, ledger.New("n", false), nil, nil, nil)

	tests := []struct {
		name     string
		token    string
		nodeID   string
		version  string
		wantErr  bool
		wantAuth bool
	}{
		{"valid exact match", "secret", "peer-1", "1.2.0", false, false},
		{"valid minor mismatch tolerated", "secret", "peer-1", "1.9.9", false, false},
		{"version absent is fine", "secret", "peer-1", "", false, false},
		{"wrong token", "wrong", "peer-1", "1.2.0", true, true},
		{"major version mismatch", "secret", "peer-1", "2.0.0", true, false},
		{"missing node id", "secret", "", "1.2.0", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set(HeaderP2PToken, tt.token)
			if tt.nodeID != "" {
				h.Set(HeaderNodeID, tt.nodeID)
			}
			if tt.version != "" {
				h.Set(HeaderProtocolVersion, tt.version)
			}
			err := in.VerifyHeaders(h)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.wantAuth {
					var aerr *AuthError
					assert.ErrorAs(t, err, &aerr)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIngress_VerifyHeaders_NoTokenConfiguredAllowsEmpty(t *testing.T) {
	in := NewIngress(Config{ProtocolVersion: "1.2.0"}, ledger.New("n", false), nil, nil, nil)
	h := http.Header{}
	h.Set(HeaderNodeID, "peer-1")
	assert.NoError(t, in.VerifyHeaders(h))
}

func TestIngress_HandleTx_DedupesByID(t *testing.T) {
	l := ledger.New("n", false)
	l.PushMempool(ledger.Transaction{ID: "dup"})
	in := NewIngress(Config{}, l, nil, nil, nil)

	require.NoError(t, in.HandleTx(ledger.Transaction{ID: "dup"}))
	assert.Equal(t, 1, l.MempoolSize(), "a transaction already queued must not be re-added")
}

func TestIngress_HandleBlock_RejectsHashMismatch(t *testing.T) {
	l := ledger.New("n", false)
	in := NewIngress(Config{}, l, nil, nil, nil)

	block := ledger.Block{Index: 1, PreviousHash: ledger.GenesisHash, Hash: "not-the-real-hash"}
	err := in.HandleBlock(block)
	require.Error(t, err)
	var herr *ledger.HashMismatchError
	assert.ErrorAs(t, err, &herr)
}

func TestIngress_HandleBlock_AppliesValidBlockOnce(t *testing.T) {
	l := ledger.New("n", false)
	in := NewIngress(Config{}, l, func(time.Duration) float64 { return 1 }, nil, nil)

	block := ledger.Block{Index: 1, PreviousHash: ledger.GenesisHash, Producer: "p1"}
	block.Hash = ledger.ComputeHash(block)

	require.NoError(t, in.HandleBlock(block))
	require.NoError(t, in.HandleBlock(block), "re-gossiping the same block must be a harmless no-op")

	assert.Equal(t, 2, l.BlockCount())
}

type recordingPersistResolve struct {
	persistCalls int
	resolveCalls int
}

func (r *recordingPersistResolve) Persist(*ledger.Ledger) error {
	r.persistCalls++
	return nil
}

func (r *recordingPersistResolve) ResolveAll(*ledger.Ledger) {
	r.resolveCalls++
}

func TestIngress_HandleBlock_PersistsAndResolvesOnlyOnNewApply(t *testing.T) {
	l := ledger.New("n", false)
	rec := &recordingPersistResolve{}
	in := NewIngress(Config{}, l, func(time.Duration) float64 { return 1 }, rec, rec)

	block := ledger.Block{Index: 1, PreviousHash: ledger.GenesisHash, Producer: "p1"}
	block.Hash = ledger.ComputeHash(block)

	require.NoError(t, in.HandleBlock(block))
	assert.Equal(t, 1, rec.persistCalls)
	assert.Equal(t, 1, rec.resolveCalls)

	require.NoError(t, in.HandleBlock(block), "re-gossiping the same block must be a harmless no-op")
	assert.Equal(t, 1, rec.persistCalls, "a duplicate block must not trigger another persist")
	assert.Equal(t, 1, rec.resolveCalls, "a duplicate block must not trigger another resolve")
}
