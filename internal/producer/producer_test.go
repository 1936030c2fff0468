package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulengerk/bulennode/internal/ledger"
)

type stubBroadcaster struct {
	blocks []ledger.Block
}

func (s *stubBroadcaster) BroadcastBlock(ctx context.Context, block ledger.Block) map[string]error {
	s.blocks = append(s.blocks, block)
	return nil
}

type stubPersister struct {
	calls int
}

func (s *stubPersister) Persist(l *ledger.Ledger) error {
	s.calls++
	return nil
}

func TestProduceOnce_SealsBlockAndDrainsMempool(t *testing.T) {
	l := ledger.New("node-1", false)
	l.PushMempool(ledger.Transaction{ID: "tx1", From: "alice", To: "bob", Amount: 1, Nonce: 1, Action: ledger.ActionTransfer})

	p := New(l, "node-1", time.Second, func(time.Duration) float64 { return 2 }, nil, nil, nil)
	block, sealed, err := p.produceOnce()

	require.NoError(t, err)
	assert.True(t, sealed)
	assert.Equal(t, uint64(1), block.Index)
	assert.Equal(t, ledger.GenesisHash, block.PreviousHash)
	assert.Equal(t, "node-1", block.Producer)
	assert.Equal(t, 0, l.MempoolSize(), "sealing a block must drain the mempool")
	assert.Equal(t, uint64(1), l.ProducedBlocks())
}

func TestProduceOnce_EmptyMempoolDoesNothing(t *testing.T) {
	l := ledger.New("node-1", false)
	p := New(l, "node-1", time.Second, func(time.Duration) float64 { return 2 }, nil, nil, nil)

	_, sealed, err := p.produceOnce()

	require.NoError(t, err)
	assert.False(t, sealed, "an empty mempool must not produce a block")
	assert.Equal(t, uint64(0), l.ProducedBlocks())
}

type stubResolver struct {
	calls int
}

func (s *stubResolver) ResolveAll(l *ledger.Ledger) {
	s.calls++
}

func TestProduceOnce_Sealed_ReRunsResolver(t *testing.T) {
	l := ledger.New("node-1", false)
	l.PushMempool(ledger.Transaction{ID: "tx1", From: "alice", To: "bob", Amount: 1, Nonce: 1, Action: ledger.ActionTransfer})
	resolver := &stubResolver{}
	broadcaster := &stubBroadcaster{}
	persister := &stubPersister{}
	p := New(l, "node-1", 10*time.Millisecond, func(time.Duration) float64 { return 0 }, broadcaster, persister, resolver)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	assert.Greater(t, resolver.calls, 0, "a sealed block must re-run the payment resolver")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	l := ledger.New("node-1", false)
	l.PushMempool(ledger.Transaction{ID: "tx1", From: "alice", To: "bob", Amount: 1, Nonce: 1, Action: ledger.ActionTransfer})
	broadcaster := &stubBroadcaster{}
	persister := &stubPersister{}
	p := New(l, "node-1", 10*time.Millisecond, func(time.Duration) float64 { return 0 }, broadcaster, persister, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, len(broadcaster.blocks), 0, "at least one tick should have fired")
	assert.Greater(t, persister.calls, 0)
}
