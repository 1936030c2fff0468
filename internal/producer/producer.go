// Package producer runs the periodic block-sealing loop: on every tick it
// drains the mempool into a new block, links it onto the chain, credits
// itself the block reward, and broadcasts the result to peers.
package producer

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/bulengerk/bulennode/internal/ledger"
	"github.com/bulengerk/bulennode/internal/metrics"
)

// Broadcaster is the subset of internal/gossip.Egress the producer needs;
// expressed as an interface so tests can stub it out.
type Broadcaster interface {
	BroadcastBlock(ctx context.Context, block ledger.Block) map[string]error
}

// Persister is called with the ledger's new state after every sealed
// block, so internal/store can flush it to disk.
type Persister interface {
	Persist(l *ledger.Ledger) error
}

// Resolver is re-run against the ledger after every sealed block so
// payment intents waiting on a just-landed transaction settle without
// waiting for their next lookup (internal/payments.Store in production).
type Resolver interface {
	ResolveAll(l *ledger.Ledger)
}

// Producer owns the block-sealing ticker.
type Producer struct {
	ledger    *ledger.Ledger
	nodeID    string
	interval  time.Duration
	reward    ledger.RewardFunc
	broadcast Broadcaster
	persist   Persister
	resolver  Resolver
}

// New builds a Producer that seals a block onto l every interval,
// crediting reward() to itself and handing the sealed block to broadcast,
// the updated ledger to persist, and re-running resolver against it.
// broadcast, persist and resolver may be nil.
func New(l *ledger.Ledger, nodeID string, interval time.Duration, reward ledger.RewardFunc, broadcast Broadcaster, persist Persister, resolver Resolver) *Producer {
	return &Producer{
		ledger: l, nodeID: nodeID, interval: interval,
		reward: reward, broadcast: broadcast, persist: persist, resolver: resolver,
	}
}

// Run blocks, sealing one block per interval, until ctx is canceled.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			block, sealed, err := p.produceOnce()
			if !sealed && err == nil {
				continue
			}
			metrics.TimeBlockSeal(time.Since(start))
			if err != nil {
				log.Error("block production failed", "err", err)
				continue
			}
			metrics.IncBlocksProduced()
			log.Info("produced block", "index", block.Index, "hash", block.Hash, "txs", len(block.Transactions))

			if p.persist != nil {
				if err := p.persist.Persist(p.ledger); err != nil {
					log.Error("failed to persist ledger after block production", "err", err)
				}
			}
			if p.broadcast != nil {
				for peer, err := range p.broadcast.BroadcastBlock(ctx, block) {
					log.Debug("block broadcast failed", "peer", peer, "err", err)
				}
			}
			if p.resolver != nil {
				p.resolver.ResolveAll(p.ledger)
			}
		}
	}
}

// produceOnce drains the mempool, seals a block with it, applies and
// appends it — all under one write-lock acquisition so a concurrent
// gossip-ingested block can never interleave with sealing. If the mempool
// is empty the tick does nothing (spec §4.B) and sealed is false.
func (p *Producer) produceOnce() (block ledger.Block, sealed bool, applyErr error) {
	p.ledger.WithWriteLock(func(t *ledger.Txn) {
		txs := t.DrainMempool()
		if len(txs) == 0 {
			return
		}
		block = ledger.Block{
			Index:        uint64(t.BlockCount()),
			PreviousHash: t.LatestHash(),
			Producer:     p.nodeID,
			Timestamp:    time.Now().UTC(),
			Transactions: txs,
		}
		block.Hash = ledger.ComputeHash(block)

		if applyErr = t.ApplyBlock(block, p.reward); applyErr != nil {
			return
		}
		t.AppendSealed(block)
		sealed = true
	})
	return block, sealed, applyErr
}
