// Package peersync keeps a node caught up with its peers: it periodically
// probes each peer's reported height and, when a peer is ahead, fetches
// and applies the missing blocks one at a time.
package peersync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/bulengerk/bulennode/internal/gossip"
	"github.com/bulengerk/bulennode/internal/ledger"
	"github.com/bulengerk/bulennode/internal/peerstat"
)

const probeTimeout = 5 * time.Second

// statusResponse is the subset of a peer's /api/status payload peersync
// cares about.
type statusResponse struct {
	Height     uint64 `json:"height"`
	LatestHash string `json:"latestHash"`
	NodeID     string `json:"nodeId"`
}

// BlockFetcher applies a gossip-shaped block payload to the local ledger,
// satisfied by *gossip.Ingress in production.
type BlockFetcher interface {
	HandleBlock(block ledger.Block) error
}

// PeerSync owns the catch-up loop.
type PeerSync struct {
	ledger   *ledger.Ledger
	ingress  BlockFetcher
	peers    []string
	nodeID   string
	stats    *peerstat.Map
	client   *http.Client
	interval time.Duration
}

// New builds a PeerSync over peers, polling every interval. client may be
// nil to use a fresh http.Client.
func New(l *ledger.Ledger, ingress BlockFetcher, nodeID string, peers []string, stats *peerstat.Map, client *http.Client, interval time.Duration) *PeerSync {
	if client == nil {
		client = &http.Client{}
	}
	return &PeerSync{
		ledger: l, ingress: ingress, peers: peers, nodeID: nodeID,
		stats: stats, client: client, interval: interval,
	}
}

// Run blocks, calling SyncOnce every interval, until ctx is canceled.
func (p *PeerSync) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.SyncOnce(ctx)
		}
	}
}

// SyncOnce probes every peer's height, then fetches and applies any
// blocks the local chain is missing relative to the best reachable peer.
func (p *PeerSync) SyncOnce(ctx context.Context) {
	for _, peer := range p.peers {
		status, err := p.probe(ctx, peer)
		if err != nil {
			p.stats.RecordFailure(peer, err)
			log.Debug("peer status probe failed", "peer", peer, "err", err)
			continue
		}
		p.stats.RecordSuccess(peer, status.Height, status.LatestHash, status.NodeID)
	}

	best, ok := p.stats.BestHeight(5 * p.interval)
	if !ok {
		return
	}
	local := p.ledger.Height()
	if best <= local {
		return
	}

	source := p.bestPeer()
	if source == "" {
		return
	}
	for i := local + 1; i <= best; i++ {
		block, err := p.fetchBlock(ctx, source, i)
		if err != nil {
			log.Debug("failed to fetch block during catch-up", "peer", source, "height", i, "err", err)
			p.stats.RecordFailure(source, err)
			return
		}
		if err := p.ingress.HandleBlock(block); err != nil {
			log.Debug("failed to apply fetched block during catch-up", "peer", source, "height", i, "err", err)
			return
		}
	}
}

// bestPeer returns the peer currently reporting the highest height.
func (p *PeerSync) bestPeer() string {
	var best string
	var bestHeight uint64
	for peer, stat := range p.stats.All() {
		if stat.LastHeight >= bestHeight {
			bestHeight = stat.LastHeight
			best = peer
		}
	}
	return best
}

func (p *PeerSync) probe(ctx context.Context, peer string) (statusResponse, error) {
	var status statusResponse
	err := p.getJSON(ctx, strings.TrimSuffix(peer, "/")+"/api/status", &status)
	return status, err
}

func (p *PeerSync) fetchBlock(ctx context.Context, peer string, height uint64) (ledger.Block, error) {
	var block ledger.Block
	err := p.getJSON(ctx, fmt.Sprintf("%s/api/blocks/%d", strings.TrimSuffix(peer, "/"), height), &block)
	return block, err
}

func (p *PeerSync) getJSON(ctx context.Context, url string, v any) error {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(gossip.HeaderNodeID, p.nodeID)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s responded %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
