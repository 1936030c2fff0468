// Package gossip implements peer-to-peer transaction and block
// propagation: outbound broadcast to configured peers, and inbound
// ingestion of what they send back.
package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/bulengerk/bulennode/internal/ledger"
	"github.com/bulengerk/bulennode/internal/peerstat"
)

const (
	HeaderP2PToken        = "x-bulen-p2p-token"
	HeaderNodeID          = "x-bulen-node-id"
	HeaderProtocolVersion = "x-bulen-protocol-version"
	broadcastTimeout      = 5 * time.Second
)

// Config carries the identity and credentials a node presents to its
// peers, and the peers it gossips to.
type Config struct {
	NodeID          string
	P2PToken        string
	ProtocolVersion string
	Peers           []string
}

// Egress broadcasts locally originated (or re-gossiped) transactions and
// blocks to every configured peer.
type Egress struct {
	cfg    Config
	client *http.Client
	stats  *peerstat.Map
}

// NewEgress builds an Egress over cfg. client may be nil to use
// http.DefaultClient's transport with a request-scoped timeout. stats may
// be nil to skip peer health tracking.
func NewEgress(cfg Config, client *http.Client, stats *peerstat.Map) *Egress {
	if client == nil {
		client = &http.Client{}
	}
	return &Egress{cfg: cfg, client: client, stats: stats}
}

// BroadcastTx sends tx to every peer, returning the errors (if any) keyed
// by peer URL. A peer that rejects or fails to receive a transaction never
// blocks delivery to the others — each gets its own bounded-timeout call.
func (e *Egress) BroadcastTx(ctx context.Context, tx ledger.Transaction) map[string]error {
	return e.broadcast(ctx, "/p2p/tx", tx)
}

// BroadcastBlock sends block to every peer.
func (e *Egress) BroadcastBlock(ctx context.Context, block ledger.Block) map[string]error {
	return e.broadcast(ctx, "/p2p/block", block)
}

// broadcast fires one goroutine per configured peer so a slow or
// unreachable peer never delays delivery to the others, and records each
// outcome into peerstat (spec.md §5's independent, ledger-free peer map).
func (e *Egress) broadcast(ctx context.Context, path string, payload any) map[string]error {
	body, err := json.Marshal(payload)
	if err != nil {
		panic("gossip: payload is not serializable: " + err.Error())
	}

	var mu sync.Mutex
	errs := make(map[string]error)

	var wg sync.WaitGroup
	for _, peer := range e.cfg.Peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			if err := e.send(ctx, peer, path, body); err != nil {
				log.Debug("gossip broadcast failed", "peer", peer, "path", path, "err", err)
				if e.stats != nil {
					e.stats.RecordFailure(peer, err)
				}
				mu.Lock()
				errs[peer] = err
				mu.Unlock()
			}
			// A successful broadcast tells us the peer is reachable but not
			// its height, so it is left to internal/peersync's probe to
			// record success — stomping LastHeight with 0 here would corrupt
			// BestHeight's catch-up target.
		}(peer)
	}
	wg.Wait()
	return errs
}

func (e *Egress) send(ctx context.Context, peer, path string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	url := strings.TrimSuffix(peer, "/") + path
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderP2PToken, e.cfg.P2PToken)
	req.Header.Set(HeaderNodeID, e.cfg.NodeID)
	req.Header.Set(HeaderProtocolVersion, e.cfg.ProtocolVersion)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("peer %s responded %d", peer, resp.StatusCode)
	}
	return nil
}

// Persister persists the ledger's current snapshot, satisfied by
// internal/store in production.
type Persister interface {
	Persist(l *ledger.Ledger) error
}

// Resolver is re-run against the ledger after every mutation so payment
// intents settle without waiting for their next lookup, satisfied by
// internal/payments.Store in production.
type Resolver interface {
	ResolveAll(l *ledger.Ledger)
}

// Ingress validates incoming gossip requests and applies their payload to
// the local ledger.
type Ingress struct {
	cfg      Config
	ledger   *ledger.Ledger
	reward   ledger.RewardFunc
	persist  Persister
	resolver Resolver
}

// NewIngress builds an Ingress bound to l, crediting reward to a block's
// producer when a gossiped block is applied. persist and resolver may be
// nil to skip persistence/resolution (e.g. in tests); in production they
// flush state.json and re-run payment resolution after every successfully
// applied block (spec §4.D/§4.E).
func NewIngress(cfg Config, l *ledger.Ledger, reward ledger.RewardFunc, persist Persister, resolver Resolver) *Ingress {
	return &Ingress{cfg: cfg, ledger: l, reward: reward, persist: persist, resolver: resolver}
}

// VerifyHeaders checks the three required gossip headers (spec §6): the
// shared P2P token (if one is configured) must match, x-bulen-node-id must
// be present, and x-bulen-protocol-version — which is optional — must match
// our major version when present. Protocol versions are "major.minor.patch";
// only a major mismatch is considered incompatible.
func (in *Ingress) VerifyHeaders(h http.Header) error {
	if in.cfg.P2PToken != "" && h.Get(HeaderP2PToken) != in.cfg.P2PToken {
		return &AuthError{Msg: "invalid p2p token"}
	}
	if h.Get(HeaderNodeID) == "" {
		return &ProtocolError{Msg: "missing node id"}
	}
	if peerVersion := h.Get(HeaderProtocolVersion); peerVersion != "" {
		if majorOf(peerVersion) != majorOf(in.cfg.ProtocolVersion) {
			return &ProtocolError{Msg: fmt.Sprintf("incompatible protocol version %q (want major %q)", peerVersion, majorOf(in.cfg.ProtocolVersion))}
		}
	}
	return nil
}

// AuthError means a gossip request carried a bad or missing P2P token; the
// HTTP layer maps it to 403 (spec §6/§7).
type AuthError struct{ Msg string }

func (e *AuthError) Error() string { return e.Msg }

// ProtocolError means a gossip request failed a non-auth precondition
// (missing node id, incompatible protocol version); the HTTP layer maps it
// to 400 (spec §6/§7).
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return e.Msg }

func majorOf(version string) string {
	version = strings.TrimPrefix(version, "v")
	if idx := strings.IndexByte(version, '.'); idx >= 0 {
		return version[:idx]
	}
	return version
}

// HandleTx ingests a gossiped transaction: skip if already queued,
// otherwise validate and enqueue it.
func (in *Ingress) HandleTx(tx ledger.Transaction) error {
	if in.ledger.MempoolHasID(tx.ID) {
		return nil
	}
	if err := in.ledger.Validate(tx); err != nil {
		return err
	}
	in.ledger.PushMempool(tx)
	return nil
}

// HandleBlock ingests a gossiped block: skip if already known, otherwise
// recompute and check its hash before applying it and pruning its
// transactions from the mempool. On a successful, newly-applied block it
// persists the ledger and re-runs payment resolution (spec §4.D/§4.E).
func (in *Ingress) HandleBlock(block ledger.Block) error {
	if want := ledger.ComputeHash(block); want != block.Hash {
		return &ledger.HashMismatchError{Msg: "gossiped block hash does not match its contents"}
	}

	var applyErr error
	applied := false
	in.ledger.WithWriteLock(func(t *ledger.Txn) {
		if t.HasHash(block.Hash) {
			return
		}
		if applyErr = t.ApplyBlock(block, in.reward); applyErr != nil {
			return
		}
		t.AppendReceived(block)

		ids := make(map[string]struct{}, len(block.Transactions))
		for _, tx := range block.Transactions {
			ids[tx.ID] = struct{}{}
		}
		t.PruneMempool(ids)
		applied = true
	})
	if applyErr != nil || !applied {
		return applyErr
	}

	if in.persist != nil {
		if err := in.persist.Persist(in.ledger); err != nil {
			log.Error("failed to persist ledger state after gossiped block", "err", err)
		}
	}
	if in.resolver != nil {
		in.resolver.ResolveAll(in.ledger)
	}
	return nil
}
