// Command bulennode runs a single prototype blockchain node: an account
// ledger, a periodic block producer, peer gossip and catch-up sync, and
// an HTTP API exposing all of it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/bulengerk/bulennode/internal/config"
	"github.com/bulengerk/bulennode/internal/gossip"
	"github.com/bulengerk/bulennode/internal/ledger"
	"github.com/bulengerk/bulennode/internal/metrics"
	"github.com/bulengerk/bulennode/internal/payments"
	"github.com/bulengerk/bulennode/internal/peersync"
	"github.com/bulengerk/bulennode/internal/peerstat"
	"github.com/bulengerk/bulennode/internal/producer"
	"github.com/bulengerk/bulennode/internal/reward"
	"github.com/bulengerk/bulennode/internal/signing"
	"github.com/bulengerk/bulennode/internal/store"
	"github.com/bulengerk/bulennode/internal/wallet"

	apipkg "github.com/bulengerk/bulennode/internal/api"
)

func main() {
	glogHandler := log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, true))
	glogHandler.Verbosity(log.LevelInfo)
	log.SetDefault(log.NewLogger(glogHandler))

	defaults := config.Default()
	app := &cli.App{
		Name:  "bulennode",
		Usage: "run a bulennode prototype chain node",
		Flags: config.Flags(defaults),
		Action: func(ctx *cli.Context) error {
			return run(ctx, defaults)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("bulennode exited with error", "err", err)
	}
}

func run(ctx *cli.Context, defaults config.Config) error {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn("failed to set GOMAXPROCS", "err", err)
	}

	cfg := defaults
	if path := ctx.String("config"); path != "" {
		if err := config.LoadTOML(path, &cfg); err != nil {
			return err
		}
	}
	config.ApplyEnv(&cfg)
	config.ApplyCLI(ctx, &cfg)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open datadir: %w", err)
	}
	defer st.Close()

	l := ledger.New(cfg.NodeID, cfg.RequireSignatures, ledger.WithSignatureVerifier(signing.Verify))
	if raw, ok, err := st.LoadState(); err != nil {
		return fmt.Errorf("load state: %w", err)
	} else if ok {
		if err := l.UnmarshalSnapshotJSON(raw); err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
		log.Info("restored ledger state", "height", l.Height())
	}

	persister := &ledgerPersister{store: st}

	paymentsStore := payments.NewStore(&paymentsPersister{store: st})
	var paymentsSnap payments.Snapshot
	if ok, err := st.LoadPayments(&paymentsSnap); err != nil {
		log.Warn("failed to load payment intents", "err", err)
	} else if ok {
		paymentsStore.Restore(paymentsSnap)
		log.Info("loaded payment intents", "count", len(paymentsSnap.Intents))
	}

	walletMgr := wallet.NewManager()
	var walletSnap wallet.Snapshot
	if ok, err := st.LoadWalletSessions(&walletSnap); err != nil {
		log.Warn("failed to load wallet sessions", "err", err)
	} else if ok {
		walletMgr.Restore(walletSnap)
	}

	gossipCfg := gossip.Config{
		NodeID: cfg.NodeID, P2PToken: cfg.P2PToken,
		ProtocolVersion: cfg.ProtocolVersion, Peers: cfg.Peers,
	}
	rewardCfg := reward.DefaultConfig(cfg.BlockInterval())
	rewardCfg.RewardWeight = cfg.RewardWeight
	rewardCfg.BaseUptimeRewardPerHour = cfg.BaseUptimeRewardPerHour
	rewardCfg.DeviceClass = cfg.DeviceClass
	if len(cfg.LoyaltyBoostSteps) > 0 {
		rewardCfg.LoyaltyTiers = cfg.LoyaltyBoostSteps
	}
	if len(cfg.DeviceProtectionBoosts) > 0 {
		rewardCfg.DeviceMultipliers = cfg.DeviceProtectionBoosts
	}
	rewardCalc := reward.NewCalculator(rewardCfg)

	peerStats := peerstat.NewMap()
	egress := gossip.NewEgress(gossipCfg, nil, peerStats)
	ingress := gossip.NewIngress(gossipCfg, l, rewardCalc.PerBlock, persister, paymentsStore)

	var peerSync *peersync.PeerSync
	if len(cfg.Peers) > 0 {
		peerSync = peersync.New(l, ingress, cfg.NodeID, cfg.Peers, peerStats, nil, cfg.PeerSyncInterval())
	}

	apiServer := apipkg.New(apipkg.Config{
		ChainID: cfg.ChainID, NodeID: cfg.NodeID, ProtocolVersion: cfg.ProtocolVersion, Peers: cfg.Peers,
		MaxBodyBytes: cfg.MaxBodyBytes, RateLimitWindow: cfg.RateLimitWindow(),
		RateLimitMaxRequests: cfg.RateLimitMaxRequests, RequireSignatures: cfg.RequireSignatures,
		EnableFaucet: cfg.EnableFaucet, CORSOrigins: cfg.CORSOrigins,
		ReactiveSync: func(peerHost string) {
			if peerSync == nil || peerHost == "" {
				return
			}
			log.Debug("scheduling reactive sync", "peer", peerHost)
			peerSync.SyncOnce(context.Background())
		},
	}, l, egress, ingress, paymentsStore, walletMgr)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: apiServer.Handler()}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blockProducer := producer.New(l, cfg.NodeID, cfg.BlockInterval(), rewardCalc.PerBlock, egress, persister, paymentsStore)

	go func() {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "err", err)
		}
	}()

	go func() {
		if err := blockProducer.Run(runCtx); err != nil && err != context.Canceled {
			log.Debug("block producer stopped", "err", err)
		}
	}()

	if peerSync != nil {
		go func() {
			if err := peerSync.Run(runCtx); err != nil && err != context.Canceled {
				log.Debug("peer sync stopped", "err", err)
			}
		}()
	}

	<-runCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "err", err)
	}

	if err := st.SaveState(mustMarshal(l)); err != nil {
		log.Error("failed to persist ledger on shutdown", "err", err)
	}
	if err := st.SavePayments(paymentsStore.Snapshot()); err != nil {
		log.Error("failed to persist payment intents on shutdown", "err", err)
	}
	if err := st.SaveWalletSessions(walletMgr.Snapshot()); err != nil {
		log.Error("failed to persist wallet sessions on shutdown", "err", err)
	}

	metrics.Refresh(l)
	return nil
}

type ledgerPersister struct {
	store *store.Store
}

func (p *ledgerPersister) Persist(l *ledger.Ledger) error {
	return p.store.SaveState(mustMarshal(l))
}

type paymentsPersister struct {
	store *store.Store
}

func (p *paymentsPersister) Persist(snap payments.Snapshot) error {
	return p.store.SavePayments(snap)
}

func mustMarshal(l *ledger.Ledger) []byte {
	raw, err := l.MarshalSnapshotJSON()
	if err != nil {
		panic("bulennode: ledger snapshot is not serializable: " + err.Error())
	}
	return raw
}
