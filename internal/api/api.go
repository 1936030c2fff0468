// Package api exposes a bulennode's HTTP surface: ledger queries,
// transaction submission, gossip ingress, payment-intent tracking, wallet
// verification and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/bulengerk/bulennode/internal/gossip"
	"github.com/bulengerk/bulennode/internal/ledger"
	"github.com/bulengerk/bulennode/internal/metrics"
	"github.com/bulengerk/bulennode/internal/payments"
	"github.com/bulengerk/bulennode/internal/signing"
	"github.com/bulengerk/bulennode/internal/wallet"
)

// Server wires every subsystem into one HTTP handler.
type Server struct {
	ledger   *ledger.Ledger
	chainID  string
	nodeID   string
	protoVer string
	startAt  time.Time
	peers    []string
	egress   *gossip.Egress
	ingress  *gossip.Ingress
	payments *payments.Store
	wallet   *wallet.Manager

	maxBodyBytes      int64
	limiter           *ipRateLimiter
	requireSignatures bool
	enableFaucet      bool
	corsOrigins       []string

	// reactiveSync is invoked, out of band, when gossip ingress rejects a
	// pushed block for a linkage error (spec §4.C/§4.D), triggering an
	// immediate full peer-sync pass rather than waiting for the next tick.
	// Nil in tests that don't exercise catch-up.
	reactiveSync func(peerHost string)
}

// Config configures a Server's cross-cutting HTTP concerns.
type Config struct {
	ChainID              string
	NodeID               string
	ProtocolVersion      string
	Peers                []string
	MaxBodyBytes         int64
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
	RequireSignatures    bool
	EnableFaucet         bool
	CORSOrigins          []string
	ReactiveSync         func(peerHost string)
}

// New builds a Server.
func New(cfg Config, l *ledger.Ledger, egress *gossip.Egress, ingress *gossip.Ingress, paymentsStore *payments.Store, walletMgr *wallet.Manager) *Server {
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		ledger:            l,
		chainID:           cfg.ChainID,
		nodeID:            cfg.NodeID,
		protoVer:          cfg.ProtocolVersion,
		startAt:           time.Now().UTC(),
		peers:             cfg.Peers,
		egress:            egress,
		ingress:           ingress,
		payments:          paymentsStore,
		wallet:            walletMgr,
		maxBodyBytes:      cfg.MaxBodyBytes,
		limiter:           newIPRateLimiter(cfg.RateLimitMaxRequests, cfg.RateLimitWindow),
		requireSignatures: cfg.RequireSignatures,
		enableFaucet:      cfg.EnableFaucet,
		corsOrigins:       origins,
		reactiveSync:      cfg.ReactiveSync,
	}
}

// Handler returns the fully wrapped HTTP handler: CORS, then per-IP rate
// limiting, then routing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)

	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", gossip.HeaderP2PToken, gossip.HeaderNodeID, gossip.HeaderProtocolVersion},
	})
	return c.Handler(s.limiter.middleware(mux))
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/blocks", s.handleListBlocks)
	mux.HandleFunc("GET /api/blocks/{height}", s.handleGetBlock)
	mux.HandleFunc("GET /api/accounts/{address}", s.handleGetAccount)
	mux.HandleFunc("GET /api/mempool", s.handleMempool)
	mux.HandleFunc("POST /api/transactions", s.handleSubmitTransaction)
	mux.HandleFunc("POST /api/faucet", s.handleFaucet)

	mux.HandleFunc("POST /p2p/tx", s.handleGossipTx)
	mux.HandleFunc("POST /p2p/block", s.handleGossipBlock)

	mux.HandleFunc("POST /api/payments", s.handleCreatePaymentIntent)
	mux.HandleFunc("GET /api/payments/{id}", s.handleGetPaymentIntent)

	mux.HandleFunc("GET /api/wallets/info", s.handleWalletInfo)
	mux.HandleFunc("POST /api/wallets/challenge", s.handleWalletChallenge)
	mux.HandleFunc("POST /api/wallets/verify", s.handleWalletVerify)
	mux.HandleFunc("GET /api/wallets/session/{id}", s.handleWalletSession)

	mux.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type infoResponse struct {
	ChainID         string `json:"chainId"`
	NodeID          string `json:"nodeId"`
	ProtocolVersion string `json:"protocolVersion"`
	Height          uint64 `json:"height"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		ChainID:         s.chainID,
		NodeID:          s.nodeID,
		ProtocolVersion: s.protoVer,
		Height:          s.ledger.Height(),
	})
}

func (s *Server) bodyReader(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	s.bodyReader(w, r)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- ledger queries ---

type statusResponse struct {
	ChainID        string `json:"chainId"`
	NodeID         string `json:"nodeId"`
	Height         uint64 `json:"height"`
	LatestHash     string `json:"latestHash"`
	MempoolSize    int    `json:"mempoolSize"`
	AccountsCount  int    `json:"accountsCount"`
	ProducedBlocks uint64 `json:"producedBlocks"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	Peers          int    `json:"peers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	metrics.Refresh(s.ledger)
	writeJSON(w, http.StatusOK, statusResponse{
		ChainID:        s.chainID,
		NodeID:         s.nodeID,
		Height:         s.ledger.Height(),
		LatestHash:     s.ledger.LatestHash(),
		MempoolSize:    s.ledger.MempoolSize(),
		AccountsCount:  s.ledger.AccountsCount(),
		ProducedBlocks: s.ledger.ProducedBlocks(),
		UptimeSeconds:  int64(time.Since(s.startAt).Seconds()),
		Peers:          len(s.peers),
	})
}

// defaultBlockListLimit bounds how many blocks handleListBlocks returns
// when the caller doesn't specify limit, keeping an unbounded chain from
// dumping its entire history into one response.
const defaultBlockListLimit = 20

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks := s.ledger.Blocks()

	limit := defaultBlockListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("offset must be a non-negative integer"))
			return
		}
		offset = n
	}

	// Newest first (spec §6): reverse before slicing so offset/limit page
	// through the chain tip backward, not the genesis block forward.
	newestFirst := make([]ledger.Block, len(blocks))
	for i, b := range blocks {
		newestFirst[len(blocks)-1-i] = b
	}

	if offset >= len(newestFirst) {
		writeJSON(w, http.StatusOK, []ledger.Block{})
		return
	}
	end := offset + limit
	if end > len(newestFirst) {
		end = len(newestFirst)
	}
	writeJSON(w, http.StatusOK, newestFirst[offset:end])
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(r.PathValue("height"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("height must be a non-negative integer"))
		return
	}
	block, ok := s.ledger.BlockAt(height)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no block at height %d", height))
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Account(r.PathValue("address")))
}

func (s *Server) handleMempool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Mempool())
}

// --- transaction submission ---

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var tx ledger.Transaction
	if err := s.decodeJSON(w, r, &tx); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if tx.ID == "" {
		tx.ID = newTxID()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	if s.requireSignatures {
		if err := signing.Verify(tx, s.ledger.Account(tx.From).Nonce); err != nil {
			writeLedgerError(w, err)
			return
		}
	}
	if err := s.ledger.Validate(tx); err != nil {
		metrics.MarkTxRejected()
		writeLedgerError(w, err)
		return
	}
	s.ledger.PushMempool(tx)
	metrics.MarkTxValidated()

	if s.egress != nil {
		go func() {
			for peer, err := range s.egress.BroadcastTx(r.Context(), tx) {
				log.Debug("tx broadcast failed", "peer", peer, "err", err)
			}
		}()
	}
	writeJSON(w, http.StatusAccepted, tx)
}

// --- faucet (spec §6, gated by enable_faucet) ---

type faucetRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if !s.enableFaucet {
		writeError(w, http.StatusForbidden, errors.New("faucet disabled"))
		return
	}
	var req faucetRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Address == "" || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, errors.New("address and amount are required"))
		return
	}
	s.ledger.CreditFaucet(req.Address, req.Amount)
	writeJSON(w, http.StatusOK, s.ledger.Account(req.Address))
}

// --- gossip ingress ---

type gossipResponse struct {
	OK      bool `json:"ok"`
	Ignored bool `json:"ignored"`
}

func (s *Server) handleGossipTx(w http.ResponseWriter, r *http.Request) {
	if err := s.ingress.VerifyHeaders(r.Header); err != nil {
		writeGossipHeaderError(w, err)
		return
	}
	var tx ledger.Transaction
	if err := s.decodeJSON(w, r, &tx); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.ledger.MempoolHasID(tx.ID) {
		writeJSON(w, http.StatusOK, gossipResponse{OK: true, Ignored: true})
		return
	}
	if err := s.ingress.HandleTx(tx); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gossipResponse{OK: true})
}

func (s *Server) handleGossipBlock(w http.ResponseWriter, r *http.Request) {
	if err := s.ingress.VerifyHeaders(r.Header); err != nil {
		writeGossipHeaderError(w, err)
		return
	}
	var block ledger.Block
	if err := s.decodeJSON(w, r, &block); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.ledger.HasBlockHash(block.Hash) {
		writeJSON(w, http.StatusOK, gossipResponse{OK: true, Ignored: true})
		return
	}
	if err := s.ingress.HandleBlock(block); err != nil {
		var linkErr *ledger.LinkageError
		if errors.As(err, &linkErr) && s.reactiveSync != nil {
			go s.reactiveSync(r.Host)
		}
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gossipResponse{OK: true})
}

// --- payment intents ---

type createIntentRequest struct {
	RecipientAddress string `json:"recipientAddress"`
	Amount           uint64 `json:"amount"`
	Memo             string `json:"memo,omitempty"`
	TTLSeconds       int64  `json:"ttlSeconds,omitempty"`
}

func (s *Server) handleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.RecipientAddress == "" || req.Amount == 0 {
		writeError(w, http.StatusBadRequest, errors.New("recipientAddress and amount are required"))
		return
	}
	if req.TTLSeconds != 0 && req.TTLSeconds < 60 {
		writeError(w, http.StatusBadRequest, errors.New("ttlSeconds must be at least 60"))
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	intent := s.payments.Create(req.RecipientAddress, req.Amount, req.Memo, ttl)
	writeJSON(w, http.StatusCreated, intent)
}

func (s *Server) handleGetPaymentIntent(w http.ResponseWriter, r *http.Request) {
	s.payments.ResolveAll(s.ledger)
	intent, ok := s.payments.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown payment intent"))
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// --- wallet verification ---

func (s *Server) handleWalletInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"challengeTtlSeconds": int64(wallet.ChallengeTTL.Seconds()),
		"sessionTtlSeconds":   int64(wallet.SessionTTL.Seconds()),
	})
}

type walletChallengeRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleWalletChallenge(w http.ResponseWriter, r *http.Request) {
	var req walletChallengeRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, errors.New("address is required"))
		return
	}
	writeJSON(w, http.StatusCreated, s.wallet.IssueChallenge(req.Address))
}

type walletVerifyRequest struct {
	ChallengeID string `json:"challengeId"`
	PublicKey   string `json:"publicKey"`
	Signature   string `json:"signature"`
}

func (s *Server) handleWalletVerify(w http.ResponseWriter, r *http.Request) {
	var req walletVerifyRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := s.wallet.Verify(req.ChallengeID, req.PublicKey, req.Signature)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleWalletSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.wallet.GetSession(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown or expired session"))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// --- error mapping (spec §7) ---

// writeGossipHeaderError maps a gossip precondition failure to 403 for a
// bad/missing token, 400 for everything else (spec §6).
func writeGossipHeaderError(w http.ResponseWriter, err error) {
	var aerr *gossip.AuthError
	if errors.As(err, &aerr) {
		writeError(w, http.StatusForbidden, err)
		return
	}
	writeError(w, http.StatusBadRequest, err)
}

func writeLedgerError(w http.ResponseWriter, err error) {
	var verr *ledger.ValidationError
	var serr *ledger.SignatureError
	var lerr *ledger.LinkageError
	var herr *ledger.HashMismatchError

	switch {
	case errors.As(err, &verr), errors.As(err, &serr), errors.As(err, &lerr), errors.As(err, &herr):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode HTTP response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newTxID() string {
	return "tx_" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// --- per-IP rate limiting (spec §6, grounded on golang.org/x/time/rate) ---

type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPRateLimiter(maxRequests int, window time.Duration) *ipRateLimiter {
	if maxRequests <= 0 {
		maxRequests = 60
	}
	if window <= 0 {
		window = 15 * time.Second
	}
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(maxRequests) / window.Seconds()),
		burst:    maxRequests,
	}
}

func (l *ipRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.get(ip).Allow() {
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
