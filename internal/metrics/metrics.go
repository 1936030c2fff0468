// Package metrics exposes node health as Prometheus metrics, using
// go-ethereum's metrics registry and exporter the same way the rest of
// the upstream codebase does.
package metrics

import (
	"net/http"
	"time"

	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/prometheus"

	"github.com/bulengerk/bulennode/internal/ledger"
)

var (
	chainHeight      = gethmetrics.NewRegisteredGauge("bulen/chain/height", nil)
	mempoolSize      = gethmetrics.NewRegisteredGauge("bulen/mempool/size", nil)
	accountsCount    = gethmetrics.NewRegisteredGauge("bulen/accounts/count", nil)
	totalStake       = gethmetrics.NewRegisteredGauge("bulen/stake/total", nil)
	blocksProduced   = gethmetrics.NewRegisteredCounter("bulen/blocks/produced", nil)
	txValidated      = gethmetrics.NewRegisteredMeter("bulen/tx/validated", nil)
	txRejected       = gethmetrics.NewRegisteredMeter("bulen/tx/rejected", nil)
	blockSealLatency = gethmetrics.NewRegisteredTimer("bulen/blocks/seal_latency", nil)
)

func init() {
	gethmetrics.Enabled = true
}

// Handler returns the Prometheus text-format exposition handler for
// /metrics.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prometheus.Handler(gethmetrics.DefaultRegistry).ServeHTTP(w, r)
	})
}

// Refresh snapshots l's current size metrics into the registered gauges.
// Called on a short interval by the HTTP server or producer loop.
func Refresh(l *ledger.Ledger) {
	chainHeight.Update(int64(l.Height()))
	mempoolSize.Update(int64(l.MempoolSize()))
	accountsCount.Update(int64(l.AccountsCount()))
	totalStake.Update(l.TotalStake().Int64())
}

// IncBlocksProduced records that this node sealed one more block.
func IncBlocksProduced() { blocksProduced.Inc(1) }

// MarkTxValidated records one transaction that passed validation.
func MarkTxValidated() { txValidated.Mark(1) }

// MarkTxRejected records one transaction that failed validation.
func MarkTxRejected() { txRejected.Mark(1) }

// TimeBlockSeal records how long a block-sealing pass took.
func TimeBlockSeal(d time.Duration) { blockSealLatency.Update(d) }
