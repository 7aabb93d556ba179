// Package metrics exposes the execution core's Prometheus collectors: gas
// used per transaction, fees collected per token, AMM pool reserves, and
// access-key signature spend. It replaces the teacher's cgo miss-counter
// pair (revm_bridge/metrics.go's ResetProfileCounters/ProfileCounters,
// which read Rust-side account/storage cache miss counts out of the REVM
// FFI boundary this repository drops) with real collectors registered
// against a prometheus.Registry, since this repository has no FFI
// boundary left to profile.
package metrics

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric the execution core emits. Callers wire
// one instance per process and pass it into the driver's call sites; it is
// not a package-level global so tests can construct an isolated registry.
type Collectors struct {
	GasUsed          prometheus.Histogram
	FeesCollected    *prometheus.CounterVec
	PoolReserve0     *prometheus.GaugeVec
	PoolReserve1     *prometheus.GaugeVec
	AccessKeySpend   *prometheus.CounterVec
	TransactionsTotal *prometheus.CounterVec
}

// NewCollectors constructs and registers every collector against reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		GasUsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tempo",
			Subsystem: "core",
			Name:      "gas_used",
			Help:      "Gas used per executed transaction.",
			Buckets:   prometheus.ExponentialBuckets(1_000, 2, 16),
		}),
		FeesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tempo",
			Subsystem: "core",
			Name:      "fees_collected_total",
			Help:      "Fees collected, denominated in the settlement token's smallest unit.",
		}, []string{"token"}),
		PoolReserve0: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tempo",
			Subsystem: "feeamm",
			Name:      "pool_reserve0",
			Help:      "Reserve of token0 in a fee AMM pool.",
		}, []string{"pool"}),
		PoolReserve1: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tempo",
			Subsystem: "feeamm",
			Name:      "pool_reserve1",
			Help:      "Reserve of token1 in a fee AMM pool.",
		}, []string{"pool"}),
		AccessKeySpend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tempo",
			Subsystem: "accesskey",
			Name:      "spend_total",
			Help:      "Cumulative amount spent by a delegated access key against its token and currency spending limits.",
		}, []string{"key"}),
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tempo",
			Subsystem: "core",
			Name:      "transactions_total",
			Help:      "Transactions processed by the execution driver, labeled by outcome.",
		}, []string{"status"}),
	}
	reg.MustRegister(c.GasUsed, c.FeesCollected, c.PoolReserve0, c.PoolReserve1, c.AccessKeySpend, c.TransactionsTotal)
	return c
}

// ObserveGasUsed records a transaction's gas consumption and bumps the
// transactions-total counter for its outcome.
func (c *Collectors) ObserveGasUsed(gasUsed uint64, status string) {
	c.GasUsed.Observe(float64(gasUsed))
	c.TransactionsTotal.WithLabelValues(status).Inc()
}

// ObserveFeeCollected adds amount to the running total collected in token.
func (c *Collectors) ObserveFeeCollected(token common.Address, amount *big.Int) {
	f, _ := new(big.Float).SetInt(amount).Float64()
	c.FeesCollected.WithLabelValues(token.Hex()).Add(f)
}

// SetPoolReserves updates the point-in-time reserve gauges for a fee AMM
// pool, labeled by the hex form of the pool address passed in.
func (c *Collectors) SetPoolReserves(pool common.Address, reserve0, reserve1 *big.Int) {
	f0, _ := new(big.Float).SetInt(reserve0).Float64()
	f1, _ := new(big.Float).SetInt(reserve1).Float64()
	c.PoolReserve0.WithLabelValues(pool.Hex()).Set(f0)
	c.PoolReserve1.WithLabelValues(pool.Hex()).Set(f1)
}

// ObserveAccessKeySpend adds amount to the running total a delegated access
// key has spent against its caps.
func (c *Collectors) ObserveAccessKeySpend(keyID common.Address, amount *big.Int) {
	f, _ := new(big.Float).SetInt(amount).Float64()
	c.AccessKeySpend.WithLabelValues(keyID.Hex()).Add(f)
}
