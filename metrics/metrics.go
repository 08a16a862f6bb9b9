// Package metrics exposes Prometheus collectors for contract execution.
//
// Collectors are created at init and updated by the exec package whether or
// not they are registered; call Register to expose them.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "xvm"

	ResultOK    = "ok"
	ResultTrap  = "trap"
	ResultError = "error"
)

var (
	// Calls counts dispatched calls by result.
	Calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Number of contract calls by result.",
	}, []string{"result"})

	// Traps counts traps by reason.
	Traps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "traps_total",
		Help:      "Number of traps by reason.",
	}, []string{"reason"})

	// GasUsed observes the gas charged by each top-level call.
	GasUsed = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gas_used",
		Help:      "Gas charged per top-level call.",
		Buckets:   prometheus.ExponentialBuckets(10, 10, 8),
	})

	// LoadSeconds observes the time spent in Load.
	LoadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "load_seconds",
		Help:      "Time spent loading and linking code.",
		Buckets:   prometheus.DefBuckets,
	})

	// ContextsLive tracks contexts not yet released.
	ContextsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "contexts_live",
		Help:      "Execution contexts currently alive.",
	})
)

var (
	registered   = map[prometheus.Registerer]bool{}
	registeredMu sync.Mutex
)

// Collectors returns every collector of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Calls, Traps, GasUsed, LoadSeconds, ContextsLive}
}

// Register registers the collectors with reg. Registering twice with the
// same registerer is a no-op.
func Register(reg prometheus.Registerer) error {
	registeredMu.Lock()
	defer registeredMu.Unlock()
	if registered[reg] {
		return nil
	}
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	registered[reg] = true
	return nil
}
