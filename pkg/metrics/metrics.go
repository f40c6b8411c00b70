// Package metrics wires registry-level and scheduler-level Prometheus
// collectors: resident machine count, eviction count, and timeout fire
// count. Per-transition counters already live on
// pkg/snapshot.MetricsRecorder; this package covers the collectors that
// have no single transition to hang off of. Grounded on
// pkg/statemachine/observer.go's MetricsObserver, generalized to a
// registry-wide scope.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quadgate/stateforge/pkg/registry"
	"github.com/quadgate/stateforge/pkg/timeout"
)

// Register attaches registry- and scheduler-wide gauges/counters to reg
// (pass prometheus.DefaultRegisterer for the global registry). scheduler
// may be nil if timeouts are disabled.
func Register(promReg prometheus.Registerer, machineRegistry *registry.Registry, scheduler *timeout.Scheduler) error {
	residentGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stateforge_registry_resident_machines",
		Help: "Current number of machines resident in the registry.",
	}, func() float64 { return float64(machineRegistry.Size()) })
	if err := promReg.Register(residentGauge); err != nil {
		return err
	}

	evictionCounter := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "stateforge_registry_evictions_total",
		Help: "Total number of machines evicted from the registry.",
	}, func() float64 { return float64(machineRegistry.Evictions()) })
	if err := promReg.Register(evictionCounter); err != nil {
		return err
	}

	if scheduler == nil {
		return nil
	}
	fireCounter := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "stateforge_timeout_fires_total",
		Help: "Total number of state timeouts that have fired.",
	}, func() float64 { return float64(scheduler.Fires()) })
	return promReg.Register(fireCounter)
}
