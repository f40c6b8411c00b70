// Command callgateway is a demonstration service wiring every layer of the
// runtime together over a telephony call-leg state machine: NATS ingress,
// SQL persistence, the machine registry, timeout scheduling, chained
// snapshot recording, Prometheus metrics, and the read-only introspection
// API. Grounded on cmd/enterprise/main.go's env-driven config and
// signal-based graceful shutdown, retargeted away from that command's
// Vertx/fx dependency-injection wiring since this runtime's own
// constructors already compose directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quadgate/stateforge/pkg/appendlog"
	"github.com/quadgate/stateforge/pkg/config"
	"github.com/quadgate/stateforge/pkg/corelog"
	"github.com/quadgate/stateforge/pkg/db"
	"github.com/quadgate/stateforge/pkg/eventreg"
	"github.com/quadgate/stateforge/pkg/fsmrt"
	"github.com/quadgate/stateforge/pkg/ingress"
	"github.com/quadgate/stateforge/pkg/metrics"
	"github.com/quadgate/stateforge/pkg/persistence"
	"github.com/quadgate/stateforge/pkg/registry"
	"github.com/quadgate/stateforge/pkg/snapshot"
	"github.com/quadgate/stateforge/pkg/timeout"
	"github.com/quadgate/stateforge/pkg/webapi"
)

func main() {
	logger := corelog.NewJSONLogger()
	logger.Info("starting callgateway")

	cfg, err := config.LoadStateforgeConfig(os.Getenv("CALLGATEWAY_CONFIG"))
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}

	dsn := getEnv("CALLGATEWAY_DSN", "./callgateway.db")
	driver := getEnv("CALLGATEWAY_DB_DRIVER", "sqlite3")
	addr := getEnv("CALLGATEWAY_ADDR", ":8080")
	natsURL := os.Getenv("CALLGATEWAY_NATS_URL")

	persister, err := newPersister(cfg, dsn, driver, logger)
	if err != nil {
		logger.Errorf("open persistence: %v", err)
		os.Exit(1)
	}

	names := eventreg.New()
	must(names.Register(Incoming{}, "incoming"))
	must(names.Register(Answer{}, "answer"))
	must(names.Register(Hangup{}, "hangup"))

	promReg := prometheus.NewRegistry()

	var scheduler *timeout.Scheduler
	if cfg.Timeouts.Enabled {
		scheduler = timeout.New()
		defer scheduler.Stop()
	}

	var recorder snapshot.Recorder = snapshot.NoneRecorder{}
	if cfg.Snapshot.Enabled {
		base := snapshot.Recorder(snapshot.NewChainRecorder(logger,
			snapshot.NewLoggingRecorder(logger),
			snapshot.NewMetricsRecorder(promReg),
		))
		if cfg.Snapshot.PayloadInclusion == config.PayloadInclusionRedacted {
			base = snapshot.NewRedactingRecorder(base)
		}
		recorder = base
	}

	duplicatePolicy := registry.DuplicatePolicyReject
	if cfg.Registry.DuplicatePolicy == config.DuplicatePolicyNameReplace {
		duplicatePolicy = registry.DuplicatePolicyReplace
	}

	reg := registry.New(
		registry.WithPersister(persister),
		registry.WithRecorder(recorder),
		registry.WithScheduler(scheduler),
		registry.WithEventNamer(names),
		registry.WithLogger(logger),
		registry.WithDuplicatePolicy(duplicatePolicy),
	)

	if err := metrics.Register(promReg, reg, scheduler); err != nil {
		logger.Errorf("register metrics: %v", err)
		os.Exit(1)
	}

	factory := func() (*fsmrt.Definition, fsmrt.Entity) {
		def, err := buildCallDefinition()
		if err != nil {
			panic(fmt.Sprintf("callgateway: invalid call definition: %v", err))
		}
		return def, newCallSession("")
	}

	api := webapi.New(reg, addr, logger, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	go func() {
		if err := api.Start(); err != nil {
			logger.Errorf("webapi server stopped: %v", err)
		}
	}()

	var ing *ingress.Ingress
	if natsURL != "" {
		ing, err = ingress.New(ingress.Config{URL: natsURL, Prefix: "callgateway"}, reg, callEventCodec{}, factory, logger)
		if err != nil {
			logger.Errorf("connect ingress: %v", err)
			os.Exit(1)
		}
		if err := ing.Start(); err != nil {
			logger.Errorf("start ingress: %v", err)
			os.Exit(1)
		}
		logger.Infof("ingress listening, publish to %s.event.<call-id>", "callgateway")
	} else {
		logger.Info("CALLGATEWAY_NATS_URL not set, ingress disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	if ing != nil {
		if err := ing.Stop(); err != nil {
			logger.Errorf("stop ingress: %v", err)
		}
	}
	if err := api.Shutdown(); err != nil {
		logger.Errorf("stop webapi: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("registry shutdown: %v", err)
	}
	logger.Info("stopped")
}

// callEventCodec decodes ingress messages of the shape
// {"type":"incoming"|"answer"|"hangup", ...fields} into the call session's
// typed events.
type callEventCodec struct{}

func (callEventCodec) Decode(machineID string, data []byte) (interface{}, error) {
	var envelope struct {
		Type  string `json:"type"`
		From  string `json:"from"`
		To    string `json:"to"`
		Cause string `json:"cause"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event for %s: %w", machineID, err)
	}
	switch envelope.Type {
	case "incoming":
		return Incoming{From: envelope.From, To: envelope.To}, nil
	case "answer":
		return Answer{}, nil
	case "hangup":
		return Hangup{Cause: envelope.Cause}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", envelope.Type)
	}
}

// newPersister selects a persistence.Provider per cfg.Persistence.Mode.
// history-append and in-memory-only both build on the in-memory map
// provider: the former layers a durable append log on top via
// persistence.HistoryAppend, the latter uses it bare.
func newPersister(cfg *config.Config, dsn, driver string, logger corelog.Logger) (persistence.Provider, error) {
	switch cfg.Persistence.Mode {
	case config.PersistenceModeSyncUpsert:
		return persistence.NewSQL(db.DefaultPoolConfig(dsn, driver))
	case config.PersistenceModeAsyncUpsert:
		return persistence.NewAsyncPGX(context.Background(), dsn, logger)
	case config.PersistenceModeInMemoryOnly:
		return persistence.NewMemory(), nil
	case config.PersistenceModeHistoryAppend:
		store, err := appendlog.NewFSStore(appendlog.DefaultFSStoreConfig("./callgateway-history"))
		if err != nil {
			return nil, fmt.Errorf("open history append log: %w", err)
		}
		return persistence.NewHistoryAppend(persistence.NewMemory(), store, logger), nil
	default:
		return nil, fmt.Errorf("unknown persistence mode %q", cfg.Persistence.Mode)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
