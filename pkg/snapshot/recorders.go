package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/quadgate/stateforge/pkg/appendlog"
	"github.com/quadgate/stateforge/pkg/corelog"
	"golang.org/x/crypto/blake2b"

	"github.com/prometheus/client_golang/prometheus"
)

// ChainRecorder fans a record out to multiple recorders in order, catching
// panics per-delegate so one broken recorder cannot block the rest.
// Grounded on pkg/statemachine/observer.go's ChainObserver.
type ChainRecorder struct {
	delegates []Recorder
	logger    corelog.Logger
}

// NewChainRecorder builds a ChainRecorder over delegates, in call order.
func NewChainRecorder(logger corelog.Logger, delegates ...Recorder) *ChainRecorder {
	if logger == nil {
		logger = corelog.NewDefaultLogger()
	}
	return &ChainRecorder{delegates: delegates, logger: logger}
}

func (c *ChainRecorder) Record(rec Record) {
	for _, d := range c.delegates {
		c.safeRecord(d, rec)
	}
}

func (c *ChainRecorder) safeRecord(d Recorder, rec Record) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("snapshot recorder panicked: %v", r)
		}
	}()
	d.Record(rec)
}

// LoggingRecorder writes a one-line summary of every transition. Grounded on
// pkg/statemachine/observer.go's LoggingObserver.
type LoggingRecorder struct {
	logger corelog.Logger
}

func NewLoggingRecorder(logger corelog.Logger) *LoggingRecorder {
	if logger == nil {
		logger = corelog.NewDefaultLogger()
	}
	return &LoggingRecorder{logger: logger}
}

func (l *LoggingRecorder) Record(rec Record) {
	l.logger.Infof("transition machine=%s v=%d %s->%s event=%s", rec.MachineID, rec.Version, rec.StateBefore, rec.StateAfter, rec.EventName)
}

// MetricsRecorder exposes transition counters/histograms to Prometheus.
// Grounded on pkg/statemachine/observer.go's MetricsObserver, generalized to
// use github.com/prometheus/client_golang directly.
type MetricsRecorder struct {
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetricsRecorder registers its collectors against reg (pass
// prometheus.DefaultRegisterer for the global registry).
func NewMetricsRecorder(reg prometheus.Registerer) *MetricsRecorder {
	m := &MetricsRecorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateforge_transitions_total",
			Help: "Total FSM transitions, by event name.",
		}, []string{"event"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stateforge_transition_duration_seconds",
			Help:    "FSM transition handler duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
	}
	reg.MustRegister(m.transitions, m.duration)
	return m
}

func (m *MetricsRecorder) Record(rec Record) {
	m.transitions.WithLabelValues(rec.EventName).Inc()
	m.duration.WithLabelValues(rec.EventName).Observe(float64(rec.DurationNanos) / 1e9)
}

// AppendLogRecorder persists every record to a durable append log, giving
// the audit/history-append persistence variant and snapshot.payloadInclusion
// a concrete storage target. Grounded on pkg/appendlog's fs-backed Store.
type AppendLogRecorder struct {
	store  appendlog.Store
	logger corelog.Logger
}

func NewAppendLogRecorder(store appendlog.Store, logger corelog.Logger) *AppendLogRecorder {
	if logger == nil {
		logger = corelog.NewDefaultLogger()
	}
	return &AppendLogRecorder{store: store, logger: logger}
}

func (a *AppendLogRecorder) Record(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		a.logger.Errorf("snapshot append-log marshal failed: %v", err)
		return
	}
	if _, err := a.store.Append(data); err != nil {
		a.logger.Errorf("snapshot append-log write failed: %v", err)
	}
}

// RedactingRecorder wraps another recorder and replaces context/event
// payloads with a blake2b digest before forwarding, implementing
// snapshot.payloadInclusion = "redacted". This is golang.org/x/crypto's sole
// wiring point in this module.
type RedactingRecorder struct {
	inner Recorder
}

func NewRedactingRecorder(inner Recorder) *RedactingRecorder {
	return &RedactingRecorder{inner: inner}
}

func (r *RedactingRecorder) Record(rec Record) {
	rec.ContextBefore = digest(rec.ContextBefore)
	rec.ContextAfter = digest(rec.ContextAfter)
	rec.EventPayload = digest(rec.EventPayload)
	r.inner.Record(rec)
}

func digest(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("blake2b:%x", sum)
}

// NoneRecorder discards every record, whole records rather than just their
// payloads. cmd/callgateway installs it when snapshot recording is disabled.
type NoneRecorder struct{}

func (NoneRecorder) Record(Record) {}
