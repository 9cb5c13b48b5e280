package rabbitmq

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics holds the Prometheus collectors of a recovering connection
type Metrics struct {
	State                 prometheus.Gauge
	ChannelsOpen          prometheus.Gauge
	RecoveriesStarted     prometheus.Counter
	RecoveriesCompleted   prometheus.Counter
	RecoveriesInterrupted prometheus.Counter
	ReconnectAttempts     prometheus.Counter
	ReconnectFailures     prometheus.Counter
	EntitiesRecovered     *prometheus.CounterVec
	EntityFailures        *prometheus.CounterVec
	RecoveryDuration      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered. connection is attached as a constant
// label so several connections can share a registry; connections with the
// same name report into the same collectors.
func NewMetrics(namespace, connection string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "amqp_recovery"
	}
	labels := prometheus.Labels{"connection": connection}

	m := &Metrics{
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "state",
			Help:        "Connection state: 0 connected, 1 recovering, 2 closed",
			ConstLabels: labels,
		}),
		ChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "channels_open",
			Help:        "Current number of open channel handles",
			ConstLabels: labels,
		}),
		RecoveriesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "recoveries_started_total",
			Help:        "Total number of recoveries started after an unexpected shutdown",
			ConstLabels: labels,
		}),
		RecoveriesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "recoveries_completed_total",
			Help:        "Total number of recoveries that reconnected and replayed topology",
			ConstLabels: labels,
		}),
		RecoveriesInterrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "recoveries_interrupted_total",
			Help:        "Total number of recoveries abandoned because the connection was closed",
			ConstLabels: labels,
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnect_attempts_total",
			Help:        "Total number of reconnect attempts",
			ConstLabels: labels,
		}),
		ReconnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reconnect_failures_total",
			Help:        "Total number of failed reconnect attempts",
			ConstLabels: labels,
		}),
		EntitiesRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "entities_recovered_total",
			Help:        "Total number of recovered entities by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		EntityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "entity_recovery_failures_total",
			Help:        "Total number of entities that failed to recover by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		RecoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "recovery_duration_seconds",
			Help:        "Time from shutdown detection to completed recovery",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
			ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m, nil
	}

	var errs error
	m.State = register(reg, m.State, &errs)
	m.ChannelsOpen = register(reg, m.ChannelsOpen, &errs)
	m.RecoveriesStarted = register(reg, m.RecoveriesStarted, &errs)
	m.RecoveriesCompleted = register(reg, m.RecoveriesCompleted, &errs)
	m.RecoveriesInterrupted = register(reg, m.RecoveriesInterrupted, &errs)
	m.ReconnectAttempts = register(reg, m.ReconnectAttempts, &errs)
	m.ReconnectFailures = register(reg, m.ReconnectFailures, &errs)
	m.EntitiesRecovered = register(reg, m.EntitiesRecovered, &errs)
	m.EntityFailures = register(reg, m.EntityFailures, &errs)
	m.RecoveryDuration = register(reg, m.RecoveryDuration, &errs)
	if errs != nil {
		return nil, errs
	}
	return m, nil
}

// register adds c to reg and returns the collector to use. An equal
// collector that is already registered is returned instead of c.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, errs *error) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	multierr.AppendInto(errs, err)
	return c
}
