package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	recovery "github.com/glimte/mmate-recovery"
	"github.com/glimte/mmate-recovery/health"
)

const (
	shutdownTimeout = 5 * time.Second
	healthTimeout   = 2 * time.Second
)

// demo holds everything the run command needs
type demo struct {
	cfg         recovery.Config
	manifest    manifest
	logger      *zap.Logger
	registry    *prometheus.Registry
	health      *health.Registry
	dialer      recovery.Dialer
	metricsAddr string

	heartbeat         time.Duration
	heartbeatExchange string
	heartbeatKey      string

	delivered atomic.Int64
	published atomic.Int64
}

func newDemo(cfg recovery.Config, m manifest, logger *zap.Logger) *demo {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &demo{
		cfg:      cfg,
		manifest: m,
		logger:   logger,
		registry: registry,
		health:   health.NewRegistry(),
	}
}

// setup dials, declares the manifest and starts one logging consumer per
// queue. The returned channel is the one everything was declared on.
func (d *demo) setup(ctx context.Context) (*recovery.Connection, *recovery.Channel, error) {
	options := []recovery.ClientOption{
		recovery.WithLogger(d.logger),
		recovery.WithRegisterer(d.registry),
	}
	if d.dialer != nil {
		options = append(options, recovery.WithDialer(d.dialer))
	}

	conn, err := recovery.Dial(ctx, d.cfg, options...)
	if err != nil {
		return nil, nil, err
	}

	d.health.Register(health.NewConnectionChecker(conn))
	d.health.Register(health.NewRecoveryChecker(conn, d.logger))
	conn.OnRecovery(d.logRecoveredQueues)
	conn.OnQueueRecovery(func(oldName, newName string) {
		d.logger.Info("queue renamed by recovery",
			zap.String("old_name", oldName),
			zap.String("new_name", newName))
	})
	conn.OnRecoveryFailure(func(err *recovery.EntityRecoveryError) {
		d.logger.Warn("entity not recovered",
			zap.String("kind", string(err.Kind)),
			zap.String("name", err.Name),
			zap.Error(err.Err))
	})
	conn.AddBlockedListener(
		func(reason string) { d.logger.Warn("connection blocked", zap.String("reason", reason)) },
		func() { d.logger.Info("connection unblocked") },
	)

	ch, err := conn.CreateChannel()
	if err != nil {
		return nil, nil, multierr.Append(err, conn.Close())
	}
	if d.manifest.Prefetch > 0 {
		if err := ch.Qos(d.manifest.Prefetch, 0, false); err != nil {
			return nil, nil, multierr.Append(err, conn.Close())
		}
	}

	if _, err := ch.DeclareTopology(d.manifest.Topology); err != nil {
		return nil, nil, multierr.Append(err, conn.Close())
	}

	for _, q := range conn.Topology().Queues() {
		tag, err := ch.Consume(recovery.ConsumeSpec{Queue: q.Name, AutoAck: true}, d.consumer(q.Name))
		if err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("failed to consume from %s: %w", q.Name, err), conn.Close())
		}
		d.logger.Info("consuming", zap.String("queue", q.Name), zap.String("consumer_tag", tag))
	}

	return conn, ch, nil
}

func (d *demo) consumer(queue string) *recovery.Consumer {
	return &recovery.Consumer{
		OnDelivery: func(tag string, delivery amqp.Delivery) {
			d.delivered.Add(1)
			d.logger.Info("message received",
				zap.String("queue", queue),
				zap.String("consumer_tag", tag),
				zap.String("routing_key", delivery.RoutingKey),
				zap.Int("size", len(delivery.Body)))
		},
		OnCancel: func(tag string) {
			d.logger.Warn("consumer cancelled by broker", zap.String("consumer_tag", tag))
		},
		OnRecoverOk: func(tag string) {
			d.logger.Debug("consumer recovered", zap.String("queue", queue), zap.String("consumer_tag", tag))
		},
	}
}

func (d *demo) logRecoveredQueues(conn *recovery.Connection) {
	queues := conn.Topology().Queues()
	names := make([]string, 0, len(queues))
	for _, q := range queues {
		names = append(names, q.Name)
	}
	d.logger.Info("topology recovered",
		zap.Strings("queues", names),
		zap.Int("consumers", len(conn.Topology().Consumers())))
}

// run sets up the connection and blocks until ctx is done or the metrics
// server fails
func (d *demo) run(ctx context.Context) error {
	conn, ch, err := d.setup(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if d.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
		mux.Handle("/healthz", health.NewHandler(d.health, healthTimeout))
		mux.Handle("/readyz", health.ReadinessHandler(d.health, healthTimeout))
		srv := &http.Server{Addr: d.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			d.logger.Info("serving metrics and health", zap.String("addr", d.metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if d.heartbeat > 0 {
		g.Go(func() error {
			d.publishHeartbeats(ctx, ch)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err = g.Wait()
	d.logger.Info("shutting down",
		zap.Int64("delivered", d.delivered.Load()),
		zap.Int64("published", d.published.Load()))
	return multierr.Append(err, conn.Close())
}

// publishHeartbeats publishes a message every heartbeat interval. Publish
// failures while the connection recovers are logged and skipped.
func (d *demo) publishHeartbeats(ctx context.Context, ch *recovery.Channel) {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			seq++
			err := ch.Publish(ctx, d.heartbeatExchange, d.heartbeatKey, false, false, amqp.Publishing{
				ContentType: "text/plain",
				Timestamp:   now,
				Body:        []byte(fmt.Sprintf("heartbeat %d", seq)),
			})
			if err != nil {
				d.logger.Warn("heartbeat not published", zap.Int64("seq", seq), zap.Error(err))
				continue
			}
			d.published.Add(1)
		}
	}
}
