// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package recovery provides AMQP 0-9-1 connections that heal themselves:
// after an unexpected connection loss they reconnect, reopen their
// channels and replay the exchanges, queues, bindings and consumers the
// application declared.
package recovery

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/glimte/mmate-recovery/internal/broker"
	"github.com/glimte/mmate-recovery/internal/config"
	"github.com/glimte/mmate-recovery/internal/rabbitmq"
)

type (
	Connection          = rabbitmq.Connection
	Channel             = rabbitmq.Channel
	Config              = rabbitmq.Config
	State               = rabbitmq.State
	Metrics             = rabbitmq.Metrics
	ListenerID          = rabbitmq.ListenerID
	Topology            = rabbitmq.Topology
	ExchangeDeclaration = rabbitmq.ExchangeDeclaration
	QueueDeclaration    = rabbitmq.QueueDeclaration
	Binding             = rabbitmq.Binding

	RecoveryHandler          = rabbitmq.RecoveryHandler
	ChannelRecoveryHandler   = rabbitmq.ChannelRecoveryHandler
	ShutdownListener         = rabbitmq.ShutdownListener
	QueueRecoveryListener    = rabbitmq.QueueRecoveryListener
	ConsumerRecoveryListener = rabbitmq.ConsumerRecoveryListener
	RecoveryFailureListener  = rabbitmq.RecoveryFailureListener

	ConnectionError     = rabbitmq.ConnectionError
	ChannelError        = rabbitmq.ChannelError
	ConsumerError       = rabbitmq.ConsumerError
	TopologyError       = rabbitmq.TopologyError
	EntityRecoveryError = rabbitmq.EntityRecoveryError

	Dialer         = broker.Dialer
	Executor       = broker.Executor
	ExchangeSpec   = broker.ExchangeSpec
	QueueSpec      = broker.QueueSpec
	ConsumeSpec    = broker.ConsumeSpec
	Consumer       = broker.Consumer
	ShutdownSignal = broker.ShutdownSignal
)

const (
	StateConnected  = rabbitmq.StateConnected
	StateRecovering = rabbitmq.StateRecovering
	StateClosed     = rabbitmq.StateClosed
)

var (
	ErrConnectionClosed     = rabbitmq.ErrConnectionClosed
	ErrChannelClosed        = rabbitmq.ErrChannelClosed
	ErrRecoveryInterrupted  = rabbitmq.ErrRecoveryInterrupted
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrAlreadyConnected     = rabbitmq.ErrAlreadyConnected
)

// DefaultConfig returns a Config with automatic and topology recovery
// enabled and a five second recovery delay
func DefaultConfig() Config {
	return rabbitmq.DefaultConfig()
}

// LoadConfig reads a Config from a YAML file overlaid by MMATE_RECOVERY_*
// environment variables. An empty path reads the environment only.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

type clientConfig struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	namespace  string
	dialer     broker.Dialer
}

// ClientOption configures Dial
type ClientOption func(*clientConfig)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithRegisterer registers the connection metrics with reg
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(c *clientConfig) {
		c.registerer = reg
	}
}

// WithMetricsNamespace sets the Prometheus namespace of the metrics
func WithMetricsNamespace(namespace string) ClientOption {
	return func(c *clientConfig) {
		c.namespace = namespace
	}
}

// WithDialer replaces the amqp091-go dialer
func WithDialer(dialer Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = dialer
	}
}

// Dial opens a recovering connection
func Dial(ctx context.Context, cfg Config, options ...ClientOption) (*Connection, error) {
	cc := &clientConfig{
		logger: zap.NewNop(),
	}
	for _, opt := range options {
		opt(cc)
	}

	name := cfg.ConnectionName
	if name == "" {
		name = "default"
	}

	metrics, err := rabbitmq.NewMetrics(cc.namespace, name, cc.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cc.logger),
		rabbitmq.WithMetrics(metrics),
	}
	if cc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cc.dialer))
	}

	conn := rabbitmq.NewConnection(cfg, connOpts...)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

// DialURL opens a recovering connection to a single broker with the
// default configuration
func DialURL(ctx context.Context, url string, options ...ClientOption) (*Connection, error) {
	cfg := DefaultConfig()
	cfg.Addresses = []string{url}
	return Dial(ctx, cfg, options...)
}
