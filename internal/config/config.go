// Package config loads recovery settings from a YAML file and the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/glimte/mmate-recovery/internal/rabbitmq"
)

// Keys understood in the file and, upper-cased with dashes turned into
// underscores, in the environment
const (
	KeyAutomaticRecovery    = "automatically-recover"
	KeyTopologyRecovery     = "automatically-recover-topology"
	KeyNetworkRecoveryDelay = "network-recovery-delay"
	KeyConnectionName       = "connection-name"
	KeyAddresses            = "addresses"
)

// DefaultEnvPrefix prefixes every environment variable read by Load
const DefaultEnvPrefix = "MMATE_RECOVERY_"

// Loader reads a rabbitmq.Config
type Loader struct {
	envPrefix string
}

// Option configures a Loader
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix. An empty prefix
// disables the environment overlay.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// NewLoader creates a loader using DefaultEnvPrefix
func NewLoader(options ...Option) *Loader {
	l := &Loader{envPrefix: DefaultEnvPrefix}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Load reads the settings: defaults, then the YAML file at path if path
// is not empty, then the environment. The recovery delay is given in
// milliseconds.
func Load(path string) (rabbitmq.Config, error) {
	return NewLoader().Load(path)
}

// Load reads the settings, see the package-level Load
func (l *Loader) Load(path string) (rabbitmq.Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return rabbitmq.Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		prefix := l.envPrefix
		provider := env.Provider(".", env.Opt{
			Prefix: prefix,
			TransformFunc: func(key, value string) (string, any) {
				key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, prefix)), "_", "-")
				if key == KeyAddresses {
					return key, splitList(value)
				}
				return key, value
			},
		})
		if err := k.Load(provider, nil); err != nil {
			return rabbitmq.Config{}, fmt.Errorf("failed to load environment: %w", err)
		}
	}

	cfg := rabbitmq.DefaultConfig()
	if k.Exists(KeyAutomaticRecovery) {
		cfg.AutomaticRecovery = k.Bool(KeyAutomaticRecovery)
	}
	if k.Exists(KeyTopologyRecovery) {
		cfg.TopologyRecovery = k.Bool(KeyTopologyRecovery)
	}
	if k.Exists(KeyNetworkRecoveryDelay) {
		cfg.NetworkRecoveryDelay = time.Duration(k.Int64(KeyNetworkRecoveryDelay)) * time.Millisecond
	}
	cfg.ConnectionName = k.String(KeyConnectionName)
	if k.Exists(KeyAddresses) {
		cfg.Addresses = k.Strings(KeyAddresses)
	}

	if err := cfg.Validate(); err != nil {
		return rabbitmq.Config{}, err
	}
	return cfg, nil
}

// Values returns cfg keyed the way Load reads it
func Values(cfg rabbitmq.Config) map[string]any {
	return map[string]any{
		KeyAutomaticRecovery:    cfg.AutomaticRecovery,
		KeyTopologyRecovery:     cfg.TopologyRecovery,
		KeyNetworkRecoveryDelay: cfg.NetworkRecoveryDelay.Milliseconds(),
		KeyConnectionName:       cfg.ConnectionName,
		KeyAddresses:            cfg.Addresses,
	}
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
