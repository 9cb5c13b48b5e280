package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	recovery "github.com/glimte/mmate-recovery"
)

// manifest is the topology file read by the run command
type manifest struct {
	recovery.Topology `yaml:",inline"`

	// Prefetch is applied to the consuming channel; zero leaves it unset
	Prefetch int `yaml:"prefetch"`
}

func loadManifest(path string) (manifest, error) {
	var m manifest
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("failed to read topology file: %w", err)
	}
	return parseManifest(bytes.NewReader(data))
}

func parseManifest(r io.Reader) (manifest, error) {
	var m manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return m, fmt.Errorf("failed to parse topology file: %w", err)
	}

	if m.Prefetch < 0 {
		return m, fmt.Errorf("prefetch must not be negative, got %d", m.Prefetch)
	}
	for i, e := range m.Exchanges {
		if e.Name == "" {
			return m, fmt.Errorf("exchange %d: name is required", i)
		}
		if e.Type == "" {
			m.Exchanges[i].Type = "direct"
		}
	}
	for i, b := range m.Bindings {
		if b.Exchange == "" {
			return m, fmt.Errorf("binding %d: exchange is required", i)
		}
	}
	return m, nil
}
