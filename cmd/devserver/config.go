package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devpad/devpad/internal/jobmanager"
	"github.com/devpad/devpad/internal/registry"
)

type config struct {
	ListenAddr string `yaml:"listen_addr"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	GracePeriod       time.Duration `yaml:"grace_period"`
	ReadinessWindow   time.Duration `yaml:"readiness_window"`
	ReadinessInterval time.Duration `yaml:"readiness_interval"`
	Retention         time.Duration `yaml:"retention"`

	// ConflictScope selects the duplicate-submission key: "target" or
	// "workdir".
	ConflictScope string `yaml:"conflict_scope"`

	TemplateDir string `yaml:"template_dir"`

	Ports    registry.Range `yaml:"ports"`
	Displays registry.Range `yaml:"displays"`

	// EventBuffer is the per-subscriber event buffer size; oldest events are
	// dropped when a subscriber falls this far behind.
	EventBuffer int `yaml:"event_buffer"`

	Debug bool `yaml:"debug"`
}

func defaultConfig() *config {
	jm := jobmanager.DefaultConfig()
	rg := registry.DefaultConfig()

	return &config{
		ListenAddr:        "127.0.0.1:7070",
		Workers:           jm.Workers,
		QueueSize:         jm.QueueSize,
		GracePeriod:       jm.GracePeriod,
		ReadinessWindow:   jm.ReadinessWindow,
		ReadinessInterval: jm.ReadinessInterval,
		Retention:         jm.Retention,
		ConflictScope:     string(jm.ConflictScope),
		Ports:             rg.Ports,
		Displays:          rg.Displays,
		EventBuffer:       256,
	}
}

// loadConfig returns defaults overlaid with the yaml file at path, when one
// is given.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

func (c *config) validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen addr: %w", err)
	}

	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}

	if c.QueueSize < 1 {
		return errors.New("queue size must be at least 1")
	}

	switch jobmanager.ConflictScope(c.ConflictScope) {
	case jobmanager.ConflictByTarget, jobmanager.ConflictByWorkdir:
	default:
		return fmt.Errorf("conflict scope must be %q or %q",
			jobmanager.ConflictByTarget,
			jobmanager.ConflictByWorkdir,
		)
	}

	for name, rng := range map[string]registry.Range{
		"ports":    c.Ports,
		"displays": c.Displays,
	} {
		if rng.Min > rng.Max || rng.Min < 0 {
			return fmt.Errorf("%s range %d-%d is invalid", name, rng.Min, rng.Max)
		}
	}

	if c.Ports.Max > 65535 {
		return errors.New("ports range exceeds 65535")
	}

	if c.TemplateDir != "" {
		if _, err := os.Stat(c.TemplateDir); err != nil {
			return fmt.Errorf("template dir: %w", err)
		}
	}

	return nil
}
