package config

import (
	"fmt"
	"time"
)

// Defaults applied when fields are omitted or zero.
const (
	DefaultPollInterval  = 60 * time.Second
	DefaultLeadTime      = 5 * time.Minute
	DefaultGracePeriod   = 5 * time.Minute
	DefaultMaxConcurrent = 25

	DefaultAPIAddr   = "127.0.0.1:8080"
	DefaultPprofAddr = "127.0.0.1:6060"

	DefaultProvisionerTimeout = 10 * time.Second
)

// SchedulerSettings is SchedulerConfig with durations parsed and defaults applied.
type SchedulerSettings struct {
	PollInterval  time.Duration
	LeadTime      time.Duration
	GracePeriod   time.Duration
	MaxConcurrent int
}

func (c SchedulerConfig) Resolve() (SchedulerSettings, error) {
	var s SchedulerSettings
	var err error
	if s.PollInterval, err = ParseDurationOrDefault("scheduler.poll_interval", c.PollInterval, DefaultPollInterval); err != nil {
		return s, err
	}
	if s.LeadTime, err = ParseDurationOrDefault("scheduler.lead_time", c.LeadTime, DefaultLeadTime); err != nil {
		return s, err
	}
	if s.GracePeriod, err = ParseDurationOrDefault("scheduler.grace_period", c.GracePeriod, DefaultGracePeriod); err != nil {
		return s, err
	}
	s.MaxConcurrent = c.MaxConcurrent
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = DefaultMaxConcurrent
	}
	return s, nil
}

// ProvisionerSettings is ProvisionerConfig with durations parsed and defaults applied.
type ProvisionerSettings struct {
	Mode       string
	URL        string
	Token      string
	Timeout    time.Duration
	RatePerSec int
}

func (c ProvisionerConfig) Resolve() (ProvisionerSettings, error) {
	s := ProvisionerSettings{
		Mode:       c.Mode,
		URL:        c.URL,
		Token:      c.Token,
		RatePerSec: c.RatePerSec,
	}
	if s.Mode == "" {
		s.Mode = "none"
	}
	var err error
	if s.Timeout, err = ParseDurationOrDefault("provisioner.timeout", c.Timeout, DefaultProvisionerTimeout); err != nil {
		return s, err
	}
	switch s.Mode {
	case "none":
	case "http":
		if s.URL == "" {
			return s, fmt.Errorf("provisioner.url is required when provisioner.mode is %q", s.Mode)
		}
	default:
		return s, fmt.Errorf("provisioner.mode: unknown mode %q (want \"http\" or \"none\")", s.Mode)
	}
	return s, nil
}

// Validate checks the whole config for structural problems. It is used both at
// startup and as the hot-reload validator, so a bad edit never reaches running
// services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := cfg.Scheduler.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Provisioner.Resolve(); err != nil {
		return err
	}
	switch cfg.Storage.Driver {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver != "memory" && cfg.Storage.Path == "" && cfg.Storage.Driver != "" {
		return fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"api.read_timeout", cfg.API.ReadTimeout},
		{"api.write_timeout", cfg.API.WriteTimeout},
		{"api.idle_timeout", cfg.API.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
