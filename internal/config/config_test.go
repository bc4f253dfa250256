package config

import (
	"testing"
	"time"
)

func TestParseBytesStrict(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		data    string
		wantErr bool
	}{
		{
			name: "minimal json",
			path: "config.json",
			data: `{"logging":{"level":"info"},"scheduler":{"enabled":true}}`,
		},
		{
			name: "minimal yaml",
			path: "config.yaml",
			data: "logging:\n  level: debug\nscheduler:\n  enabled: true\n  max_concurrent: 10\n",
		},
		{
			name:    "unknown field rejected",
			path:    "config.json",
			data:    `{"logging":{"level":"info"},"bogus":{}}`,
			wantErr: true,
		},
		{
			name:    "trailing data rejected",
			path:    "config.json",
			data:    `{"logging":{"level":"info"}}{"extra":1}`,
			wantErr: true,
		},
		{
			name:    "invalid yaml",
			path:    "config.yaml",
			data:    "logging: [unclosed",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes(tt.path, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBytes() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchedulerResolveDefaults(t *testing.T) {
	s, err := SchedulerConfig{Enabled: true}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", s.PollInterval)
	}
	if s.LeadTime != 5*time.Minute {
		t.Errorf("LeadTime = %v, want 5m", s.LeadTime)
	}
	if s.GracePeriod != 5*time.Minute {
		t.Errorf("GracePeriod = %v, want 5m", s.GracePeriod)
	}
	if s.MaxConcurrent != 25 {
		t.Errorf("MaxConcurrent = %d, want 25", s.MaxConcurrent)
	}
}

func TestSchedulerResolveOverrides(t *testing.T) {
	s, err := SchedulerConfig{
		PollInterval:  "30s",
		LeadTime:      "2m",
		GracePeriod:   "90s",
		MaxConcurrent: 3,
	}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.PollInterval != 30*time.Second || s.LeadTime != 2*time.Minute || s.GracePeriod != 90*time.Second || s.MaxConcurrent != 3 {
		t.Errorf("unexpected settings: %+v", s)
	}

	if _, err := (SchedulerConfig{PollInterval: "sideways"}).Resolve(); err == nil {
		t.Error("expected error for invalid poll_interval")
	}
}

func TestProvisionerResolve(t *testing.T) {
	if _, err := (ProvisionerConfig{Mode: "http"}).Resolve(); err == nil {
		t.Error("http mode without url should fail")
	}
	if _, err := (ProvisionerConfig{Mode: "carrier-pigeon"}).Resolve(); err == nil {
		t.Error("unknown mode should fail")
	}
	s, err := ProvisionerConfig{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Mode != "none" {
		t.Errorf("Mode = %q, want none", s.Mode)
	}
	if s.Timeout != DefaultProvisionerTimeout {
		t.Errorf("Timeout = %v, want %v", s.Timeout, DefaultProvisionerTimeout)
	}
}

func TestValidate(t *testing.T) {
	ok := &Config{
		Storage:     StorageConfig{Driver: "sqlite", Path: "./test.db"},
		Scheduler:   SchedulerConfig{Enabled: true},
		Provisioner: ProvisionerConfig{Mode: "none"},
	}
	if err := Validate(ok); err != nil {
		t.Fatalf("Validate(ok): %v", err)
	}

	bad := &Config{Storage: StorageConfig{Driver: "postgres"}}
	if err := Validate(bad); err == nil {
		t.Error("expected error for unknown storage driver")
	}

	noPath := &Config{Storage: StorageConfig{Driver: "sqlite"}}
	if err := Validate(noPath); err == nil {
		t.Error("expected error for sqlite without path")
	}
}
