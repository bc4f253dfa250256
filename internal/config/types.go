package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Provisioner ProvisionerConfig `json:"provisioner"`
	API         APIConfig         `json:"api"`
	Pprof       PprofConfig       `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the event store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./botherd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the admission-controlled launch loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "60s"
//   - lead_time: "5m"
//   - grace_period: "5m"
//   - max_concurrent: 25
//
// Bots whose join_at fell more than grace_period in the past are neither
// launched nor failed; they stay SCHEDULED until corrected externally.
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	PollInterval  string `json:"poll_interval,omitempty"`
	LeadTime      string `json:"lead_time,omitempty"`
	GracePeriod   string `json:"grace_period,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

// ProvisionerConfig controls how capacity requests reach the autoscaler.
//
// Mode values:
//   - "http": POST launch requests to URL
//   - "none": record requests without calling out (dry runs, tests)
type ProvisionerConfig struct {
	Mode       string `json:"mode"`
	URL        string `json:"url,omitempty"`
	Token      string `json:"token,omitempty"` // optional bearer token (do not log)
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// APIConfig controls the HTTP surface: calendar ingestion webhooks, the
// worker report endpoint and the observability read APIs.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
