package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Log         LogConfig
	Indexing    IndexingConfig
	Throttle    ThrottleConfig
	Watcher     WatcherConfig
	Search      SearchConfig
	Maintenance MaintenanceConfig
}

type ServerConfig struct {
	Port int
	// APIToken, when set, guards the mutating HTTP routes.
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type IndexingConfig struct {
	MaxFileSizeMB              int
	MaxTextSizeKB              int
	MaxParallelWorkers         int
	MaxParallelWorkersWhenIdle int
	BatchWriteSize             int
	BatchFlushInterval         time.Duration
	SupportedExtensions        []string
	ExcludedFolders            []string
	RetryAttempts              int
	RetryDelayMs               int
	QueueCapacity              int
	ShutdownGrace              time.Duration
}

type ThrottleConfig struct {
	QuietHoursEnabled   bool
	QuietHoursStart     string
	QuietHoursEnd       string
	PauseWhenBatteryLow bool
	BatteryLowPercent   int
	IdleAfter           time.Duration
	RecomputeInterval   time.Duration
}

type WatcherConfig struct {
	DebounceMs     int
	RescanInterval time.Duration
}

type SearchConfig struct {
	DefaultPageSize int
	MaxPageSize     int
	Timeout         time.Duration
}

type MaintenanceConfig struct {
	Interval       time.Duration
	VacuumPages    int
	StepsPerSecond float64
}

var defaultExtensions = []string{
	".txt", ".md", ".markdown", ".csv", ".log", ".json", ".xml", ".yaml", ".yml",
	".toml", ".ini", ".rst", ".tex",
	".html", ".htm",
	".pdf", ".docx", ".xlsx", ".pptx", ".doc",
	".eml", ".mbox",
	".jpg", ".jpeg", ".png", ".gif", ".heic", ".webp",
}

var defaultExcluded = []string{
	".git", ".svn", ".hg", "node_modules", "__pycache__", ".venv",
	".cache", ".Trash", "$RECYCLE.BIN", "System Volume Information",
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4711,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Indexing: IndexingConfig{
			MaxFileSizeMB:              50,
			MaxTextSizeKB:              512,
			MaxParallelWorkers:         2,
			MaxParallelWorkersWhenIdle: 4,
			BatchWriteSize:             100,
			BatchFlushInterval:         3 * time.Second,
			SupportedExtensions:        append([]string(nil), defaultExtensions...),
			ExcludedFolders:            append([]string(nil), defaultExcluded...),
			RetryAttempts:              3,
			RetryDelayMs:               500,
			QueueCapacity:              50000,
			ShutdownGrace:              10 * time.Second,
		},
		Throttle: ThrottleConfig{
			QuietHoursEnabled:   false,
			QuietHoursStart:     "22:00",
			QuietHoursEnd:       "07:00",
			PauseWhenBatteryLow: true,
			BatteryLowPercent:   20,
			IdleAfter:           2 * time.Minute,
			RecomputeInterval:   5 * time.Second,
		},
		Watcher: WatcherConfig{
			DebounceMs:     500,
			RescanInterval: 5 * time.Minute,
		},
		Search: SearchConfig{
			DefaultPageSize: 20,
			MaxPageSize:     100,
			Timeout:         2 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Interval:       10 * time.Minute,
			VacuumPages:    256,
			StepsPerSecond: 2,
		},
	}
}

// Default returns the built-in configuration without consulting the
// config file or environment.
func Default() Config {
	return defaults()
}

// DBPath is the location of the index database.
func (c Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "owlet.db")
}

// PIDPath is the advisory PID file of a running daemon.
func (c Config) PIDPath() string {
	return filepath.Join(c.Storage.DataDir, "owlet.pid")
}

func (c IndexingConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) << 20
}

func (c IndexingConfig) MaxTextBytes() int {
	return c.MaxTextSizeKB << 10
}

func (c IndexingConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c WatcherConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// SlogLevel maps the configured level name; unknown names mean info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration from the TOML file at ConfigPath, then applies
// OWLET_* environment overrides. The API token may also come from the
// platform secret store (macOS Keychain or a secrets file elsewhere).
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigPath()), keychainStore{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

const (
	keychainService = "owlet"
	keychainAccount = "api_token"
)

func loadFromPath(path string, kc keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.APIToken == "" {
		if tok, err := kc.Get(keychainService, keychainAccount); err == nil && tok != "" {
			cfg.Server.APIToken = tok
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("invalid config: storage.data_dir is empty")
	}
	ix := c.Indexing
	if ix.MaxParallelWorkers < 1 {
		return fmt.Errorf("invalid config: indexing.max_parallel_workers must be at least 1, got %d", ix.MaxParallelWorkers)
	}
	if ix.MaxParallelWorkersWhenIdle < ix.MaxParallelWorkers {
		return fmt.Errorf("invalid config: indexing.max_parallel_workers_when_idle (%d) is below indexing.max_parallel_workers (%d)",
			ix.MaxParallelWorkersWhenIdle, ix.MaxParallelWorkers)
	}
	if ix.BatchWriteSize < 1 {
		return fmt.Errorf("invalid config: indexing.batch_write_size must be at least 1, got %d", ix.BatchWriteSize)
	}
	if ix.MaxFileSizeMB < 1 || ix.MaxTextSizeKB < 1 {
		return fmt.Errorf("invalid config: size ceilings must be positive")
	}
	if ix.RetryAttempts < 1 {
		return fmt.Errorf("invalid config: indexing.retry_attempts must be at least 1, got %d", ix.RetryAttempts)
	}
	if ix.QueueCapacity < 1 {
		return fmt.Errorf("invalid config: indexing.queue_capacity must be at least 1, got %d", ix.QueueCapacity)
	}
	if len(ix.SupportedExtensions) == 0 {
		return fmt.Errorf("invalid config: indexing.supported_extensions is empty")
	}
	for _, key := range []struct{ name, val string }{
		{"throttle.quiet_hours_start", c.Throttle.QuietHoursStart},
		{"throttle.quiet_hours_end", c.Throttle.QuietHoursEnd},
	} {
		if _, err := time.Parse("15:04", key.val); err != nil {
			return fmt.Errorf("invalid config: %s %q is not HH:MM", key.name, key.val)
		}
	}
	if p := c.Throttle.BatteryLowPercent; p < 0 || p > 100 {
		return fmt.Errorf("invalid config: throttle.battery_low_percent %d out of range", p)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"indexing.batch_flush_interval", ix.BatchFlushInterval},
		{"indexing.shutdown_grace", ix.ShutdownGrace},
		{"throttle.recompute_interval", c.Throttle.RecomputeInterval},
		{"watcher.rescan_interval", c.Watcher.RescanInterval},
		{"search.timeout", c.Search.Timeout},
		{"maintenance.interval", c.Maintenance.Interval},
	} {
		if d.val <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %v", d.name, d.val)
		}
	}
	if c.Maintenance.StepsPerSecond <= 0 {
		return fmt.Errorf("invalid config: maintenance.steps_per_second must be positive")
	}
	if c.Search.DefaultPageSize < 1 || c.Search.MaxPageSize < c.Search.DefaultPageSize {
		return fmt.Errorf("invalid config: search page sizes must satisfy 1 <= default (%d) <= max (%d)",
			c.Search.DefaultPageSize, c.Search.MaxPageSize)
	}
	return nil
}

// keychainStore reaches the platform secret store.
type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
