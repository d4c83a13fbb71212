package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OWLET_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "OWLET_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OWLET_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "OWLET_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "indexing.max_file_size_mb", typ: kInt, env: "OWLET_INDEXING_MAX_FILE_SIZE_MB",
		apply:   func(cfg *Config, v any) { cfg.Indexing.MaxFileSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.MaxFileSizeMB },
	},
	{
		key: "indexing.max_text_size_kb", typ: kInt, env: "OWLET_INDEXING_MAX_TEXT_SIZE_KB",
		apply:   func(cfg *Config, v any) { cfg.Indexing.MaxTextSizeKB = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.MaxTextSizeKB },
	},
	{
		key: "indexing.max_parallel_workers", typ: kInt, env: "OWLET_INDEXING_MAX_PARALLEL_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Indexing.MaxParallelWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.MaxParallelWorkers },
	},
	{
		key: "indexing.max_parallel_workers_when_idle", typ: kInt, env: "OWLET_INDEXING_MAX_PARALLEL_WORKERS_WHEN_IDLE",
		apply:   func(cfg *Config, v any) { cfg.Indexing.MaxParallelWorkersWhenIdle = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.MaxParallelWorkersWhenIdle },
	},
	{
		key: "indexing.batch_write_size", typ: kInt, env: "OWLET_INDEXING_BATCH_WRITE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Indexing.BatchWriteSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.BatchWriteSize },
	},
	{
		key: "indexing.batch_flush_interval", typ: kDuration, env: "OWLET_INDEXING_BATCH_FLUSH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Indexing.BatchFlushInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Indexing.BatchFlushInterval },
	},
	{
		key: "indexing.supported_extensions", typ: kList, env: "OWLET_INDEXING_SUPPORTED_EXTENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Indexing.SupportedExtensions = v.([]string) },
		extract: func(cfg Config) any { return cfg.Indexing.SupportedExtensions },
	},
	{
		key: "indexing.excluded_folders", typ: kList, env: "OWLET_INDEXING_EXCLUDED_FOLDERS",
		apply:   func(cfg *Config, v any) { cfg.Indexing.ExcludedFolders = v.([]string) },
		extract: func(cfg Config) any { return cfg.Indexing.ExcludedFolders },
	},
	{
		key: "indexing.retry_attempts", typ: kInt, env: "OWLET_INDEXING_RETRY_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Indexing.RetryAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.RetryAttempts },
	},
	{
		key: "indexing.retry_delay_ms", typ: kInt, env: "OWLET_INDEXING_RETRY_DELAY_MS",
		apply:   func(cfg *Config, v any) { cfg.Indexing.RetryDelayMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.RetryDelayMs },
	},
	{
		key: "indexing.queue_capacity", typ: kInt, env: "OWLET_INDEXING_QUEUE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Indexing.QueueCapacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Indexing.QueueCapacity },
	},
	{
		key: "indexing.shutdown_grace", typ: kDuration, env: "OWLET_INDEXING_SHUTDOWN_GRACE",
		apply:   func(cfg *Config, v any) { cfg.Indexing.ShutdownGrace = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Indexing.ShutdownGrace },
	},
	{
		key: "throttle.quiet_hours_enabled", typ: kBool, env: "OWLET_THROTTLE_QUIET_HOURS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Throttle.QuietHoursEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Throttle.QuietHoursEnabled },
	},
	{
		key: "throttle.quiet_hours_start", typ: kString, env: "OWLET_THROTTLE_QUIET_HOURS_START",
		apply:   func(cfg *Config, v any) { cfg.Throttle.QuietHoursStart = v.(string) },
		extract: func(cfg Config) any { return cfg.Throttle.QuietHoursStart },
	},
	{
		key: "throttle.quiet_hours_end", typ: kString, env: "OWLET_THROTTLE_QUIET_HOURS_END",
		apply:   func(cfg *Config, v any) { cfg.Throttle.QuietHoursEnd = v.(string) },
		extract: func(cfg Config) any { return cfg.Throttle.QuietHoursEnd },
	},
	{
		key: "throttle.pause_when_battery_low", typ: kBool, env: "OWLET_THROTTLE_PAUSE_WHEN_BATTERY_LOW",
		apply:   func(cfg *Config, v any) { cfg.Throttle.PauseWhenBatteryLow = v.(bool) },
		extract: func(cfg Config) any { return cfg.Throttle.PauseWhenBatteryLow },
	},
	{
		key: "throttle.battery_low_percent", typ: kInt, env: "OWLET_THROTTLE_BATTERY_LOW_PERCENT",
		apply:   func(cfg *Config, v any) { cfg.Throttle.BatteryLowPercent = v.(int) },
		extract: func(cfg Config) any { return cfg.Throttle.BatteryLowPercent },
	},
	{
		key: "throttle.idle_after", typ: kDuration, env: "OWLET_THROTTLE_IDLE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Throttle.IdleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Throttle.IdleAfter },
	},
	{
		key: "throttle.recompute_interval", typ: kDuration, env: "OWLET_THROTTLE_RECOMPUTE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Throttle.RecomputeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Throttle.RecomputeInterval },
	},
	{
		key: "watcher.debounce_ms", typ: kInt, env: "OWLET_WATCHER_DEBOUNCE_MS",
		apply:   func(cfg *Config, v any) { cfg.Watcher.DebounceMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Watcher.DebounceMs },
	},
	{
		key: "watcher.rescan_interval", typ: kDuration, env: "OWLET_WATCHER_RESCAN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Watcher.RescanInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watcher.RescanInterval },
	},
	{
		key: "search.default_page_size", typ: kInt, env: "OWLET_SEARCH_DEFAULT_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Search.DefaultPageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.DefaultPageSize },
	},
	{
		key: "search.max_page_size", typ: kInt, env: "OWLET_SEARCH_MAX_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxPageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxPageSize },
	},
	{
		key: "search.timeout", typ: kDuration, env: "OWLET_SEARCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Search.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.Timeout },
	},
	{
		key: "maintenance.interval", typ: kDuration, env: "OWLET_MAINTENANCE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Maintenance.Interval },
	},
	{
		key: "maintenance.vacuum_pages", typ: kInt, env: "OWLET_MAINTENANCE_VACUUM_PAGES",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.VacuumPages = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.VacuumPages },
	},
	{
		key: "maintenance.steps_per_second", typ: kFloat, env: "OWLET_MAINTENANCE_STEPS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.StepsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Maintenance.StepsPerSecond },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts the textual form used by env vars and `config set`.
// Lists are comma-separated.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	case kList:
		return "list"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kList:
			v, ok, err := b.GetStrings(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := strings.TrimSpace(os.Getenv(s.env))
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
