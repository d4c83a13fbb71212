package config

import (
	"fmt"
	"strings"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are reported as set or unset, never echoed.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  formatValue(s, cfg),
		})
	}
	return result
}

func formatValue(s keySpec, cfg Config) string {
	v := s.extract(cfg)
	if s.secret {
		if v.(string) == "" {
			return "(unset)"
		}
		return "(set)"
	}
	switch val := v.(type) {
	case []string:
		return strings.Join(val, ",")
	case time.Duration:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// SetKey persists a config key. Secrets go to the platform secret store;
// everything else to the config file. An empty value restores the default.
func SetKey(key, value string) error {
	return setKeyWith(newFileBackend(ConfigPath()), keychainStore{}, key, value)
}

func setKeyWith(b ConfigBackend, kc keychain, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		if err := kc.Set(keychainService, keychainAccount, value); err != nil {
			return fmt.Errorf("storing %s: %w (set %s instead)", key, err, s.env)
		}
		return nil
	}
	if value == "" {
		return b.Delete(key)
	}

	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", s.typ, key, err)
	}
	// Refuse a value that would make the stored config fail to load.
	trial := defaults()
	if err := applyBackend(&trial, b); err != nil {
		return err
	}
	s.apply(&trial, v)
	if err := trial.Validate(); err != nil {
		return err
	}

	switch s.typ {
	case kDuration:
		// Durations keep their textual form in TOML.
		return b.Set(key, v.(time.Duration).String())
	default:
		return b.Set(key, v)
	}
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}

// TokenSource describes where the API token can be supplied.
func TokenSource() string {
	return "environment variable OWLET_SERVER_API_TOKEN" + tokenHint()
}
