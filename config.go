package ckvd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// Config holds the Store façade's configuration options (§4.7.1).
type Config struct {
	// AutoSync enables the background watchdog.
	AutoSync bool `json:"auto_sync"` //nolint:tagliatelle // snake_case for config file compatibility

	// SyncIntervalMs is the watchdog cadence, in milliseconds. Must be
	// positive.
	SyncIntervalMs int `json:"sync_interval_ms"` //nolint:tagliatelle

	// LedgerCacheMB sizes the ledger's [entryCache] budget, in MiB. Must
	// be positive.
	LedgerCacheMB int `json:"ledger_cache_mb"` //nolint:tagliatelle

	// DisableIndex skips building the in-memory index; only append and
	// linear Scan remain available.
	DisableIndex bool `json:"disable_index"` //nolint:tagliatelle
}

// DefaultConfig returns the configuration defaults of §4.7.1.
func DefaultConfig() Config {
	return Config{
		AutoSync:       true,
		SyncIntervalMs: 2500,
		LedgerCacheMB:  100,
		DisableIndex:   false,
	}
}

// LoadConfigFile reads a JSONC (JSON-with-comments) config file at path,
// merging it over [DefaultConfig]. Fields absent from the file keep their
// default value. A missing file is not an error -- it returns the
// defaults unchanged.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path) //nolint:gosec // path is caller-provided, same trust level as the ledger path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("ckvd: reading config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("ckvd: parsing config %q: %w", path, err)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("ckvd: decoding config %q: %w", path, err)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, fmt.Errorf("ckvd: invalid config %q: %w", path, err)
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.SyncIntervalMs <= 0 {
		return fmt.Errorf("sync_interval_ms must be positive, got %d", cfg.SyncIntervalMs)
	}

	if cfg.LedgerCacheMB <= 0 {
		return fmt.Errorf("ledger_cache_mb must be positive, got %d", cfg.LedgerCacheMB)
	}

	return nil
}
