package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ScanConfig tunes catalog refresh, duplicate checks and connectivity probing
type ScanConfig struct {
	// Minimum interval between two non-forced catalog loads
	CatalogThrottle time.Duration `mapstructure:"catalog_throttle"`
	// Age after which the in-memory session scan list is re-read before a duplicate check
	DuplicateStaleness time.Duration `mapstructure:"duplicate_staleness"`
	// A device without a heartbeat inside this window is reported idle
	HeartbeatWindow time.Duration `mapstructure:"heartbeat_window"`
	// How often the remote store is probed while offline
	ConnectivityInterval time.Duration `mapstructure:"connectivity_interval"`
	// Exact batch comparison instead of substring containment
	StrictBatchMatch bool `mapstructure:"strict_batch_match"`
}

// DefaultScanConfig returns the values used when nothing is configured
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		CatalogThrottle:      30 * time.Second,
		DuplicateStaleness:   10 * time.Second,
		HeartbeatWindow:      60 * time.Second,
		ConnectivityInterval: 15 * time.Second,
		StrictBatchMatch:     false,
	}
}

// LoadScanConfig reads SCAN_CONFIG_PATH (toml, yaml or json) when set and
// applies SCAN_* environment overrides on top of the defaults
func LoadScanConfig() ScanConfig {
	v := viper.New()
	def := DefaultScanConfig()
	v.SetDefault("catalog_throttle", def.CatalogThrottle)
	v.SetDefault("duplicate_staleness", def.DuplicateStaleness)
	v.SetDefault("heartbeat_window", def.HeartbeatWindow)
	v.SetDefault("connectivity_interval", def.ConnectivityInterval)
	v.SetDefault("strict_batch_match", def.StrictBatchMatch)

	v.SetEnvPrefix("SCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("SCAN_CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			log.Printf("⚠️ Scan config: could not read %s: %v (using defaults)", path, err)
		}
	}

	cfg := def
	if err := v.Unmarshal(&cfg); err != nil {
		log.Printf("⚠️ Scan config: invalid values: %v (using defaults)", err)
		return def
	}
	return cfg
}
