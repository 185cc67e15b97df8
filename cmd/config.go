package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	configFileType = "yaml"

	cfgKeyDBPath          = "db_path"
	cfgKeyRedisEnabled    = "redis.enabled"
	cfgKeyRedisAddr       = "redis.addr"
	cfgKeyRedisPoolSize   = "redis.pool_size"
	cfgKeyCacheCapacity   = "cache.capacity"
	cfgKeyCacheTTL        = "cache.ttl"
	cfgKeyRefreshCadence  = "refresh.cadence"
	cfgKeyRefreshDebounce = "refresh.debounce"
	cfgKeyHealthInterval  = "health.interval"
	cfgKeyHealthReconnect = "health.reconnect_on_saturation"
	cfgKeyMetricsAddr     = "metrics.addr"
)

// defaultConfigYAML is written to config.yaml on first run.
const defaultConfigYAML = `# Hierarchy resolver configuration

# Backing store (SQLite).
# db_path: ~/.forecastin/hierarchy.db

# Distributed cache tier. Disabled by default; the resolver degrades to the
# remaining tiers when it is absent.
redis:
  enabled: false
  addr: "localhost:6379"
  pool_size: 10

cache:
  capacity: 10000
  ttl: 5m

refresh:
  cadence: 5m
  debounce: 500ms

health:
  interval: 30s
  reconnect_on_saturation: false

metrics:
  addr: ":9109"
`

// settings is the typed view of the merged configuration.
type settings struct {
	DBPath          string
	RedisEnabled    bool
	RedisAddr       string
	RedisPoolSize   int
	CacheCapacity   int
	CacheTTL        time.Duration
	RefreshCadence  time.Duration
	RefreshDebounce time.Duration
	HealthInterval  time.Duration
	HealthReconnect bool
	MetricsAddr     string
}

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".forecastin"), nil
}

// loadConfig merges defaults, config.yaml and HIERARCHY_* environment
// variables. The config directory and a default config.yaml are created on
// first run; a missing file is not an error.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyDBPath, filepath.Join(configDir, "hierarchy.db"))
	v.SetDefault(cfgKeyRedisEnabled, false)
	v.SetDefault(cfgKeyRedisAddr, "localhost:6379")
	v.SetDefault(cfgKeyRedisPoolSize, 10)
	v.SetDefault(cfgKeyCacheCapacity, 10000)
	v.SetDefault(cfgKeyCacheTTL, 5*time.Minute)
	v.SetDefault(cfgKeyRefreshCadence, 5*time.Minute)
	v.SetDefault(cfgKeyRefreshDebounce, 500*time.Millisecond)
	v.SetDefault(cfgKeyHealthInterval, 30*time.Second)
	v.SetDefault(cfgKeyHealthReconnect, false)
	v.SetDefault(cfgKeyMetricsAddr, ":9109")

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("HIERARCHY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileName+"."+configFileType)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

func settingsFrom(v *viper.Viper) settings {
	return settings{
		DBPath:          v.GetString(cfgKeyDBPath),
		RedisEnabled:    v.GetBool(cfgKeyRedisEnabled),
		RedisAddr:       v.GetString(cfgKeyRedisAddr),
		RedisPoolSize:   v.GetInt(cfgKeyRedisPoolSize),
		CacheCapacity:   v.GetInt(cfgKeyCacheCapacity),
		CacheTTL:        v.GetDuration(cfgKeyCacheTTL),
		RefreshCadence:  v.GetDuration(cfgKeyRefreshCadence),
		RefreshDebounce: v.GetDuration(cfgKeyRefreshDebounce),
		HealthInterval:  v.GetDuration(cfgKeyHealthInterval),
		HealthReconnect: v.GetBool(cfgKeyHealthReconnect),
		MetricsAddr:     v.GetString(cfgKeyMetricsAddr),
	}
}
