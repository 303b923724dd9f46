package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tailscale/hujson"

	"github.com/LumaPictures/openvdb-render-sub000/core/cache"
	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
)

// ConfigFileName is the project config file looked up in the working directory.
const ConfigFileName = ".volcache.json"

var (
	errConfigInvalid      = errors.New("invalid config")
	errConfigFileNotFound = errors.New("config file not found")
)

// Config holds the cache settings of the tool.
type Config struct {
	MemoryLimitGB *int64 `json:"memory_limit_gb,omitempty"` //nolint:tagliatelle // snake_case for config file
	VoxelType     string `json:"voxel_type,omitempty"`      //nolint:tagliatelle // snake_case for config file
	Filter        string `json:"filter,omitempty"`
	Workers       int    `json:"workers,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	limit := cache.DefaultMemoryLimitBytes >> 30
	return Config{
		MemoryLimitGB: &limit,
		VoxelType:     sampling.Half.String(),
		Filter:        sampling.FilterAuto.String(),
		Workers:       runtime.GOMAXPROCS(0),
	}
}

// globalConfigPath returns $XDG_CONFIG_HOME/volcache/config.json, falling
// back to ~/.config/volcache/config.json, or "" if neither is known.
func globalConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "volcache", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "volcache", "config.json")
}

// LoadConfig loads configuration with the following precedence (highest wins):
// defaults, the global config, ./.volcache.json, the explicit configPath,
// then overrides.
func LoadConfig(workDir, configPath string, overrides Config) (Config, error) {
	cfg := DefaultConfig()

	if path := globalConfigPath(); path != "" {
		global, _, err := loadConfigFile(path, false)
		if err != nil {
			return Config{}, err
		}
		cfg = mergeConfig(cfg, global)
	}

	projectPath, mustExist := filepath.Join(workDir, ConfigFileName), false
	if configPath != "" {
		projectPath, mustExist = configPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}
	project, _, err := loadConfigFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}
	cfg = mergeConfig(cfg, project)
	cfg = mergeConfig(cfg, overrides)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadConfigFile loads a config file. If mustExist is false, a missing
// file yields a zero Config.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}
		if os.IsNotExist(err) {
			return Config{}, false, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
		}
		return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}
	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.MemoryLimitGB != nil {
		base.MemoryLimitGB = overlay.MemoryLimitGB
	}
	if overlay.VoxelType != "" {
		base.VoxelType = overlay.VoxelType
	}
	if overlay.Filter != "" {
		base.Filter = overlay.Filter
	}
	if overlay.Workers != 0 {
		base.Workers = overlay.Workers
	}
	return base
}

func validateConfig(cfg Config) error {
	if cfg.MemoryLimitGB == nil || *cfg.MemoryLimitGB < 0 || *cfg.MemoryLimitGB > 1<<32 {
		return fmt.Errorf("%w: memory_limit_gb must be between 0 and %d", errConfigInvalid, int64(1)<<32)
	}
	if _, err := sampling.ParsePrecision(cfg.VoxelType); err != nil {
		return fmt.Errorf("%w: %w", errConfigInvalid, err)
	}
	if _, err := sampling.ParseFilterMode(cfg.Filter); err != nil {
		return fmt.Errorf("%w: %w", errConfigInvalid, err)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("%w: workers must be non-negative", errConfigInvalid)
	}
	return nil
}

// cacheOptions converts a validated Config into cache options.
func (c Config) cacheOptions() []cache.Option {
	precision, _ := sampling.ParsePrecision(c.VoxelType) //nolint:errcheck // validated
	filter, _ := sampling.ParseFilterMode(c.Filter)      //nolint:errcheck // validated
	return []cache.Option{
		cache.WithMemoryLimitBytes(*c.MemoryLimitGB << 30),
		cache.WithPrecision(precision),
		cache.WithFilter(filter),
		cache.WithWorkers(c.Workers),
	}
}
