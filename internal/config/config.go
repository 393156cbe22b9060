// Package config loads dbcore's runtime settings from an optional TOML file
// overlaid with environment variables, env vars always winning. The TOML
// file is decoded with BurntSushi/toml and layered into viper as defaults so
// AutomaticEnv keeps precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

const envPrefix = "DBCORE"

// fileSchema mirrors the on-disk TOML layout; BurntSushi/toml decodes
// straight into it before the values are layered into viper as defaults so
// environment variables still take precedence over whatever the file says.
type fileSchema struct {
	AppDataRoot string `toml:"app_data_root"`
	LogLevel    string `toml:"log_level"`
	Backup      struct {
		RetentionCount int `toml:"retention_count"`
	} `toml:"backup"`
	Backfill struct {
		ShadowRead bool   `toml:"shadow_read"`
		ChunkSize  int    `toml:"chunk_size"`
	} `toml:"backfill"`
	Migrate struct {
		AllowDownUnsafe bool `toml:"allow_down_unsafe"`
	} `toml:"migrate"`
}

var v *viper.Viper

// Config is the resolved, typed settings surface. Callers read this instead
// of poking at viper directly once Load returns.
type Config struct {
	AppDataRoot        string
	LogLevel           string
	BackupRetention    int
	BackfillShadowRead bool
	BackfillChunkSize  int
	AllowDownUnsafe    bool
}

// defaultConfigPaths returns the default search order for dbcore.toml: the
// user config directory (XDG config home), then the user's home directory.
// An explicit path given to Load is handled by resolveConfigPath and bypasses
// this list. The first path that exists wins; if none exist, Load proceeds on
// defaults and environment variables alone.
func defaultConfigPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "dbcore", "dbcore.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".dbcore", "dbcore.toml"))
	}
	return paths
}

// Load resolves the effective configuration. explicitPath, if non-empty,
// is tried first and a missing file there is an error (the caller asked for
// it by name); otherwise the default search paths are tried and a miss at
// all of them just falls back to defaults plus environment variables.
func Load(explicitPath string) (*Config, error) {
	v = viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_data_root", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("backup.retention_count", 10)
	v.SetDefault("backfill.shadow_read", true)
	v.SetDefault("backfill.chunk_size", 1000)
	v.SetDefault("migrate.allow_down_unsafe", false)

	path, err := resolveConfigPath(explicitPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		var fs fileSchema
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &fs); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		applyFileDefaults(v, fs)
	}

	cfg := &Config{
		AppDataRoot:        v.GetString("app_data_root"),
		LogLevel:           v.GetString("log_level"),
		BackupRetention:    v.GetInt("backup.retention_count"),
		BackfillShadowRead: v.GetBool("backfill.shadow_read"),
		BackfillChunkSize:  v.GetInt("backfill.chunk_size"),
		AllowDownUnsafe:    v.GetBool("migrate.allow_down_unsafe"),
	}
	return cfg, nil
}

func resolveConfigPath(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicitPath, err)
		}
		return explicitPath, nil
	}
	for _, p := range defaultConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// applyFileDefaults layers the TOML file's values in as viper defaults
// (not as a config-file read through viper's own decoders) so
// AutomaticEnv's precedence over the file holds without viper needing to
// know about BurntSushi's TOML quirks.
func applyFileDefaults(v *viper.Viper, fs fileSchema) {
	if fs.AppDataRoot != "" {
		v.SetDefault("app_data_root", fs.AppDataRoot)
	}
	if fs.LogLevel != "" {
		v.SetDefault("log_level", fs.LogLevel)
	}
	if fs.Backup.RetentionCount != 0 {
		v.SetDefault("backup.retention_count", fs.Backup.RetentionCount)
	}
	v.SetDefault("backfill.shadow_read", fs.Backfill.ShadowRead)
	if fs.Backfill.ChunkSize != 0 {
		v.SetDefault("backfill.chunk_size", fs.Backfill.ChunkSize)
	}
	v.SetDefault("migrate.allow_down_unsafe", fs.Migrate.AllowDownUnsafe)
}

// AllowDownMigrations reports whether a down-migration is permitted: the
// unlock flag must be set (file or DBCORE_MIGRATE_ALLOW_DOWN_UNSAFE) and the
// process must not look like it is running under CI. A down-migration never
// runs in an automated pipeline.
func (c *Config) AllowDownMigrations() bool {
	if !c.AllowDownUnsafe {
		return false
	}
	return !runningUnderCI()
}

func runningUnderCI() bool {
	for _, key := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "BUILDKITE"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

// ResolveAppDataRoot returns cfg.AppDataRoot if set, otherwise an
// OS-appropriate per-user data directory for dbcore.
func (c *Config) ResolveAppDataRoot() (string, error) {
	if c.AppDataRoot != "" {
		return c.AppDataRoot, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve app data root: %w", err)
	}
	return filepath.Join(dir, ".dbcore"), nil
}
