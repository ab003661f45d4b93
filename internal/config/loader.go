// internal/config/loader.go
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variable names before mapping.
	EnvPrefix = "SENTINEL_"

	// ProjectConfigDir is the per-repository configuration directory.
	ProjectConfigDir = ".sentinel"
)

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. SENTINEL_* environment variables (SENTINEL_LOOP_MAX_ITERATIONS, ...)
//  2. YAML config file
//  3. Defaults
//
// An empty configPath resolves to ./.sentinel/config.yaml when present, else
// ~/.config/sentinel/config.yaml. A missing file is not an error.
//
// # Security Considerations
//
// The file must live in ./.sentinel/, ~/.config/sentinel/ or /etc/sentinel/,
// must have 0600 or 0400 permissions and must be smaller than 1MB.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the first underscore separates section from field:
//
//	SENTINEL_LOOP_MAX_ITERATIONS -> loop.max_iterations
//	SENTINEL_GATES_COVERAGE_THRESHOLD -> gates.coverage_threshold
//	SENTINEL_EVENTS_URL -> events.url
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		resolved, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = resolved
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps SENTINEL_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func defaultConfigPath() (string, error) {
	project := filepath.Join(ProjectConfigDir, "config.yaml")
	if _, err := os.Stat(project); err == nil {
		return project, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "sentinel", "config.yaml"), nil
}

// validateConfigPath checks that path resolves inside an allowed directory.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(cwd, ProjectConfigDir),
		filepath.Join(home, ".config", "sentinel"),
		"/etc/sentinel",
	}
	for _, dir := range allowedDirs {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			dir = resolved
		}
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ./%s/, ~/.config/sentinel/ or /etc/sentinel/", ProjectConfigDir)
}

// validateConfigFileProperties checks permissions and size of an opened file.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
