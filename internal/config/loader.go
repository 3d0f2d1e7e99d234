package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"agoramesh/pkg/logging"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const configFileName = "config.yaml"

// envPrefix is the prefix for all environment overrides.
const envPrefix = "AGORAMESH_"

// LoadConfig loads configuration for the given directory: defaults, then
// config.yaml if present, then a .env file if present, then process
// environment variables. Later layers win.
func LoadConfig(configPath string) (Config, error) {
	cfg := GetDefaultConfig()

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
		}
		logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	case errors.Is(err, os.ErrNotExist):
		logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
	default:
		return Config{}, err
	}

	// .env files are a convenience for container setups; absence is normal.
	if err := godotenv.Load(filepath.Join(configPath, ".env")); err == nil {
		logging.Info("ConfigLoader", "Loaded .env from %s", configPath)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides applies AGORAMESH_* environment variables on top of the
// file-derived configuration.
func applyEnvOverrides(cfg *Config) {
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.Port = port
		}
	}
	if v := getenv("HOST"); v != "" {
		cfg.Bridge.Host = v
	}
	if v := getenv("REQUIRE_AUTH"); v != "" {
		cfg.Bridge.RequireAuth = isTruthy(v)
	}
	if v := getenv("API_TOKEN"); v != "" {
		cfg.Bridge.APIToken = v
	}
	if v := getenv("ANONYMOUS_POLICY"); v != "" {
		cfg.Bridge.AnonymousPolicy = AnonymousPolicy(v)
	}
	if v := getenv("WORKSPACE_DIR"); v != "" {
		cfg.Bridge.WorkspaceDir = v
	}
	if v := getenv("ALLOWED_COMMANDS"); v != "" {
		cfg.Bridge.AllowedCommands = splitList(v)
	}
	if v := getenv("TASK_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.TaskTimeoutSec = sec
		}
	}
	if v := getenv("NODE_URL"); v != "" {
		cfg.NodeURL = v
	}
	if v := getenv("MCP_PUBLIC_URL"); v != "" {
		cfg.MCP.PublicURL = v
	}
	if v := getenv("MCP_AUTH_TOKEN"); v != "" {
		cfg.MCP.AuthToken = v
	}
	if v := getenv("MCP_CORS_ORIGIN"); v != "" {
		cfg.MCP.CORSOrigin = v
	}
	if v := getenv("DEV"); v != "" {
		cfg.Bridge.Development = isTruthy(v)
	}
}

func getenv(key string) string {
	return os.Getenv(envPrefix + key)
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
