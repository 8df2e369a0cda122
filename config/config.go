package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/turtleci/turtle/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables recognized by Load. They take precedence over
// values from config files and the .env file.
const (
	EnvProvider = "TURTLE_PROVIDER"
	EnvModel    = "TURTLE_MODEL"
	EnvAPIKey   = "TURTLE_API_KEY"
)

const (
	DefaultMaxContextTokens = 128000
	DefaultMaxToolCycles    = 10
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Config struct {
	Provider         string           `yaml:"provider"`
	Model            string           `yaml:"model"`
	APIKey           string           `yaml:"-"`
	SystemPrompt     string           `yaml:"system_prompt"`
	MaxContextTokens int              `yaml:"max_context_tokens"`
	MaxToolCycles    int              `yaml:"max_tool_cycles"`
	AllowedCommands  []string         `yaml:"allowed_commands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
	MCPServers       []MCPServer      `yaml:"mcp_servers"`
}

// Load builds the configuration from the user's home directory, the
// current working directory, the local .env file and the process
// environment, in that order of increasing precedence. The result is a
// plain value constructed once at startup; nothing here mutates the
// process environment.
func Load() (*Config, error) {
	cfg := &Config{
		MaxContextTokens: DefaultMaxContextTokens,
		MaxToolCycles:    DefaultMaxToolCycles,
	}

	// The agent's own state directory and the key material in .env are
	// never exposed to tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".turtle", ".turtle/**", ".env")

	// User-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".turtle", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".turtle", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	fileEnv, err := ReadEnvFile(filepath.Join(wd, ".env"))
	if err != nil {
		return nil, err
	}

	applyEnv := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
			return
		}
		if v := fileEnv[key]; v != "" {
			*dst = v
		}
	}
	applyEnv(&cfg.Provider, EnvProvider)
	applyEnv(&cfg.Model, EnvModel)
	applyEnv(&cfg.APIKey, EnvAPIKey)

	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.MaxToolCycles <= 0 {
		cfg.MaxToolCycles = DefaultMaxToolCycles
	}

	return cfg, nil
}

// Missing returns the names of required settings that are still unset.
// An empty result means the configuration is complete enough to build a
// model client.
func (c *Config) Missing() []string {
	var missing []string
	if c.Provider == "" {
		missing = append(missing, EnvProvider)
	}
	if c.Model == "" {
		missing = append(missing, EnvModel)
	}
	// Bedrock authenticates with ambient AWS credentials, not an API key.
	if c.APIKey == "" && c.Provider != "bedrock" {
		missing = append(missing, EnvAPIKey)
	}
	return missing
}

// ReadEnvFile parses a KEY=VALUE env file into a map. A missing file is
// not an error. Lines starting with # and blank lines are skipped.
func ReadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrapf(err, "could not open env file %s", path)
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "could not read env file %s", path)
	}
	return values, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, which gives a
	// simple merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}
