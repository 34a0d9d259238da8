// Package config loads the service configuration from a YAML file, a .env
// file and the environment, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignatij/trojanwalker/internal/llm"
	"github.com/ignatij/trojanwalker/internal/rizin"
	internal_storage "github.com/ignatij/trojanwalker/internal/storage"
	"github.com/ignatij/trojanwalker/pkg/service"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr            = ":8000"
	DefaultMaxUploadBytes  = 100 << 20
	DefaultShutdownTimeout = 30 * time.Second
	DefaultArtifactDir     = "data/uploads"
	DefaultSQLitePath      = "data/trojanwalker.db"
	DefaultRizinURL        = "http://localhost:8001"
	DefaultMaxConcurrency  = 5
	DefaultMaxInputTokens  = 64000

	// reserved for the system prompt and the answer
	inputTokenReserve = 10000
)

type Config struct {
	Server        ServerConfig   `yaml:"server"`
	Storage       StorageConfig  `yaml:"storage"`
	Rizin         RizinConfig    `yaml:"rizin"`
	FunctionAgent AgentConfig    `yaml:"function_agent"`
	ReportAgent   AgentConfig    `yaml:"report_agent"`
	Pipeline      PipelineConfig `yaml:"pipeline"`
	Log           LogConfig      `yaml:"log"`

	dir string
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	ArtifactDir string `yaml:"artifact_dir"`
	AutoMigrate *bool  `yaml:"auto_migrate"`
}

// ShouldMigrate reports whether migrations run at startup; the default is yes.
func (s StorageConfig) ShouldMigrate() bool {
	return s.AutoMigrate == nil || *s.AutoMigrate
}

type RizinConfig struct {
	BaseURL       string            `yaml:"base_url"`
	Endpoints     map[string]string `yaml:"endpoints"`
	AnalysisLevel string            `yaml:"analysis_level"`
	Timeouts      rizin.Timeouts    `yaml:"timeouts"`
}

type LLMConfig struct {
	ModelName           string        `yaml:"model_name"`
	APIKey              string        `yaml:"api_key"`
	BaseURL             string        `yaml:"base_url"`
	Temperature         float32       `yaml:"temperature"`
	MaxRetries          int           `yaml:"max_retries"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxCompletionTokens int           `yaml:"max_completion_tokens"`
	MaxInputTokens      int           `yaml:"max_input_tokens"`
}

type AgentConfig struct {
	LLM              LLMConfig      `yaml:"llm"`
	SystemPrompt     string         `yaml:"system_prompt"`
	SystemPromptPath string         `yaml:"system_prompt_path"`
	RateLimit        *llm.RateLimit `yaml:"rate_limit"`
	MaxConcurrency   int            `yaml:"max_concurrency"`
}

type PipelineConfig struct {
	ClassificationKey string `yaml:"classification_key"`
	MaxInputChars     int    `yaml:"max_input_chars"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads .env (when present), then path (when not empty), then the
// environment overrides, and fills defaults. It does not validate.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
		cfg.dir = filepath.Dir(path)
	}

	cfg.applyEnv()
	if err := cfg.loadPrompts(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&c.Server.Addr, "LISTEN_ADDR")
	setString(&c.Storage.Driver, "STORAGE_DRIVER")
	setString(&c.Storage.DSN, "DATABASE_URL")
	setString(&c.Storage.ArtifactDir, "ARTIFACT_DIR")
	setString(&c.Rizin.BaseURL, "RIZIN_BASE_URL")
	setString(&c.FunctionAgent.LLM.APIKey, "FUNCTION_AGENT_API_KEY", "LLM_API_KEY")
	setString(&c.ReportAgent.LLM.APIKey, "REPORT_AGENT_API_KEY", "LLM_API_KEY")
	setString(&c.FunctionAgent.LLM.BaseURL, "LLM_BASE_URL")
	setString(&c.ReportAgent.LLM.BaseURL, "LLM_BASE_URL")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	if c.Storage.DSN == "" && (c.Storage.Driver == "" || c.Storage.Driver == internal_storage.DriverPostgres) {
		if dsn := postgresDSNFromEnv(); dsn != "" {
			c.Storage.DSN = dsn
			if c.Storage.Driver == "" {
				c.Storage.Driver = internal_storage.DriverPostgres
			}
		}
	}
}

// postgresDSNFromEnv builds a DSN from the DB_* variables, or returns "" when
// any of them is missing.
func postgresDSNFromEnv() string {
	user := os.Getenv("DB_USERNAME")
	pass := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	if user == "" || pass == "" || host == "" || port == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
}

// loadPrompts reads system_prompt_path files; relative paths are resolved
// against the config file's directory.
func (c *Config) loadPrompts() error {
	for _, agent := range []*AgentConfig{&c.FunctionAgent, &c.ReportAgent} {
		if agent.SystemPromptPath == "" {
			continue
		}
		path := agent.SystemPromptPath
		if !filepath.IsAbs(path) && c.dir != "" {
			path = filepath.Join(c.dir, path)
		}
		prompt, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read system prompt %s", path)
		}
		agent.SystemPrompt = string(prompt)
	}
	return nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = internal_storage.DriverSQLite
	}
	if c.Storage.Driver == internal_storage.DriverSQLite && c.Storage.DSN == "" {
		c.Storage.DSN = DefaultSQLitePath
	}
	if c.Storage.ArtifactDir == "" {
		c.Storage.ArtifactDir = DefaultArtifactDir
	}
	if c.Rizin.BaseURL == "" {
		c.Rizin.BaseURL = DefaultRizinURL
	}
	if c.Rizin.AnalysisLevel == "" {
		c.Rizin.AnalysisLevel = service.DefaultAnalysisLevel
	}
	for _, agent := range []*AgentConfig{&c.FunctionAgent, &c.ReportAgent} {
		if agent.LLM.ModelName == "" {
			agent.LLM.ModelName = llm.DefaultModel
		}
		if agent.LLM.Timeout <= 0 {
			agent.LLM.Timeout = llm.DefaultTimeout
		}
		if agent.LLM.MaxInputTokens <= 0 {
			agent.LLM.MaxInputTokens = DefaultMaxInputTokens
		}
		if agent.MaxConcurrency <= 0 {
			agent.MaxConcurrency = DefaultMaxConcurrency
		}
	}
	if c.Pipeline.ClassificationKey == "" {
		c.Pipeline.ClassificationKey = service.DefaultClassificationKey
	}
	if c.Pipeline.MaxInputChars <= 0 {
		c.Pipeline.MaxInputChars = c.FunctionAgent.LLM.MaxInputTokens - inputTokenReserve
		if c.Pipeline.MaxInputChars <= 0 {
			c.Pipeline.MaxInputChars = c.FunctionAgent.LLM.MaxInputTokens
		}
	}
}

// ValidateStorage checks the settings needed to open the task store.
func (c *Config) ValidateStorage() error {
	var problems []string
	switch c.Storage.Driver {
	case internal_storage.DriverPostgres, internal_storage.DriverSQLite:
		if c.Storage.DSN == "" {
			problems = append(problems, fmt.Sprintf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	case internal_storage.DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q is not one of postgres, sqlite, memory", c.Storage.Driver))
	}
	if c.Storage.ArtifactDir == "" {
		problems = append(problems, "storage.artifact_dir is required")
	}
	return joinProblems(problems)
}

// Validate checks everything needed to run the pipeline.
func (c *Config) Validate() error {
	var problems []string
	if err := c.ValidateStorage(); err != nil {
		problems = append(problems, err.Error())
	}
	if !strings.HasPrefix(c.Rizin.BaseURL, "http://") && !strings.HasPrefix(c.Rizin.BaseURL, "https://") {
		problems = append(problems, fmt.Sprintf("rizin.base_url %q must be an http(s) URL", c.Rizin.BaseURL))
	}
	agents := []struct {
		name  string
		agent AgentConfig
	}{
		{"function_agent", c.FunctionAgent},
		{"report_agent", c.ReportAgent},
	}
	for _, a := range agents {
		name, agent := a.name, a.agent
		if agent.LLM.APIKey == "" {
			problems = append(problems, name+".llm.api_key is required")
		}
		if agent.LLM.MaxRetries < 0 {
			problems = append(problems, name+".llm.max_retries must not be negative")
		}
		if rl := agent.RateLimit; rl != nil && rl.RequestsPerSecond < 0 {
			problems = append(problems, name+".rate_limit.requests_per_second must not be negative")
		}
	}
	if c.Server.MaxUploadBytes <= 0 {
		problems = append(problems, "server.max_upload_bytes must be positive")
	}
	return joinProblems(problems)
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return errors.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

func (c *Config) RizinClientConfig() rizin.Config {
	return rizin.Config{
		BaseURL:   c.Rizin.BaseURL,
		Endpoints: c.Rizin.Endpoints,
		Timeouts:  c.Rizin.Timeouts,
	}
}

func (a AgentConfig) ClientConfig() llm.Config {
	return llm.Config{
		Model:               a.LLM.ModelName,
		APIKey:              a.LLM.APIKey,
		BaseURL:             a.LLM.BaseURL,
		Temperature:         a.LLM.Temperature,
		MaxCompletionTokens: a.LLM.MaxCompletionTokens,
		Timeout:             a.LLM.Timeout,
		MaxRetries:          a.LLM.MaxRetries,
		SystemPrompt:        a.SystemPrompt,
		RateLimit:           a.RateLimit,
	}
}

func (c *Config) PipelineConfig() service.PipelineConfig {
	return service.PipelineConfig{
		AnalysisLevel:     c.Rizin.AnalysisLevel,
		ClassificationKey: c.Pipeline.ClassificationKey,
	}
}
