package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// IMAPConfig holds the mailbox connection settings.
type IMAPConfig struct {
	Host       string `mapstructure:"host" yaml:"host"`
	Port       string `mapstructure:"port" yaml:"port"`
	Username   string `mapstructure:"username" yaml:"username"`
	Password   string `mapstructure:"password" yaml:"password"`
	OAuthToken string `mapstructure:"oauth_token" yaml:"oauth_token"`

	// Mailbox is the folder walked by the forward and backfill tracks.
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`

	// TLS selects implicit TLS; false means STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Timeout bounds each network round trip (connect, search, fetch).
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PipelineConfig controls the forward sync run.
type PipelineConfig struct {
	BatchLimit       int           `mapstructure:"batch_limit" yaml:"batch_limit"`
	SearchSinceDays  int           `mapstructure:"search_since_days" yaml:"search_since_days"`
	Keywords         []string      `mapstructure:"keywords" yaml:"keywords"`
	ClassifyWorkers  int           `mapstructure:"classify_workers" yaml:"classify_workers"`
	ExtractWorkers   int           `mapstructure:"extract_workers" yaml:"extract_workers"`
	ExtractRPS       float64       `mapstructure:"extract_rps" yaml:"extract_rps"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PromoteUncertain bool          `mapstructure:"promote_uncertain" yaml:"promote_uncertain"`
	MaxFetchAttempts int           `mapstructure:"max_fetch_attempts" yaml:"max_fetch_attempts"`
}

// BackfillConfig controls the backward sweep.
type BackfillConfig struct {
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ExtractorConfig selects and configures the structured-data pass.
type ExtractorConfig struct {
	// Provider is "rules" or "openai".
	Provider string        `mapstructure:"provider" yaml:"provider"`
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	Model    string        `mapstructure:"model" yaml:"model"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// HTTPConfig configures the read-only dashboard API.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	File        string `mapstructure:"file" yaml:"file"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	IMAP      IMAPConfig      `mapstructure:"imap" yaml:"imap"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Backfill  BackfillConfig  `mapstructure:"backfill" yaml:"backfill"`
	Extractor ExtractorConfig `mapstructure:"extractor" yaml:"extractor"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// envPrefix namespaces environment overrides, e.g. APPLYTRACK_IMAP_HOST.
const envPrefix = "applytrack"

// DefaultKeywords seed the IMAP SEARCH when none are configured.
var DefaultKeywords = []string{
	"application", "applied", "interview", "offer",
	"candidate", "recruiter", "position", "hiring",
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/applytrack/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "applytrack", "config.yaml")
}

// DefaultStorePath returns the default SQLite database location.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "applytrack.db"
	}
	return filepath.Join(home, ".local", "share", "applytrack", "applytrack.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("imap.port", "993")
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.timeout", "30s")
	v.SetDefault("pipeline.batch_limit", 50)
	v.SetDefault("pipeline.search_since_days", 30)
	v.SetDefault("pipeline.keywords", DefaultKeywords)
	v.SetDefault("pipeline.classify_workers", 8)
	v.SetDefault("pipeline.extract_workers", 2)
	v.SetDefault("pipeline.extract_rps", 2.0)
	v.SetDefault("pipeline.poll_interval", "5m")
	v.SetDefault("pipeline.promote_uncertain", true)
	v.SetDefault("pipeline.max_fetch_attempts", 3)
	v.SetDefault("backfill.batch_size", 200)
	v.SetDefault("backfill.interval", "10s")
	v.SetDefault("extractor.provider", "rules")
	v.SetDefault("extractor.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("extractor.model", "gpt-4o-mini")
	v.SetDefault("extractor.timeout", "45s")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads configuration from the given YAML file path using Viper,
// then applies APPLYTRACK_* environment overrides (a .env file in the
// working directory is loaded first when present). A missing file is not
// an error: defaults plus environment are used.
func LoadConfig(path string) (*AppConfig, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"imap.host", "imap.username", "imap.password", "imap.oauth_token",
		"extractor.api_key", "log.file",
	} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Comma-separated env values arrive as a single element.
	cfg.Pipeline.Keywords = splitList(cfg.Pipeline.Keywords)
	cfg.HTTP.AllowedOrigins = splitList(cfg.HTTP.AllowedOrigins)

	return cfg, nil
}

// Validate checks the settings a pipeline run cannot work without.
func (c *AppConfig) Validate() error {
	var problems []string
	if c.IMAP.Host == "" {
		problems = append(problems, "imap.host is required")
	}
	if c.IMAP.Username == "" {
		problems = append(problems, "imap.username is required")
	}
	if c.IMAP.Password == "" && c.IMAP.OAuthToken == "" {
		problems = append(problems, "imap.password or imap.oauth_token is required")
	}
	if c.Pipeline.BatchLimit < 1 {
		problems = append(problems, "pipeline.batch_limit must be positive")
	}
	if c.Backfill.BatchSize < 1 {
		problems = append(problems, "backfill.batch_size must be positive")
	}
	switch c.Extractor.Provider {
	case "rules":
	case "openai":
		if c.Extractor.APIKey == "" {
			problems = append(problems, "extractor.api_key is required for the openai provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown extractor.provider %q", c.Extractor.Provider))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
