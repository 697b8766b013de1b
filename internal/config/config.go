package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/groundtruth/internal/cost"
	"github.com/sells-group/groundtruth/internal/db"
	"github.com/sells-group/groundtruth/internal/gate"
	"github.com/sells-group/groundtruth/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Domain       string                      `yaml:"domain" mapstructure:"domain"`
	Vocabularies map[string]model.Vocabulary `yaml:"vocabularies" mapstructure:"vocabularies"`
	Provider     ProviderConfig              `yaml:"provider" mapstructure:"provider"`
	Credentials  CredentialsConfig           `yaml:"credentials" mapstructure:"credentials"`
	Retry        RetryConfig                 `yaml:"retry" mapstructure:"retry"`
	Batch        BatchConfig                 `yaml:"batch" mapstructure:"batch"`
	Gate         GateConfig                  `yaml:"gate" mapstructure:"gate"`
	Store        StoreConfig                 `yaml:"store" mapstructure:"store"`
	Run          RunConfig                   `yaml:"run" mapstructure:"run"`
	Pricing      cost.Rates                  `yaml:"pricing" mapstructure:"pricing"`
	Monitoring   MonitoringConfig            `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig                   `yaml:"log" mapstructure:"log"`
}

// ProviderConfig selects the inference backend.
type ProviderConfig struct {
	Name              string  `yaml:"name" mapstructure:"name"`
	Model             string  `yaml:"model" mapstructure:"model"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// CredentialsConfig lists the API keys of the credential pool.
type CredentialsConfig struct {
	Keys                   []string `yaml:"keys" mapstructure:"keys"`
	PremiumKey             string   `yaml:"premium_key" mapstructure:"premium_key"`
	FailureThreshold       int      `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
}

// HasAny reports whether at least one non-blank key is configured.
func (c CredentialsConfig) HasAny() bool {
	if strings.TrimSpace(c.PremiumKey) != "" {
		return true
	}
	for _, k := range c.Keys {
		if strings.TrimSpace(k) != "" {
			return true
		}
	}
	return false
}

// RetryConfig configures provider call retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	Strategy         string  `yaml:"strategy" mapstructure:"strategy"`
	BaseSeconds      float64 `yaml:"base_seconds" mapstructure:"base_seconds"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// BatchConfig configures passage batching.
type BatchConfig struct {
	Size int `yaml:"size" mapstructure:"size"`
}

// GateConfig configures the adaptive query gate.
type GateConfig struct {
	LowerItems   int    `yaml:"lower_items" mapstructure:"lower_items"`
	LowerMinHigh int    `yaml:"lower_min_high" mapstructure:"lower_min_high"`
	UpperItems   int    `yaml:"upper_items" mapstructure:"upper_items"`
	UpperMaxHigh int    `yaml:"upper_max_high" mapstructure:"upper_max_high"`
	SidecarPath  string `yaml:"sidecar_path" mapstructure:"sidecar_path"`
}

// Thresholds converts the gate settings.
func (g GateConfig) Thresholds() gate.Thresholds {
	return gate.Thresholds{
		LowerItems:   g.LowerItems,
		LowerMinHigh: g.LowerMinHigh,
		UpperItems:   g.UpperItems,
		UpperMaxHigh: g.UpperMaxHigh,
	}
}

// StoreConfig configures the result ledger backend.
type StoreConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	Path        string        `yaml:"path" mapstructure:"path"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	Table       string        `yaml:"table" mapstructure:"table"`
	FlushEvery  int           `yaml:"flush_every" mapstructure:"flush_every"`
	Pool        db.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// RunConfig configures a labeling run.
type RunConfig struct {
	Mode            string `yaml:"mode" mapstructure:"mode"`
	InputPath       string `yaml:"input_path" mapstructure:"input_path"`
	GroundTruthPath string `yaml:"ground_truth_path" mapstructure:"ground_truth_path"`
	PromptFile      string `yaml:"prompt_file" mapstructure:"prompt_file"`
	// SummaryCachePath holds per-query entity summaries (query mode).
	SummaryCachePath string `yaml:"summary_cache_path" mapstructure:"summary_cache_path"`
	QueryStart       int    `yaml:"query_start" mapstructure:"query_start"`
	QueryEnd         int    `yaml:"query_end" mapstructure:"query_end"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// MonitoringConfig configures the status server and alerting.
type MonitoringConfig struct {
	Enabled            bool     `yaml:"enabled" mapstructure:"enabled"`
	Port               int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	CheckIntervalSecs  int      `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	ErrorRateThreshold float64  `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	MinProcessed       int      `yaml:"min_processed" mapstructure:"min_processed"`
	CostThresholdUSD   float64  `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL         string   `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (optional) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from an optional ./config.yaml
// when path is empty. GROUNDTRUTH_* environment variables override both.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("GROUNDTRUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Pricing) == 0 {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	th := gate.DefaultThresholds()

	v.SetDefault("domain", "city")
	v.SetDefault("provider.name", "gemini")
	v.SetDefault("provider.model", "gemini-2.0-flash")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.max_tokens", 256)
	v.SetDefault("provider.temperature", 0.0)
	v.SetDefault("provider.requests_per_minute", 0.0)
	v.SetDefault("credentials.keys", []string{})
	v.SetDefault("credentials.premium_key", "")
	v.SetDefault("credentials.failure_threshold", 2)
	v.SetDefault("credentials.max_consecutive_failures", 0)
	v.SetDefault("retry.max_attempts", 10)
	v.SetDefault("retry.strategy", "exponential")
	v.SetDefault("retry.base_seconds", 2.0)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 60000)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("batch.size", 10)
	v.SetDefault("gate.lower_items", th.LowerItems)
	v.SetDefault("gate.lower_min_high", th.LowerMinHigh)
	v.SetDefault("gate.upper_items", th.UpperItems)
	v.SetDefault("gate.upper_max_high", th.UpperMaxHigh)
	v.SetDefault("gate.sidecar_path", "output/disabled_queries.json")
	v.SetDefault("store.driver", "csv")
	v.SetDefault("store.path", "output/results.csv")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.table", "groundtruth_results")
	v.SetDefault("store.flush_every", 10)
	v.SetDefault("store.pool.max_conns", 4)
	v.SetDefault("store.pool.min_conns", 1)
	v.SetDefault("run.mode", "pair")
	v.SetDefault("run.input_path", "input.json")
	v.SetDefault("run.ground_truth_path", "output/ground_truth.json")
	v.SetDefault("run.prompt_file", "")
	v.SetDefault("run.summary_cache_path", "output/summaries.csv")
	v.SetDefault("run.query_start", 0)
	v.SetDefault("run.query_end", -1)
	v.SetDefault("run.concurrency", 1)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.port", 8080)
	v.SetDefault("monitoring.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.error_rate_threshold", 0.2)
	v.SetDefault("monitoring.min_processed", 20)
	v.SetDefault("monitoring.cost_threshold_usd", 0.0)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validation modes.
const (
	// ModeRun checks everything a labeling run needs.
	ModeRun = "run"
	// ModeStore checks only what is needed to open the ledger.
	ModeStore = "store"
)

var (
	knownProviders = map[string]bool{"anthropic": true, "openai": true, "deepseek": true, "gemini": true}
	knownDrivers   = map[string]bool{"csv": true, "sqlite": true, "postgres": true}
	knownRunModes  = map[string]bool{"pair": true, "passage": true, "query": true}
)

// Validate checks the settings required by mode and reports every problem
// at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case ModeRun:
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateRun()...)
	case ModeStore:
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	driver := strings.ToLower(c.Store.Driver)
	if !knownDrivers[driver] {
		errs = append(errs, "store.driver must be one of csv, sqlite, postgres")
	}
	if driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for postgres")
	}
	if driver != "postgres" && c.Store.Path == "" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.path is required")
	}
	return errs
}

func (c *Config) validateRun() []string {
	var errs []string
	if strings.TrimSpace(c.Domain) == "" {
		errs = append(errs, "domain is required")
	}
	if !knownProviders[strings.ToLower(c.Provider.Name)] {
		errs = append(errs, "provider.name must be one of anthropic, openai, deepseek, gemini")
	}
	if c.Provider.Model == "" {
		errs = append(errs, "provider.model is required")
	}
	if !c.Credentials.HasAny() {
		errs = append(errs, "credentials.keys or credentials.premium_key is required")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}
	if c.Batch.Size < 1 {
		errs = append(errs, "batch.size must be >= 1")
	}
	if err := c.Gate.Thresholds().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if !knownRunModes[c.Run.Mode] {
		errs = append(errs, "run.mode must be pair, passage or query")
	}
	if c.Run.InputPath == "" {
		errs = append(errs, "run.input_path is required")
	}
	if c.Run.Concurrency < 1 || c.Run.Concurrency > 64 {
		errs = append(errs, "run.concurrency must be between 1 and 64")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
