package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Fetch       FetchConfig       `yaml:"fetch" mapstructure:"fetch"`
	Browserless BrowserlessConfig `yaml:"browserless" mapstructure:"browserless"`
	Firecrawl   FirecrawlConfig   `yaml:"firecrawl" mapstructure:"firecrawl"`
	Jina        JinaConfig        `yaml:"jina" mapstructure:"jina"`
	Chrome      ChromeConfig      `yaml:"chrome" mapstructure:"chrome"`
	Completion  CompletionConfig  `yaml:"completion" mapstructure:"completion"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity  PerplexityConfig  `yaml:"perplexity" mapstructure:"perplexity"`
	Validate    ValidateConfig    `yaml:"validate" mapstructure:"validate"`
	Anomaly     AnomalyConfig     `yaml:"anomaly" mapstructure:"anomaly"`
	Pattern     PatternConfig     `yaml:"pattern" mapstructure:"pattern"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Quirks      QuirksConfig      `yaml:"quirks" mapstructure:"quirks"`
	Forum       ForumConfig       `yaml:"forum" mapstructure:"forum"`
	Sitemap     SitemapConfig     `yaml:"sitemap" mapstructure:"sitemap"`
	OCR         OCRConfig         `yaml:"ocr" mapstructure:"ocr"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// FetchConfig configures the fetch escalator and the static fetcher.
type FetchConfig struct {
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs         int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs          int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	RotateUserAgent     bool    `yaml:"rotate_user_agent" mapstructure:"rotate_user_agent"`
	EscalateMethods     bool    `yaml:"escalate_methods" mapstructure:"escalate_methods"`
	MinContentChars     int     `yaml:"min_content_chars" mapstructure:"min_content_chars"`
	StaticTimeoutSecs   int     `yaml:"static_timeout_secs" mapstructure:"static_timeout_secs"`
	RenderTimeoutSecs   int     `yaml:"render_timeout_secs" mapstructure:"render_timeout_secs"`
	ExtendedTimeoutSecs int     `yaml:"extended_timeout_secs" mapstructure:"extended_timeout_secs"`
	InteractTimeoutSecs int     `yaml:"interactive_timeout_secs" mapstructure:"interactive_timeout_secs"`
	MaxBodyBytes        int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RequestsPerSecond   float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Renderer            string  `yaml:"renderer" mapstructure:"renderer"`
}

// BrowserlessConfig holds Browserless API settings.
type BrowserlessConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FirecrawlConfig holds Firecrawl API settings.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// JinaConfig holds Jina AI Reader and Search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// ChromeConfig configures the local headless Chrome renderer.
type ChromeConfig struct {
	ExecPath string `yaml:"exec_path" mapstructure:"exec_path"`
	Headless bool   `yaml:"headless" mapstructure:"headless"`
}

// CompletionConfig selects and tunes the completion service.
type CompletionConfig struct {
	Provider        string `yaml:"provider" mapstructure:"provider"`
	Prompt          string `yaml:"prompt" mapstructure:"prompt"`
	MaxTokens       int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxContentChars int    `yaml:"max_content_chars" mapstructure:"max_content_chars"`
	MainSiteChars   int    `yaml:"main_site_chars" mapstructure:"main_site_chars"`
	WindowChars     int    `yaml:"window_chars" mapstructure:"window_chars"`
	MaxRetries      int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// ValidateConfig holds the validator's distance and confidence thresholds.
type ValidateConfig struct {
	FarDistance    int `yaml:"far_distance" mapstructure:"far_distance"`
	NearDistance   int `yaml:"near_distance" mapstructure:"near_distance"`
	FarCap         int `yaml:"far_cap" mapstructure:"far_cap"`
	NearCap        int `yaml:"near_cap" mapstructure:"near_cap"`
	ValidThreshold int `yaml:"valid_threshold" mapstructure:"valid_threshold"`
}

// AnomalyConfig holds the anomaly detector's severity thresholds.
type AnomalyConfig struct {
	MajorJump      int `yaml:"major_jump" mapstructure:"major_jump"`
	ConfidenceDrop int `yaml:"confidence_drop" mapstructure:"confidence_drop"`
	FutureDays     int `yaml:"future_days" mapstructure:"future_days"`
	PastYears      int `yaml:"past_years" mapstructure:"past_years"`
}

// PatternConfig configures the pattern learner.
type PatternConfig struct {
	MinSuccessRate  float64 `yaml:"min_success_rate" mapstructure:"min_success_rate"`
	LearnConfidence int     `yaml:"learn_confidence" mapstructure:"learn_confidence"`
	CacheSize       int     `yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTLSecs    int     `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Size      int `yaml:"size" mapstructure:"size"`
	DelaySecs int `yaml:"delay_secs" mapstructure:"delay_secs"`
}

// QuirksConfig points at an optional YAML file of layout quirks.
type QuirksConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// ForumConfig configures topic filtering in the forum adapter.
type ForumConfig struct {
	OfficialOnly  bool     `yaml:"official_only" mapstructure:"official_only"`
	StickyOnly    bool     `yaml:"sticky_only" mapstructure:"sticky_only"`
	Authors       []string `yaml:"authors" mapstructure:"authors"`
	TitleKeywords []string `yaml:"title_keywords" mapstructure:"title_keywords"`
	MaxTopics     int      `yaml:"max_topics" mapstructure:"max_topics"`
}

// SitemapConfig configures sitemap discovery.
type SitemapConfig struct {
	MaxChildren int `yaml:"max_children" mapstructure:"max_children"`
	TopN        int `yaml:"top_n" mapstructure:"top_n"`
}

// OCRConfig configures PDF text extraction.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VERSIONVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "versionvault.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	v.SetDefault("fetch.max_attempts", 4)
	v.SetDefault("fetch.base_delay_ms", 2000)
	v.SetDefault("fetch.max_delay_ms", 16000)
	v.SetDefault("fetch.rotate_user_agent", true)
	v.SetDefault("fetch.escalate_methods", true)
	v.SetDefault("fetch.min_content_chars", 1000)
	v.SetDefault("fetch.static_timeout_secs", 15)
	v.SetDefault("fetch.render_timeout_secs", 30)
	v.SetDefault("fetch.extended_timeout_secs", 60)
	v.SetDefault("fetch.interactive_timeout_secs", 90)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.requests_per_second", 1.0)
	v.SetDefault("fetch.renderer", "browserless")

	v.SetDefault("browserless.base_url", "https://production-sfo.browserless.io")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v1")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("chrome.headless", true)

	v.SetDefault("completion.provider", "anthropic")
	v.SetDefault("completion.prompt", "enhanced")
	v.SetDefault("completion.max_tokens", 8192)
	v.SetDefault("completion.max_content_chars", 60000)
	v.SetDefault("completion.main_site_chars", 15000)
	v.SetDefault("completion.window_chars", 5000)
	v.SetDefault("completion.max_retries", 3)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")

	v.SetDefault("validate.far_distance", 500)
	v.SetDefault("validate.near_distance", 200)
	v.SetDefault("validate.far_cap", 60)
	v.SetDefault("validate.near_cap", 80)
	v.SetDefault("validate.valid_threshold", 70)

	v.SetDefault("anomaly.major_jump", 5)
	v.SetDefault("anomaly.confidence_drop", 30)
	v.SetDefault("anomaly.future_days", 30)
	v.SetDefault("anomaly.past_years", 5)

	v.SetDefault("pattern.min_success_rate", 60.0)
	v.SetDefault("pattern.learn_confidence", 80)
	v.SetDefault("pattern.cache_size", 256)
	v.SetDefault("pattern.cache_ttl_secs", 600)

	v.SetDefault("batch.size", 5)
	v.SetDefault("batch.delay_secs", 2)

	v.SetDefault("forum.official_only", true)
	v.SetDefault("forum.sticky_only", false)
	v.SetDefault("forum.max_topics", 50)

	v.SetDefault("sitemap.max_children", 5)
	v.SetDefault("sitemap.top_n", 10)

	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
}

// Check verifies that the settings a command depends on are present.
// Mode is one of "extract", "serve" or "store".
func (c *Config) Check(mode string) error {
	var problems []string

	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case "extract", "serve":
		switch c.Completion.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				problems = append(problems, "anthropic.key is required")
			}
		case "perplexity":
			if c.Perplexity.Key == "" {
				problems = append(problems, "perplexity.key is required")
			}
		default:
			problems = append(problems, "completion.provider must be anthropic or perplexity")
		}
		if c.Fetch.MaxAttempts <= 0 {
			problems = append(problems, "fetch.max_attempts must be positive")
		}
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
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
