// Package settings loads the process configuration: built-in defaults, then an
// optional YAML file, then SAHAYAK_* environment variables.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/backend"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/grpc"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/kernel"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/retrieval"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/router"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/search"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/stages"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/telegram"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/webhook"
)

// EnvPrefix prefixes every environment override, e.g. SAHAYAK_TELEGRAM_TOKEN.
const EnvPrefix = "SAHAYAK"

// AppConfig is the full process configuration.
type AppConfig struct {
	Server          webhook.Config              `mapstructure:"server"`
	Admin           grpc.Config                 `mapstructure:"admin"`
	Log             LogConfig                   `mapstructure:"log"`
	Telegram        telegram.Config             `mapstructure:"telegram"`
	Backend         backend.Config              `mapstructure:"backend"`
	Retry           stages.RetryPolicy          `mapstructure:"retry"`
	Safety          SafetyConfig                `mapstructure:"safety"`
	Router          router.Config               `mapstructure:"router"`
	Pipelines       PipelinesConfig             `mapstructure:"pipelines"`
	Retrieval       retrieval.Config            `mapstructure:"retrieval"`
	Search          search.Config               `mapstructure:"search"`
	Calendar        CalendarConfig              `mapstructure:"calendar"`
	OCR             OCRConfig                   `mapstructure:"ocr"`
	RateLimit       kernel.RateLimitConfig      `mapstructure:"ratelimit"`
	Dedupe          webhook.DedupeConfig        `mapstructure:"dedupe"`
	Tracing         observability.TracingConfig `mapstructure:"tracing"`
	CleanupInterval time.Duration               `mapstructure:"cleanup_interval"`
}

// LogConfig selects the zap preset.
type LogConfig struct {
	Mode string `mapstructure:"mode"` // "development" or "production"
}

// SafetyConfig overrides the denylist. Empty terms keep the built-in policy.
type SafetyConfig struct {
	Refusal string              `mapstructure:"refusal"`
	Terms   map[string][]string `mapstructure:"terms"`
}

// PipelinesConfig points at an edited pipeline catalog. Empty uses the built-in one.
type PipelinesConfig struct {
	Catalog string `mapstructure:"catalog"`
}

// CalendarConfig selects the calendar store. An empty CalendarID keeps events in memory.
type CalendarConfig struct {
	CalendarID  string `mapstructure:"calendar_id"`
	Timezone    string `mapstructure:"timezone"`
	Credentials string `mapstructure:"credentials"`
}

// Location resolves the calendar timezone.
func (c CalendarConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown calendar timezone '%s': %w", c.Timezone, err)
	}
	return loc, nil
}

// OCRConfig enables Cloud Vision text detection for worksheet photos.
type OCRConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Credentials string        `mapstructure:"credentials"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *AppConfig {
	return &AppConfig{
		Server:          webhook.DefaultConfig(),
		Admin:           grpc.DefaultConfig(),
		Log:             LogConfig{Mode: "production"},
		Telegram:        telegram.DefaultConfig(),
		Backend:         backend.DefaultConfig(),
		Retry:           stages.DefaultRetryPolicy(),
		Router:          router.DefaultConfig(),
		Retrieval:       retrieval.DefaultConfig(),
		Search:          search.DefaultConfig(),
		Calendar:        CalendarConfig{Timezone: "Asia/Kolkata"},
		OCR:             OCRConfig{Enabled: true, Timeout: 60 * time.Second},
		RateLimit:       kernel.DefaultRateLimitConfig(),
		Dedupe:          webhook.DefaultDedupeConfig(),
		Tracing:         observability.TracingConfig{ServiceName: "sahayak", Endpoint: "localhost:4317", Insecure: true, SampleRatio: 1},
		CleanupInterval: kernel.DefaultCleanupInterval,
	}
}

// Load reads the configuration. An empty path looks for sahayak.yaml in the working
// directory and in $HOME/.sahayak; a missing file there is not an error.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("sahayak")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sahayak")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Server.SecretToken = cfg.Telegram.SecretToken
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so that environment overrides bind to it.
func setDefaults(v *viper.Viper, d *AppConfig) {
	defaults := map[string]any{
		"server.addr":         d.Server.Addr,
		"server.webhook_path": d.Server.WebhookPath,
		"server.service_name": d.Server.ServiceName,

		"admin.addr":       d.Admin.Addr,
		"admin.reflection": d.Admin.Reflection,

		"log.mode": d.Log.Mode,

		"telegram.token":        d.Telegram.Token,
		"telegram.secret_token": d.Telegram.SecretToken,
		"telegram.base_url":     d.Telegram.BaseURL,
		"telegram.timeout":      d.Telegram.Timeout,
		"telegram.max_retries":  d.Telegram.MaxRetries,

		"backend.provider":           d.Backend.Provider,
		"backend.api_key":            d.Backend.APIKey,
		"backend.project":            d.Backend.Project,
		"backend.location":           d.Backend.Location,
		"backend.embedding_model":    d.Backend.EmbeddingModel,
		"backend.system_instruction": d.Backend.SystemInstruction,
		"backend.max_output_tokens":  d.Backend.MaxOutputTokens,

		"retry.max_retries":      d.Retry.MaxRetries,
		"retry.schema_retries":   d.Retry.SchemaRetries,
		"retry.initial_interval": d.Retry.InitialInterval,
		"retry.max_interval":     d.Retry.MaxInterval,
		"retry.call_timeout":     d.Retry.CallTimeout,

		"safety.refusal": d.Safety.Refusal,

		"router.default_language": d.Router.DefaultLanguage,
		"router.run_timeout":      d.Router.RunTimeout,

		"pipelines.catalog": d.Pipelines.Catalog,

		"retrieval.bucket":          d.Retrieval.Bucket,
		"retrieval.dir":             d.Retrieval.Dir,
		"retrieval.embeddings_path": d.Retrieval.EmbeddingsPath,
		"retrieval.metadata_path":   d.Retrieval.MetadataPath,
		"retrieval.credentials":     d.Retrieval.Credentials,

		"search.api_key":     d.Search.APIKey,
		"search.engine_id":   d.Search.EngineID,
		"search.max_results": d.Search.MaxResults,
		"search.safe_search": d.Search.SafeSearch,
		"search.credentials": d.Search.Credentials,

		"calendar.calendar_id": d.Calendar.CalendarID,
		"calendar.timezone":    d.Calendar.Timezone,
		"calendar.credentials": d.Calendar.Credentials,

		"ocr.enabled":     d.OCR.Enabled,
		"ocr.timeout":     d.OCR.Timeout,
		"ocr.credentials": d.OCR.Credentials,

		"ratelimit.requests_per_minute": d.RateLimit.RequestsPerMinute,
		"ratelimit.requests_per_hour":   d.RateLimit.RequestsPerHour,

		"dedupe.redis_addr":     d.Dedupe.RedisAddr,
		"dedupe.redis_password": d.Dedupe.RedisPassword,
		"dedupe.redis_db":       d.Dedupe.RedisDB,
		"dedupe.key_prefix":     d.Dedupe.KeyPrefix,
		"dedupe.ttl":            d.Dedupe.TTL,

		"tracing.enabled":      d.Tracing.Enabled,
		"tracing.service_name": d.Tracing.ServiceName,
		"tracing.version":      d.Tracing.Version,
		"tracing.environment":  d.Tracing.Environment,
		"tracing.endpoint":     d.Tracing.Endpoint,
		"tracing.insecure":     d.Tracing.Insecure,
		"tracing.sample_ratio": d.Tracing.SampleRatio,

		"cleanup_interval": d.CleanupInterval,
	}
	// One key per role, so a file that sets a single role keeps the others.
	for role, model := range d.Backend.Models {
		defaults["backend.models."+role] = model
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate checks the settings every command needs. Serving additionally needs
// ValidateServe.
func (c *AppConfig) Validate() error {
	var errs []error
	if err := c.Backend.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if c.Retry.MaxRetries < 0 || c.Retry.SchemaRetries < 0 {
		errs = append(errs, errors.New("retry: retry budgets must not be negative"))
	}
	if c.Router.DefaultLanguage == "" {
		errs = append(errs, errors.New("router: default_language is required"))
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.RequestsPerHour < 0 {
		errs = append(errs, errors.New("ratelimit: limits must not be negative"))
	}
	if c.Retrieval.Bucket != "" && c.Retrieval.Dir != "" {
		errs = append(errs, errors.New("retrieval: set either bucket or dir, not both"))
	}
	if _, err := c.Calendar.Location(); err != nil {
		errs = append(errs, fmt.Errorf("calendar: %w", err))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing: endpoint is required when enabled"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing: sample_ratio must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

// ValidateServe checks the settings the webhook server needs.
func (c *AppConfig) ValidateServe() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram: token is required"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server: addr is required"))
	}
	if !strings.HasPrefix(c.Server.WebhookPath, "/") {
		errs = append(errs, errors.New("server: webhook_path must start with '/'"))
	}
	return errors.Join(errs...)
}
