// Package config loads MemAgent settings from defaults, an optional YAML file
// and MEMAGENT_* environment variables.
package config

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/gibbonas/MemAgent/pkg/budget"
	"github.com/gibbonas/MemAgent/pkg/llm"
	"github.com/gibbonas/MemAgent/pkg/picker"
	"github.com/gibbonas/MemAgent/pkg/redisstream"
	"github.com/gibbonas/MemAgent/pkg/references"
)

const EnvPrefix = "MEMAGENT"

const (
	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"
)

type LLMSettings struct {
	TextModel  string        `mapstructure:"text_model" yaml:"text_model"`
	ImageModel string        `mapstructure:"image_model" yaml:"image_model"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Options returns the capability options for model.
func (s LLMSettings) Options(model string) llm.Options {
	return llm.Options{Model: model, Attempts: s.MaxRetries, RetryDelay: s.RetryDelay, Timeout: s.Timeout}
}

type PickerSettings struct {
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url"`
	MaxItems int           `mapstructure:"max_items" yaml:"max_items"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ReferenceSettings struct {
	Max     int           `mapstructure:"max" yaml:"max"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxEdge int           `mapstructure:"max_edge" yaml:"max_edge"`
}

func (s ReferenceSettings) Options() references.Options {
	return references.Options{Max: s.Max, Timeout: s.Timeout, MaxEdge: s.MaxEdge}
}

type ScreeningSettings struct {
	BlockOnViolation bool `mapstructure:"block_on_violation" yaml:"block_on_violation"`
	// UseModel adds the hosted-model screener behind the keyword check.
	UseModel bool `mapstructure:"use_model" yaml:"use_model"`
}

type HTTPSettings struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Settings holds every tunable of the service.
type Settings struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	GoogleAPIKey       string `mapstructure:"google_api_key" yaml:"google_api_key"`
	GoogleClientID     string `mapstructure:"google_client_id" yaml:"google_client_id"`
	GoogleClientSecret string `mapstructure:"google_client_secret" yaml:"google_client_secret"`
	// GoogleAccessToken and GoogleRefreshToken seed delegated photo access
	// for single-user deployments.
	GoogleAccessToken  string `mapstructure:"google_access_token" yaml:"google_access_token"`
	GoogleRefreshToken string `mapstructure:"google_refresh_token" yaml:"google_refresh_token"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	MaxTokensPerSession   int     `mapstructure:"max_tokens_per_session" yaml:"max_tokens_per_session"`
	MaxTokensPerUserDaily int     `mapstructure:"max_tokens_per_user_daily" yaml:"max_tokens_per_user_daily"`
	TokenWarningThreshold float64 `mapstructure:"token_warning_threshold" yaml:"token_warning_threshold"`
	MaxMemoriesPerDay     int     `mapstructure:"max_memories_per_day" yaml:"max_memories_per_day"`

	TempImageDir string `mapstructure:"temp_image_dir" yaml:"temp_image_dir"`

	SessionStore            string        `mapstructure:"session_store" yaml:"session_store"`
	SessionIdleTimeout      time.Duration `mapstructure:"session_idle_timeout" yaml:"session_idle_timeout"`
	SessionEvictionInterval time.Duration `mapstructure:"session_eviction_interval" yaml:"session_eviction_interval"`
	RequestLaneIdle         time.Duration `mapstructure:"request_lane_idle" yaml:"request_lane_idle"`
	AutoStartPicker         bool          `mapstructure:"auto_start_picker" yaml:"auto_start_picker"`

	Redis      redisstream.Settings `mapstructure:"redis" yaml:"redis"`
	LLM        LLMSettings          `mapstructure:"llm" yaml:"llm"`
	Picker     PickerSettings       `mapstructure:"picker" yaml:"picker"`
	References ReferenceSettings    `mapstructure:"references" yaml:"references"`
	Screening  ScreeningSettings    `mapstructure:"screening" yaml:"screening"`
	HTTP       HTTPSettings         `mapstructure:"http" yaml:"http"`
}

func Defaults() Settings {
	return Settings{
		LogLevel:                "INFO",
		DatabasePath:            "./memagent.db",
		MaxTokensPerSession:     15000,
		MaxTokensPerUserDaily:   50000,
		TokenWarningThreshold:   0.8,
		MaxMemoriesPerDay:       10,
		TempImageDir:            "./tmp/images",
		SessionStore:            SessionStoreMemory,
		SessionEvictionInterval: time.Minute,
		RequestLaneIdle:         30 * time.Minute,
		Redis:                   redisstream.DefaultSettings(),
		LLM: LLMSettings{
			TextModel:  llm.DefaultTextModel,
			ImageModel: llm.DefaultImageModel,
			MaxRetries: llm.DefaultAttempts,
			RetryDelay: llm.DefaultRetryDelay,
			Timeout:    60 * time.Second,
		},
		Picker: PickerSettings{
			BaseURL:  picker.DefaultBaseURL,
			MaxItems: picker.DefaultMaxItems,
			Timeout:  15 * time.Second,
		},
		References: ReferenceSettings{
			Max:     references.DefaultMax,
			Timeout: references.DefaultTimeout,
			MaxEdge: references.DefaultMaxEdge,
		},
		Screening: ScreeningSettings{BlockOnViolation: true},
		HTTP:      HTTPSettings{Addr: ":8000"},
	}
}

// setDefaults registers every key so that environment variables are seen by
// Unmarshal even when no config file mentions them.
func setDefaults(v *viper.Viper, d Settings) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("google_api_key", d.GoogleAPIKey)
	v.SetDefault("google_client_id", d.GoogleClientID)
	v.SetDefault("google_client_secret", d.GoogleClientSecret)
	v.SetDefault("google_access_token", d.GoogleAccessToken)
	v.SetDefault("google_refresh_token", d.GoogleRefreshToken)
	v.SetDefault("database_path", d.DatabasePath)
	v.SetDefault("max_tokens_per_session", d.MaxTokensPerSession)
	v.SetDefault("max_tokens_per_user_daily", d.MaxTokensPerUserDaily)
	v.SetDefault("token_warning_threshold", d.TokenWarningThreshold)
	v.SetDefault("max_memories_per_day", d.MaxMemoriesPerDay)
	v.SetDefault("temp_image_dir", d.TempImageDir)
	v.SetDefault("session_store", d.SessionStore)
	v.SetDefault("session_idle_timeout", d.SessionIdleTimeout)
	v.SetDefault("session_eviction_interval", d.SessionEvictionInterval)
	v.SetDefault("request_lane_idle", d.RequestLaneIdle)
	v.SetDefault("auto_start_picker", d.AutoStartPicker)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.group", d.Redis.Group)
	v.SetDefault("redis.consumer", d.Redis.Consumer)
	v.SetDefault("redis.session_ttl", d.Redis.SessionTTL)

	v.SetDefault("llm.text_model", d.LLM.TextModel)
	v.SetDefault("llm.image_model", d.LLM.ImageModel)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	v.SetDefault("llm.retry_delay", d.LLM.RetryDelay)
	v.SetDefault("llm.timeout", d.LLM.Timeout)

	v.SetDefault("picker.base_url", d.Picker.BaseURL)
	v.SetDefault("picker.max_items", d.Picker.MaxItems)
	v.SetDefault("picker.timeout", d.Picker.Timeout)

	v.SetDefault("references.max", d.References.Max)
	v.SetDefault("references.timeout", d.References.Timeout)
	v.SetDefault("references.max_edge", d.References.MaxEdge)

	v.SetDefault("screening.block_on_violation", d.Screening.BlockOnViolation)
	v.SetDefault("screening.use_model", d.Screening.UseModel)

	v.SetDefault("http.addr", d.HTTP.Addr)
}

// NewViper returns a viper instance with defaults and environment binding
// applied. configFile may be empty.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v, Defaults())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("memagent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/memagent")
	}
	return v
}

// Load reads settings. A missing default config file is not an error; a
// missing explicit one is.
func Load(configFile string) (Settings, error) {
	return LoadFrom(NewViper(configFile), configFile != "")
}

func LoadFrom(v *viper.Viper, requireFile bool) (Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if requireFile || !stderrors.As(err, &notFound) {
			return Settings{}, errors.Wrap(err, "config: read")
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "config: decode")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the service cannot run with.
func (s Settings) Validate() error {
	switch {
	case s.MaxTokensPerSession <= 0:
		return errors.Errorf("config: max_tokens_per_session must be positive, got %d", s.MaxTokensPerSession)
	case s.MaxTokensPerUserDaily <= 0:
		return errors.Errorf("config: max_tokens_per_user_daily must be positive, got %d", s.MaxTokensPerUserDaily)
	case s.TokenWarningThreshold <= 0 || s.TokenWarningThreshold > 1:
		return errors.Errorf("config: token_warning_threshold must be in (0,1], got %v", s.TokenWarningThreshold)
	case s.MaxMemoriesPerDay < 0:
		return errors.Errorf("config: max_memories_per_day must not be negative, got %d", s.MaxMemoriesPerDay)
	case strings.TrimSpace(s.TempImageDir) == "":
		return errors.New("config: temp_image_dir is required")
	}
	switch s.SessionStore {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("config: session_store redis requires redis.addr")
		}
	default:
		return errors.Errorf("config: unknown session_store %q", s.SessionStore)
	}
	if s.SessionIdleTimeout < 0 || s.SessionEvictionInterval < 0 || s.RequestLaneIdle < 0 {
		return errors.New("config: session eviction durations must not be negative")
	}
	return nil
}

// BudgetLimits maps the token settings onto tracker limits.
func (s Settings) BudgetLimits() budget.Limits {
	l := budget.DefaultLimits()
	l.MaxPerSession = s.MaxTokensPerSession
	l.MaxPerUserDaily = s.MaxTokensPerUserDaily
	l.WarningThreshold = s.TokenWarningThreshold
	l.MaxMemoriesPerDay = s.MaxMemoriesPerDay
	return l
}

// Redacted returns a copy with secrets masked, for printing.
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "********"
	}
	s.GoogleAPIKey = mask(s.GoogleAPIKey)
	s.GoogleClientSecret = mask(s.GoogleClientSecret)
	s.GoogleAccessToken = mask(s.GoogleAccessToken)
	s.GoogleRefreshToken = mask(s.GoogleRefreshToken)
	return s
}

// YAML renders the settings, secrets masked.
func (s Settings) YAML() ([]byte, error) {
	b, err := yaml.Marshal(s.Redacted())
	if err != nil {
		return nil, errors.Wrap(err, "config: encode yaml")
	}
	return b, nil
}
