package interviewer

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/interviewer/pkg/configutil"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/llm"
	"github.com/harunnryd/interviewer/pkg/response"
	"github.com/harunnryd/interviewer/pkg/turn"
)

type Config struct {
	Environment   string                 `mapstructure:"environment"`
	LogLevel      string                 `mapstructure:"log_level"`
	LogFormat     string                 `mapstructure:"log_format"`
	Interview     response.SessionParams `mapstructure:"interview"`
	Turn          TurnConfig             `mapstructure:"turn"`
	Reconnect     ReconnectConfig        `mapstructure:"reconnect"`
	Playback      PlaybackConfig         `mapstructure:"playback"`
	Retry         RetryConfig            `mapstructure:"retry"`
	Vendors       VendorsConfig          `mapstructure:"vendors"`
	Transport     TransportConfig        `mapstructure:"transport"`
	Observability ObservabilityConfig    `mapstructure:"observability"`
	Privacy       PrivacyConfig          `mapstructure:"privacy"`
	Shutdown      ShutdownConfig         `mapstructure:"shutdown"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TurnConfig struct {
	SilenceTimeoutMS int  `mapstructure:"silence_timeout_ms"`
	GreetOnStart     bool `mapstructure:"greet_on_start"`
}

type ReconnectConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	InitialBackoffMS int `mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int `mapstructure:"max_backoff_ms"`
}

type PlaybackConfig struct {
	MaxConcurrentSynthesis int     `mapstructure:"max_concurrent_synthesis"`
	QueueCapacity          int     `mapstructure:"queue_capacity"`
	Speed                  float64 `mapstructure:"speed"`
	Style                  string  `mapstructure:"style"`
}

type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseDelayMS int     `mapstructure:"base_delay_ms"`
	MaxDelayMS  int     `mapstructure:"max_delay_ms"`
	Jitter      float64 `mapstructure:"jitter"`
}

type TransportConfig struct {
	Addr               string   `mapstructure:"addr"`
	Path               string   `mapstructure:"path"`
	SampleRate         int      `mapstructure:"sample_rate"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	FrameBuffer        int      `mapstructure:"frame_buffer"`
	// PlaybackAckGraceMS is the wait past a clip's own duration for the
	// browser's playback_done.
	PlaybackAckGraceMS int      `mapstructure:"playback_ack_grace_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	Prometheus    bool   `mapstructure:"prometheus"`
	AsyncBuffer   int    `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ShutdownConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("interview.job_role", "Software Engineer")
	v.SetDefault("interview.experience_level", "mid")
	v.SetDefault("interview.style", "friendly")
	v.SetDefault("interview.focus", "")
	v.SetDefault("interview.job_description", "")
	v.SetDefault("interview.base_prompt", "")
	v.SetDefault("interview.max_sentences", 3)
	v.SetDefault("turn.silence_timeout_ms", int(turn.DefaultSilenceTimeout/time.Millisecond))
	v.SetDefault("turn.greet_on_start", true)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.initial_backoff_ms", 250)
	v.SetDefault("reconnect.max_backoff_ms", 4000)
	v.SetDefault("playback.max_concurrent_synthesis", 2)
	v.SetDefault("playback.queue_capacity", 64)
	v.SetDefault("playback.speed", 1.0)
	v.SetDefault("playback.style", "")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 200)
	v.SetDefault("retry.max_delay_ms", 2000)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("transport.addr", ":8080")
	v.SetDefault("transport.path", "/ws")
	v.SetDefault("transport.sample_rate", 16000)
	v.SetDefault("transport.frame_buffer", 256)
	v.SetDefault("transport.playback_ack_grace_ms", 2000)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.prometheus", true)
	v.SetDefault("observability.async_buffer", 1024)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("shutdown.drain_timeout_ms", 5000)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errorsx.Errorf(errorsx.ReasonConfigInvalid, "read config: %v", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Errorf(errorsx.ReasonConfigInvalid, "unmarshal: %v", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return errorsx.New(errorsx.ReasonConfigInvalid, "vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return errorsx.New(errorsx.ReasonConfigInvalid, "vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return errorsx.New(errorsx.ReasonConfigInvalid, "vendors.llm.provider is required")
	}
	if c.Turn.SilenceTimeoutMS <= 0 {
		return errorsx.New(errorsx.ReasonConfigInvalid, "turn.silence_timeout_ms must be positive")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errorsx.New(errorsx.ReasonConfigInvalid, "reconnect.max_attempts must not be negative")
	}
	if c.Playback.Speed < 0 {
		return errorsx.New(errorsx.ReasonConfigInvalid, "playback.speed must not be negative")
	}
	if strings.TrimSpace(c.Transport.Path) == "" || !strings.HasPrefix(c.Transport.Path, "/") {
		return errorsx.Errorf(errorsx.ReasonConfigInvalid, "transport.path must start with /: %q", c.Transport.Path)
	}
	return nil
}

// EngineOptions maps the tunables onto options for one session. Collaborators
// such as the notifier and persister are left for the caller.
func (c Config) EngineOptions(sessionID string) Options {
	return Options{
		SessionID:      sessionID,
		Params:         c.Interview,
		GreetOnStart:   c.Turn.GreetOnStart,
		SilenceTimeout: configutil.Millis(c.Turn.SilenceTimeoutMS, turn.DefaultSilenceTimeout),
		Reconnect: ReconnectOptions{
			MaxAttempts:    c.Reconnect.MaxAttempts,
			InitialBackoff: configutil.Millis(c.Reconnect.InitialBackoffMS, 250*time.Millisecond),
			MaxBackoff:     configutil.Millis(c.Reconnect.MaxBackoffMS, 4*time.Second),
		},
		Playback: PlaybackOptions{
			Capacity:               c.Playback.QueueCapacity,
			MaxConcurrentSynthesis: c.Playback.MaxConcurrentSynthesis,
			Speed:                  c.Playback.Speed,
			Style:                  c.Playback.Style,
		},
		Retry: llm.RetryConfig{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   configutil.Millis(c.Retry.BaseDelayMS, 200*time.Millisecond),
			MaxDelay:    configutil.Millis(c.Retry.MaxDelayMS, 2*time.Second),
			Jitter:      c.Retry.Jitter,
		},
	}
}

func (c Config) DrainTimeout() time.Duration {
	return configutil.Millis(c.Shutdown.DrainTimeoutMS, 5*time.Second)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			if ks, ok := k.(string); ok {
				out[ks] = expandAny(v)
			}
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
