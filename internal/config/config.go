package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RateConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

type AudioConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	MaxStreamBytes int           `mapstructure:"max_stream_bytes"`
	NotifyExpired  bool          `mapstructure:"notify_expired"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AIConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServiceConfig struct {
	URL string `mapstructure:"url"`
}

type PubSubConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type ConnectLimitConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Window   time.Duration `mapstructure:"window"`
}

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	StaticPath     string        `mapstructure:"static_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	Secret         string        `mapstructure:"secret"`
	LogLevel       string        `mapstructure:"log_level"`
	MaxConnections int           `mapstructure:"max_connections"`
	Backpressure   string        `mapstructure:"backpressure"`

	Rate         RateConfig         `mapstructure:"rate"`
	ConnectLimit ConnectLimitConfig `mapstructure:"connect_limit"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Audio        AudioConfig        `mapstructure:"audio"`
	Redis        RedisConfig        `mapstructure:"redis"`
	AI           AIConfig           `mapstructure:"ai"`
	TTS          ServiceConfig      `mapstructure:"tts"`
	Calendar     ServiceConfig      `mapstructure:"calendar"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_connections", 10000)
	v.SetDefault("backpressure", "kick")

	v.SetDefault("rate.per_second", 20)
	v.SetDefault("rate.burst", 40)
	v.SetDefault("connect_limit.attempts", 30)
	v.SetDefault("connect_limit.window", "1m")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.audience", "")

	v.SetDefault("audio.ttl", "300s")
	v.SetDefault("audio.sweep_interval", "30s")
	v.SetDefault("audio.max_stream_bytes", 10<<20)
	v.SetDefault("audio.notify_expired", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("ai.url", "")
	v.SetDefault("ai.timeout", "0s")
	v.SetDefault("tts.url", "")
	v.SetDefault("calendar.url", "")
	v.SetDefault("pubsub.handshake_timeout", "10s")
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults, and
// lets VOICEGATE_* environment variables override any key
// (VOICEGATE_AUDIO_TTL for audio.ttl).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("VOICEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, errors.New("read_limit must be positive"))
	}
	if c.PingPeriod <= 0 {
		errs = append(errs, errors.New("ping_period must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, errors.New("max_connections must not be negative"))
	}
	if c.Rate.PerSecond < 0 || c.Rate.Burst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.ConnectLimit.Attempts < 0 || c.ConnectLimit.Window < 0 {
		errs = append(errs, errors.New("connect_limit must not be negative"))
	}
	if c.Audio.TTL <= 0 {
		errs = append(errs, errors.New("audio.ttl must be positive"))
	}
	if c.Audio.SweepInterval <= 0 {
		errs = append(errs, errors.New("audio.sweep_interval must be positive"))
	}
	if c.Audio.MaxStreamBytes < 0 {
		errs = append(errs, errors.New("audio.max_stream_bytes must not be negative"))
	}
	if c.AI.Timeout < 0 {
		errs = append(errs, errors.New("ai.timeout must not be negative"))
	}
	if c.PubSub.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("pubsub.handshake_timeout must be positive"))
	}
	switch c.Backpressure {
	case "kick", "drop":
	default:
		errs = append(errs, fmt.Errorf("backpressure %q: want kick or drop", c.Backpressure))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
