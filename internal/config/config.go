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

type Codec struct {
	Kind        string            `mapstructure:"kind"`
	MimeType    string            `mapstructure:"mime_type"`
	ClockRate   uint32            `mapstructure:"clock_rate"`
	Channels    uint16            `mapstructure:"channels"`
	PayloadType uint8             `mapstructure:"payload_type"`
	Parameters  map[string]string `mapstructure:"parameters"`
}

type RTC struct {
	MinPort            uint16   `mapstructure:"min_port"`
	MaxPort            uint16   `mapstructure:"max_port"`
	ListenIP           string   `mapstructure:"listen_ip"`
	AnnouncedIP        string   `mapstructure:"announced_ip"`
	ICEServers         []string `mapstructure:"ice_servers"`
	MaxIncomingBitrate int      `mapstructure:"max_incoming_bitrate"`
	Codecs             []Codec  `mapstructure:"codecs"`
}

type AudioLevel struct {
	Interval      time.Duration `mapstructure:"interval"`
	Threshold     int           `mapstructure:"threshold"`
	MinPercentile uint8         `mapstructure:"min_percentile"`
}

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendQueue    int           `mapstructure:"send_queue"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`
	Room         string        `mapstructure:"room"`
	Tombstones   int           `mapstructure:"tombstones"`
	Backpressure string        `mapstructure:"backpressure"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	RTC          RTC           `mapstructure:"rtc"`
	AudioLevel   AudioLevel    `mapstructure:"audio_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_queue", 64)
	v.SetDefault("log_level", "info")
	v.SetDefault("room", "main")
	v.SetDefault("tombstones", 4096)
	v.SetDefault("backpressure", "kick")
	v.SetDefault("rate_limit", 50)
	v.SetDefault("rate_interval", "1s")

	v.SetDefault("rtc.min_port", 10000)
	v.SetDefault("rtc.max_port", 10100)
	v.SetDefault("rtc.listen_ip", "")
	v.SetDefault("rtc.announced_ip", "")
	v.SetDefault("rtc.ice_servers", []string{})
	v.SetDefault("rtc.max_incoming_bitrate", 1500000)
	v.SetDefault("rtc.codecs", []map[string]any{
		{"kind": "audio", "mime_type": "audio/opus", "clock_rate": 48000, "channels": 2, "payload_type": 100},
		{"kind": "video", "mime_type": "video/VP8", "clock_rate": 90000, "payload_type": 101},
	})

	v.SetDefault("audio_level.interval", "800ms")
	v.SetDefault("audio_level.threshold", -80)
	v.SetDefault("audio_level.min_percentile", 40)
}

// Load reads config/config.<env>.yaml. An empty env falls back to
// CONFIG_ENV, then "dev". A missing file is not an error.
func Load(env string) (*Config, error) {
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
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
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Uint16("min_port", cfg.RTC.MinPort).
		Uint16("max_port", cfg.RTC.MaxPort).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.RTC.MinPort == 0 || c.RTC.MaxPort < c.RTC.MinPort {
		return fmt.Errorf("invalid rtc port range %d-%d", c.RTC.MinPort, c.RTC.MaxPort)
	}
	if len(c.RTC.Codecs) == 0 {
		return errors.New("rtc.codecs must not be empty")
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("invalid send_queue %d", c.SendQueue)
	}
	if c.AudioLevel.Interval <= 0 {
		return fmt.Errorf("invalid audio_level.interval %s", c.AudioLevel.Interval)
	}
	return nil
}
