package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/arzzra/phone_link/pkg/health"
	"github.com/arzzra/phone_link/pkg/media_health"
	"github.com/arzzra/phone_link/pkg/sip_engine"
	"github.com/arzzra/phone_link/pkg/transport"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "PHONE_LINK"

type SIPConfig struct {
	URI         string        `mapstructure:"uri"`
	Registrar   string        `mapstructure:"registrar"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DisplayName string        `mapstructure:"display_name"`
	Transport   string        `mapstructure:"transport"`
	Hostname    string        `mapstructure:"hostname"`
	Register    bool          `mapstructure:"register"`
	Expires     time.Duration `mapstructure:"expires"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Deadline time.Duration `mapstructure:"deadline"`
}

type ReconnectConfig struct {
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	Jitter            float64       `mapstructure:"jitter"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	UnregisterTimeout time.Duration `mapstructure:"unregister_timeout"`
}

type AudioConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	NoAudioTimeout time.Duration `mapstructure:"no_audio_timeout"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config все настройки приложения
type Config struct {
	SIP       SIPConfig       `mapstructure:"sip"`
	Health    HealthConfig    `mapstructure:"health"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	// Unmarshal видит переменные окружения только для известных ключей
	for _, key := range []string{"sip.uri", "sip.registrar", "sip.username", "sip.password", "sip.display_name", "sip.hostname"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.register", true)
	v.SetDefault("sip.expires", "600s")

	v.SetDefault("health.interval", "22s")
	v.SetDefault("health.deadline", "2s")

	v.SetDefault("reconnect.initial_delay", "1s")
	v.SetDefault("reconnect.max_delay", "30s")
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.jitter", 0.0)
	v.SetDefault("reconnect.max_attempts", 0)
	v.SetDefault("reconnect.connect_timeout", "10s")
	v.SetDefault("reconnect.unregister_timeout", "5s")

	v.SetDefault("audio.check_interval", "1s")
	v.SetDefault("audio.no_audio_timeout", "10s")

	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("log.level", "info")
}

// Flags описывает флаги командной строки. Имена совпадают с ключами
// конфигурации, поэтому флаги переопределяют файл и окружение.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("phone_link", pflag.ContinueOnError)
	fs.String("config", "", "path to YAML config file")
	fs.String("sip.uri", "", "address of record, e.g. sip:alice@example.com")
	fs.String("sip.registrar", "", "registrar URI (defaults to the AOR without user part)")
	fs.String("sip.username", "", "digest auth username")
	fs.String("sip.password", "", "digest auth password")
	fs.String("sip.transport", "udp", "signaling transport: udp, tcp, tls, ws, wss")
	fs.Bool("sip.register", true, "register after connect")
	fs.String("metrics.listen", ":9090", "address for the Prometheus /metrics endpoint")
	fs.String("log.level", "info", "log level")
	return fs
}

// Load читает конфигурацию. path пустой - только окружение, флаги
// и значения по умолчанию. fs может быть nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет обязательные поля
func (c *Config) Validate() error {
	if c.SIP.URI == "" {
		return errors.New("sip.uri is required")
	}
	switch strings.ToLower(c.SIP.Transport) {
	case "udp", "tcp", "tls", "ws", "wss":
	default:
		return errors.Errorf("unsupported sip.transport %q", c.SIP.Transport)
	}
	if c.Health.Deadline >= c.Health.Interval {
		return errors.New("health.deadline must be shorter than health.interval")
	}
	return nil
}

// Engine настройки SIP движка
func (c *Config) Engine() sip_engine.Config {
	return sip_engine.Config{
		URI:         c.SIP.URI,
		Registrar:   c.SIP.Registrar,
		Username:    c.SIP.Username,
		Password:    c.SIP.Password,
		DisplayName: c.SIP.DisplayName,
		Expires:     c.SIP.Expires,
		Transport:   c.SIP.Transport,
		Hostname:    c.SIP.Hostname,
	}
}

// Transport настройки транспорта
func (c *Config) Transport() transport.Config {
	return transport.Config{
		Register: c.SIP.Register,
		Health: health.Config{
			Interval: c.Health.Interval,
			Deadline: c.Health.Deadline,
		},
		Policy: transport.ReconnectPolicy{
			InitialDelay:      c.Reconnect.InitialDelay,
			MaxDelay:          c.Reconnect.MaxDelay,
			Multiplier:        c.Reconnect.Multiplier,
			JitterFactor:      c.Reconnect.Jitter,
			MaxAttempts:       c.Reconnect.MaxAttempts,
			ConnectTimeout:    c.Reconnect.ConnectTimeout,
			UnregisterTimeout: c.Reconnect.UnregisterTimeout,
		},
	}
}

// AudioOptions параметры проверки аудио
func (c *Config) AudioOptions() media_health.Options {
	return media_health.Options{
		CheckInterval:  c.Audio.CheckInterval,
		NoAudioTimeout: c.Audio.NoAudioTimeout,
	}
}
