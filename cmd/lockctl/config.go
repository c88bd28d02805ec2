package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "lockreg"

// Config is the resolved configuration shared by every lockctl command.
// Values come from flags, LOCKREG_* environment variables and an optional
// config file, in that order of precedence.
type Config struct {
	Backend       string        `mapstructure:"backend" validate:"required,oneof=memory redis etcd"`
	RedisAddr     string        `mapstructure:"redis-addr" validate:"required_if=Backend redis"`
	EtcdEndpoints []string      `mapstructure:"etcd-endpoints" validate:"required_if=Backend etcd"`
	NATSURL       string        `mapstructure:"nats-url" validate:"omitempty,url"`
	Namespace     string        `mapstructure:"namespace" validate:"required"`
	Lease         time.Duration `mapstructure:"lease" validate:"gt=0"`
	Poll          time.Duration `mapstructure:"poll" validate:"gt=0"`
	DialTimeout   time.Duration `mapstructure:"dial-timeout" validate:"gt=0"`
	Trace         bool          `mapstructure:"trace"`
	LogLevel      string        `mapstructure:"log-level" validate:"oneof=debug info warn error"`
}

func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.String("backend", "memory", "store backend: memory, redis or etcd")
	fs.String("redis-addr", "localhost:6379", "redis address")
	fs.StringSlice("etcd-endpoints", []string{"localhost:2379"}, "comma separated etcd endpoints")
	fs.String("nats-url", "", "optional NATS url used to broadcast release notifications")
	fs.String("namespace", "lockctl", "key prefix shared by cooperating registries")
	fs.Duration("lease", 60*time.Second, "lease duration applied on acquisition")
	fs.Duration("poll", 100*time.Millisecond, "delay between two acquisition attempts")
	fs.Duration("dial-timeout", 5*time.Second, "timeout for backend connections and calls")
	fs.Bool("trace", false, "print OpenTelemetry spans to stdout")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
}

var validate = validator.New()

// loadConfig resolves Config from the flags bound to v.
func loadConfig(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) slogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
