// Package config loads monitor settings from defaults, a config file, the
// environment and finally command-line flags, in increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"brokerwatch/internal/core"
	"brokerwatch/internal/messaging"
)

// EnvPrefix prefixes every environment override, e.g. BROKERWATCH_BACKOFF.
const EnvPrefix = "BROKERWATCH"

// Duration is a time.Duration that reads from strings like "1500ms" in
// every config format and in the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds runtime parameters of the monitor.
type Config struct {
	Targets   []string `json:"targets" yaml:"targets" toml:"targets" envconfig:"TARGETS"`
	Transport string   `json:"transport" yaml:"transport" toml:"transport" envconfig:"TRANSPORT"`

	Username   string `json:"username" yaml:"username" toml:"username" envconfig:"USERNAME"`
	Password   string `json:"password" yaml:"password" toml:"password" envconfig:"PASSWORD"`
	CAFile     string `json:"ca_file" yaml:"ca_file" toml:"ca_file" envconfig:"CA_FILE"`
	CertFile   string `json:"cert_file" yaml:"cert_file" toml:"cert_file" envconfig:"CERT_FILE"`
	KeyFile    string `json:"key_file" yaml:"key_file" toml:"key_file" envconfig:"KEY_FILE"`
	ServerName string `json:"server_name" yaml:"server_name" toml:"server_name" envconfig:"SERVER_NAME"`
	Insecure   bool   `json:"insecure" yaml:"insecure" toml:"insecure" envconfig:"INSECURE"`

	Heartbeat      Duration `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat" envconfig:"HEARTBEAT"`
	Backoff        Duration `json:"backoff" yaml:"backoff" toml:"backoff" envconfig:"BACKOFF"`
	FetchTimeout   Duration `json:"fetch_timeout" yaml:"fetch_timeout" toml:"fetch_timeout" envconfig:"FETCH_TIMEOUT"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`

	// EventAddress overrides the per-transport default event stream/topic.
	EventAddress  string `json:"event_address" yaml:"event_address" toml:"event_address" envconfig:"EVENT_ADDRESS"`
	ConsumerGroup string `json:"consumer_group" yaml:"consumer_group" toml:"consumer_group" envconfig:"CONSUMER_GROUP"`
	QueueSize     int    `json:"queue_size" yaml:"queue_size" toml:"queue_size" envconfig:"QUEUE_SIZE"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format" envconfig:"LOG_FORMAT"`
	AdminAddr string `json:"admin_addr" yaml:"admin_addr" toml:"admin_addr" envconfig:"ADMIN_ADDR"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Transport:      string(core.TransportRedis),
		Backoff:        Duration(time.Second),
		FetchTimeout:   Duration(time.Second),
		ConnectTimeout: Duration(10 * time.Second),
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load reads a configuration file over the defaults. The format is chosen
// by extension: .yaml/.yml, .json, .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays BROKERWATCH_* environment variables. Unset variables
// leave the current value alone.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate reports every problem found, not only the first.
func (c Config) Validate() error {
	var errs error
	if len(c.Targets) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("no targets configured"))
	}
	switch core.Transport(c.Transport) {
	case core.TransportRedis, core.TransportMQTT:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Backoff <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("backoff must be positive"))
	}
	if c.FetchTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("fetch timeout must be positive"))
	}
	if c.ConnectTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("connect timeout must be positive"))
	}
	if c.Heartbeat < 0 {
		errs = multierr.Append(errs, fmt.Errorf("heartbeat must not be negative"))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = multierr.Append(errs, fmt.Errorf("cert file and key file must be given together"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errs
}

// ConnOptions returns the connection settings shared by all targets.
func (c Config) ConnOptions() core.ConnOptions {
	return core.ConnOptions{
		Transport: core.Transport(c.Transport),
		Username:  c.Username,
		Password:  c.Password,
		Heartbeat: c.Heartbeat.Std(),
		TLS: core.TLSOptions{
			CAFile:             c.CAFile,
			CertFile:           c.CertFile,
			KeyFile:            c.KeyFile,
			ServerName:         c.ServerName,
			InsecureSkipVerify: c.Insecure,
		},
	}
}

// MessagingOptions returns the client options.
func (c Config) MessagingOptions() messaging.Options {
	return messaging.Options{
		ConnectTimeout: c.ConnectTimeout.Std(),
		ConsumerGroup:  c.ConsumerGroup,
		QueueSize:      c.QueueSize,
	}
}

// ResolveTargets parses every configured target in order.
func (c Config) ResolveTargets() ([]core.Target, error) {
	opts := c.ConnOptions()
	out := make([]core.Target, 0, len(c.Targets))
	for _, raw := range c.Targets {
		t, err := core.ParseTarget(raw, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
