// Package config loads bridge configuration from a .env file, an optional
// YAML file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLoginURL     = "https://enlighten.enphaseenergy.com"
	DefaultTokenURL     = "https://entrez.enphaseenergy.com"
	DefaultClientID     = "envoy_mqtt"
	DefaultTopicPrefix  = "envoy/"
	DefaultPollInterval = 60 * time.Second
	DefaultHTTPAddress  = "0.0.0.0"
	DefaultHTTPPort     = 3000
)

// Auth modes.
const (
	ModeStatic   = "static"
	ModeExchange = "exchange"
)

// Config is the complete bridge configuration.
type Config struct {
	Envoy        EnvoyConfig   `yaml:"envoy"`
	Bus          BusConfig     `yaml:"bus"`
	PollInterval time.Duration `yaml:"poll_interval"`
	HTTP         HTTPConfig    `yaml:"http"`
	Log          LogConfig     `yaml:"log"`
}

// EnvoyConfig locates the gateway and says how to authenticate to it.
type EnvoyConfig struct {
	Host     string `yaml:"host"`
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Serial   string `yaml:"serial"`
	LoginURL string `yaml:"login_url"`
	TokenURL string `yaml:"token_url"`
}

// BusConfig locates the message bus.
type BusConfig struct {
	Address     string `yaml:"address"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Retain      bool   `yaml:"retain"`
}

// HTTPConfig configures the status server. Port 0 disables it.
type HTTPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Options controls where Load looks.
type Options struct {
	// File is an optional YAML config file
	File string

	// EnvFile is the dotenv file (default: ".env"); a missing file is ignored
	EnvFile string

	// SkipValidation returns the merged config without validating it
	SkipValidation bool
}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Envoy: EnvoyConfig{
			LoginURL: DefaultLoginURL,
			TokenURL: DefaultTokenURL,
		},
		Bus: BusConfig{
			ClientID:    DefaultClientID,
			TopicPrefix: DefaultTopicPrefix,
		},
		PollInterval: DefaultPollInterval,
		HTTP: HTTPConfig{
			Address: DefaultHTTPAddress,
			Port:    DefaultHTTPPort,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load merges defaults, the dotenv file, the YAML file and the environment,
// then validates the result.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// godotenv never overrides variables that are already set
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := Default()
	if opts.File != "" {
		if err := cfg.loadFile(opts.File); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()

	if !opts.SkipValidation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays every variable that is set and non-empty.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"ENVOY_HOST":          &c.Envoy.Host,
		"ENVOY_TOKEN":         &c.Envoy.Token,
		"ENVOY_USERNAME":      &c.Envoy.Username,
		"ENVOY_PASSWORD":      &c.Envoy.Password,
		"ENVOY_SERIAL":        &c.Envoy.Serial,
		"ENLIGHTEN_LOGIN_URL": &c.Envoy.LoginURL,
		"ENTREZ_URL":          &c.Envoy.TokenURL,
		"MQTT_ADDRESS":        &c.Bus.Address,
		"MQTT_USER":           &c.Bus.Username,
		"MQTT_PASSWORD":       &c.Bus.Password,
		"MQTT_CLIENT_ID":      &c.Bus.ClientID,
		"MQTT_TOPIC_PREFIX":   &c.Bus.TopicPrefix,
		"HTTP_LISTEN_ADDRESS": &c.HTTP.Address,
		"LOG_LEVEL":           &c.Log.Level,
		"LOG_FORMAT":          &c.Log.Format,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	if v, ok := lookup("MQTT_RETAIN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &ValidationError{Field: "MQTT_RETAIN", Reason: fmt.Sprintf("not a boolean: %q", v)}
		}
		c.Bus.Retain = b
	}
	if v, ok := lookup("HTTP_LISTEN_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Field: "HTTP_LISTEN_PORT", Reason: fmt.Sprintf("not a number: %q", v)}
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup("POLL_INTERVAL"); ok {
		d, err := ParseInterval(v)
		if err != nil {
			return &ValidationError{Field: "POLL_INTERVAL", Reason: err.Error()}
		}
		c.PollInterval = d
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// ParseInterval accepts a Go duration ("90s", "2m") or a bare number of
// seconds.
func ParseInterval(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return d, nil
}

func (c *Config) normalize() {
	c.Envoy.Host = strings.TrimSpace(c.Envoy.Host)
	c.Envoy.Token = strings.TrimSpace(c.Envoy.Token)
	c.Envoy.LoginURL = strings.TrimRight(c.Envoy.LoginURL, "/")
	c.Envoy.TokenURL = strings.TrimRight(c.Envoy.TokenURL, "/")
	if c.Bus.TopicPrefix != "" && !strings.HasSuffix(c.Bus.TopicPrefix, "/") {
		c.Bus.TopicPrefix += "/"
	}
}

// Mode reports which credential flow the config selects.
func (c *Config) Mode() string {
	if c.Envoy.Token != "" {
		return ModeStatic
	}
	return ModeExchange
}

// ValidationError describes a single invalid setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err contains a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Validate checks the config for problems and returns all of them joined.
func (c *Config) Validate() error {
	errs := c.validateEnvoy()
	add := func(field, reason string) {
		errs = append(errs, &ValidationError{Field: field, Reason: reason})
	}

	if c.Bus.Address == "" {
		add("MQTT_ADDRESS", "is required")
	}
	if c.Bus.TopicPrefix == "" {
		add("MQTT_TOPIC_PREFIX", "must not be empty")
	}
	if c.PollInterval < time.Second {
		add("POLL_INTERVAL", fmt.Sprintf("must be at least 1s, got %s", c.PollInterval))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		add("HTTP_LISTEN_PORT", fmt.Sprintf("out of range: %d", c.HTTP.Port))
	}

	return errors.Join(errs...)
}

// ValidateEnvoy checks only the gateway settings, for commands that never
// touch the bus.
func (c *Config) ValidateEnvoy() error {
	return errors.Join(c.validateEnvoy()...)
}

func (c *Config) validateEnvoy() []error {
	var errs []error
	add := func(field, reason string) {
		errs = append(errs, &ValidationError{Field: field, Reason: reason})
	}

	if c.Envoy.Host == "" {
		add("ENVOY_HOST", "is required")
	}

	exchange := []string{c.Envoy.Username, c.Envoy.Password, c.Envoy.Serial}
	set := 0
	for _, v := range exchange {
		if v != "" {
			set++
		}
	}
	switch {
	case c.Envoy.Token != "" && set > 0:
		add("ENVOY_TOKEN", "cannot be combined with ENVOY_USERNAME/ENVOY_PASSWORD/ENVOY_SERIAL")
	case c.Envoy.Token == "" && set == 0:
		add("ENVOY_TOKEN", "set ENVOY_TOKEN or ENVOY_USERNAME, ENVOY_PASSWORD and ENVOY_SERIAL")
	case c.Envoy.Token == "" && set < len(exchange):
		add("ENVOY_USERNAME", "ENVOY_USERNAME, ENVOY_PASSWORD and ENVOY_SERIAL must all be set")
	}
	return errs
}
