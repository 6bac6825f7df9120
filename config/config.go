package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// The configuration of a client of the chunk I/O engine. Zero fields take their defaults.
type Configuration struct {
	// How long a chunkserver may leave a write unacknowledged.
	WriteTimeout time.Duration `yaml:"write-timeout"`
	// How long a single part read may take.
	ReadTimeout time.Duration `yaml:"read-timeout"`
	DialTimeout time.Duration `yaml:"dial-timeout"`
	// Additional dial attempts after the first one fails. Unset means DefaultDialRetries; zero disables retries.
	DialRetries *uint64 `yaml:"dial-retries"`
	// How long an unused pooled connection is kept.
	IdleTimeout time.Duration `yaml:"idle-timeout"`

	LogLevel         string `yaml:"log-level"`
	LogFormat        string `yaml:"log-format"`
	MetricsNamespace string `yaml:"metrics-namespace"`
}

const (
	DefaultWriteTimeout     = 5 * time.Second
	DefaultReadTimeout      = 2 * time.Second
	DefaultDialTimeout      = time.Second
	DefaultDialRetries      = 3
	DefaultIdleTimeout      = 90 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultMetricsNamespace = "lizardfs"
)

func Default() *Configuration {
	config := &Configuration{}
	config.ApplyDefaults()
	return config
}

func (c *Configuration) ApplyDefaults() {
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.DialRetries == nil {
		retries := uint64(DefaultDialRetries)
		c.DialRetries = &retries
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = DefaultMetricsNamespace
	}
}

// The number of dial retries, with the default if unset.
func (c *Configuration) DialRetryCount() uint64 {
	if c.DialRetries == nil {
		return DefaultDialRetries
	}
	return *c.DialRetries
}

// Sets the number of dial retries.
func (c *Configuration) SetDialRetries(retries uint64) {
	c.DialRetries = &retries
}

func (c *Configuration) Validate() error {
	for name, duration := range map[string]time.Duration{
		"write-timeout": c.WriteTimeout,
		"read-timeout":  c.ReadTimeout,
		"dial-timeout":  c.DialTimeout,
		"idle-timeout":  c.IdleTimeout,
	} {
		if duration < 0 {
			return errors.Errorf("%s must not be negative: %v", name, duration)
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "invalid log-level")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return errors.Errorf("no such log-format: %s", c.LogFormat)
	}
	return nil
}

// Reads a YAML configuration file, fills in defaults and validates the result.
func LoadConfig(path string) (*Configuration, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := &Configuration{}
	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "in %s", path)
	}
	return config, nil
}

// Sets up the standard logger from the configuration.
func ConfigureLogging(config *Configuration) error {
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Wrap(err, "invalid log-level")
	}
	log.SetLevel(level)
	switch config.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("no such log-format: %s", config.LogFormat)
	}
	return nil
}
