package log

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config describes the optional log configuration file. Filters use the
// zapfilter rule syntax and are matched against named loggers.
type Config struct {
	DefaultLevel string   `yaml:"defaultLevel"`
	Filters      []string `yaml:"filters"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Rules() string {
	return strings.Join(c.Filters, " ")
}

func (c *Config) Level(defaultVal Level) Level {
	if c.DefaultLevel == "" {
		return defaultVal
	}
	level, err := ParseLevel(c.DefaultLevel)
	if err != nil {
		return defaultVal
	}
	return level
}
