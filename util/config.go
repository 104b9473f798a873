package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "trunk"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

// QueueConfig tunes one queue of the job store.
type QueueConfig struct {
	Workers       int `yaml:"workers"`
	MaxAttempts   int `yaml:"maxAttempts"`
	BackoffBaseMs int `yaml:"backoffBaseMs"`
}

func (q QueueConfig) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseMs) * time.Millisecond
}

type AppConfig struct {
	Conf struct {
		Host                 string
		HttpPort             int                    `yaml:"httpPort"`
		SslDomain            string                 `yaml:"sslDomain"`
		WithAp               bool                   `yaml:"withAp"`
		DatabasePath         string                 `yaml:"databasePath"`
		RedisUrl             string                 `yaml:"redisUrl"`
		LogLevel             string                 `yaml:"logLevel"`
		TokenSecret          string                 `yaml:"tokenSecret"`
		StreamRefreshSeconds int                    `yaml:"streamRefreshSeconds"`
		Queues               map[string]QueueConfig `yaml:"queues"`
	}
}

// Queue returns the settings of the named queue, falling back to def for
// anything the file leaves unset.
func (c *AppConfig) Queue(name string, def QueueConfig) QueueConfig {
	q, ok := c.Conf.Queues[name]
	if !ok {
		return def
	}
	if q.Workers <= 0 {
		q.Workers = def.Workers
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = def.MaxAttempts
	}
	if q.BackoffBaseMs <= 0 {
		q.BackoffBaseMs = def.BackoffBaseMs
	}
	return q
}

func (c *AppConfig) StreamRefresh() time.Duration {
	if c.Conf.StreamRefreshSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Conf.StreamRefreshSeconds) * time.Second
}

// ConfigPath returns the config file ReadConf reads.
func ConfigPath() string {
	return ResolveFilePath(ConfigFileName)
}

func ReadConf() (*AppConfig, error) {
	log := Logger("config")
	configPath := ConfigPath()

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Info().Str("path", configPath).Msg("config file not found, using embedded defaults")
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn().Err(writeErr).Str("path", userConfigPath).Msg("could not write default config")
			} else {
				log.Info().Str("path", userConfigPath).Msg("created default config file")
			}
		}
	}
	return ParseConf(buf)
}

// ReadConfFile parses the config file at path.
func ReadConfFile(path string) (*AppConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConf(buf)
}

// ParseConf decodes a config file over the embedded defaults and applies
// environment overrides.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	if err := applyEnv(c); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("TRUNK_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("TRUNK_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRUNK_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("TRUNK_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("TRUNK_WITH_AP"); v != "" {
		c.Conf.WithAp = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TRUNK_DATABASE_PATH"); v != "" {
		c.Conf.DatabasePath = v
	}
	if v := os.Getenv("TRUNK_REDIS_URL"); v != "" {
		c.Conf.RedisUrl = v
	}
	if v := os.Getenv("TRUNK_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("TRUNK_TOKEN_SECRET"); v != "" {
		c.Conf.TokenSecret = v
	}
	return nil
}
