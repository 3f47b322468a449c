// Package config assembles the gateway configuration from defaults, an
// optional YAML file and the environment, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"chat-gateway/internal/utils"

	"gopkg.in/yaml.v3"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"database_url"`
	StorageDriver string `yaml:"storage_driver"`
	RedisAddr     string `yaml:"redis_addr"`

	KafkaBrokers     []string `yaml:"kafka_brokers"`
	KafkaNotifyTopic string   `yaml:"kafka_notify_topic"`

	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	SystemUserID   int    `yaml:"system_user_id"`
	SystemUserName string `yaml:"system_user_name"`

	AutoResponseContent string        `yaml:"auto_response_content"`
	AutoResponseDelay   time.Duration `yaml:"auto_response_delay"`
	TypingTTL           time.Duration `yaml:"typing_ttl"`
	AwayAfter           time.Duration `yaml:"away_after"`
	PresenceSweep       string        `yaml:"presence_sweep"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	SendBuffer       int           `yaml:"send_buffer"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Port:                "3001",
		KafkaNotifyTopic:    "chat-notifications",
		JWTSecret:           "secret",
		TokenTTL:            72 * time.Hour,
		SystemUserID:        -1,
		SystemUserName:      "ChatBot",
		AutoResponseContent: "Thanks for your message! This is an automated reply.",
		AutoResponseDelay:   2 * time.Second,
		AwayAfter:           5 * time.Minute,
		PresenceSweep:       "@every 1m",
		HandshakeTimeout:    10 * time.Second,
		MaxMessageSize:      4096,
		SendBuffer:          256,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads .env, then the YAML file named by CONFIG_FILE (if any), then
// environment variables.
func Load() (Config, error) {
	_ = utils.LoadEnv()

	cfg := Default()
	if path := utils.GetEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	return cfg.sanitize(), nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = utils.GetEnv("PORT", c.Port)
	c.DatabaseURL = utils.GetEnv("DATABASE_URL", c.DatabaseURL)
	if c.DatabaseURL == "" && utils.GetEnv("POSTGRES_HOST", "") != "" {
		// Fallback to individual vars
		c.DatabaseURL = "postgres://" + utils.GetEnv("POSTGRES_USER", "postgres") + ":" +
			utils.GetEnv("POSTGRES_PASSWORD", "postgres") + "@" +
			utils.GetEnv("POSTGRES_HOST", "localhost") + ":" +
			utils.GetEnv("POSTGRES_PORT", "5432") + "/" +
			utils.GetEnv("POSTGRES_DB", "chatdb") + "?sslmode=disable"
	}
	c.StorageDriver = utils.GetEnv("STORAGE_DRIVER", c.StorageDriver)
	c.RedisAddr = utils.GetEnv("REDIS_ADDR", c.RedisAddr)
	if brokers := utils.GetEnvList("KAFKA_BROKERS"); len(brokers) > 0 {
		c.KafkaBrokers = brokers
	}
	c.KafkaNotifyTopic = utils.GetEnv("KAFKA_NOTIFY_TOPIC", c.KafkaNotifyTopic)
	c.JWTSecret = utils.GetEnv("JWT_SECRET", c.JWTSecret)
	c.TokenTTL = utils.GetEnvDuration("TOKEN_TTL", c.TokenTTL)
	c.SystemUserID = utils.GetEnvInt("SYSTEM_USER_ID", c.SystemUserID)
	c.SystemUserName = utils.GetEnv("SYSTEM_USER_NAME", c.SystemUserName)
	c.AutoResponseContent = utils.GetEnv("AUTO_RESPONSE_CONTENT", c.AutoResponseContent)
	c.AutoResponseDelay = utils.GetEnvDuration("AUTO_RESPONSE_DELAY", c.AutoResponseDelay)
	c.TypingTTL = utils.GetEnvDuration("TYPING_TTL", c.TypingTTL)
	c.AwayAfter = utils.GetEnvDuration("AWAY_AFTER", c.AwayAfter)
	c.PresenceSweep = utils.GetEnv("PRESENCE_SWEEP", c.PresenceSweep)
	c.HandshakeTimeout = utils.GetEnvDuration("HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.MaxMessageSize = int64(utils.GetEnvInt("MAX_MESSAGE_SIZE", int(c.MaxMessageSize)))
	c.SendBuffer = utils.GetEnvInt("SEND_BUFFER", c.SendBuffer)
	c.LogLevel = utils.GetEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = utils.GetEnv("LOG_FORMAT", c.LogFormat)
}

func (c Config) sanitize() Config {
	def := Default()
	c.Port = strings.TrimPrefix(strings.TrimSpace(c.Port), ":")
	if c.Port == "" {
		c.Port = def.Port
	}
	switch c.StorageDriver {
	case StoragePostgres, StorageMemory:
	default:
		if c.DatabaseURL != "" {
			c.StorageDriver = StoragePostgres
		} else {
			c.StorageDriver = StorageMemory
		}
	}
	if c.KafkaNotifyTopic == "" {
		c.KafkaNotifyTopic = def.KafkaNotifyTopic
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
	// Positive ids belong to real users and zero means unauthenticated.
	if c.SystemUserID >= 0 {
		c.SystemUserID = def.SystemUserID
	}
	if c.SystemUserName == "" {
		c.SystemUserName = def.SystemUserName
	}
	if c.AutoResponseContent == "" {
		c.AutoResponseContent = def.AutoResponseContent
	}
	if c.AutoResponseDelay < 0 {
		c.AutoResponseDelay = def.AutoResponseDelay
	}
	if c.TypingTTL < 0 {
		c.TypingTTL = 0
	}
	if c.AwayAfter <= 0 {
		c.AwayAfter = def.AwayAfter
	}
	if c.PresenceSweep == "" {
		c.PresenceSweep = def.PresenceSweep
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	return c
}

// Addr is the listen address for fiber.
func (c Config) Addr() string {
	return ":" + c.Port
}
