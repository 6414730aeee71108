package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server     Server     `json:"server" yaml:"server" mapstructure:"server"`
	Store      Store      `json:"store" yaml:"store" mapstructure:"store"`
	Coalescer  Coalescer  `json:"coalescer" yaml:"coalescer" mapstructure:"coalescer"`
	Queue      Queue      `json:"queue" yaml:"queue" mapstructure:"queue"`
	Controller Controller `json:"controller" yaml:"controller" mapstructure:"controller"`
	Log        Log        `json:"log" yaml:"log" mapstructure:"log"`
}

type Server struct {
	Port int `json:"port" yaml:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
}

// Store selects and configures the remote tree backend
type Store struct {
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=sqlite redis rtdb"`
	// Root prefixes every path, e.g. users/{uid}
	Root   string `json:"root" yaml:"root" mapstructure:"root"`
	SQLite SQLite `json:"sqlite" yaml:"sqlite" mapstructure:"sqlite"`
	Redis  Redis  `json:"redis" yaml:"redis" mapstructure:"redis"`
	RTDB   RTDB   `json:"rtdb" yaml:"rtdb" mapstructure:"rtdb"`
}

type SQLite struct {
	FilePath string `json:"filePath" yaml:"filePath" mapstructure:"filePath"`
}

type Redis struct {
	URL string `json:"url" yaml:"url" mapstructure:"url" validate:"omitempty,url"`
}

type RTDB struct {
	URL         string        `json:"url" yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	AuthToken   string        `json:"authToken" yaml:"authToken" mapstructure:"authToken"`
	MaxRetries  int           `json:"maxRetries" yaml:"maxRetries" mapstructure:"maxRetries" validate:"gte=0"`
	BaseBackoff time.Duration `json:"baseBackoff" yaml:"baseBackoff" mapstructure:"baseBackoff" validate:"gte=0"`
}

// Coalescer configures the batched series-level writes
type Coalescer struct {
	BatchSize  int           `json:"batchSize" yaml:"batchSize" mapstructure:"batchSize" validate:"gte=0"`
	QuietDelay time.Duration `json:"quietDelay" yaml:"quietDelay" mapstructure:"quietDelay" validate:"gte=0"`
	MaxDelay   time.Duration `json:"maxDelay" yaml:"maxDelay" mapstructure:"maxDelay" validate:"gte=0"`
}

// Queue configures the durable retry queue
type Queue struct {
	MaxRetries    int           `json:"maxRetries" yaml:"maxRetries" mapstructure:"maxRetries" validate:"gte=0"`
	BaseDelay     time.Duration `json:"baseDelay" yaml:"baseDelay" mapstructure:"baseDelay" validate:"gte=0"`
	FlushTimeout  time.Duration `json:"flushTimeout" yaml:"flushTimeout" mapstructure:"flushTimeout" validate:"gte=0"`
	StaleAfter    time.Duration `json:"staleAfter" yaml:"staleAfter" mapstructure:"staleAfter" validate:"gte=0"`
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweepInterval" mapstructure:"sweepInterval" validate:"gte=0"`
}

type Controller struct {
	SettleDelay time.Duration `json:"settleDelay" yaml:"settleDelay" mapstructure:"settleDelay" validate:"gte=0"`
	SnapshotTTL time.Duration `json:"snapshotTTL" yaml:"snapshotTTL" mapstructure:"snapshotTTL" validate:"gte=0"`
}

// Log configures the optional rotating log file
type Log struct {
	File       string `json:"file" yaml:"file" mapstructure:"file"`
	MaxSize    int    `json:"maxSize" yaml:"maxSize" mapstructure:"maxSize" validate:"gte=0"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups" mapstructure:"maxBackups" validate:"gte=0"`
	MaxAge     int    `json:"maxAge" yaml:"maxAge" mapstructure:"maxAge" validate:"gte=0"`
	Compress   bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
}

type ConfigUnmarshaler interface {
	ReadInConfig() error
	Unmarshal(any, ...viper.DecoderConfigOption) error
	ConfigFileUsed() string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New reads a new configuration
func New(cu ConfigUnmarshaler) (Config, error) {
	var c Config

	if cu.ConfigFileUsed() != "" {
		err := cu.ReadInConfig()
		if err != nil {
			return c, err
		}
	}

	err := cu.Unmarshal(&c)
	if err != nil {
		return c, err
	}

	if err := validate.Struct(c); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}
