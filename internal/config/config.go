// Package config loads daemon and CLI configuration from file, environment
// variables and defaults, including the kind catalog the engine migrates.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/soltura/migrate/internal/schema"
)

// configName is the config file name without extension.
const configName = ".migrate"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for settings.
const envPrefix = "MIGRATE"

// Config is the full runtime configuration.
type Config struct {
	Environment string `mapstructure:"environment" validate:"required"`
	Listen      string `mapstructure:"listen" validate:"required"`

	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
		Format string `mapstructure:"format" validate:"oneof=text json"`
	} `mapstructure:"log"`

	Database struct {
		Driver string `mapstructure:"driver" validate:"oneof=memory postgres neo4j"`
		URL    string `mapstructure:"url" validate:"required_if=Driver postgres"`
		Neo4j  struct {
			URI      string `mapstructure:"uri"`
			Username string `mapstructure:"username"`
			Password string `mapstructure:"password"`
			Database string `mapstructure:"database"`
		} `mapstructure:"neo4j"`
	} `mapstructure:"database" validate:"required"`

	Storage struct {
		Driver          string `mapstructure:"driver" validate:"oneof=none fs gcs"`
		Root            string `mapstructure:"root" validate:"required_if=Driver fs"`
		Bucket          string `mapstructure:"bucket" validate:"required_if=Driver gcs"`
		Prefix          string `mapstructure:"prefix"`
		CredentialsFile string `mapstructure:"credentials_file"`
	} `mapstructure:"storage"`

	// Archive settings cover where finished exports, staged receives and
	// checkpoint archives live.
	Archive struct {
		Dir string `mapstructure:"dir" validate:"required"`
	} `mapstructure:"archive"`

	Remote struct {
		URL   string `mapstructure:"url" validate:"omitempty,url"`
		Token string `mapstructure:"token"`
	} `mapstructure:"remote"`

	Transfer struct {
		Workers int `mapstructure:"workers" validate:"min=1,max=64"`
	} `mapstructure:"transfer"`

	Kinds []schema.Kind `mapstructure:"kinds" validate:"required,min=1,dive"`
}

// Load reads configuration. If configPath is non-empty it is used as the
// explicit config file; otherwise the file is searched in CWD and $HOME.
// A missing config file is an error here, unlike tools that can run on
// defaults, because the kind catalog has no usable default.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("no config file found: %w", err)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("environment", "")
	v.SetDefault("listen", ":8700")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("storage.driver", "none")
	v.SetDefault("archive.dir", "archives")
	v.SetDefault("transfer.workers", 5)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Registry builds the kind registry from the configured catalog.
func (c *Config) Registry() (*schema.Registry, error) {
	reg, err := schema.NewRegistry(c.Kinds...)
	if err != nil {
		return nil, fmt.Errorf("building kind registry: %w", err)
	}
	return reg, nil
}
