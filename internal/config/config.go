// Package config defines the indexer's runtime configuration: flags,
// environment fallbacks, defaults, and validation.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved set of knobs the indexer runs with.
type Config struct {
	RepositoryURL            string `mapstructure:"repository-url" validate:"required,url"`
	Database                 string `mapstructure:"database" validate:"required"`
	MaxParallelSmallRequests int    `mapstructure:"max-parallel-small-requests" validate:"min=1"`
	MaxParallelLargeRequests int    `mapstructure:"max-parallel-large-requests" validate:"min=1"`
	OutputDirectory          string `mapstructure:"output-directory" validate:"required"`
	NoSync                   bool   `mapstructure:"no-sync"`
	NoGenerate               bool   `mapstructure:"no-generate"`
	PruneDependencies        bool   `mapstructure:"prune-dependencies"`
	LogLevel                 string `mapstructure:"log-level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat                string `mapstructure:"log-format" validate:"omitempty,oneof=json text"`
}

// envPrefix is the common prefix for every environment-variable override.
const envPrefix = "JB_REPO_INDEXER"

// BindFlags registers the CLI surface on fs and binds viper to it,
// including the environment fallbacks named in the external interfaces:
// JB_REPO_INDEXER_DB and JB_REPO_INDEXER_OUTPUT_DIRECTORY plus the
// log-level/log-format knobs that round out the rest of the surface.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("repository-url", "https://plugins.jetbrains.com", "base URL of the upstream plugin repository")
	fs.String("database", "indexer.db", "path to the persistent store")
	fs.Int("max-parallel-small-requests", 32, "maximum concurrent small (metadata) repo requests")
	fs.Int("max-parallel-large-requests", 4, "maximum concurrent large (download/hash) repo requests")
	fs.String("output-directory", "meta", "directory the catalogue generator writes into")
	fs.Bool("no-sync", false, "skip reconciliation against the remote repository")
	fs.Bool("no-generate", false, "skip static catalogue emission")
	fs.Bool("prune-dependencies", false, "delete update-dependency rows no longer reported upstream")
	fs.String("log-level", "info", "log verbosity: debug, info, warn, error")
	fs.String("log-format", "text", "log encoding: json or text")

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("config: bind flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("database", envPrefix+"_DB"); err != nil {
		return fmt.Errorf("config: bind database env: %w", err)
	}
	if err := v.BindEnv("output-directory", envPrefix+"_OUTPUT_DIRECTORY"); err != nil {
		return fmt.Errorf("config: bind output-directory env: %w", err)
	}
	if err := v.BindEnv("log-level", envPrefix+"_LOG_LEVEL"); err != nil {
		return fmt.Errorf("config: bind log-level env: %w", err)
	}

	return nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration for internal consistency.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}
