// Package config loads runtime settings from dotenv files and HEALTHPASS_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"zkhealthpass/core/apperr"
	"zkhealthpass/core/storage"
)

const Prefix = "HEALTHPASS_"

type Config struct {
	DataDir string `env:"DATA_DIR" envDefault:"./healthpass_db"`
	DEK     string `env:"DEK"`

	CircuitPath    string        `env:"NOIR_CIRCUIT_PATH" envDefault:"../noir"`
	NargoBin       string        `env:"NARGO_BIN" envDefault:"nargo"`
	ProverTimeout  time.Duration `env:"PROVER_TIMEOUT" envDefault:"2m"`
	ScratchDir     string        `env:"SCRATCH_DIR"`
	ProverArtifact string        `env:"PROVER_ARTIFACT" envDefault:"target/health_passport_circuit.gz"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"50"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`

	MaxProofUsage          int           `env:"MAX_PROOF_USAGE" envDefault:"0"`
	DefaultProofExpiration time.Duration `env:"DEFAULT_PROOF_EXPIRATION" envDefault:"24h"`

	AuthorityPrivKey string `env:"AUTHORITY_PRIVKEY"`
	MetricsFile      string `env:"METRICS_FILE"`
}

// Load reads the given dotenv files, skipping any that do not exist, and
// then parses the process environment. Variables already set in the
// environment win over dotenv values.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, apperr.Wrap(apperr.KindBadInput, fmt.Sprintf("load env file %s", f), err)
		}
	}
	return parse(env.Options{Prefix: Prefix})
}

// FromMap parses settings from an explicit variable map instead of the
// process environment. Keys carry the HEALTHPASS_ prefix.
func FromMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, apperr.Wrap(apperr.KindBadInput, "parse environment", err)
	}
	return cfg, nil
}

// Validate checks the settings every storage-backed command needs.
func (c Config) Validate() error {
	if c.DEK == "" {
		return apperr.New(apperr.KindBadInput, Prefix+"DEK is required")
	}
	if _, err := storage.ParseDEK(c.DEK); err != nil {
		return apperr.Wrap(apperr.KindBadInput, Prefix+"DEK is invalid", err)
	}
	if c.ProverTimeout <= 0 {
		return apperr.New(apperr.KindBadInput, Prefix+"PROVER_TIMEOUT must be positive")
	}
	if c.MaxProofUsage < 0 {
		return apperr.New(apperr.KindBadInput, Prefix+"MAX_PROOF_USAGE must not be negative")
	}
	if c.DefaultProofExpiration < 0 {
		return apperr.New(apperr.KindBadInput, Prefix+"DEFAULT_PROOF_EXPIRATION must not be negative")
	}
	if c.LogMaxSizeMB <= 0 || c.LogMaxBackups < 0 {
		return apperr.New(apperr.KindBadInput, "log rotation limits are invalid")
	}
	return nil
}

// DefaultMaxUsage is the configured usage limit, nil when unlimited.
func (c Config) DefaultMaxUsage() *int {
	if c.MaxProofUsage == 0 {
		return nil
	}
	n := c.MaxProofUsage
	return &n
}
