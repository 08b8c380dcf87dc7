package config

import (
	"errors"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (Default())
//  2. file (YAML) if TOTE_CONFIG is set
//  3. env (prefix TOTE_)
func Load() (*Config, error) {
	base := Default()

	k := koanf.New(".")

	// Load from file if provided
	if path := os.Getenv("TOTE_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// Environment variables: TOTE_POSTGRES_DSN, TOTE_HTTP_ADDR, ...
	// Map env keys like TOTE_HTTP_ADDR -> http_addr (flat keys).
	// Preserve underscores to match koanf tags on the struct.
	envProvider := env.Provider("TOTE_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "tote_")
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	// Unmarshal into a copy
	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	// Basic validation
	if cfg.PostgresDSN == "" {
		return nil, errors.New("postgres_dsn must not be empty")
	}
	if cfg.HTTPAddr == "" {
		return nil, errors.New("http_addr must not be empty")
	}
	if cfg.OperatorPayoutAccount == "" {
		return nil, errors.New("operator_payout_account must not be empty")
	}
	if cfg.CustodyAccount == "" {
		return nil, errors.New("custody_account must not be empty")
	}
	if cfg.PersistBatchSize <= 0 {
		return nil, errors.New("persist_batch_size must be positive")
	}
	return &cfg, nil
}
