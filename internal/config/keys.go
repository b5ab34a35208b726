package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TANDEM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "TANDEM_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TANDEM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "TANDEM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "learning.formality_confidence", typ: kFloat, env: "TANDEM_LEARNING_FORMALITY_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Learning.FormalityConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Learning.FormalityConfidence },
	},
	{
		key: "learning.formality_min_history", typ: kInt, env: "TANDEM_LEARNING_FORMALITY_MIN_HISTORY",
		apply:   func(cfg *Config, v any) { cfg.Learning.FormalityMinHistory = v.(int) },
		extract: func(cfg Config) any { return cfg.Learning.FormalityMinHistory },
	},
	{
		key: "learning.adaptability_every", typ: kInt, env: "TANDEM_LEARNING_ADAPTABILITY_EVERY",
		apply:   func(cfg *Config, v any) { cfg.Learning.AdaptabilityEvery = v.(int) },
		extract: func(cfg Config) any { return cfg.Learning.AdaptabilityEvery },
	},
	{
		key: "learning.adaptability_min_preferences", typ: kInt, env: "TANDEM_LEARNING_ADAPTABILITY_MIN_PREFERENCES",
		apply:   func(cfg *Config, v any) { cfg.Learning.AdaptabilityMinPreferences = v.(int) },
		extract: func(cfg Config) any { return cfg.Learning.AdaptabilityMinPreferences },
	},
	{
		key: "composer.seed", typ: kInt, env: "TANDEM_COMPOSER_SEED",
		apply:   func(cfg *Config, v any) { cfg.Composer.Seed = v.(int) },
		extract: func(cfg Config) any { return cfg.Composer.Seed },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

// applyEnvOverrides applies every variable lookup returns non-empty.
func applyEnvOverrides(cfg *Config, lookup func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := lookup(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
