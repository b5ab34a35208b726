package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Learning LearningConfig
	Composer ComposerConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// LearningConfig tunes how conversation signals become stored knowledge.
type LearningConfig struct {
	FormalityConfidence        float64
	FormalityMinHistory        int
	AdaptabilityEvery          int
	AdaptabilityMinPreferences int
}

type ComposerConfig struct {
	// Seed fixes template selection; 0 picks at random.
	Seed int
}

// DotEnvFile is read from the working directory when present.
const DotEnvFile = ".env"

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Learning: LearningConfig{
			FormalityConfidence:        0.7,
			FormalityMinHistory:        0,
			AdaptabilityEvery:          5,
			AdaptabilityMinPreferences: 3,
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, and environment variables.
//
// On macOS the backend is UserDefaults (domain: com.tandem.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/tandem/config.json.
//
// TANDEM_* variables override backend values on all platforms. Variables set
// in the process environment win over the same names in .env.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), DotEnvFile)
}

func loadWith(b ConfigBackend, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	dotenv, err := readDotEnv(envFile)
	if err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg, func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	})

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	vals, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return vals, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Learning.FormalityConfidence <= 0 || c.Learning.FormalityConfidence > 1 {
		return fmt.Errorf("learning.formality_confidence must be in (0, 1], got %v", c.Learning.FormalityConfidence)
	}
	if c.Learning.AdaptabilityEvery <= 0 {
		return fmt.Errorf("learning.adaptability_every must be positive, got %d", c.Learning.AdaptabilityEvery)
	}
	if c.Learning.FormalityMinHistory < 0 || c.Learning.AdaptabilityMinPreferences < 0 {
		return errors.New("learning thresholds must not be negative")
	}
	return nil
}

// SlogLevel maps log.level to a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
