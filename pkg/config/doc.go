// Package config loads configuration structs from environment variables.
//
// It wraps github.com/caarlos0/env/v11 for tag-driven parsing and
// github.com/joho/godotenv for .env files. Files are read into a map rather
// than exported into the process, so loading never mutates os.Environ.
//
// # Usage
//
//	type Config struct {
//		Storage string        `env:"NOTIFY_STORAGE" envDefault:"memory"`
//		Poll    time.Duration `env:"NOTIFY_POLL_INTERVAL" envDefault:"1s"`
//	}
//
//	var cfg Config
//	if err := config.Load(&cfg, config.WithEnvFiles(".env.local")); err != nil {
//		return err
//	}
//
// Precedence, highest first: the process environment (or WithEnvironment),
// WithEnvFiles in the order given, then ./.env when it exists.
//
// # Errors
//
// Parsing failures are joined with ErrParsingConfig, unreadable explicit
// files with ErrEnvFile. Use errors.Is to check them.
package config
