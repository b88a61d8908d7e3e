package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type options struct {
	files       []string
	defaultFile bool
	prefix      string
	environment map[string]string
}

// Option configures Load.
type Option func(*options)

// WithEnvFiles reads variables from the given .env files. Files listed
// earlier win, and the process environment wins over all of them.
// A missing file is an error.
func WithEnvFiles(files ...string) Option {
	return func(o *options) {
		o.files = append(o.files, files...)
	}
}

// WithoutDefaultEnvFile skips the optional .env in the working directory.
func WithoutDefaultEnvFile() Option {
	return func(o *options) {
		o.defaultFile = false
	}
}

// WithPrefix prepends prefix to every variable name.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithEnvironment replaces the process environment as the source of
// variables. Tests use it to avoid touching os.Environ.
func WithEnvironment(vars map[string]string) Option {
	return func(o *options) {
		o.environment = vars
	}
}

// Load parses environment variables into v according to its env tags.
//
// Variables come from, in order of precedence: the process environment (or
// the map given to WithEnvironment), files passed to WithEnvFiles, and the
// .env file in the working directory when present.
//
// Example:
//
//	var cfg engine.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T, opts ...Option) error {
	if v == nil {
		return ErrNilPointer
	}

	o := &options{defaultFile: true}
	for _, opt := range opts {
		opt(o)
	}

	vars, err := o.variables()
	if err != nil {
		return err
	}

	if err := env.ParseWithOptions(v, env.Options{Environment: vars, Prefix: o.prefix}); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad works like Load but panics if configuration loading fails.
func MustLoad[T any](v *T, opts ...Option) {
	if err := Load(v, opts...); err != nil {
		panic(fmt.Sprintf("Failed to load required configuration: %v", err))
	}
}

func (o *options) variables() (map[string]string, error) {
	vars := make(map[string]string)

	if o.defaultFile {
		// The default file is optional
		if fileVars, err := godotenv.Read(); err == nil {
			merge(vars, fileVars)
		}
	}

	for i := len(o.files) - 1; i >= 0; i-- {
		fileVars, err := godotenv.Read(o.files[i])
		if err != nil {
			return nil, errors.Join(ErrEnvFile, fmt.Errorf("%s: %w", o.files[i], err))
		}
		merge(vars, fileVars)
	}

	if o.environment != nil {
		merge(vars, o.environment)
		return vars, nil
	}

	for _, kv := range os.Environ() {
		if k, val, ok := strings.Cut(kv, "="); ok {
			vars[k] = val
		}
	}
	return vars, nil
}

func merge(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
