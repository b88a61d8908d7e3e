package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/config"
)

type testConfig struct {
	Name     string        `env:"NAME" envDefault:"default"`
	Workers  int           `env:"WORKERS" envDefault:"1"`
	Interval time.Duration `env:"INTERVAL" envDefault:"1s"`
	Tags     []string      `env:"TAGS" envSeparator:","`
}

type requiredConfig struct {
	Secret string `env:"SECRET,required"`
}

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []config.Option
		want testConfig
	}{
		{
			name: "defaults",
			opts: []config.Option{config.WithEnvironment(map[string]string{})},
			want: testConfig{Name: "default", Workers: 1, Interval: time.Second},
		},
		{
			name: "environment",
			opts: []config.Option{config.WithEnvironment(map[string]string{
				"NAME": "engine", "WORKERS": "4", "INTERVAL": "250ms", "TAGS": "a,b",
			})},
			want: testConfig{Name: "engine", Workers: 4, Interval: 250 * time.Millisecond, Tags: []string{"a", "b"}},
		},
		{
			name: "prefix",
			opts: []config.Option{
				config.WithPrefix("APP_"),
				config.WithEnvironment(map[string]string{"APP_NAME": "prefixed", "NAME": "ignored"}),
			},
			want: testConfig{Name: "prefixed", Workers: 1, Interval: time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg testConfig
			opts := append([]config.Option{config.WithoutDefaultEnvFile()}, tt.opts...)
			require.NoError(t, config.Load(&cfg, opts...))
			assert.Equal(t, tt.want, cfg)
		})
	}
}

func TestLoad_EnvFiles(t *testing.T) {
	t.Parallel()

	first := writeEnvFile(t, "NAME=first\nWORKERS=2\n")
	second := writeEnvFile(t, "NAME=second\nINTERVAL=5s\n")

	var cfg testConfig
	err := config.Load(&cfg,
		config.WithoutDefaultEnvFile(),
		config.WithEnvFiles(first, second),
		config.WithEnvironment(map[string]string{"WORKERS": "8"}),
	)
	require.NoError(t, err)

	assert.Equal(t, "first", cfg.Name, "earlier files win")
	assert.Equal(t, 8, cfg.Workers, "environment wins over files")
	assert.Equal(t, 5*time.Second, cfg.Interval)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, config.Load[testConfig](nil), config.ErrNilPointer)

	var cfg testConfig
	err := config.Load(&cfg, config.WithoutDefaultEnvFile(), config.WithEnvFiles(filepath.Join(t.TempDir(), "missing.env")))
	require.ErrorIs(t, err, config.ErrEnvFile)

	err = config.Load(&cfg, config.WithoutDefaultEnvFile(), config.WithEnvironment(map[string]string{"WORKERS": "many"}))
	require.ErrorIs(t, err, config.ErrParsingConfig)

	var req requiredConfig
	err = config.Load(&req, config.WithoutDefaultEnvFile(), config.WithEnvironment(map[string]string{}))
	require.ErrorIs(t, err, config.ErrParsingConfig)

	assert.Panics(t, func() {
		config.MustLoad(&req, config.WithoutDefaultEnvFile(), config.WithEnvironment(map[string]string{}))
	})
}

func TestLoad_ProcessEnvironment(t *testing.T) {
	t.Setenv("NOTIFYKIT_CONFIG_TEST_NAME", "from-process")

	var cfg testConfig
	require.NoError(t, config.Load(&cfg, config.WithoutDefaultEnvFile(), config.WithPrefix("NOTIFYKIT_CONFIG_TEST_")))
	assert.Equal(t, "from-process", cfg.Name)
}
