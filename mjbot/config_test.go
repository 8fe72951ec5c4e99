package mjbot

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a Config suitable for tests: defaults with
// placeholder credentials, a temp-dir database and quieter logging.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.Discord.Token = "discord-test-token"
	cfg.OpenAI.Token = "sk-test"
	cfg.OpenAI.MaxRequestsPerSecond = 1000
	cfg.PocketBase.URL = "http://127.0.0.1:1"
	cfg.PocketBase.AdminIdentity = testAdminIdentity
	cfg.PocketBase.AdminPassword = testAdminPassword

	cfg.LogLevel.Set(slog.LevelWarn)
	cfg.DatabaseLogLevel.Set(slog.LevelWarn)
	cfg.Discord.LogLevel.Set(slog.LevelWarn)
	cfg.Discord.DiscordGoLogLevel.Set(slog.LevelWarn)
	cfg.OpenAI.LogLevel.Set(slog.LevelWarn)
	cfg.PocketBase.LogLevel.Set(slog.LevelWarn)
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultMemoryLimit, cfg.MemoryLimit)
	assert.Equal(t, DefaultSystemPrompt, cfg.SystemPrompt)
	assert.Equal(t, DefaultDiscordErrorMessage, cfg.ErrorMessage)
	assert.Equal(t, DefaultOpenAIModel, cfg.OpenAI.Model)
	assert.Equal(t, DefaultOpenAITemperature, cfg.OpenAI.Temperature)
	assert.Equal(t, DefaultPocketBaseTimeout, cfg.PocketBase.Timeout)
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	t.Run(
		"nil config", func(t *testing.T) {
			t.Parallel()
			_, err := New(nil)
			require.Error(t, err)
		},
	)

	t.Run(
		"missing discord token", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.Discord.Token = ""
			_, err := New(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Token")
		},
	)

	t.Run(
		"missing openai token", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.OpenAI.Token = ""
			_, err := New(cfg)
			require.Error(t, err)
		},
	)

	t.Run(
		"pocketbase url not a url", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.PocketBase.URL = "not-a-url"
			_, err := New(cfg)
			require.Error(t, err)
		},
	)

	t.Run(
		"zero memory limit", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.MemoryLimit = 0
			_, err := New(cfg)
			require.Error(t, err)
		},
	)

	t.Run(
		"temperature out of range", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.OpenAI.Temperature = 2.5
			_, err := New(cfg)
			require.Error(t, err)
		},
	)
}

func TestNewAppliesFallbackDefaults(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.SystemPrompt = ""
	cfg.ErrorMessage = ""
	cfg.ShutdownTimeout = 0

	_, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultSystemPrompt, cfg.SystemPrompt)
	assert.Equal(t, DefaultDiscordErrorMessage, cfg.ErrorMessage)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.NotNil(t, cfg.HTTPClient)
}

func TestNewAppliesDatabaseLogging(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseSlowThreshold = 750 * time.Millisecond

	bot, err := New(cfg)
	require.NoError(t, err)

	gormLogger, ok := bot.writeDB.DB().Logger.(*gormStructuredLogger)
	require.True(t, ok)
	assert.Equal(t, cfg.DatabaseSlowThreshold, gormLogger.SlowThreshold)
}

func TestDefaultFrenchText(t *testing.T) {
	t.Parallel()

	// the apology and prompt carry typographic apostrophes
	assert.Contains(t, DefaultDiscordErrorMessage, "j’ai")
	assert.NotContains(t, DefaultDiscordErrorMessage, "'")
	assert.Contains(t, DefaultSystemPrompt, "proposition d’action")
	assert.NotContains(t, DefaultSystemPrompt, "'")
}
