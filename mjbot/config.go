//nolint:lll // struct tags can't be split
package mjbot

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "MJBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "MJBOT"

	DefaultDatabase              = "mjbot.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultOpenAILogLevel        = slog.LevelInfo
	DefaultPocketBaseLogLevel    = slog.LevelInfo

	DefaultOpenAIModel                = "gpt-4o-mini"
	DefaultOpenAITemperature          = float32(0.8)
	DefaultOpenAIMaxRequestsPerSecond = 1

	DefaultPocketBaseTimeout = 10 * time.Second

	// DefaultMemoryLimit caps how many turn records are fetched per message
	// to rebuild the conversation context.
	DefaultMemoryLimit = 20

	DefaultShutdownTimeout = 30 * time.Second

	// DefaultDiscordGatewayIntent covers guild messages plus message content,
	// which the bot needs to read what players type.
	DefaultDiscordGatewayIntent = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent

	// DefaultDiscordErrorMessage is sent as the reply when the message
	// pipeline fails at any step after filtering.
	DefaultDiscordErrorMessage = "Oups, j’ai eu un souci technique, réessaye dans un instant."

	// DefaultPlayerDisplayName is used when a discord user has neither a
	// username nor a global name.
	DefaultPlayerDisplayName = "Joueur"
)

// DefaultSystemPrompt is the fixed game-master instruction block sent as
// the first message of every completion request. Override via
// [Config.SystemPrompt].
const DefaultSystemPrompt = `Tu es un maître de jeu (MJ) pour un jeu de rôle textuel sur Discord.
- Style cinématographique, descriptions courtes (3–5 lignes), pas de pavés.
- Tu ne joues JAMAIS à la place du joueur, tu décris le monde et les PNJ.
- Monde cohérent, PNJ avec une personnalité stable, qui se souviennent des actions du joueur.
- Pas de gore, pas de contenu sexuel, pas de torture détaillée.
- Tu termines chaque tour par une courte question ou proposition d’action (max 7 mots).
Réponds toujours en français.`

// Config is the top-level configuration for the bot.
type Config struct {
	// Database is the SQLite file path for the local message log
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// OpenAI configures the completion gateway
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// PocketBase configures the persistence backend holding players and turns
	PocketBase *PocketBaseConfig `yaml:"pocketbase" mapstructure:"pocketbase" json:"pocketbase"`

	// MemoryLimit is the maximum number of turn records loaded per message
	MemoryLimit int `yaml:"memory_limit" mapstructure:"memory_limit" json:"memory_limit" binding:"min=1"`

	// SystemPrompt is the game-master instruction block. Defaults to
	// [DefaultSystemPrompt] when empty.
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	// ErrorMessage is the per-message fallback reply
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord connection.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// CustomStatus is set as the bot's status on connect, if non-empty
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	httpClient *http.Client
}

// OpenAIConfig configures the completion gateway.
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Model identifier sent with every completion request
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// Temperature is the fixed sampling temperature
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`

	// MaxRequestsPerSecond limits outbound completion calls
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=1"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// PocketBaseConfig configures the persistence backend that owns the
// player and turn collections.
type PocketBaseConfig struct {
	// Base URL of the PocketBase instance (e.g. https://pb.example.com)
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`

	// Admin identity used for the auth-with-password exchange
	AdminIdentity string `yaml:"admin_identity" mapstructure:"admin_identity" json:"admin_identity" binding:"required"`

	// Admin password used for the auth-with-password exchange
	AdminPassword string `yaml:"admin_password" mapstructure:"admin_password" json:"admin_password" log:"[redacted]" binding:"required"`

	// Timeout applied to every backend request
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// PocketBase client log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	pocketbaseLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	pocketbaseLogLevel.Set(DefaultPocketBaseLogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		MemoryLimit:           DefaultMemoryLimit,
		SystemPrompt:          DefaultSystemPrompt,
		ErrorMessage:          DefaultDiscordErrorMessage,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		OpenAI: &OpenAIConfig{
			Model:                DefaultOpenAIModel,
			Temperature:          DefaultOpenAITemperature,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             openaiLogLevel,
		},
		PocketBase: &PocketBaseConfig{
			Timeout:  DefaultPocketBaseTimeout,
			LogLevel: pocketbaseLogLevel,
		},
	}
}
