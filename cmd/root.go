package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/Alex-solo31/mj-bot-server/mjbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = mjbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "mj-bot-server [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", mjbot.DefaultDatabase)
	viper.SetDefault(
		"database_slow_threshold",
		mjbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		mjbot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", mjbot.DefaultLogLevel.String())
	viper.SetDefault("shutdown_timeout", mjbot.DefaultShutdownTimeout)

	viper.SetDefault("memory_limit", mjbot.DefaultMemoryLimit)
	viper.SetDefault("system_prompt", mjbot.DefaultSystemPrompt)
	viper.SetDefault("error_message", mjbot.DefaultDiscordErrorMessage)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.custom_status", "")
	viper.SetDefault(
		"discord.gateway_intents",
		mjbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.log_level",
		mjbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		mjbot.DefaultDiscordgoLogLevel.String(),
	)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", mjbot.DefaultOpenAIModel)
	viper.SetDefault("openai.temperature", mjbot.DefaultOpenAITemperature)
	viper.SetDefault(
		"openai.max_requests_per_second",
		mjbot.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", mjbot.DefaultOpenAILogLevel.String())

	// PocketBase config
	viper.SetDefault("pocketbase.url", "")
	viper.SetDefault("pocketbase.admin_identity", "")
	viper.SetDefault("pocketbase.admin_password", "")
	viper.SetDefault("pocketbase.timeout", mjbot.DefaultPocketBaseTimeout)
	viper.SetDefault(
		"pocketbase.log_level",
		mjbot.DefaultPocketBaseLogLevel.String(),
	)

	envPrefix := os.Getenv(mjbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = mjbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"pocketbase.log_level",
	} {
		// already converted on a previous initialization
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load",
	)
}
