package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/svatoshgpt/gemini-bot-discord/geminibot"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = geminibot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a log level, which are
// converted to *slog.LevelVar before unmarshaling
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"gemini.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// stringSliceKeys are space-separated in the environment
var stringSliceKeys = []string{
	"discord.model_admin_ids",
	"api.cors.allow_headers",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "gemini-bot [flags]",
	Short: "Discord bot which answers messages with Google Gemini",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes viper's settings into config. Slices and nested
// structs are replaced rather than merged, so a configured list shorter
// than its default doesn't keep the default's trailing items.
func unmarshalConfig(config *geminibot.Config) error {
	return viper.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
		func(dc *mapstructure.DecoderConfig) {
			dc.ZeroFields = true
		},
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
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

	viper.SetDefault("database", geminibot.DefaultDatabase)
	viper.SetDefault("database_type", geminibot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		geminibot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		geminibot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", geminibot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", geminibot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", geminibot.DefaultShutdownTimeout)

	// Gemini config
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.default_model", geminibot.DefaultGeminiModel)
	viper.SetDefault("gemini.vision_model", geminibot.DefaultGeminiVisionModel)
	viper.SetDefault("gemini.model_catalog", "")
	viper.SetDefault("gemini.prompt_separator", geminibot.DefaultPromptSeparator)
	viper.SetDefault("gemini.safety_threshold", geminibot.DefaultSafetyThreshold)
	viper.SetDefault("gemini.request_timeout", 0)
	viper.SetDefault("gemini.max_image_bytes", geminibot.DefaultMaxImageBytes)
	viper.SetDefault("gemini.log_level", geminibot.DefaultGeminiLogLevel.String())

	// History config
	viper.SetDefault("history.capacity", geminibot.DefaultHistoryCapacity)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.command_prefix", geminibot.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.max_message_length", cfg.Discord.MaxMessageLength)
	viper.SetDefault("discord.model_admin_ids", []string{})
	viper.SetDefault("discord.custom_status", geminibot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message_format", geminibot.DefaultDiscordErrorFormat)
	viper.SetDefault("discord.image_prompt", geminibot.DefaultDiscordImagePrompt)
	viper.SetDefault("discord.record_ambient_messages", true)
	viper.SetDefault(
		"discord.log_level",
		geminibot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		geminibot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		geminibot.DefaultDiscordGatewayIntent,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", geminibot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", geminibot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", geminibot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		geminibot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", geminibot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", geminibot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	viper.SetDefault("api.ssl.tls_min_version", geminibot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		geminibot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		geminibot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		geminibot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", geminibot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		geminibot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(geminibot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = geminibot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
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

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
