//nolint:lll // struct tags can't be split
package geminibot

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"google.golang.org/genai"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "GEMINIBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "GB"
	DefaultDatabaseType   = dbTypeSQLite
	DefaultDatabase       = "gemini-bot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 30 * time.Second

	DefaultGeminiModel          = "gemini-2.0-flash"
	DefaultGeminiVisionModel    = "gemini-1.5-flash"
	DefaultPromptSeparator      = "\n\nUser request: "
	DefaultSafetyThreshold      = string(genai.HarmBlockThresholdBlockNone)
	DefaultMaxImageBytes        = 20 << 20
	DefaultGeminiLogLevel       = slog.LevelInfo
	DefaultHistoryCapacity      = 1000
	DefaultDiscordCommandPrefix = "!"
	DefaultDiscordChatCommand   = "gemini"
	DefaultDiscordCustomStatus  = "your messages | !help"
	DefaultDiscordErrorFormat   = "An error occurred while generating a response: %s"
	DefaultDiscordImagePrompt   = "Describe in detail what is shown in this image."
	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent

	// discordMaxMessageLength is the per-message character limit discord
	// enforces on message content
	discordMaxMessageLength = 2000

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultAPITLSMinVersion  = tls.VersionTLS12

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPut,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or the SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of the audit database, either 'sqlite',
	// 'postgres' or 'none' to disable the audit log entirely
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres none"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Gemini configures the model backend
	Gemini *GeminiConfig `yaml:"gemini" mapstructure:"gemini" json:"gemini" binding:"required"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// History configures per-channel conversation history
	History *HistoryConfig `yaml:"history" mapstructure:"history" json:"history" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// GeminiConfig configures the Gemini API client and request defaults
type GeminiConfig struct {
	// Gemini API key
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]" binding:"required"`

	// DefaultModel is the model selected at startup. It can be changed at
	// runtime via /model or the admin API.
	DefaultModel string `yaml:"default_model" mapstructure:"default_model" json:"default_model" binding:"required"`

	// VisionModel is used instead of the active model for requests that
	// carry images, when the active model is known not to accept them
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model" json:"vision_model"`

	// ModelCatalog is an optional path to a YAML model catalog, replacing
	// the built-in one
	ModelCatalog string `yaml:"model_catalog" mapstructure:"model_catalog" json:"model_catalog" binding:"omitempty,file"`

	// PromptSeparator joins a server's system prompt to the user's prompt
	PromptSeparator string `yaml:"prompt_separator" mapstructure:"prompt_separator" json:"prompt_separator"`

	// SafetyThreshold is applied to every harm category
	SafetyThreshold string `yaml:"safety_threshold" mapstructure:"safety_threshold" json:"safety_threshold" binding:"oneof=BLOCK_NONE BLOCK_ONLY_HIGH BLOCK_MEDIUM_AND_ABOVE BLOCK_LOW_AND_ABOVE OFF"`

	// RequestTimeout bounds a single generation call. 0=no limit
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=0"`

	// MaxImageBytes is the largest attachment that will be downloaded
	// and sent along with a prompt
	MaxImageBytes int64 `yaml:"max_image_bytes" mapstructure:"max_image_bytes" json:"max_image_bytes" binding:"min=1"`

	// Gemini client log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// HistoryConfig configures the in-memory conversation history
type HistoryConfig struct {
	// Capacity is the number of turns kept per channel. When exceeded,
	// the oldest turns are discarded.
	Capacity int `yaml:"capacity" mapstructure:"capacity" json:"capacity" binding:"min=1"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// CommandPrefix marks text commands, ex: "!" for "!gemini"
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// MaxMessageLength is the size of each chunk a reply is split into
	MaxMessageLength int `yaml:"max_message_length" mapstructure:"max_message_length" json:"max_message_length" binding:"min=1,max=2000"`

	// ModelAdminIDs restricts switching the active model to these user IDs.
	// When empty, anyone can switch models.
	ModelAdminIDs []string `yaml:"model_admin_ids" mapstructure:"model_admin_ids" json:"model_admin_ids"`

	// CustomStatus is shown as the bot's 'Listening to' activity
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// ErrorMessageFormat is used to render failed completions. It receives
	// the error as its only argument.
	ErrorMessageFormat string `yaml:"error_message_format" mapstructure:"error_message_format" json:"error_message_format" binding:"required"`

	// ImagePrompt is used when the bot is mentioned with images but no text
	ImagePrompt string `yaml:"image_prompt" mapstructure:"image_prompt" json:"image_prompt" binding:"required"`

	// RecordAmbientMessages appends user messages which don't trigger a
	// completion to the channel's history, so later requests see them
	RecordAmbientMessages bool `yaml:"record_ambient_messages" mapstructure:"record_ambient_messages" json:"record_ambient_messages"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	// Message content is a privileged intent, and must be enabled for the
	// bot in the developer portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled starts the API server alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required on /api requests
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS. When no cert is configured, the API is
	// served over plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file" binding:"required_with=KeyFile"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file" binding:"required_with=CertFile"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		// cors.New panics on an empty origin list
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	geminiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	geminiLogLevel.Set(DefaultGeminiLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Gemini: &GeminiConfig{
			DefaultModel:    DefaultGeminiModel,
			VisionModel:     DefaultGeminiVisionModel,
			PromptSeparator: DefaultPromptSeparator,
			SafetyThreshold: DefaultSafetyThreshold,
			MaxImageBytes:   DefaultMaxImageBytes,
			LogLevel:        geminiLogLevel,
		},
		History: &HistoryConfig{
			Capacity: DefaultHistoryCapacity,
		},
		Discord: &DiscordConfig{
			CommandPrefix:         DefaultDiscordCommandPrefix,
			MaxMessageLength:      discordMaxMessageLength,
			CustomStatus:          DefaultDiscordCustomStatus,
			ErrorMessageFormat:    DefaultDiscordErrorFormat,
			ImagePrompt:           DefaultDiscordImagePrompt,
			RecordAmbientMessages: true,
			GatewayIntents:        DefaultDiscordGatewayIntent,
			LogLevel:              discordLogLevel,
			DiscordGoLogLevel:     discordgoLogLevel,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
