package geminibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/svatoshgpt/gemini-bot-discord/geminibot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// shutdownAnnouncementInterval is how often the time remaining until a
// forced shutdown is logged
var shutdownAnnouncementInterval = 10 * time.Second

// Bot is the main application struct. It owns the conversation state,
// and wires the Discord session, the Gemini backend, the admin API and
// the audit database together.
type Bot struct {
	config *Config

	// db is nil when the audit database is disabled
	db *gorm.DB

	// writeDB wraps db for inserts. With SQLite, writes are serialized.
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord    *Discord
	history    *ConversationStore
	prompts    *PromptRegistry
	models     *ModelSettings
	images     *ImageFetcher
	completion *CompletionClient
	api        *API

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has connected to
	// discord and registered commands
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// getInteractionHandlerFunc returns the InteractionHandler used to
	// respond to an interaction received from the gateway
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a Bot from the given config. The config isn't validated
// until Run is called.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	var errs []error
	if config.Gemini == nil {
		errs = append(errs, errors.New("gemini config is required"))
	}
	if config.Discord == nil {
		errs = append(errs, errors.New("discord config is required"))
	}
	if config.History == nil {
		errs = append(errs, errors.New("history config is required"))
	}
	if config.API == nil {
		errs = append(errs, errors.New("api config is required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres, dbTypeNone:
		//
	default:
		errs = append(
			errs,
			fmt.Errorf(
				"invalid database type %q (must be %q, %q or %q)",
				config.DatabaseType, dbTypeSQLite, dbTypePostgres, dbTypeNone,
			),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		prompts:       NewPromptRegistry(),
		history:       NewConversationStore(config.History.Capacity),
	}

	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	config.Discord.httpClient = config.HTTPClient

	disc := newDiscord(config.Discord)
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	disc.logger = slog.New(newLogHandler(config.Discord.LogLevel)).With(
		loggerNameKey,
		"discord",
	)
	b.discord = disc

	geminiLogger := slog.New(newLogHandler(config.Gemini.LogLevel)).With(
		loggerNameKey,
		"gemini",
	)

	catalog := DefaultModelCatalog()
	if config.Gemini.ModelCatalog != "" {
		c, err := LoadModelCatalogFile(config.Gemini.ModelCatalog)
		if err != nil {
			errs = append(errs, err)
		} else {
			catalog = c
		}
	}
	b.models = NewModelSettings(
		catalog,
		config.Gemini.DefaultModel,
		config.Gemini.VisionModel,
		geminiLogger.With("component", "models"),
	)
	b.images = NewImageFetcher(
		config.HTTPClient,
		config.Gemini.MaxImageBytes,
		geminiLogger.With("component", "images"),
	)
	b.completion = NewCompletionClient(
		b.history,
		b.prompts,
		b.models,
		b.images,
		nil,
		config.Gemini,
		geminiLogger,
	)

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RegisterSlashCommands overwrites the bot's slash commands. The gateway
// connection doesn't need to be open.
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return nil, err
		}
		b.discord.session = session
	}
	return b.discord.registerCommands(options...)
}

// Run validates the config, initializes the audit database and the
// Gemini client, connects to discord and handles events until ctx
// is canceled, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))
	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled")
			return
		}
	}()

	if b.config.API.Enabled {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		b.closeAPIListener(ctx)
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			b.closeAPIListener(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if discErr := b.initDiscordSession(ctx, runtimeWG); discErr != nil {
		b.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := b.discordInit(ctx, logger); err != nil {
		return err
	}

	select {
	case b.signalReady <- struct{}{}:
		b.logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context, generally
	// an interrupt
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

func (b *Bot) closeAPIListener(ctx context.Context) {
	if b.api == nil || b.api.listener == nil {
		return
	}
	go func() {
		if e := b.api.listener.Close(); e != nil {
			b.logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
		}
	}()
}

func (b *Bot) initRun(startCtx context.Context, ctx context.Context) error {
	if b.config.DatabaseType != dbTypeNone && b.db == nil {
		b.logger.Debug("initializing DB...")
		if err := b.initDB(startCtx); err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		b.logger.Debug("finished initializing DB")
	}

	if b.completion.backend == nil {
		// the client outlives startup, so it gets the runtime context
		backend, err := newGeminiBackend(
			ctx,
			b.config.Gemini,
			b.config.HTTPClient,
			b.completion.logger,
		)
		if err != nil {
			return err
		}
		b.completion.backend = backend
	}
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	db, err := OpenDatabase(ctx, b.config)
	if err != nil {
		return err
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	return nil
}

// discordInit opens the discord websocket connection, registers commands
// and sets the bot's status
func (b *Bot) discordInit(ctx context.Context, logger *slog.Logger) error {
	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := b.discord.registerCommands(discordgo.WithContext(ctx)); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
	}

	if status := b.config.Discord.CustomStatus; status != "" {
		go func() {
			if statusErr := b.discord.updateListeningStatus(status); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	identify := discordgo.Identify{
		Intents: b.config.Discord.GatewayIntents,
		Presence: discordgo.GatewayStatusUpdate{
			Status: string(discordgo.StatusOnline),
		},
	}
	if status := b.config.Discord.CustomStatus; status != "" {
		identify.Presence.Game = discordgo.Activity{
			Name: status,
			Type: discordgo.ActivityTypeListening,
		}
	}
	b.discord.session.SetIdentify(identify)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							b.handleRecover(ctx, rc)
						}
					}()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							b.handleRecover(ctx, rc)
						}
					}()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.discord.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}
	return nil
}

// shutdown waits for in-flight event handlers to finish, then stops the
// API server and closes the discord session. If that takes longer than
// ShutdownTimeout, the API server is closed immediately and an error is
// returned.
func (b *Bot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		b.logger.Warn("immediate shutdown")
		go func() {
			_ = b.api.httpServer.Close()
		}()
		if b.discord.session != nil {
			_ = b.discord.session.Close()
		}
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if b.api != nil && b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "closing discord session")
				_ = b.discord.session.Close()
				b.logger.InfoContext(ctx, "discord session closed")
				b.logger.InfoContext(
					ctx,
					fmt.Sprintf(
						"removing %d discord handlers",
						len(b.discord.discordgoRemoveHandlerFuncs),
					),
				)
				for _, h := range b.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				b.discord.discordgoRemoveHandlerFuncs = []func(){}
			}()
		}

		stopWG.Wait()

		if b.db != nil {
			if sqlDB, err := b.db.DB(); err == nil {
				if closeErr := sqlDB.Close(); closeErr != nil {
					b.logger.ErrorContext(ctx, "error closing database", tint.Err(closeErr))
				}
			}
		}
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			b.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			b.logger.Warn("event handlers did not stop in time, forcing close")
			go func() {
				_ = b.api.httpServer.Close()
			}()
			return fmt.Errorf("event handlers did not stop in time")
		}
	}
}

// handleRecover logs a panic recovered from an event handler goroutine,
// so a single bad event doesn't take down the bot
func (b *Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(v),
			"stack_trace", stackTrace,
		)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
	}
}
