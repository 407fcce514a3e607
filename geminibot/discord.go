package geminibot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

const (
	DiscordSlashCommandModel       = "model"
	DiscordSlashCommandPrompt      = "prompt"
	DiscordSlashCommandGetPrompt   = "getprompt"
	DiscordSlashCommandClearPrompt = "clearprompt"
	DiscordSlashCommandClear       = "clear"
	DiscordSlashCommandHistory     = "history"
	DiscordSlashCommandHelp        = "help"

	// promptCommandTextOption is the option name for the /prompt command's
	// system prompt
	promptCommandTextOption = "text"

	// discordHelpEmbedColor is the color of the /help embed (blue)
	discordHelpEmbedColor = 0x3498db
)

var (
	allInteractionContexts = []discordgo.InteractionContextType{
		discordgo.InteractionContextPrivateChannel,
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
	guildInteractionContexts = []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes = []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}
	adminPermission int64 = discordgo.PermissionAdministrator
)

// Discord manages the Discord session, and the bot's slash command and
// presence setup.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// userID is the bot's own user ID, as reported by the Ready event
	userID string
	mu     sync.RWMutex
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session with the configured token,
// HTTP client and log level
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's user ID. Until the Ready event is received,
// this is the application ID, which is the same for bots created through
// the developer portal.
func (d *Discord) BotUserID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.userID != "" {
		return d.userID
	}
	return d.config.ApplicationID
}

func (d *Discord) setBotUserID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userID = id
}

func (d *Discord) commands() []*discordgo.ApplicationCommand {
	minLength := 1
	return []*discordgo.ApplicationCommand{
		{
			Name:             DiscordSlashCommandModel,
			Description:      "Choose the Gemini model to use",
			Type:             discordgo.ChatApplicationCommand,
			Contexts:         &allInteractionContexts,
			IntegrationTypes: &integrationTypes,
		},
		{
			Name:                     DiscordSlashCommandPrompt,
			Description:              "Set the system prompt for this server",
			Type:                     discordgo.ChatApplicationCommand,
			Contexts:                 &guildInteractionContexts,
			IntegrationTypes:         &integrationTypes,
			DefaultMemberPermissions: &adminPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        promptCommandTextOption,
					Description: "System prompt for Gemini on this server",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:             DiscordSlashCommandGetPrompt,
			Description:      "Show this server's system prompt",
			Type:             discordgo.ChatApplicationCommand,
			Contexts:         &guildInteractionContexts,
			IntegrationTypes: &integrationTypes,
		},
		{
			Name:                     DiscordSlashCommandClearPrompt,
			Description:              "Remove this server's system prompt",
			Type:                     discordgo.ChatApplicationCommand,
			Contexts:                 &guildInteractionContexts,
			IntegrationTypes:         &integrationTypes,
			DefaultMemberPermissions: &adminPermission,
		},
		{
			Name:             DiscordSlashCommandClear,
			Description:      "Clear the message history in this channel",
			Type:             discordgo.ChatApplicationCommand,
			Contexts:         &allInteractionContexts,
			IntegrationTypes: &integrationTypes,
		},
		{
			Name:             DiscordSlashCommandHistory,
			Description:      "Show how many messages are stored for this channel",
			Type:             discordgo.ChatApplicationCommand,
			Contexts:         &allInteractionContexts,
			IntegrationTypes: &integrationTypes,
		},
		{
			Name:             DiscordSlashCommandHelp,
			Description:      "Show available commands",
			Type:             discordgo.ChatApplicationCommand,
			Contexts:         &allInteractionContexts,
			IntegrationTypes: &integrationTypes,
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.commands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	d.logger.Info("registered commands", "count", len(created))
	return created, nil
}

// updateListeningStatus sets the bot's activity to 'Listening to <status>'
func (d *Discord) updateListeningStatus(status string) error {
	if status == "" {
		return nil
	}
	return d.session.UpdateStatusComplex(
		discordgo.UpdateStatusData{
			Status: string(discordgo.StatusOnline),
			Activities: []*discordgo.Activity{
				{
					Name: status,
					Type: discordgo.ActivityTypeListening,
				},
			},
		},
	)
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.setBotUserID(r.User.ID)
		}
		attrs := []any{"session_id", r.SessionID}
		if r.User != nil {
			attrs = append(attrs, "user_id", r.User.ID, "username", r.User.Username)
		}
		d.logger.Info("Ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// DiscordSessionHandler defines the methods of `discordgo.Session` used by
// the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendEmbed sends an embed to a specified channel
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the 'typing' indicator in a channel, for up to
	// ten seconds or until a message is sent
	ChannelTyping(channelID string, opts ...discordgo.RequestOption) error

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content_length", len(message),
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(data)
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID via @
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// isGuildAdmin reports whether the interaction's member has the
// Administrator permission. Interactions outside a guild have no member.
func isGuildAdmin(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionAdministrator != 0
}
