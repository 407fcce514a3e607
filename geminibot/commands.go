package geminibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"slices"
	"strconv"
	"strings"
	"sync"
)

const (
	// custom ID prefixes for the /model menu components. Each custom ID
	// is '<prefix>:<user ID>', where the user ID is the user who invoked
	// /model. Only that user can use the menu.
	customIDModelGroup = "model_group"
	customIDModelPick  = "model_pick"
	customIDModelBack  = "model_back"
	customIDSeparator  = ":"

	discordSelectMenuMaxOptions     = 25
	discordSelectOptionMaxLength    = 100
	discordSelectPlaceholderMaxSize = 150
)

const (
	msgServerOnly              = "This command is only available in servers!"
	msgPromptSetAdminOnly      = "Only administrators can change the system prompt!"
	msgPromptClearAdminOnly    = "Only administrators can remove the system prompt!"
	msgPromptSet               = "System prompt for this server has been set!\n\n**Current prompt:**\n```%s```"
	msgPromptCurrent           = "**Current system prompt for this server:**\n```%s```"
	msgPromptNotSet            = "No system prompt has been set for this server yet. An administrator can set one with `/prompt`."
	msgPromptEmpty             = "The system prompt can't be empty."
	msgPromptCleared           = "System prompt for this server has been removed!"
	msgPromptNotCleared        = "No system prompt was set for this server."
	msgHistoryCleared          = "Message history in this channel has been cleared."
	msgHistoryCount            = "Stored messages in this channel: %d/%d"
	msgModelSelectGroup        = "Select a model group:"
	msgModelSelectModel        = "Select a model from group %s:"
	msgModelSelected           = "Model selected: `%s`\nAll Gemini requests will now use this model."
	msgModelUnknown            = "That model is no longer available."
	msgModelNotAllowed         = "You aren't allowed to change the model."
	msgMenuOtherUser           = "This menu is for another user"
	msgUnknownCommand          = "Unknown command."
	modelGroupPlaceholder      = "Select a model group"
	modelPickPlaceholderFormat = "Select a model from %s"
	modelBackLabel             = "Back"
)

// handleInteraction handles an interaction received from Discord, either
// a slash command or a /model menu component. Each interaction is logged
// to the audit database, when one is configured.
func (b *Bot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With("user_id", discordUser.ID)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "username", discordUser.Username)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if b.writeDB != nil {
		interactionLog, err := newInteractionLog(i, discordUser)
		if err != nil {
			logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
					logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
				}
			}()
		}
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	var response *discordgo.InteractionResponse
	switch i.Type {
	case discordgo.InteractionPing:
		response = &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponsePong,
		}
	case discordgo.InteractionApplicationCommand:
		response = b.interactionResponseToCommand(ctx, i, discordUser)
	case discordgo.InteractionMessageComponent:
		response = b.interactionResponseToMessageComponent(ctx, i, discordUser)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		return
	}

	if response == nil {
		return
	}
	if err := handler.Respond(ctx, response); err != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// interactionResponseToCommand executes a slash command and returns the
// response to send
func (b *Bot) interactionResponseToCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) *discordgo.InteractionResponse {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}

	commandName := i.ApplicationCommandData().Name
	logger = logger.With("command", commandName)

	switch commandName {
	case DiscordSlashCommandModel:
		if !b.canChangeModel(u.ID) {
			logger.WarnContext(ctx, "user not allowed to change model")
			return ephemeralResponse(msgModelNotAllowed)
		}
		return &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:    msgModelSelectGroup,
				Components: modelGroupMenu(u.ID, b.models.Catalog()),
			},
		}
	case DiscordSlashCommandPrompt:
		if i.GuildID == "" {
			return ephemeralResponse(msgServerOnly)
		}
		if !isGuildAdmin(i) {
			logger.WarnContext(ctx, "non-admin tried to set prompt")
			return ephemeralResponse(msgPromptSetAdminOnly)
		}
		var prompt string
		if opt, exists := discordInteractionOptions(i)[promptCommandTextOption]; exists {
			prompt = opt.StringValue()
		}
		if err := b.prompts.Set(i.GuildID, prompt); err != nil {
			if errors.Is(err, ErrEmptyPrompt) {
				return ephemeralResponse(msgPromptEmpty)
			}
			logger.ErrorContext(ctx, "error setting prompt", tint.Err(err))
			return ephemeralResponse(err.Error())
		}
		logger.InfoContext(ctx, "set server prompt", "prompt_length", len(prompt))
		return ephemeralResponse(fmt.Sprintf(msgPromptSet, prompt))
	case DiscordSlashCommandGetPrompt:
		if i.GuildID == "" {
			return ephemeralResponse(msgServerOnly)
		}
		prompt, exists := b.prompts.Get(i.GuildID)
		if !exists {
			return ephemeralResponse(msgPromptNotSet)
		}
		return ephemeralResponse(fmt.Sprintf(msgPromptCurrent, prompt))
	case DiscordSlashCommandClearPrompt:
		if i.GuildID == "" {
			return ephemeralResponse(msgServerOnly)
		}
		if !isGuildAdmin(i) {
			logger.WarnContext(ctx, "non-admin tried to clear prompt")
			return ephemeralResponse(msgPromptClearAdminOnly)
		}
		if !b.prompts.Clear(i.GuildID) {
			return ephemeralResponse(msgPromptNotCleared)
		}
		logger.InfoContext(ctx, "cleared server prompt")
		return ephemeralResponse(msgPromptCleared)
	case DiscordSlashCommandClear:
		b.history.Clear(i.ChannelID)
		logger.InfoContext(ctx, "cleared channel history")
		return channelMessageResponse(msgHistoryCleared)
	case DiscordSlashCommandHistory:
		return channelMessageResponse(
			fmt.Sprintf(
				msgHistoryCount,
				b.history.Size(i.ChannelID),
				b.history.Capacity(),
			),
		)
	case DiscordSlashCommandHelp:
		return &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					helpEmbed(b.config.Discord.CommandPrefix, b.history.Capacity()),
				},
			},
		}
	default:
		logger.WarnContext(ctx, "unknown command")
		return ephemeralResponse(msgUnknownCommand)
	}
}

// interactionResponseToMessageComponent handles a selection in the /model
// menu. Selecting a group replaces the menu with that group's models,
// selecting a model makes it the active model and removes the menu.
func (b *Bot) interactionResponseToMessageComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) *discordgo.InteractionResponse {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}

	data := i.MessageComponentData()
	action, ownerID, err := decodeCustomID(data.CustomID)
	if err != nil {
		logger.ErrorContext(ctx, "error decoding custom_id", tint.Err(err))
		return nil
	}
	logger = logger.With("custom_id", data.CustomID, "values", data.Values)
	logger.InfoContext(ctx, "received component interaction")

	if ownerID != u.ID {
		return ephemeralResponse(msgMenuOtherUser)
	}
	if !b.canChangeModel(u.ID) {
		return ephemeralResponse(msgModelNotAllowed)
	}

	catalog := b.models.Catalog()

	switch action {
	case customIDModelBack:
		return updateMessageResponse(msgModelSelectGroup, modelGroupMenu(u.ID, catalog))
	case customIDModelGroup:
		if len(data.Values) == 0 {
			return nil
		}
		groups := catalog.Groups()
		idx, convErr := strconv.Atoi(data.Values[0])
		if convErr != nil || idx < 0 || idx >= len(groups) {
			logger.WarnContext(ctx, "invalid model group selected")
			return updateMessageResponse(msgModelSelectGroup, modelGroupMenu(u.ID, catalog))
		}
		group := groups[idx].Name
		models, _ := catalog.Models(group)
		return updateMessageResponse(
			fmt.Sprintf(msgModelSelectModel, group),
			modelPickMenu(u.ID, group, models),
		)
	case customIDModelPick:
		if len(data.Values) == 0 {
			return nil
		}
		info, setErr := b.models.SetActive(data.Values[0])
		if setErr != nil {
			logger.WarnContext(ctx, "error setting model", tint.Err(setErr))
			return ephemeralResponse(msgModelUnknown)
		}
		return updateMessageResponse(
			fmt.Sprintf(msgModelSelected, info.ID),
			[]discordgo.MessageComponent{},
		)
	default:
		logger.WarnContext(ctx, "unknown component action", "action", action)
		return nil
	}
}

// canChangeModel reports whether the user may switch the active model.
// With no model admins configured, anyone can.
func (b *Bot) canChangeModel(userID string) bool {
	admins := b.config.Discord.ModelAdminIDs
	return len(admins) == 0 || slices.Contains(admins, userID)
}

func encodeCustomID(action string, userID string) string {
	return action + customIDSeparator + userID
}

func decodeCustomID(customID string) (action string, userID string, err error) {
	action, userID, found := strings.Cut(customID, customIDSeparator)
	if !found || action == "" || userID == "" {
		return "", "", fmt.Errorf("invalid custom_id: %q", customID)
	}
	return action, userID, nil
}

// modelGroupMenu is the first step of the /model menu. Option values are
// group indexes, as group names may exceed the option value limit.
func modelGroupMenu(userID string, catalog *ModelCatalog) []discordgo.MessageComponent {
	groups := catalog.Groups()
	if len(groups) > discordSelectMenuMaxOptions {
		groups = groups[:discordSelectMenuMaxOptions]
	}
	options := make([]discordgo.SelectMenuOption, 0, len(groups))
	for idx, g := range groups {
		options = append(
			options, discordgo.SelectMenuOption{
				Label:       truncateWithEllipsis(g.Name, discordSelectOptionMaxLength),
				Value:       strconv.Itoa(idx),
				Description: truncateWithEllipsis("Models of "+g.Name, discordSelectOptionMaxLength),
			},
		)
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    encodeCustomID(customIDModelGroup, userID),
					Placeholder: modelGroupPlaceholder,
					Options:     options,
				},
			},
		},
	}
}

// modelPickMenu is the second step of the /model menu, listing the models
// of a single group, with a button to go back to the group menu
func modelPickMenu(
	userID string,
	group string,
	models []ModelInfo,
) []discordgo.MessageComponent {
	if len(models) > discordSelectMenuMaxOptions {
		models = models[:discordSelectMenuMaxOptions]
	}
	options := make([]discordgo.SelectMenuOption, 0, len(models))
	for _, m := range models {
		description := m.Description
		if description == "" {
			description = m.ID
		}
		options = append(
			options, discordgo.SelectMenuOption{
				Label:       truncateWithEllipsis(m.Label, discordSelectOptionMaxLength),
				Value:       m.ID,
				Description: truncateWithEllipsis(description, discordSelectOptionMaxLength),
			},
		)
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType: discordgo.StringSelectMenu,
					CustomID: encodeCustomID(customIDModelPick, userID),
					Placeholder: truncateWithEllipsis(
						fmt.Sprintf(modelPickPlaceholderFormat, group),
						discordSelectPlaceholderMaxSize,
					),
					Options: options,
				},
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    modelBackLabel,
					Style:    discordgo.SecondaryButton,
					CustomID: encodeCustomID(customIDModelBack, userID),
				},
			},
		},
	}
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func channelMessageResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
		},
	}
}

func updateMessageResponse(
	content string,
	components []discordgo.MessageComponent,
) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: components,
		},
	}
}

type helpEntry struct {
	Name        string
	Description string
}

func helpEntries(prefix string) []helpEntry {
	return []helpEntry{
		{"/" + DiscordSlashCommandModel, "Choose the Gemini model to use"},
		{"/" + DiscordSlashCommandPrompt, "Set the system prompt for this server (admins only)"},
		{"/" + DiscordSlashCommandGetPrompt, "Show this server's system prompt"},
		{"/" + DiscordSlashCommandClearPrompt, "Remove this server's system prompt (admins only)"},
		{"/" + DiscordSlashCommandClear, "Clear the message history in this channel"},
		{"/" + DiscordSlashCommandHistory, "Show how many messages are stored"},
		{"/" + DiscordSlashCommandHelp, "Show available commands"},
		{prefix + DefaultDiscordChatCommand + " [prompt]", "Ask Gemini a question, images can be attached"},
		{prefix + textCommandHelp, "Show this help as text"},
		{"Direct messages", "In DMs, just write a message and the bot will answer"},
		{"@Bot [prompt]", "Mention the bot with a question"},
		{"@Bot + image", "Mention the bot on a message with an image and no text to have it described"},
	}
}

// helpEmbed is the /help response
func helpEmbed(prefix string, capacity int) *discordgo.MessageEmbed {
	entries := helpEntries(prefix)
	fields := make([]*discordgo.MessageEmbedField, 0, len(entries))
	for _, e := range entries {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  e.Name,
				Value: e.Description,
			},
		)
	}
	return &discordgo.MessageEmbed{
		Title:       "Available commands",
		Description: "All commands the bot supports",
		Color:       discordHelpEmbedColor,
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"The bot keeps context of up to %d recent messages per channel",
				capacity,
			),
		},
	}
}

// helpText is the plain text help, sent in reply to the help text command
func helpText(prefix string, capacity int) string {
	var sb strings.Builder
	sb.WriteString("**Available commands:**\n\n")
	for _, e := range helpEntries(prefix) {
		sb.WriteString(fmt.Sprintf("`%s` - %s\n", e.Name, e.Description))
	}
	sb.WriteString(
		fmt.Sprintf(
			"\nThe bot keeps context of up to %d recent messages per channel. "+
				"Admins can set a system prompt for each server.",
			capacity,
		),
	)
	return sb.String()
}
