package geminibot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

const (
	textCommandChat = DefaultDiscordChatCommand
	textCommandHelp = "help"

	completionTriggerDirectMessage = "dm"
	completionTriggerMention       = "mention"
	completionTriggerTextCommand   = "text_command"

	// discordTypingInterval is how often the typing indicator is refreshed
	// while a completion is in progress. Discord shows it for ten seconds.
	discordTypingInterval = 8 * time.Second

	msgChatCommandUsage = "Usage: `%s%s [prompt]` (images can be attached)"
)

// handleDiscordMessage routes a message received from the gateway.
//
// Messages from bots (including this one) are ignored. Text commands are
// handled first. After that, any message in a DM, or a message mentioning
// the bot in a server, triggers a completion. Other user messages are
// recorded in the channel's history, if RecordAmbientMessages is set.
func (b *Bot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	logger := b.logger.With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	botUserID := b.discord.BotUserID()
	if m.Author.Bot || m.Author.ID == botUserID {
		logger.DebugContext(ctx, "ignoring message from bot")
		return
	}

	content := strings.TrimSpace(m.Content)
	images := imageRefs(m.Attachments)
	prefix := b.config.Discord.CommandPrefix

	if name, args, ok := parseTextCommand(content, prefix); ok {
		switch name {
		case textCommandChat:
			logger.InfoContext(ctx, "received text command", "command", name)
			prompt := args
			if prompt == "" && len(images) > 0 {
				prompt = b.config.Discord.ImagePrompt
			}
			if prompt == "" {
				b.sendChunks(ctx, m.ChannelID, fmt.Sprintf(msgChatCommandUsage, prefix, textCommandChat))
				return
			}
			b.respondWithCompletion(ctx, m.Message, completionTriggerTextCommand, prompt, images)
			return
		case textCommandHelp:
			logger.InfoContext(ctx, "received text command", "command", name)
			b.sendChunks(ctx, m.ChannelID, helpText(prefix, b.history.Capacity()))
			return
		}
	}

	switch {
	case m.GuildID == "":
		prompt := content
		if prefix != "" && strings.HasPrefix(prompt, prefix) {
			// unknown text commands in DMs aren't sent to the model
			b.recordAmbientMessage(ctx, m.Message, content)
			return
		}
		if prompt == "" && len(images) > 0 {
			prompt = b.config.Discord.ImagePrompt
		}
		if prompt == "" {
			return
		}
		b.respondWithCompletion(ctx, m.Message, completionTriggerDirectMessage, prompt, images)
	case messageMentionsUser(m.Message, botUserID):
		prompt := stripMentions(content, botUserID)
		if prompt == "" && len(images) > 0 {
			prompt = b.config.Discord.ImagePrompt
		}
		if prompt == "" {
			logger.DebugContext(ctx, "mentioned with no prompt, ignoring")
			return
		}
		b.respondWithCompletion(ctx, m.Message, completionTriggerMention, prompt, images)
	default:
		b.recordAmbientMessage(ctx, m.Message, content)
	}
}

// recordAmbientMessage appends a message which didn't trigger a
// completion to the channel's history
func (b *Bot) recordAmbientMessage(
	ctx context.Context,
	m *discordgo.Message,
	content string,
) {
	if !b.config.Discord.RecordAmbientMessages || content == "" {
		return
	}
	b.history.Append(m.ChannelID, NewConversationTurn(RoleUser, content))
	if logger, ok := ContextLogger(ctx); ok {
		logger.DebugContext(ctx, "recorded ambient message")
	}
}

// respondWithCompletion generates a completion for the message and sends
// it back to the message's channel, split into chunks which fit within
// a Discord message. Failures are sent back rendered with
// ErrorMessageFormat.
func (b *Bot) respondWithCompletion(
	ctx context.Context,
	m *discordgo.Message,
	trigger string,
	prompt string,
	images []ImageRef,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}
	logger = logger.With("trigger", trigger)

	typingCtx, stopTyping := context.WithCancel(ctx)
	typingDone := make(chan struct{})
	go func() {
		defer close(typingDone)
		b.keepTyping(typingCtx, m.ChannelID)
	}()

	result := b.completion.Generate(
		ctx, CompletionInput{
			Prompt:    prompt,
			ChannelID: m.ChannelID,
			ServerID:  m.GuildID,
			Images:    images,
		},
	)
	stopTyping()
	<-typingDone

	if result.OK() {
		logger.InfoContext(ctx, "sending completion", "completion", result)
	} else {
		logger.WarnContext(ctx, "sending completion error", "completion", result)
	}
	b.sendChunks(ctx, m.ChannelID, RenderCompletion(result, b.config.Discord.ErrorMessageFormat))

	if b.writeDB != nil {
		rec := newCompletionLog(result, trigger, m.ChannelID, m.GuildID, m.Author.ID, m.ID)
		if _, err := b.writeDB.Create(ctx, rec); err != nil {
			logger.ErrorContext(ctx, "error saving completion log", tint.Err(err))
		}
	}
}

// keepTyping shows the typing indicator in the channel until ctx is
// canceled
func (b *Bot) keepTyping(ctx context.Context, channelID string) {
	ticker := time.NewTicker(discordTypingInterval)
	defer ticker.Stop()
	for {
		if err := b.discord.session.ChannelTyping(
			channelID,
			discordgo.WithContext(ctx),
		); err != nil && ctx.Err() == nil {
			b.logger.WarnContext(ctx, "error sending typing indicator", tint.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sendChunks sends text to the channel, split into messages of at most
// MaxMessageLength characters. Blank chunks are skipped, as discord
// rejects empty messages.
func (b *Bot) sendChunks(ctx context.Context, channelID string, text string) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}
	for _, chunk := range ChunkResponse(text, b.config.Discord.MaxMessageLength) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if _, err := b.discord.session.ChannelMessageSend(
			channelID,
			chunk,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error sending message", tint.Err(err))
			return
		}
	}
}

// parseTextCommand splits a message like '!gemini some prompt' into the
// command name and its arguments
func parseTextCommand(content string, prefix string) (
	name string,
	args string,
	ok bool,
) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", "", false
	}
	body := strings.TrimPrefix(content, prefix)
	if idx := strings.IndexFunc(body, unicode.IsSpace); idx >= 0 {
		name, args = body[:idx], strings.TrimSpace(body[idx:])
	} else {
		name = body
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), args, true
}

// stripMentions removes '@' mentions of the given user from the content
func stripMentions(content string, userID string) string {
	content = strings.ReplaceAll(content, "<@"+userID+">", "")
	content = strings.ReplaceAll(content, "<@!"+userID+">", "")
	return strings.TrimSpace(content)
}
