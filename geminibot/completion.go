package geminibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

var ErrNoBackend = errors.New("no completion backend configured")

// CompletionInput is a request for a completion in a channel
type CompletionInput struct {
	// Prompt is the user's raw prompt, without any server override
	Prompt string

	ChannelID string

	// ServerID is the guild the request was made in. Empty for DMs.
	ServerID string

	Images []ImageRef
}

// CompletionResult is the outcome of CompletionClient.Generate. Exactly
// one of Text or Err is set.
type CompletionResult struct {
	ID   uuid.UUID
	Text string
	Err  error

	// EffectivePrompt is the prompt sent to the model, including
	// any server override
	EffectivePrompt string
	Model           string
	ImagesRequested int
	ImagesAttached  int

	// HistoryTurns is the number of prior turns sent as context
	HistoryTurns int
	Duration     time.Duration
}

func (r CompletionResult) OK() bool {
	return r.Err == nil
}

func (r CompletionResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", r.ID.String()),
		slog.String("model", r.Model),
		slog.Int("images_requested", r.ImagesRequested),
		slog.Int("images_attached", r.ImagesAttached),
		slog.Int("history_turns", r.HistoryTurns),
		slog.Int("response_length", len(r.Text)),
		slog.Duration("duration", r.Duration),
	}
	if r.Err != nil {
		attrs = append(attrs, slog.String("error", r.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// RenderCompletion returns the text to send back to the user for the
// given result. Failures are rendered with errorFormat, which receives
// the error as its only argument.
func RenderCompletion(r CompletionResult, errorFormat string) string {
	if r.Err != nil {
		return fmt.Sprintf(errorFormat, r.Err)
	}
	return r.Text
}

// CompletionClient generates completions for a channel, using the
// channel's history as context and recording each successful exchange
// back into it.
type CompletionClient struct {
	history   *ConversationStore
	prompts   *PromptRegistry
	models    *ModelSettings
	images    *ImageFetcher
	backend   CompletionBackend
	separator string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewCompletionClient(
	history *ConversationStore,
	prompts *PromptRegistry,
	models *ModelSettings,
	images *ImageFetcher,
	backend CompletionBackend,
	config *GeminiConfig,
	logger *slog.Logger,
) *CompletionClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionClient{
		history:   history,
		prompts:   prompts,
		models:    models,
		images:    images,
		backend:   backend,
		separator: config.PromptSeparator,
		timeout:   config.RequestTimeout,
		logger:    logger,
	}
}

// Generate requests a completion for the input.
//
// Images are downloaded first, and those which can't be are skipped.
// The channel is then locked for the rest of the call, so concurrent
// requests in the same channel are handled one at a time, each seeing the
// exchange recorded by the previous one. When the channel has history, the request is sent as the
// next message of a chat seeded with it. Otherwise, it's sent as a
// single-turn request.
//
// On success, the effective prompt and the response are appended to the
// channel's history. On failure, nothing is recorded, and the error is
// returned in CompletionResult.Err.
func (c *CompletionClient) Generate(
	ctx context.Context,
	in CompletionInput,
) (result CompletionResult) {
	start := time.Now()
	result = CompletionResult{
		ID:              uuid.New(),
		ImagesRequested: len(in.Images),
	}
	logger := c.logger.With(
		"completion_id", result.ID.String(),
		"channel_id", in.ChannelID,
	)
	if in.ServerID != "" {
		logger = logger.With("guild_id", in.ServerID)
	}
	defer func() {
		result.Duration = time.Since(start)
	}()

	if strings.TrimSpace(in.Prompt) == "" && len(in.Images) == 0 {
		result.Err = ErrEmptyPrompt
		return result
	}
	if c.backend == nil {
		result.Err = ErrNoBackend
		return result
	}

	// downloaded outside the channel lock
	var images []Image
	if len(in.Images) > 0 && c.images != nil {
		images = c.images.FetchAll(ctx, in.Images)
	}
	result.ImagesAttached = len(images)

	unlock := c.history.LockChannel(in.ChannelID)
	defer unlock()

	turns := c.history.ReadAll(in.ChannelID)
	result.HistoryTurns = len(turns)
	result.EffectivePrompt = c.prompts.EffectivePrompt(in.ServerID, in.Prompt, c.separator)
	result.Model = c.models.ModelFor(len(images) > 0)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	parts := requestParts(result.EffectivePrompt, images)
	logger.DebugContext(
		ctx,
		"requesting completion",
		"model", result.Model,
		"history_turns", len(turns),
		"images", len(images),
	)

	var text string
	var err error
	if len(turns) > 0 {
		resp, sendErr := c.backend.SendMessage(ctx, result.Model, historyContents(turns), parts)
		text, err = completionText(resp, sendErr)
	} else {
		resp, genErr := c.backend.GenerateContent(ctx, result.Model, parts)
		text, err = completionText(resp, genErr)
	}

	if err != nil {
		logger.ErrorContext(ctx, "completion failed", tint.Err(err))
		result.Err = err
		return result
	}

	c.history.Append(in.ChannelID, NewConversationTurn(RoleUser, result.EffectivePrompt))
	c.history.Append(in.ChannelID, NewConversationTurn(RoleAssistant, text))
	result.Text = text
	result.Duration = time.Since(start)

	logger.InfoContext(ctx, "completion succeeded", "completion", result)
	return result
}
