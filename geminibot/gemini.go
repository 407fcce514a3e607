package geminibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"google.golang.org/genai"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var (
	ErrEmptyResponse = errors.New("empty response from model")
	ErrPromptBlocked = errors.New("prompt blocked")
)

// harmCategories are the categories the configured safety threshold is
// applied to
var harmCategories = []genai.HarmCategory{
	genai.HarmCategoryHarassment,
	genai.HarmCategoryHateSpeech,
	genai.HarmCategorySexuallyExplicit,
	genai.HarmCategoryDangerousContent,
}

// CompletionBackend is the subset of the Gemini API used to generate
// completions. It's satisfied by geminiBackend, and mocked in tests.
type CompletionBackend interface {
	// GenerateContent makes a stateless, single-turn request
	GenerateContent(
		ctx context.Context,
		model string,
		parts []*genai.Part,
	) (*genai.GenerateContentResponse, error)

	// SendMessage starts a chat session seeded with history, and sends
	// parts as the next user message
	SendMessage(
		ctx context.Context,
		model string,
		history []*genai.Content,
		parts []*genai.Part,
	) (*genai.GenerateContentResponse, error)
}

// geminiBackend implements CompletionBackend with a genai.Client
type geminiBackend struct {
	client *genai.Client
	config *genai.GenerateContentConfig
	logger *slog.Logger
}

func newGeminiBackend(
	ctx context.Context,
	config *GeminiConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*geminiBackend, error) {
	client, err := genai.NewClient(
		ctx, &genai.ClientConfig{
			APIKey:     config.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: httpClient,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &geminiBackend{
		client: client,
		config: &genai.GenerateContentConfig{
			SafetySettings: safetySettings(config.SafetyThreshold),
		},
		logger: logger,
	}, nil
}

func safetySettings(threshold string) []*genai.SafetySetting {
	settings := make([]*genai.SafetySetting, 0, len(harmCategories))
	for _, category := range harmCategories {
		settings = append(
			settings, &genai.SafetySetting{
				Category:  category,
				Threshold: genai.HarmBlockThreshold(threshold),
			},
		)
	}
	return settings
}

func (g *geminiBackend) GenerateContent(
	ctx context.Context,
	model string,
	parts []*genai.Part,
) (*genai.GenerateContentResponse, error) {
	start := time.Now()
	resp, err := g.client.Models.GenerateContent(
		ctx,
		model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		g.config,
	)
	g.logResponse(ctx, "generate_content", model, start, resp, err)
	return resp, err
}

func (g *geminiBackend) SendMessage(
	ctx context.Context,
	model string,
	history []*genai.Content,
	parts []*genai.Part,
) (*genai.GenerateContentResponse, error) {
	start := time.Now()
	chat, err := g.client.Chats.Create(ctx, model, g.config, history)
	if err != nil {
		return nil, fmt.Errorf("error creating chat: %w", err)
	}

	msgParts := make([]genai.Part, 0, len(parts))
	for _, p := range parts {
		msgParts = append(msgParts, *p)
	}
	resp, err := chat.SendMessage(ctx, msgParts...)
	g.logResponse(ctx, "send_message", model, start, resp, err)
	return resp, err
}

func (g *geminiBackend) logResponse(
	ctx context.Context,
	method string,
	model string,
	start time.Time,
	resp *genai.GenerateContentResponse,
	err error,
) {
	attrs := []any{
		"method", method,
		"model", model,
		"duration", time.Since(start),
	}
	if err != nil {
		g.logger.ErrorContext(ctx, "gemini request failed", append(attrs, tint.Err(err))...)
		return
	}
	if resp != nil && resp.UsageMetadata != nil {
		attrs = append(
			attrs,
			slog.Group(
				"usage",
				"prompt_tokens", resp.UsageMetadata.PromptTokenCount,
				"candidates_tokens", resp.UsageMetadata.CandidatesTokenCount,
				"total_tokens", resp.UsageMetadata.TotalTokenCount,
			),
		)
	}
	g.logger.InfoContext(ctx, "gemini request completed", attrs...)
}

// historyContents translates conversation turns to genai contents,
// preserving order
func historyContents(turns []ConversationTurn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		var role genai.Role = genai.RoleUser
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}
	return contents
}

// requestParts builds the message payload: the prompt text, followed by
// one inline part per image
func requestParts(prompt string, images []Image) []*genai.Part {
	parts := make([]*genai.Part, 0, len(images)+1)
	parts = append(parts, genai.NewPartFromText(prompt))
	for _, img := range images {
		parts = append(
			parts,
			&genai.Part{
				InlineData: &genai.Blob{
					MIMEType: img.MIMEType,
					Data:     img.Data,
				},
			},
		)
	}
	return parts
}

// completionText returns the response text, or err if the request failed
func completionText(resp *genai.GenerateContentResponse, err error) (string, error) {
	if err != nil {
		return "", err
	}
	return responseText(resp)
}

// responseText extracts the text of the first candidate. Missing or
// blocked responses, and responses with no text, are errors.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", ErrEmptyResponse
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: %s", ErrPromptBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}

	candidate := resp.Candidates[0]
	var sb strings.Builder
	for _, p := range candidate.Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	text := sb.String()
	if text == "" {
		if candidate.FinishReason != "" && candidate.FinishReason != genai.FinishReasonStop {
			return "", fmt.Errorf("%w (finish reason: %s)", ErrEmptyResponse, candidate.FinishReason)
		}
		return "", ErrEmptyResponse
	}
	return text, nil
}
