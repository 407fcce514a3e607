package geminibot

import (
	"bytes"
	"encoding/json"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func apiRequest(
	t testing.TB,
	b *Bot,
	method string,
	path string,
	body any,
	authorized bool,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		req.Header.Set("Authorization", authorizationBearerToken+b.config.API.Secret)
	}
	w := httptest.NewRecorder()
	b.api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b, _, _ := newTestBot(t)
	b.history.Append(testChannelID, NewConversationTurn(RoleUser, "hi"))

	w := apiRequest(t, b, http.MethodGet, apiHealthCheck, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	resp := decodeJSON[healthCheckResponse](t, w)
	assert.False(t, resp.DiscordGatewayConnected)
	assert.Equal(t, DefaultGeminiModel, resp.ActiveModel)
	assert.Equal(t, 1, resp.Channels)
}

func TestAPI_Unauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b, _, _ := newTestBot(t)

	w := apiRequest(t, b, http.MethodGet, apiPrefix+apiPathChannels, nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathChannels, nil)
	req.Header.Set("Authorization", authorizationBearerToken+"wrong")
	w = httptest.NewRecorder()
	b.api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// an empty secret rejects everything
	b.config.API.Secret = ""
	b.api, _ = newAPI(b, b.config.API)
	w = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathChannels, nil, true)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_ChannelHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b, _, _ := newTestBot(t)
	b.history.Append(testChannelID, NewConversationTurn(RoleUser, "2+2?"))
	b.history.Append(testChannelID, NewConversationTurn(RoleAssistant, "4"))

	w := apiRequest(t, b, http.MethodGet, apiPrefix+apiPathChannels, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	channels := decodeJSON[[]channelSummary](t, w)
	assert.Equal(t, []channelSummary{{ChannelID: testChannelID, Size: 2}}, channels)

	historyPath := apiPrefix + "/channels/" + testChannelID + "/history"
	w = apiRequest(t, b, http.MethodGet, historyPath, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	history := decodeJSON[channelHistoryResponse](t, w)
	assert.Equal(t, 2, history.Size)
	assert.Equal(t, DefaultHistoryCapacity, history.Capacity)
	require.Len(t, history.Turns, 2)
	assert.Equal(t, RoleAssistant, history.Turns[1].Role)
	assert.Equal(t, "4", history.Turns[1].Content)

	w = apiRequest(t, b, http.MethodDelete, historyPath, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, b.history.Size(testChannelID))
}

func TestAPI_ServerPrompt(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b, _, _ := newTestBot(t)
	promptPath := apiPrefix + "/servers/" + testGuildID + "/prompt"

	w := apiRequest(t, b, http.MethodGet, promptPath, nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, b, http.MethodPut, promptPath, serverPromptPayload{Prompt: "Be brief."}, true)
	require.Equal(t, http.StatusOK, w.Code)
	p, ok := b.prompts.Get(testGuildID)
	require.True(t, ok)
	assert.Equal(t, "Be brief.", p)

	w = apiRequest(t, b, http.MethodGet, promptPath, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(
		t,
		serverPromptResponse{ServerID: testGuildID, Prompt: "Be brief."},
		decodeJSON[serverPromptResponse](t, w),
	)

	w = apiRequest(t, b, http.MethodPut, promptPath, serverPromptPayload{Prompt: "   "}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = apiRequest(t, b, http.MethodPut, promptPath, map[string]string{}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, b, http.MethodDelete, promptPath, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok = b.prompts.Get(testGuildID)
	assert.False(t, ok)
}

func TestAPI_Model(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b, _, _ := newTestBot(t)

	w := apiRequest(t, b, http.MethodGet, apiPrefix+apiPathModels, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	catalog := decodeJSON[ModelCatalog](t, w)
	assert.Len(t, catalog.Groups(), len(b.models.Catalog().Groups()))

	w = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathModel, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	active := decodeJSON[activeModelResponse](t, w)
	assert.Equal(t, DefaultGeminiModel, active.Model)
	require.NotNil(t, active.Info)

	w = apiRequest(t, b, http.MethodPut, apiPrefix+apiPathModel, setModelPayload{Model: "models/gemini-1.5-pro"}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gemini-1.5-pro", b.models.Active())

	w = apiRequest(t, b, http.MethodPut, apiPrefix+apiPathModel, setModelPayload{Model: "nope"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "gemini-1.5-pro", b.models.Active())
}

func TestAPI_Completions(t *testing.T) {
	gin.SetMode(gin.TestMode)

	b, _, _ := newTestBot(t)
	w := apiRequest(t, b, http.MethodGet, apiPrefix+apiPathCompletions, nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	b, _, _ = newTestBotWithDB(t)
	_, err := b.writeDB.Create(
		t.Context(),
		newCompletionLog(
			CompletionResult{ID: uuid.New(), Text: "ok"},
			completionTriggerMention,
			testChannelID,
			testGuildID,
			testUserID,
			"",
		),
	)
	require.NoError(t, err)

	w = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathCompletions+"?limit=5&order=asc", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decodeJSON[[]CompletionLog](t, w)
	require.Len(t, logs, 1)
	assert.Equal(t, completionTriggerMention, logs[0].Trigger)

	w = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathCompletions+"?limit=500", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = apiRequest(t, b, http.MethodGet, apiPrefix+apiPathCompletions+"?order=sideways", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_RegisterCommands(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b, session, _ := newTestBot(t)

	w := apiRequest(t, b, http.MethodPost, apiPrefix+apiPathRegisterCommands, nil, true)
	require.Equal(t, http.StatusCreated, w.Code)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Len(t, session.commands, len(b.discord.commands()))
}

func TestGinContextLogger_ExistingLogger(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c.Set(string(loggerContextKey), logger)

	assert.Equal(t, logger, ginContextLogger(c))
}
