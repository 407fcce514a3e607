package geminibot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
	"time"
)

// newTestBotWithDB returns a test Bot with a migrated SQLite audit
// database in a temporary directory
func newTestBotWithDB(t testing.TB) (*Bot, *mockDiscordSession, *mockCompletionBackend) {
	t.Helper()
	cfg := testConfig(t)
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(t.TempDir(), "audit", "test.sqlite3")
	b, session, backend := newTestBotWithConfig(t, cfg)
	require.NoError(t, b.initDB(context.Background()))
	t.Cleanup(
		func() {
			if sqlDB, err := b.db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return b, session, backend
}

func TestCreateDB_UnsupportedType(t *testing.T) {
	t.Parallel()
	_, err := CreateDB(context.Background(), "mysql", "whatever", nil)
	assert.Error(t, err)
}

func TestNewCompletionLog(t *testing.T) {
	t.Parallel()
	result := CompletionResult{
		ID:              uuid.New(),
		Text:            "4",
		EffectivePrompt: "2+2?",
		Model:           DefaultGeminiModel,
		ImagesRequested: 2,
		ImagesAttached:  1,
		HistoryTurns:    6,
		Duration:        1500 * time.Millisecond,
	}
	rec := newCompletionLog(result, completionTriggerMention, testChannelID, testGuildID, testUserID, "m1")
	assert.Equal(t, result.ID.String(), rec.RequestID)
	assert.Equal(t, completionTriggerMention, rec.Trigger)
	assert.Equal(t, len("2+2?"), rec.PromptLength)
	assert.Equal(t, 1, rec.ResponseLength)
	assert.Equal(t, int64(1500), rec.DurationMS)
	assert.Equal(t, NullableString(""), rec.Error)

	result.Err = errors.New("blocked")
	result.Text = ""
	rec = newCompletionLog(result, completionTriggerDirectMessage, testChannelID, "", testUserID, "m2")
	assert.Equal(t, NullableString("blocked"), rec.Error)
	assert.Equal(t, 0, rec.ResponseLength)
}

func TestDatabase_RecentCompletions(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBotWithDB(t)
	ctx := context.Background()

	for _, channelID := range []string{"c1", "c2", "c3"} {
		rec := newCompletionLog(
			CompletionResult{ID: uuid.New(), Text: "ok", Model: DefaultGeminiModel},
			completionTriggerDirectMessage,
			channelID,
			"",
			testUserID,
			"",
		)
		rows, err := b.writeDB.Create(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)
	}

	logs, err := b.writeDB.RecentCompletions(ctx, 10, 0, sortDescending)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "c3", logs[0].ChannelID)
	assert.Equal(t, "c1", logs[2].ChannelID)

	logs, err = b.writeDB.RecentCompletions(ctx, 2, 0, sortAscending)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "c1", logs[0].ChannelID)

	logs, err = b.writeDB.RecentCompletions(ctx, 10, 2, sortAscending)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "c3", logs[0].ChannelID)
}

func TestRespondWithCompletion_WritesAuditLog(t *testing.T) {
	t.Parallel()
	b, session, backend := newTestBotWithDB(t)

	backend.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Return(textResponse("4"), nil).
		Once()
	backend.On("SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("quota exceeded")).
		Once()

	b.handleDiscordMessage(context.Background(), newTestMessage("2+2?", ""))
	b.handleDiscordMessage(context.Background(), newTestMessage("and 3+3?", ""))
	require.Len(t, session.sentMessages(), 2)

	logs, err := b.writeDB.RecentCompletions(context.Background(), 10, 0, sortAscending)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	assert.Equal(t, completionTriggerDirectMessage, logs[0].Trigger)
	assert.Equal(t, testUserID, logs[0].UserID)
	assert.Equal(t, 0, logs[0].HistoryTurns)
	assert.Empty(t, logs[0].Error.String())

	assert.Equal(t, 2, logs[1].HistoryTurns)
	assert.Equal(t, "quota exceeded", logs[1].Error.String())
}

func TestHandleInteraction_WritesAuditLog(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBotWithDB(t)

	resp := interact(t, b, newCommandInteraction(DiscordSlashCommandHistory, testGuildID, false))
	require.NotNil(t, resp)

	var logs []InteractionLog
	require.NoError(t, b.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, DiscordSlashCommandHistory, logs[0].Command)
	assert.Equal(t, testUserID, logs[0].UserID)
	assert.Equal(t, testGuildID, logs[0].GuildID)
	assert.Equal(t, discordgo.InteractionApplicationCommand.String(), logs[0].Type)
	assert.NotEmpty(t, logs[0].Payload)
}
