package geminibot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strconv"
	"testing"
)

func newCommandInteraction(
	name string,
	guildID string,
	admin bool,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "600000000000000001",
			AppID:     testApplicationID,
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: testChannelID,
			GuildID:   guildID,
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
	user := &discordgo.User{ID: testUserID, Username: "someone"}
	if guildID == "" {
		i.User = user
		i.Context = discordgo.InteractionContextBotDM
		return i
	}
	i.Context = discordgo.InteractionContextGuild
	i.Member = &discordgo.Member{User: user}
	if admin {
		i.Member.Permissions = discordgo.PermissionAdministrator
	}
	return i
}

func newComponentInteraction(
	userID string,
	customID string,
	values ...string,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "600000000000000002",
			AppID:     testApplicationID,
			Type:      discordgo.InteractionMessageComponent,
			ChannelID: testChannelID,
			GuildID:   testGuildID,
			Context:   discordgo.InteractionContextGuild,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: "someone"},
			},
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.SelectMenuComponent,
				Values:        values,
			},
		},
	}
}

func promptOption(text string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  promptCommandTextOption,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: text,
	}
}

// interact runs the interaction through the bot and returns its response
func interact(
	t testing.TB,
	b *Bot,
	i *discordgo.InteractionCreate,
) *discordgo.InteractionResponse {
	t.Helper()
	handler := newStubInteractionHandler(t, i)
	b.handleInteraction(context.Background(), handler)
	return handler.response(t)
}

func assertEphemeral(t testing.TB, resp *discordgo.InteractionResponse, content string) {
	t.Helper()
	require.NotNil(t, resp)
	require.NotNil(t, resp.Data)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Equal(t, content, resp.Data.Content)
}

func TestCommandPrompt(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)

	resp := interact(t, b, newCommandInteraction(DiscordSlashCommandPrompt, testGuildID, true, promptOption("Be brief.")))
	assertEphemeral(t, resp, fmt.Sprintf(msgPromptSet, "Be brief."))

	p, ok := b.prompts.Get(testGuildID)
	require.True(t, ok)
	assert.Equal(t, "Be brief.", p)

	resp = interact(t, b, newCommandInteraction(DiscordSlashCommandGetPrompt, testGuildID, false))
	assertEphemeral(t, resp, fmt.Sprintf(msgPromptCurrent, "Be brief."))

	resp = interact(t, b, newCommandInteraction(DiscordSlashCommandClearPrompt, testGuildID, true))
	assertEphemeral(t, resp, msgPromptCleared)
	_, ok = b.prompts.Get(testGuildID)
	assert.False(t, ok)

	resp = interact(t, b, newCommandInteraction(DiscordSlashCommandClearPrompt, testGuildID, true))
	assertEphemeral(t, resp, msgPromptNotCleared)

	resp = interact(t, b, newCommandInteraction(DiscordSlashCommandGetPrompt, testGuildID, false))
	assertEphemeral(t, resp, msgPromptNotSet)
}

func TestCommandPrompt_RequiresAdmin(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)

	resp := interact(t, b, newCommandInteraction(DiscordSlashCommandPrompt, testGuildID, false, promptOption("nope")))
	assertEphemeral(t, resp, msgPromptSetAdminOnly)
	_, ok := b.prompts.Get(testGuildID)
	assert.False(t, ok)

	require.NoError(t, b.prompts.Set(testGuildID, "keep"))
	resp = interact(t, b, newCommandInteraction(DiscordSlashCommandClearPrompt, testGuildID, false))
	assertEphemeral(t, resp, msgPromptClearAdminOnly)
	p, _ := b.prompts.Get(testGuildID)
	assert.Equal(t, "keep", p)
}

func TestCommandPrompt_ServerOnly(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)

	for _, name := range []string{
		DiscordSlashCommandPrompt,
		DiscordSlashCommandGetPrompt,
		DiscordSlashCommandClearPrompt,
	} {
		resp := interact(t, b, newCommandInteraction(name, "", false, promptOption("hello")))
		assertEphemeral(t, resp, msgServerOnly)
	}
}

func TestCommandPrompt_Empty(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)

	resp := interact(t, b, newCommandInteraction(DiscordSlashCommandPrompt, testGuildID, true, promptOption("   ")))
	assertEphemeral(t, resp, msgPromptEmpty)

	resp = interact(t, b, newCommandInteraction(DiscordSlashCommandPrompt, testGuildID, true))
	assertEphemeral(t, resp, msgPromptEmpty)
}

func TestCommandClearAndHistory(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)

	b.history.Append(testChannelID, NewConversationTurn(RoleUser, "one"))
	b.history.Append(testChannelID, NewConversationTurn(RoleAssistant, "two"))
	b.history.Append("other-channel", NewConversationTurn(RoleUser, "three"))

	resp := interact(t, b, newCommandInteraction(DiscordSlashCommandHistory, testGuildID, false))
	require.NotNil(t, resp.Data)
	assert.Equal(t, fmt.Sprintf(msgHistoryCount, 2, DefaultHistoryCapacity), resp.Data.Content)
	assert.Zero(t, resp.Data.Flags)

	resp = interact(t, b, newCommandInteraction(DiscordSlashCommandClear, testGuildID, false))
	assert.Equal(t, msgHistoryCleared, resp.Data.Content)
	assert.Equal(t, 0, b.history.Size(testChannelID))
	assert.Equal(t, 1, b.history.Size("other-channel"))

	resp = interact(t, b, newCommandInteraction(DiscordSlashCommandHistory, "", false))
	assert.Equal(t, fmt.Sprintf(msgHistoryCount, 0, DefaultHistoryCapacity), resp.Data.Content)
}

func TestCommandHelp(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)

	resp := interact(t, b, newCommandInteraction(DiscordSlashCommandHelp, "", false))
	require.NotNil(t, resp.Data)
	require.Len(t, resp.Data.Embeds, 1)
	embed := resp.Data.Embeds[0]
	assert.Equal(t, discordHelpEmbedColor, embed.Color)
	assert.Len(t, embed.Fields, len(helpEntries("!")))
	require.NotNil(t, embed.Footer)
	assert.Contains(t, embed.Footer.Text, strconv.Itoa(DefaultHistoryCapacity))
}

func TestCommandUnknown(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	resp := interact(t, b, newCommandInteraction("nonexistent", testGuildID, false))
	assertEphemeral(t, resp, msgUnknownCommand)
}

func TestInteractionPing(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	i := newCommandInteraction(DiscordSlashCommandHelp, "", false)
	i.Type = discordgo.InteractionPing
	resp := interact(t, b, i)
	assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
}

func TestInteractionFromBotIgnored(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	i := newCommandInteraction(DiscordSlashCommandClear, "", false)
	i.User.Bot = true
	b.history.Append(testChannelID, NewConversationTurn(RoleUser, "keep"))

	handler := newStubInteractionHandler(t, i)
	b.handleInteraction(context.Background(), handler)
	assert.Empty(t, handler.callRespond)
	assert.Equal(t, 1, b.history.Size(testChannelID))
}

func TestCommandModel_MenuFlow(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	catalog := b.models.Catalog()

	resp := interact(t, b, newCommandInteraction(DiscordSlashCommandModel, testGuildID, false))
	require.NotNil(t, resp.Data)
	assert.Equal(t, msgModelSelectGroup, resp.Data.Content)
	assert.Zero(t, resp.Data.Flags)
	require.Len(t, resp.Data.Components, 1)

	row, ok := resp.Data.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	menu, ok := row.Components[0].(discordgo.SelectMenu)
	require.True(t, ok)
	assert.Equal(t, encodeCustomID(customIDModelGroup, testUserID), menu.CustomID)
	require.Len(t, menu.Options, len(catalog.Groups()))

	// pick the last group
	groupIdx := len(catalog.Groups()) - 1
	group := catalog.Groups()[groupIdx]
	resp = interact(
		t, b,
		newComponentInteraction(testUserID, menu.CustomID, strconv.Itoa(groupIdx)),
	)
	assert.Equal(t, discordgo.InteractionResponseUpdateMessage, resp.Type)
	assert.Equal(t, fmt.Sprintf(msgModelSelectModel, group.Name), resp.Data.Content)
	require.Len(t, resp.Data.Components, 2)

	pickRow, ok := resp.Data.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	pickMenu, ok := pickRow.Components[0].(discordgo.SelectMenu)
	require.True(t, ok)
	require.Len(t, pickMenu.Options, len(group.Models))

	backRow, ok := resp.Data.Components[1].(discordgo.ActionsRow)
	require.True(t, ok)
	backButton, ok := backRow.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, encodeCustomID(customIDModelBack, testUserID), backButton.CustomID)

	// back returns to the group menu
	resp = interact(t, b, newComponentInteraction(testUserID, backButton.CustomID))
	assert.Equal(t, msgModelSelectGroup, resp.Data.Content)

	chosen := pickMenu.Options[len(pickMenu.Options)-1].Value
	resp = interact(t, b, newComponentInteraction(testUserID, pickMenu.CustomID, chosen))
	assert.Equal(t, discordgo.InteractionResponseUpdateMessage, resp.Type)
	assert.Equal(t, fmt.Sprintf(msgModelSelected, chosen), resp.Data.Content)
	assert.Empty(t, resp.Data.Components)
	assert.Equal(t, normalizeModelID(chosen), b.models.Active())
}

func TestCommandModel_OtherUserCannotUseMenu(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	before := b.models.Active()

	resp := interact(
		t, b,
		newComponentInteraction(
			"999999999999999999",
			encodeCustomID(customIDModelPick, testUserID),
			"gemini-1.5-pro",
		),
	)
	assertEphemeral(t, resp, msgMenuOtherUser)
	assert.Equal(t, before, b.models.Active())
}

func TestCommandModel_UnknownModel(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	before := b.models.Active()

	resp := interact(
		t, b,
		newComponentInteraction(testUserID, encodeCustomID(customIDModelPick, testUserID), "not-a-model"),
	)
	assertEphemeral(t, resp, msgModelUnknown)
	assert.Equal(t, before, b.models.Active())
}

func TestCommandModel_InvalidGroup(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)

	resp := interact(
		t, b,
		newComponentInteraction(testUserID, encodeCustomID(customIDModelGroup, testUserID), "999"),
	)
	assert.Equal(t, discordgo.InteractionResponseUpdateMessage, resp.Type)
	assert.Equal(t, msgModelSelectGroup, resp.Data.Content)
}

func TestCommandModel_AdminIDs(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Discord.ModelAdminIDs = []string{"777777777777777777"}
	b, _, _ := newTestBotWithConfig(t, cfg)
	before := b.models.Active()

	resp := interact(t, b, newCommandInteraction(DiscordSlashCommandModel, testGuildID, true))
	assertEphemeral(t, resp, msgModelNotAllowed)

	resp = interact(
		t, b,
		newComponentInteraction(testUserID, encodeCustomID(customIDModelPick, testUserID), "gemini-1.5-pro"),
	)
	assertEphemeral(t, resp, msgModelNotAllowed)
	assert.Equal(t, before, b.models.Active())

	assert.True(t, b.canChangeModel("777777777777777777"))
	assert.False(t, b.canChangeModel(testUserID))
}

func TestDecodeCustomID(t *testing.T) {
	t.Parallel()
	action, userID, err := decodeCustomID(encodeCustomID(customIDModelPick, testUserID))
	require.NoError(t, err)
	assert.Equal(t, customIDModelPick, action)
	assert.Equal(t, testUserID, userID)

	for _, invalid := range []string{"", "model_pick", ":123", "model_pick:"} {
		_, _, err = decodeCustomID(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestModelPickMenu_Truncation(t *testing.T) {
	t.Parallel()
	models := make([]ModelInfo, 0, 30)
	for idx := 0; idx < 30; idx++ {
		models = append(
			models, ModelInfo{
				ID:    fmt.Sprintf("model-%d", idx),
				Label: fmt.Sprintf("%0120d", idx),
			},
		)
	}
	components := modelPickMenu(testUserID, "Big group", models)
	row := components[0].(discordgo.ActionsRow)
	menu := row.Components[0].(discordgo.SelectMenu)
	require.Len(t, menu.Options, discordSelectMenuMaxOptions)
	for _, opt := range menu.Options {
		assert.LessOrEqual(t, len(opt.Label), discordSelectOptionMaxLength)
		assert.NotEmpty(t, opt.Description)
	}
}
