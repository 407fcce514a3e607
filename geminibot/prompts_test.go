package geminibot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestPromptRegistry(t *testing.T) {
	t.Parallel()
	r := NewPromptRegistry()

	_, ok := r.Get(testGuildID)
	assert.False(t, ok)

	require.NoError(t, r.Set(testGuildID, "Answer like a pirate."))
	p, ok := r.Get(testGuildID)
	assert.True(t, ok)
	assert.Equal(t, "Answer like a pirate.", p)

	require.NoError(t, r.Set(testGuildID, "Answer briefly."))
	p, _ = r.Get(testGuildID)
	assert.Equal(t, "Answer briefly.", p)

	assert.True(t, r.Clear(testGuildID))
	assert.False(t, r.Clear(testGuildID))
	_, ok = r.Get(testGuildID)
	assert.False(t, ok)
}

func TestPromptRegistry_RejectsEmpty(t *testing.T) {
	t.Parallel()
	r := NewPromptRegistry()

	assert.ErrorIs(t, r.Set(testGuildID, ""), ErrEmptyPrompt)
	assert.ErrorIs(t, r.Set(testGuildID, "   \n\t"), ErrEmptyPrompt)
	_, ok := r.Get(testGuildID)
	assert.False(t, ok)

	require.NoError(t, r.Set(testGuildID, "keep me"))
	assert.ErrorIs(t, r.Set(testGuildID, " "), ErrEmptyPrompt)
	p, _ := r.Get(testGuildID)
	assert.Equal(t, "keep me", p)
}

func TestPromptRegistry_EffectivePrompt(t *testing.T) {
	t.Parallel()
	r := NewPromptRegistry()
	require.NoError(t, r.Set(testGuildID, "You are a helpful assistant."))

	tests := []struct {
		name     string
		serverID string
		prompt   string
		expected string
	}{
		{
			name:     "override",
			serverID: testGuildID,
			prompt:   "What is Go?",
			expected: "You are a helpful assistant." + DefaultPromptSeparator + "What is Go?",
		},
		{
			name:     "no override for server",
			serverID: "another-guild",
			prompt:   "What is Go?",
			expected: "What is Go?",
		},
		{
			name:     "direct message",
			serverID: "",
			prompt:   "What is Go?",
			expected: "What is Go?",
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(
					t,
					tc.expected,
					r.EffectivePrompt(tc.serverID, tc.prompt, DefaultPromptSeparator),
				)
			},
		)
	}
}

func TestPromptRegistry_DoesNotAffectOtherServers(t *testing.T) {
	t.Parallel()
	r := NewPromptRegistry()
	require.NoError(t, r.Set("guild-a", "prompt a"))
	require.NoError(t, r.Set("guild-b", "prompt b"))

	assert.True(t, r.Clear("guild-a"))
	p, ok := r.Get("guild-b")
	assert.True(t, ok)
	assert.Equal(t, "prompt b", p)
}
