package geminibot

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func TestConversationStore_AppendReadAll(t *testing.T) {
	t.Parallel()
	store := NewConversationStore(10)

	assert.Equal(t, []ConversationTurn{}, store.ReadAll(testChannelID))
	assert.Empty(t, store.Channels(), "ReadAll shouldn't create a channel")

	store.Append(testChannelID, NewConversationTurn(RoleUser, "hello"))
	store.Append(testChannelID, NewConversationTurn(RoleAssistant, "hi there"))

	turns := store.ReadAll(testChannelID)
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, "hi there", turns[1].Content)
	assert.False(t, turns[0].Timestamp.After(turns[1].Timestamp))

	// ReadAll returns a copy
	turns[0].Content = "changed"
	assert.Equal(t, "hello", store.ReadAll(testChannelID)[0].Content)
}

func TestConversationStore_BoundedHistory(t *testing.T) {
	t.Parallel()
	capacity := 5
	store := NewConversationStore(capacity)

	total := 13
	for i := 0; i < total; i++ {
		store.Append(testChannelID, NewConversationTurn(RoleUser, fmt.Sprintf("msg %d", i)))
		assert.LessOrEqual(t, store.Size(testChannelID), capacity)
	}

	turns := store.ReadAll(testChannelID)
	require.Len(t, turns, capacity)
	for i, turn := range turns {
		assert.Equal(t, fmt.Sprintf("msg %d", total-capacity+i), turn.Content)
	}
}

func TestConversationStore_DefaultCapacity(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultHistoryCapacity, NewConversationStore(0).Capacity())
	assert.Equal(t, DefaultHistoryCapacity, NewConversationStore(-1).Capacity())
	assert.Equal(t, 1000, DefaultHistoryCapacity)

	store := NewConversationStore(0)
	for i := 0; i < 1001; i++ {
		store.Append(testChannelID, NewConversationTurn(RoleUser, fmt.Sprintf("msg %d", i)))
	}
	turns := store.ReadAll(testChannelID)
	require.Len(t, turns, 1000)
	assert.Equal(t, "msg 1", turns[0].Content)
	assert.Equal(t, "msg 1000", turns[999].Content)
}

func TestConversationStore_Isolation(t *testing.T) {
	t.Parallel()
	store := NewConversationStore(10)

	store.Append("channel-a", NewConversationTurn(RoleUser, "a"))
	store.Append("channel-b", NewConversationTurn(RoleUser, "b1"))
	store.Append("channel-b", NewConversationTurn(RoleUser, "b2"))

	assert.Equal(t, 1, store.Size("channel-a"))
	assert.Equal(t, 2, store.Size("channel-b"))

	store.Clear("channel-b")
	assert.Equal(t, 0, store.Size("channel-b"))
	assert.Equal(t, 1, store.Size("channel-a"))
	assert.Equal(t, []string{"channel-a"}, store.Channels())
}

func TestConversationStore_ClearIdempotent(t *testing.T) {
	t.Parallel()
	store := NewConversationStore(10)

	store.Clear(testChannelID)
	assert.Equal(t, 0, store.Size(testChannelID))

	store.Append(testChannelID, NewConversationTurn(RoleUser, "hello"))
	store.Clear(testChannelID)
	store.Clear(testChannelID)
	assert.Equal(t, 0, store.Size(testChannelID))
	assert.Empty(t, store.ReadAll(testChannelID))

	store.Append(testChannelID, NewConversationTurn(RoleUser, "again"))
	assert.Equal(t, 1, store.Size(testChannelID))
}

func TestConversationStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()
	capacity := 50
	store := NewConversationStore(capacity)

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				store.Append(testChannelID, NewConversationTurn(RoleUser, fmt.Sprintf("%d-%d", n, j)))
				_ = store.ReadAll(testChannelID)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, capacity, store.Size(testChannelID))
}

func TestConversationStore_LockChannel(t *testing.T) {
	t.Parallel()
	store := NewConversationStore(10)

	unlock := store.LockChannel(testChannelID)

	acquired := make(chan struct{})
	go func() {
		release := store.LockChannel(testChannelID)
		close(acquired)
		release()
	}()

	// other channels aren't blocked
	otherUnlock := store.LockChannel("other-channel")
	otherUnlock()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	// releasing twice is a no-op
	unlock()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock not acquired after release")
	}

	assert.Eventually(
		t, func() bool {
			store.locksMu.Lock()
			defer store.locksMu.Unlock()
			return len(store.locks) == 0
		},
		5*time.Second,
		10*time.Millisecond,
	)
}
