package geminibot

import (
	"errors"
	"strings"
	"sync"
)

var ErrEmptyPrompt = errors.New("prompt must not be empty")

// PromptRegistry holds per-server system prompt overrides. A server
// without an entry has no override.
type PromptRegistry struct {
	prompts map[string]string
	mu      sync.RWMutex
}

func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{prompts: map[string]string{}}
}

// Set stores or replaces the server's prompt. Empty or whitespace-only
// prompts are rejected with ErrEmptyPrompt, use Clear to remove an override.
func (r *PromptRegistry) Set(serverID string, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[serverID] = prompt
	return nil
}

// Get returns the server's prompt, and whether one is set
func (r *PromptRegistry) Get(serverID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[serverID]
	return p, ok
}

// Clear removes the server's prompt, returning true if one was set
func (r *PromptRegistry) Clear(serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.prompts[serverID]
	delete(r.prompts, serverID)
	return ok
}

// EffectivePrompt prefixes prompt with the server's override and the
// separator, if the server has one. Otherwise, prompt is returned as-is.
func (r *PromptRegistry) EffectivePrompt(
	serverID string,
	prompt string,
	separator string,
) string {
	if serverID == "" {
		return prompt
	}
	override, ok := r.Get(serverID)
	if !ok {
		return prompt
	}
	return override + separator + prompt
}
