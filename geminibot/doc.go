// Package geminibot implements a Discord bot that relays user messages to
// Google's Gemini models and posts the replies back to the channel.
//
// Each channel keeps a bounded, in-memory conversation history which is
// sent along with every request, so the model sees the recent exchange.
// Server administrators can set a system prompt override, which is
// prepended to every request made from that server.
//
// Key components of the package:
//
//   - Bot: owns the runtime, wiring Discord, Gemini, the admin API and the
//     optional audit database together.
//   - ConversationStore: bounded per-channel history of conversation turns.
//   - PromptRegistry: per-server system prompt overrides.
//   - CompletionClient: builds requests from history, prompt overrides and
//     image attachments, calls Gemini, and records successful exchanges.
//   - Discord: the gateway session and slash command definitions.
//   - API: an optional HTTP API for inspecting and managing bot state.
//
// The bot responds to:
//
//   - Direct messages (any message that isn't a text command).
//   - Mentions in servers, with the mention stripped from the prompt.
//   - The !gemini text command, and !help.
//   - Slash commands: /model, /prompt, /getprompt, /clearprompt, /clear,
//     /history and /help.
package geminibot
