package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/parley-chat/parley/pkg/backend"
	"github.com/parley-chat/parley/pkg/chatstore"
	"github.com/parley-chat/parley/pkg/persona"
	"github.com/parley-chat/parley/pkg/stream"
	"github.com/parley-chat/parley/pkg/tokens"
)

func newUserMessage(text string) chatstore.Message {
	return chatstore.Message{
		ID:        xid.New().String(),
		Role:      chatstore.RoleUser,
		Parts:     []chatstore.MessagePart{{Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}

// RespondDirect drives the single-persona chat path: one persona, one reply,
// synchronous. Failures are reported to the observer with a retry hint,
// unlike group cascades which drop the turn silently.
func (e *Engine) RespondDirect(ctx context.Context, chatID int64, personaID string) error {
	card := e.personas.Get(personaID)
	if card == nil {
		return fmt.Errorf("unknown persona %s", personaID)
	}
	if !e.tryAcquire(chatID, personaID) {
		return fmt.Errorf("persona %s is already generating for chat %d", personaID, chatID)
	}
	e.publishTyping(chatID)

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(chatID, personaID, cancel)
	defer e.release(chatID, personaID)

	e.respondAsPersona(genCtx, chatID, card, false)
	return nil
}

// respondAsPersona runs one persona's generation end to end: build context,
// call the backend, persist a non-empty result, and trigger the cascade.
// The caller owns in-flight/typing membership; this function never touches
// it. inCascade selects the failure policy.
func (e *Engine) respondAsPersona(ctx context.Context, chatID int64, card *persona.Persona, inCascade bool) {
	log := e.log.With().Int64("chat_id", chatID).Str("persona_id", card.ID).Logger()

	chat, err := e.store.Get(ctx, chatID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load chat for generation")
		return
	}
	if chat == nil {
		log.Warn().Msg("Chat disappeared before generation")
		return
	}

	req := e.buildRequest(chat, card)
	opts := stream.Options{
		IncludeThoughts: e.includeThoughts,
		AbortMode:       stream.AbortModeThrow,
	}
	res, err := e.generator.Generate(ctx, req, opts, stream.Callbacks{})
	if err != nil {
		if errors.Is(err, stream.ErrAborted) {
			log.Info().Msg("Generation aborted")
			return
		}
		log.Error().Err(err).Msg("Generation failed")
		if !inCascade {
			e.notify(chatID, card.Name+" couldn't reply. Try sending the message again.")
		}
		return
	}
	if res.Aborted {
		// Partial output after cancellation is discarded, not persisted.
		log.Info().Msg("Generation aborted, dropping partial output")
		return
	}
	if blockedFinishReason(res.FinishReason) {
		log.Warn().Str("finish_reason", res.FinishReason).Msg("Reply blocked by backend policy")
		e.notify(chatID, card.Name+"'s reply was blocked ("+res.FinishReason+").")
		if strings.TrimSpace(res.Text) == "" {
			return
		}
	}
	if strings.TrimSpace(res.Text) == "" {
		log.Debug().Msg("Persona declined to reply")
		return
	}

	msg := chatstore.Message{
		ID:        xid.New().String(),
		Role:      chatstore.RoleModel,
		PersonaID: card.ID,
		Parts:     []chatstore.MessagePart{{Text: res.Text, ThoughtSignature: res.TextSignature}},
		Thinking:  res.Thinking,
		Timestamp: time.Now().UnixMilli(),
	}
	// The append must survive a cancellation that races a completed
	// generation, so it runs on an uncancellable context.
	updated, err := e.store.AppendMessage(context.WithoutCancel(ctx), chatID, msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist reply")
		if !inCascade {
			e.notify(chatID, "Failed to save "+card.Name+"'s reply. Try again.")
		}
		return
	}
	if updated.IsDynamicGroup() {
		e.bumpWaveCounter(chatID, card.ID)
	}
	if e.observer != nil && e.displayedChat.Load() == chatID {
		e.observer.RenderMessage(chatID, msg)
	}
	log.Info().Int("chat_len", len(updated.Messages)).Msg("Persisted persona reply")

	// The reply itself triggers the next wave. Forward-scheduled: nothing
	// waits for the cascade, and its failures stay inside its own boundary.
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Interface("panic", r).Int64("chat_id", chatID).Msg("Cascade wave panicked")
			}
		}()
		e.runWave(updated, card.ID, res.Text)
	}()
}

func (e *Engine) notify(chatID int64, text string) {
	if e.observer != nil {
		e.observer.Notify(chatID, text)
	}
}

// buildRequest assembles the backend request: token-budgeted history, the
// persona's system prompt, and generation settings with persona overrides.
func (e *Engine) buildRequest(chat *chatstore.Chat, card *persona.Persona) backend.Request {
	entries := make([]tokens.Entry, 0, len(chat.Messages))
	history := make([]backend.HistoryMessage, 0, len(chat.Messages))
	for _, msg := range chat.Messages {
		text := msg.Text()
		if text == "" {
			continue
		}
		line := backend.HistoryMessage{Role: backend.RoleUser, Text: text}
		if msg.Role == chatstore.RoleModel {
			if msg.PersonaID == card.ID {
				line.Role = backend.RoleModel
			} else {
				// Other personas' replies read as labelled user turns so the
				// backend keeps speakers apart.
				line.Text = e.personaName(msg.PersonaID) + ": " + text
			}
		}
		history = append(history, line)
		entries = append(entries, tokens.Entry{Text: line.Text})
	}

	kept := e.counter.PruneToBudget(entries, e.historyBudget)
	pruned := make([]backend.HistoryMessage, 0, len(kept))
	for _, idx := range kept {
		pruned = append(pruned, history[idx])
	}

	settings := e.defaults
	settings.SystemPrompt = card.SystemPrompt
	settings.IncludeThoughts = e.includeThoughts
	if card.Model != "" {
		settings.Model = card.Model
	}
	if card.Temperature > 0 {
		settings.Temperature = card.Temperature
	}

	req := backend.Request{History: pruned, Settings: settings}
	// The newest user turn travels as the message, the rest as history.
	if n := len(req.History); n > 0 && req.History[n-1].Role == backend.RoleUser {
		req.Message = req.History[n-1].Text
		req.History = req.History[:n-1]
	}
	return req
}

func (e *Engine) personaName(personaID string) string {
	if card := e.personas.Get(personaID); card != nil {
		return card.Name
	}
	return personaID
}

// blockedFinishReason reports finish reasons that mean the backend refused
// the content for policy reasons rather than completing or erroring.
func blockedFinishReason(reason string) bool {
	switch reason {
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return true
	default:
		return false
	}
}
