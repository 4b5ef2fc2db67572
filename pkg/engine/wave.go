package engine

import (
	"context"

	"github.com/parley-chat/parley/pkg/chatstore"
	"github.com/parley-chat/parley/pkg/mentions"
	"github.com/parley-chat/parley/pkg/persona"
)

// runWave evaluates one selection wave for a triggering message: who replies
// to it. sender is empty for user messages, or the persona that just spoke
// for cascades. Selected personas are dispatched fire-and-forget; the wave
// itself never waits for them.
func (e *Engine) runWave(chat *chatstore.Chat, sender, text string) {
	if !chat.IsDynamicGroup() {
		return
	}
	cfg := chat.GroupConfig

	var forced map[string]bool
	if cfg.Dynamic != nil && cfg.Dynamic.AllowPings {
		mentioned := mentions.ExtractForcedParticipants(text, cfg.ParticipantIDs)
		if len(mentioned) > 0 {
			forced = make(map[string]bool, len(mentioned))
			for _, id := range mentioned {
				forced[id] = true
			}
		}
	}

	var selected []*persona.Persona
	e.mu.Lock()
	for _, pid := range cfg.ParticipantIDs {
		if pid == sender {
			continue
		}
		card := e.personas.Get(pid)
		if card == nil {
			e.log.Warn().Int64("chat_id", chat.ID).Str("persona_id", pid).Msg("Participant has no persona card, skipping")
			continue
		}
		if e.inFlight[chat.ID][pid] {
			continue
		}
		if e.waveCounters[chat.ID][pid] >= resolveGuard(cfg, pid) {
			continue
		}
		if !forced[pid] && e.randFunc() >= replyChance(card.ClampedIndependence()) {
			continue
		}
		// Claim the slot before the task goroutine exists so a concurrent
		// wave can never double-dispatch the same persona.
		if !e.acquireLocked(chat.ID, pid) {
			continue
		}
		selected = append(selected, card)
	}
	e.mu.Unlock()

	if len(selected) == 0 {
		return
	}
	e.publishTyping(chat.ID)
	for _, card := range selected {
		e.log.Debug().
			Int64("chat_id", chat.ID).
			Str("persona_id", card.ID).
			Bool("forced", forced[card.ID]).
			Msg("Dispatching persona reply")
		// The cancel func is registered before the goroutine exists so an
		// abort issued immediately after dispatch still reaches the task.
		ctx, cancel := context.WithCancel(context.Background())
		e.registerCancel(chat.ID, card.ID, cancel)
		e.tasks.Add(1)
		go e.runPersonaTask(ctx, cancel, chat.ID, card)
	}
}

// runPersonaTask is the per-generation error boundary. Failures are isolated
// here: a panicking or failing task never reaches its siblings or the wave
// that dispatched it.
func (e *Engine) runPersonaTask(ctx context.Context, cancel context.CancelFunc, chatID int64, card *persona.Persona) {
	defer e.tasks.Done()
	defer cancel()
	defer e.release(chatID, card.ID)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Int64("chat_id", chatID).
				Str("persona_id", card.ID).
				Msg("Generation task panicked")
		}
	}()
	e.respondAsPersona(ctx, chatID, card, true)
}
