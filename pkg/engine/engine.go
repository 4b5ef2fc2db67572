// Package engine orchestrates persona replies in dynamic group chats: it
// decides which personas answer a message, guards against duplicate
// concurrent generations, lets replies cascade into further replies, and
// mirrors who is currently "typing" for external observers.
package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/pkg/backend"
	"github.com/parley-chat/parley/pkg/chatstore"
	"github.com/parley-chat/parley/pkg/persona"
	"github.com/parley-chat/parley/pkg/tokens"
)

// Observer receives user-visible output from the engine. Implementations
// must not block; the engine calls them from generation goroutines.
type Observer interface {
	// RenderMessage is called for replies persisted into the currently
	// displayed chat.
	RenderMessage(chatID int64, msg chatstore.Message)
	// Notify reports user-visible notices (failures with a retry hint,
	// blocked content) for a chat.
	Notify(chatID int64, text string)
}

// TypingSnapshot is the published view of which personas are generating for
// a chat. Consumers must treat it as a full snapshot, not a delta.
type TypingSnapshot struct {
	ChatID     int64
	PersonaIDs []string
}

// Config assembles an Engine.
type Config struct {
	Store     *chatstore.Store
	Personas  *persona.Store
	Generator backend.Generator
	Log       zerolog.Logger

	Observer Observer
	OnTyping func(TypingSnapshot)

	// Rand overrides the uniform draw used for probabilistic selection.
	// Defaults to math/rand/v2. Tests inject a deterministic source here.
	Rand func() float64

	// HistoryTokenBudget caps the prompt history size. <= 0 disables
	// pruning.
	HistoryTokenBudget int

	// IncludeThoughts requests reasoning output from the backend.
	IncludeThoughts bool

	// DefaultSettings supply the model and generation parameters used when
	// a persona card does not override them.
	DefaultSettings backend.Settings
}

// Engine is the turn orchestrator. All registries are owned by the engine
// instance and accessed only under its mutex, keyed by chat ID; nothing is
// shared across chats.
type Engine struct {
	log       zerolog.Logger
	store     *chatstore.Store
	personas  *persona.Store
	generator backend.Generator
	counter   *tokens.Counter

	observer Observer
	onTyping func(TypingSnapshot)
	randFunc func() float64

	historyBudget   int
	includeThoughts bool
	defaults        backend.Settings

	mu           sync.Mutex
	inFlight     map[int64]map[string]bool
	waveCounters map[int64]map[string]int
	typing       map[int64]map[string]bool
	cancels      map[int64]map[string]context.CancelFunc

	displayedChat atomic.Int64

	tasks sync.WaitGroup
}

func New(cfg Config) *Engine {
	randFunc := cfg.Rand
	if randFunc == nil {
		randFunc = rand.Float64
	}
	return &Engine{
		log:             cfg.Log.With().Str("component", "engine").Logger(),
		store:           cfg.Store,
		personas:        cfg.Personas,
		generator:       cfg.Generator,
		counter:         tokens.NewCounter(),
		observer:        cfg.Observer,
		onTyping:        cfg.OnTyping,
		randFunc:        randFunc,
		historyBudget:   cfg.HistoryTokenBudget,
		includeThoughts: cfg.IncludeThoughts,
		defaults:        cfg.DefaultSettings,
		inFlight:        make(map[int64]map[string]bool),
		waveCounters:    make(map[int64]map[string]int),
		typing:          make(map[int64]map[string]bool),
		cancels:         make(map[int64]map[string]context.CancelFunc),
	}
}

// SetDisplayedChat marks which chat the user is looking at. Replies persisted
// into that chat are rendered through the observer; others are only stored.
func (e *Engine) SetDisplayedChat(chatID int64) {
	e.displayedChat.Store(chatID)
}

// OnUserMessage appends a user message to the chat, resets the chat's wave
// counters, and starts a selection wave. Generation tasks are dispatched
// fire-and-forget; the returned chat reflects only the appended user message.
func (e *Engine) OnUserMessage(ctx context.Context, chatID int64, text string) (*chatstore.Chat, error) {
	chat, err := e.store.AppendMessage(ctx, chatID, newUserMessage(text))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	delete(e.waveCounters, chatID)
	e.mu.Unlock()

	e.runWave(chat, "", text)
	return chat, nil
}

// AbortChat cancels every in-flight generation for the chat and returns how
// many were cancelled. Partial output of cancelled generations is discarded,
// never persisted.
func (e *Engine) AbortChat(chatID int64) int {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.cancels[chatID]))
	for _, cancel := range e.cancels[chatID] {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		e.log.Info().Int64("chat_id", chatID).Int("stopped", len(cancels)).Msg("Aborted in-flight generations")
	}
	return len(cancels)
}

// Wait blocks until all dispatched generation tasks and cascades have
// finished. Used in tests and on shutdown.
func (e *Engine) Wait() {
	e.tasks.Wait()
}

// InFlight reports whether the persona is currently generating for the chat.
func (e *Engine) InFlight(chatID int64, personaID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[chatID][personaID]
}

// tryAcquire atomically claims the (chat, persona) generation slot. The
// exclusivity invariant lives here: at most one active generation per
// persona per chat.
func (e *Engine) tryAcquire(chatID int64, personaID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquireLocked(chatID, personaID)
}

func (e *Engine) acquireLocked(chatID int64, personaID string) bool {
	if e.inFlight[chatID][personaID] {
		return false
	}
	if e.inFlight[chatID] == nil {
		e.inFlight[chatID] = make(map[string]bool)
	}
	e.inFlight[chatID][personaID] = true
	if e.typing[chatID] == nil {
		e.typing[chatID] = make(map[string]bool)
	}
	e.typing[chatID][personaID] = true
	return true
}

// release clears the in-flight, typing, and cancel entries for the persona
// and publishes a fresh typing snapshot.
func (e *Engine) release(chatID int64, personaID string) {
	e.mu.Lock()
	delete(e.inFlight[chatID], personaID)
	delete(e.typing[chatID], personaID)
	delete(e.cancels[chatID], personaID)
	e.mu.Unlock()
	e.publishTyping(chatID)
}

func (e *Engine) registerCancel(chatID int64, personaID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancels[chatID] == nil {
		e.cancels[chatID] = make(map[string]context.CancelFunc)
	}
	e.cancels[chatID][personaID] = cancel
}

func (e *Engine) bumpWaveCounter(chatID int64, personaID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.waveCounters[chatID] == nil {
		e.waveCounters[chatID] = make(map[string]int)
	}
	e.waveCounters[chatID][personaID]++
}
