package engine

import "sort"

// TypingPersonas returns the personas currently generating for the chat,
// sorted for stable output.
func (e *Engine) TypingPersonas(chatID int64) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typingLocked(chatID)
}

func (e *Engine) typingLocked(chatID int64) []string {
	ids := make([]string, 0, len(e.typing[chatID]))
	for id := range e.typing[chatID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// publishTyping pushes a typing snapshot to the registered listener. The
// snapshot is computed under the mutex but delivered outside it so a slow
// listener cannot stall selection.
func (e *Engine) publishTyping(chatID int64) {
	if e.onTyping == nil {
		return
	}
	e.mu.Lock()
	ids := e.typingLocked(chatID)
	e.mu.Unlock()
	e.onTyping(TypingSnapshot{ChatID: chatID, PersonaIDs: ids})
}
