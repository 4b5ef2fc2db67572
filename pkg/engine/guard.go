package engine

import (
	"github.com/parley-chat/parley/pkg/chatstore"
)

// DefaultMessageGuard is the reply cap used when neither a per-persona nor a
// legacy guard is configured: one automatic reply per persona between user
// messages.
const DefaultMessageGuard = 1

// resolveGuard returns the maximum number of automatic replies the persona
// may produce between two user messages. Resolution order: per-persona
// entry, then the legacy single value, then DefaultMessageGuard. Configured
// negatives clamp to zero. Total; never fails.
func resolveGuard(cfg *chatstore.GroupChatConfig, personaID string) int {
	if cfg != nil && cfg.Dynamic != nil {
		if guard, ok := cfg.Dynamic.MaxMessageGuardByID[personaID]; ok {
			return clampGuard(guard)
		}
		if cfg.Dynamic.MaxMessageGuard != nil {
			return clampGuard(*cfg.Dynamic.MaxMessageGuard)
		}
	}
	return DefaultMessageGuard
}

func clampGuard(guard int) int {
	if guard < 0 {
		return 0
	}
	return guard
}

// defaultReplyChance is used for independence values the table does not
// cover.
const defaultReplyChance = 0.50

// replyChances maps a persona's independence (clamped to [0,3]) to the
// probability it replies without being mentioned.
var replyChances = map[int]float64{
	0: 0.90,
	1: 0.70,
	2: 0.50,
	3: 0.30,
}

func replyChance(independence int) float64 {
	if chance, ok := replyChances[independence]; ok {
		return chance
	}
	return defaultReplyChance
}
