package chatstore

import (
	"fmt"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// GroupChatMode selects the orchestration style for a group chat.
type GroupChatMode string

const (
	// GroupChatModeDynamic lets personas decide probabilistically whether to
	// reply after every message.
	GroupChatModeDynamic GroupChatMode = "dynamic"
	// GroupChatModeRPG is a turn-based mode. Only the configuration types
	// exist; no orchestration is implemented for it.
	GroupChatModeRPG GroupChatMode = "rpg"
)

// MaxParticipants is the cap on personas in a single group chat.
const MaxParticipants = 5

// MessagePart is one text segment of a message. Model messages may carry a
// thought signature alongside the text so the backend can resume reasoning.
type MessagePart struct {
	Text             string `json:"text"`
	ThoughtSignature string `json:"thoughtSignature,omitempty"`
}

// Message is a single entry in a chat's content sequence. Its index in the
// sequence is its identity within the chat; the sequence is append-only.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	PersonaID string        `json:"personaId,omitempty"`
	Parts     []MessagePart `json:"parts"`
	Thinking  string        `json:"thinking,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Text joins the message's part texts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	switch len(m.Parts) {
	case 0:
		return ""
	case 1:
		return m.Parts[0].Text
	}
	var out string
	for _, part := range m.Parts {
		out += part.Text
	}
	return out
}

// DynamicConfig configures the dynamic group-chat mode.
type DynamicConfig struct {
	// MaxMessageGuardByID caps automatic replies per persona between two
	// user messages.
	MaxMessageGuardByID map[string]int `json:"maxMessageGuardById,omitempty"`
	// MaxMessageGuard is the legacy single-value form of the guard, consulted
	// when a persona has no per-persona entry.
	MaxMessageGuard *int `json:"maxMessageGuard,omitempty"`
	// AllowPings enables @uuid mentions forcing a persona to reply.
	AllowPings bool `json:"allowPings,omitempty"`
}

// RPGConfig configures the turn-based group-chat mode. Declared for storage
// compatibility only; nothing interprets it yet.
type RPGConfig struct {
	TurnOrder    []string `json:"turnOrder,omitempty"`
	CurrentIndex int      `json:"currentIndex,omitempty"`
}

// GroupChatConfig is attached to a chat to make it a group chat. A chat
// without one is a legacy single-persona chat.
type GroupChatConfig struct {
	Mode           GroupChatMode  `json:"mode"`
	ParticipantIDs []string       `json:"participantIds"`
	Dynamic        *DynamicConfig `json:"dynamic,omitempty"`
	RPG            *RPGConfig     `json:"rpg,omitempty"`
}

// Validate checks the structural invariants: participant count, uniqueness,
// and non-negative guard values.
func (cfg *GroupChatConfig) Validate() error {
	if cfg == nil {
		return nil
	}
	switch cfg.Mode {
	case GroupChatModeDynamic, GroupChatModeRPG:
	default:
		return fmt.Errorf("unknown group chat mode %q", cfg.Mode)
	}
	if len(cfg.ParticipantIDs) > MaxParticipants {
		return fmt.Errorf("too many participants: %d (max %d)", len(cfg.ParticipantIDs), MaxParticipants)
	}
	seen := make(map[string]struct{}, len(cfg.ParticipantIDs))
	for _, id := range cfg.ParticipantIDs {
		if id == "" {
			return fmt.Errorf("empty participant id")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate participant id %s", id)
		}
		seen[id] = struct{}{}
	}
	if cfg.Dynamic != nil {
		if cfg.Dynamic.MaxMessageGuard != nil && *cfg.Dynamic.MaxMessageGuard < 0 {
			return fmt.Errorf("maxMessageGuard must be >= 0")
		}
		for id, guard := range cfg.Dynamic.MaxMessageGuardByID {
			if guard < 0 {
				return fmt.Errorf("maxMessageGuardById[%s] must be >= 0", id)
			}
		}
	}
	return nil
}

// Chat is one conversation with its full message sequence.
type Chat struct {
	ID           int64
	Title        string
	Messages     []Message
	GroupConfig  *GroupChatConfig
	LastModified int64
}

// IsDynamicGroup reports whether the chat uses dynamic orchestration.
func (c *Chat) IsDynamicGroup() bool {
	return c != nil && c.GroupConfig != nil && c.GroupConfig.Mode == GroupChatModeDynamic
}
