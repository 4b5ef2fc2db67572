package chatstore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	rawDB, err := sql.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	// One connection so the shared in-memory database behaves like a file.
	rawDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = rawDB.Close()
	})
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		t.Fatalf("failed to wrap db: %v", err)
	}
	store := NewStore(db, zerolog.Nop())
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return store
}

func TestAppendMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	chat, err := store.Create(ctx, "test chat", nil)
	if err != nil {
		t.Fatalf("failed to create chat: %v", err)
	}
	if chat.ID == 0 {
		t.Fatalf("expected non-zero chat ID")
	}

	updated, err := store.AppendMessage(ctx, chat.ID, Message{
		ID:    "msg-1",
		Role:  RoleUser,
		Parts: []MessagePart{{Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("failed to append message: %v", err)
	}
	if len(updated.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(updated.Messages))
	}

	updated, err = store.AppendMessage(ctx, chat.ID, Message{
		ID:        "msg-2",
		Role:      RoleModel,
		PersonaID: "11111111-1111-1111-1111-111111111111",
		Parts:     []MessagePart{{Text: "hi ", ThoughtSignature: "sig"}, {Text: "there"}},
		Thinking:  "considering a greeting",
	})
	if err != nil {
		t.Fatalf("failed to append second message: %v", err)
	}

	loaded, err := store.Get(ctx, chat.ID)
	if err != nil {
		t.Fatalf("failed to load chat: %v", err)
	}
	if loaded == nil {
		t.Fatalf("chat disappeared")
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(loaded.Messages))
	}
	reply := loaded.Messages[1]
	if reply.Text() != "hi there" {
		t.Fatalf("expected joined text %q, got %q", "hi there", reply.Text())
	}
	if reply.Parts[0].ThoughtSignature != "sig" {
		t.Fatalf("thought signature lost in round trip")
	}
	if reply.Thinking != "considering a greeting" {
		t.Fatalf("thinking lost in round trip")
	}
	if loaded.LastModified < updated.LastModified {
		t.Fatalf("last modified not bumped")
	}
}

func TestAppendToMissingChat(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AppendMessage(context.Background(), 9999, Message{ID: "x", Role: RoleUser})
	if err == nil {
		t.Fatalf("expected error appending to missing chat")
	}
}

func TestGetMissingChatReturnsNil(t *testing.T) {
	store := newTestStore(t)
	chat, err := store.Get(context.Background(), 424242)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chat != nil {
		t.Fatalf("expected nil chat, got %+v", chat)
	}
}

func TestGroupConfigPersistsAndValidates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	legacyGuard := 2
	cfg := &GroupChatConfig{
		Mode:           GroupChatModeDynamic,
		ParticipantIDs: []string{"a", "b"},
		Dynamic: &DynamicConfig{
			MaxMessageGuardByID: map[string]int{"a": 3},
			MaxMessageGuard:     &legacyGuard,
			AllowPings:          true,
		},
	}
	chat, err := store.Create(ctx, "group", cfg)
	if err != nil {
		t.Fatalf("failed to create group chat: %v", err)
	}
	loaded, err := store.Get(ctx, chat.ID)
	if err != nil {
		t.Fatalf("failed to load group chat: %v", err)
	}
	if !loaded.IsDynamicGroup() {
		t.Fatalf("expected dynamic group chat")
	}
	if !loaded.GroupConfig.Dynamic.AllowPings {
		t.Fatalf("allowPings lost")
	}
	if got := loaded.GroupConfig.Dynamic.MaxMessageGuardByID["a"]; got != 3 {
		t.Fatalf("per-persona guard lost, got %d", got)
	}
	if loaded.GroupConfig.Dynamic.MaxMessageGuard == nil || *loaded.GroupConfig.Dynamic.MaxMessageGuard != 2 {
		t.Fatalf("legacy guard lost")
	}
}

func TestGroupConfigValidation(t *testing.T) {
	negative := -1
	tests := []struct {
		name string
		cfg  *GroupChatConfig
	}{
		{"unknown mode", &GroupChatConfig{Mode: "battle"}},
		{"duplicate participants", &GroupChatConfig{Mode: GroupChatModeDynamic, ParticipantIDs: []string{"a", "a"}}},
		{"too many participants", &GroupChatConfig{Mode: GroupChatModeDynamic, ParticipantIDs: []string{"a", "b", "c", "d", "e", "f"}}},
		{"negative legacy guard", &GroupChatConfig{Mode: GroupChatModeDynamic, Dynamic: &DynamicConfig{MaxMessageGuard: &negative}}},
		{"negative per-persona guard", &GroupChatConfig{Mode: GroupChatModeDynamic, Dynamic: &DynamicConfig{MaxMessageGuardByID: map[string]int{"a": -2}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := (&GroupChatConfig{Mode: GroupChatModeRPG, ParticipantIDs: []string{"a"}}).Validate(); err != nil {
		t.Fatalf("rpg config should validate: %v", err)
	}
}

func TestListOrdersByLastModified(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.Create(ctx, "older", nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	group, err := store.Create(ctx, "group", &GroupChatConfig{
		Mode:           GroupChatModeDynamic,
		ParticipantIDs: []string{"a"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// Touch the first chat so it sorts to the top again.
	first.LastModified = group.LastModified + 1
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := store.AppendMessage(ctx, first.ID, Message{ID: "m1", Role: RoleUser, Parts: []MessagePart{{Text: "hi"}}}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	summaries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(summaries))
	}
	if summaries[0].ID != first.ID {
		t.Fatalf("expected chat %d first, got %d", first.ID, summaries[0].ID)
	}
	if summaries[0].MessageCount != 1 || summaries[0].IsGroup {
		t.Fatalf("bad summary for plain chat: %+v", summaries[0])
	}
	if !summaries[1].IsGroup {
		t.Fatalf("group flag lost: %+v", summaries[1])
	}
}
