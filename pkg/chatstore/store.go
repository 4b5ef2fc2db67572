// Package chatstore persists chats and their message sequences in SQLite.
// The append path runs as a single read-modify-write transaction, which is
// what serializes concurrently finishing persona replies into one consistent
// order per chat.
package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

func NewStore(db *dbutil.Database, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "chatstore").Logger(),
	}
}

const createTableQuery = `
CREATE TABLE IF NOT EXISTS chats (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	title         TEXT NOT NULL DEFAULT '',
	messages      TEXT NOT NULL DEFAULT '[]',
	group_config  TEXT,
	last_modified INTEGER NOT NULL DEFAULT 0
)`

// Init creates the schema if it does not exist yet.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.Exec(ctx, createTableQuery)
	if err != nil {
		return fmt.Errorf("failed to create chats table: %w", err)
	}
	return nil
}

// Create inserts a new chat and returns it with its assigned ID. The group
// config is validated before anything touches the database.
func (s *Store) Create(ctx context.Context, title string, cfg *GroupChatConfig) (*Chat, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chat := &Chat{
		Title:        title,
		GroupConfig:  cfg,
		LastModified: time.Now().UnixMilli(),
	}
	cfgJSON, err := marshalGroupConfig(cfg)
	if err != nil {
		return nil, err
	}
	res, err := s.db.Exec(ctx,
		`INSERT INTO chats (title, messages, group_config, last_modified) VALUES ($1, '[]', $2, $3)`,
		title, cfgJSON, chat.LastModified,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}
	chat.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	s.log.Debug().Int64("chat_id", chat.ID).Str("title", title).Msg("Created chat")
	return chat, nil
}

// Get loads a chat by ID. Returns nil without error when the chat does not
// exist.
func (s *Store) Get(ctx context.Context, chatID int64) (*Chat, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, title, messages, group_config, last_modified FROM chats WHERE id=$1`,
		chatID,
	)
	return scanChat(row)
}

// Put writes the full chat row back.
func (s *Store) Put(ctx context.Context, chat *Chat) error {
	if chat == nil {
		return errors.New("nil chat")
	}
	if err := chat.GroupConfig.Validate(); err != nil {
		return err
	}
	messagesJSON, err := json.Marshal(chat.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	cfgJSON, err := marshalGroupConfig(chat.GroupConfig)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`UPDATE chats SET title=$1, messages=$2, group_config=$3, last_modified=$4 WHERE id=$5`,
		chat.Title, messagesJSON, cfgJSON, chat.LastModified, chat.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update chat %d: %w", chat.ID, err)
	}
	return nil
}

// AppendMessage appends one message to the chat's content sequence inside a
// single transaction: read the current row, append, bump last_modified,
// write back. Returns the updated chat.
func (s *Store) AppendMessage(ctx context.Context, chatID int64, msg Message) (*Chat, error) {
	var updated *Chat
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		chat, err := s.Get(ctx, chatID)
		if err != nil {
			return err
		}
		if chat == nil {
			return fmt.Errorf("chat %d not found", chatID)
		}
		chat.Messages = append(chat.Messages, msg)
		chat.LastModified = time.Now().UnixMilli()
		if err := s.Put(ctx, chat); err != nil {
			return err
		}
		updated = chat
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ChatSummary is a listing row: the chat without its message payload.
type ChatSummary struct {
	ID           int64
	Title        string
	MessageCount int
	IsGroup      bool
	LastModified int64
}

// List returns summaries of all chats, most recently modified first.
func (s *Store) List(ctx context.Context) ([]ChatSummary, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, title, json_array_length(messages), group_config IS NOT NULL, last_modified
		 FROM chats ORDER BY last_modified DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return dbutil.NewRowIter(rows, func(row dbutil.Scannable) (ChatSummary, error) {
		var summary ChatSummary
		err := row.Scan(&summary.ID, &summary.Title, &summary.MessageCount, &summary.IsGroup, &summary.LastModified)
		return summary, err
	}).AsList()
}

// Delete removes a chat row.
func (s *Store) Delete(ctx context.Context, chatID int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM chats WHERE id=$1`, chatID)
	return err
}

func marshalGroupConfig(cfg *GroupChatConfig) (any, error) {
	if cfg == nil {
		return nil, nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal group config: %w", err)
	}
	return string(data), nil
}

func scanChat(row dbutil.Scannable) (*Chat, error) {
	var chat Chat
	var messagesJSON string
	var cfgJSON sql.NullString
	err := row.Scan(&chat.ID, &chat.Title, &messagesJSON, &cfgJSON, &chat.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(messagesJSON), &chat.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages for chat %d: %w", chat.ID, err)
	}
	if cfgJSON.Valid && cfgJSON.String != "" {
		chat.GroupConfig = &GroupChatConfig{}
		if err = json.Unmarshal([]byte(cfgJSON.String), chat.GroupConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal group config for chat %d: %w", chat.ID, err)
		}
	}
	return &chat, nil
}
