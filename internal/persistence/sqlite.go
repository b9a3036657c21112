package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/chatctx/pkg/models"
)

// SQLiteStore implements the Store interface on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// Prepared statements for performance
	stmtLoadSummary *sql.Stmt
	stmtSaveSummary *sql.Stmt
	stmtEnsureRoom  *sql.Stmt
	stmtLoadTurns   *sql.Stmt
	stmtMaxOrder    *sql.Stmt
	stmtDeleteRoom  *sql.Stmt
	stmtDeleteTurns *sql.Stmt
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chat_rooms (
	user_id            TEXT NOT NULL,
	chat_id            TEXT NOT NULL,
	model              TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL DEFAULT '',
	summary            TEXT NOT NULL DEFAULT '',
	last_summary_index INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, chat_id)
);

CREATE TABLE IF NOT EXISTS chat_turns (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	chat_id       TEXT NOT NULL,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	tokens        INTEGER NOT NULL DEFAULT 0,
	message_order INTEGER NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	UNIQUE (user_id, chat_id, message_order)
);

CREATE INDEX IF NOT EXISTS idx_chat_turns_chat
	ON chat_turns (user_id, chat_id, message_order);
`

// NewSQLiteStore opens (creating if necessary) a SQLite-backed chat store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite rejects concurrent writers on separate connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.stmtLoadSummary, err = s.db.Prepare(`
		SELECT summary, last_summary_index FROM chat_rooms
		WHERE user_id = ? AND chat_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare load summary: %w", err)
	}

	s.stmtSaveSummary, err = s.db.Prepare(`
		UPDATE chat_rooms SET summary = ?, last_summary_index = ?, updated_at = ?
		WHERE user_id = ? AND chat_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save summary: %w", err)
	}

	s.stmtEnsureRoom, err = s.db.Prepare(`
		INSERT INTO chat_rooms (user_id, chat_id, model, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, chat_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare ensure room: %w", err)
	}

	s.stmtLoadTurns, err = s.db.Prepare(`
		SELECT id, role, content, tokens, message_order, created_at
		FROM chat_turns WHERE user_id = ? AND chat_id = ?
		ORDER BY message_order DESC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare load turns: %w", err)
	}

	s.stmtMaxOrder, err = s.db.Prepare(`
		SELECT COALESCE(MAX(message_order), 0) FROM chat_turns
		WHERE user_id = ? AND chat_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare max order: %w", err)
	}

	s.stmtDeleteRoom, err = s.db.Prepare(`
		DELETE FROM chat_rooms WHERE user_id = ? AND chat_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete room: %w", err)
	}

	s.stmtDeleteTurns, err = s.db.Prepare(`
		DELETE FROM chat_turns WHERE user_id = ? AND chat_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete turns: %w", err)
	}

	return nil
}

func (s *SQLiteStore) LoadRecentTurns(ctx context.Context, userID, chatID string, limit int) ([]*models.Turn, error) {
	if limit <= 0 {
		limit = -1 // no LIMIT in SQLite
	}
	rows, err := s.stmtLoadTurns.QueryContext(ctx, userID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		t := &models.Turn{UserID: userID, ChatID: chatID}
		var role string
		if err := rows.Scan(&t.ID, &role, &t.Content, &t.Tokens, &t.MessageOrder, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Role = models.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}

	// The query walks newest-first for the LIMIT; callers get ascending order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *SQLiteStore) LoadSummary(ctx context.Context, userID, chatID string) (SummaryState, error) {
	var state SummaryState
	err := s.stmtLoadSummary.QueryRowContext(ctx, userID, chatID).Scan(&state.Summary, &state.LastSummaryIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return SummaryState{}, ErrChatNotFound
	}
	if err != nil {
		return SummaryState{}, fmt.Errorf("failed to load summary: %w", err)
	}
	return state, nil
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, userID, chatID, summary string, lastSummaryIndex int64) error {
	res, err := s.stmtSaveSummary.ExecContext(ctx, summary, lastSummaryIndex, time.Now(), userID, chatID)
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	if affected == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (s *SQLiteStore) EnsureChatRoom(ctx context.Context, userID, chatID, model, title string) (bool, error) {
	if userID == "" || chatID == "" {
		return false, fmt.Errorf("user and chat identity are required")
	}
	now := time.Now()
	res, err := s.stmtEnsureRoom.ExecContext(ctx, userID, chatID, model, title, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to ensure chat room: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to ensure chat room: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) AppendTurns(ctx context.Context, turns []*models.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Per-chat high-water marks so a multi-turn batch gets consecutive
	// orders without re-querying per turn.
	maxOrders := map[identity]int64{}

	for _, t := range turns {
		if t == nil {
			return errors.New("turn is required")
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		if t.MessageOrder == 0 {
			key := identity{userID: t.UserID, chatID: t.ChatID}
			max, ok := maxOrders[key]
			if !ok {
				if err := tx.StmtContext(ctx, s.stmtMaxOrder).QueryRowContext(ctx, t.UserID, t.ChatID).Scan(&max); err != nil {
					return fmt.Errorf("failed to resolve message order: %w", err)
				}
			}
			t.MessageOrder = max + 1
			maxOrders[key] = t.MessageOrder
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_turns (id, user_id, chat_id, role, content, tokens, message_order, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.UserID, t.ChatID, string(t.Role), t.Content, t.Tokens, t.MessageOrder, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turns: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.StmtContext(ctx, s.stmtDeleteRoom).ExecContext(ctx, userID, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat room: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete chat room: %w", err)
	}
	if affected == 0 {
		return ErrChatNotFound
	}
	if _, err := tx.StmtContext(ctx, s.stmtDeleteTurns).ExecContext(ctx, userID, chatID); err != nil {
		return fmt.Errorf("failed to delete chat turns: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection and prepared statements.
func (s *SQLiteStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtLoadSummary, s.stmtSaveSummary, s.stmtEnsureRoom,
		s.stmtLoadTurns, s.stmtMaxOrder, s.stmtDeleteRoom, s.stmtDeleteTurns,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
