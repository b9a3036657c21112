package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/chatctx/pkg/models"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds connection pool configuration.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_rooms (
	user_id            TEXT NOT NULL,
	chat_id            TEXT NOT NULL,
	model              TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL DEFAULT '',
	summary            TEXT NOT NULL DEFAULT '',
	last_summary_index BIGINT NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, chat_id)
);

CREATE TABLE IF NOT EXISTS chat_turns (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	chat_id       TEXT NOT NULL,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	tokens        INTEGER NOT NULL DEFAULT 0,
	message_order BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, chat_id, message_order)
);

CREATE INDEX IF NOT EXISTS idx_chat_turns_chat
	ON chat_turns (user_id, chat_id, message_order);
`

// NewPostgresStore connects to PostgreSQL with the given DSN and bootstraps
// the schema.
func NewPostgresStore(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection. It does not ping or
// bootstrap the schema; the caller owns the pool lifecycle.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying database connection for related stores.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) LoadRecentTurns(ctx context.Context, userID, chatID string, limit int) ([]*models.Turn, error) {
	query := `
		SELECT id, role, content, tokens, message_order, created_at
		FROM chat_turns WHERE user_id = $1 AND chat_id = $2
		ORDER BY message_order DESC
	`
	args := []any{userID, chatID}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *PostgresStore) LoadSummary(ctx context.Context, userID, chatID string) (SummaryState, error) {
	var state SummaryState
	err := s.db.QueryRowContext(ctx, `
		SELECT summary, last_summary_index FROM chat_rooms
		WHERE user_id = $1 AND chat_id = $2
	`, userID, chatID).Scan(&state.Summary, &state.LastSummaryIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return SummaryState{}, ErrChatNotFound
	}
	if err != nil {
		return SummaryState{}, fmt.Errorf("failed to load summary: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) SaveSummary(ctx context.Context, userID, chatID, summary string, lastSummaryIndex int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_rooms SET summary = $1, last_summary_index = $2, updated_at = $3
		WHERE user_id = $4 AND chat_id = $5
	`, summary, lastSummaryIndex, time.Now(), userID, chatID)
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

func (s *PostgresStore) EnsureChatRoom(ctx context.Context, userID, chatID, model, title string) (bool, error) {
	if userID == "" || chatID == "" {
		return false, fmt.Errorf("user and chat identity are required")
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_rooms (user_id, chat_id, model, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, chat_id) DO NOTHING
	`, userID, chatID, model, title, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to ensure chat room: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to ensure chat room: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) AppendTurns(ctx context.Context, turns []*models.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

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
				err := tx.QueryRowContext(ctx, `
					SELECT COALESCE(MAX(message_order), 0) FROM chat_turns
					WHERE user_id = $1 AND chat_id = $2
				`, t.UserID, t.ChatID).Scan(&max)
				if err != nil {
					return fmt.Errorf("failed to resolve message order: %w", err)
				}
			}
			t.MessageOrder = max + 1
			maxOrders[key] = t.MessageOrder
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_turns (id, user_id, chat_id, role, content, tokens, message_order, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
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

func (s *PostgresStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM chat_rooms WHERE user_id = $1 AND chat_id = $2`, userID, chatID)
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
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_turns WHERE user_id = $1 AND chat_id = $2`, userID, chatID); err != nil {
		return fmt.Errorf("failed to delete chat turns: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
