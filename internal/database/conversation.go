package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/callsight/callsight/internal/database/models"
)

// conversationRepo implements ConversationRepository.
type conversationRepo struct {
	db *DB
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(db *DB) ConversationRepository {
	return &conversationRepo{db: db}
}

const conversationColumns = `id, from_user_id, to_user_id, type, status, record_url, summary, mood, created_at`

// Create inserts the conversation and its transcript in one transaction.
func (r *conversationRepo) Create(ctx context.Context, conv *models.Conversation, messages []models.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning conversation insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (from_user_id, to_user_id, type, status, record_url, summary, mood, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		conv.FromUserID, conv.ToUserID, conv.Type, conv.Status, conv.RecordURL, conv.Summary, conv.Mood,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	conv.ID = id

	for i := range messages {
		m := &messages[i]
		m.ConversationID = id
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, speaker, content, mood, ord, start_ms, end_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ConversationID, m.Speaker, m.Content, m.Mood, m.Ord, m.StartMS, m.EndMS,
		)
		if err != nil {
			return fmt.Errorf("inserting message %d: %w", m.Ord, err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("getting message insert id: %w", err)
		}
	}

	return tx.Commit()
}

// GetByID returns a conversation by ID.
func (r *conversationRepo) GetByID(ctx context.Context, id int64) (*models.Conversation, error) {
	var c models.Conversation
	err := r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.FromUserID, &c.ToUserID, &c.Type, &c.Status, &c.RecordURL,
		&c.Summary, &c.Mood, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &c, nil
}

// Messages returns the ordered transcript of a conversation.
func (r *conversationRepo) Messages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, conversation_id, speaker, content, mood, ord, start_ms, end_ms
		 FROM messages WHERE conversation_id = ? ORDER BY ord`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Speaker, &m.Content,
			&m.Mood, &m.Ord, &m.StartMS, &m.EndMS); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// List returns all conversations, newest first.
func (r *conversationRepo) List(ctx context.Context) ([]models.Conversation, error) {
	return r.list(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY created_at DESC`)
}

// ListByUser returns conversations a user participated in, newest first.
func (r *conversationRepo) ListByUser(ctx context.Context, userID int64) ([]models.Conversation, error) {
	return r.list(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE from_user_id = ? OR to_user_id = ? ORDER BY created_at DESC`,
		userID, userID)
}

func (r *conversationRepo) list(ctx context.Context, query string, args ...any) ([]models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.FromUserID, &c.ToUserID, &c.Type, &c.Status,
			&c.RecordURL, &c.Summary, &c.Mood, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
