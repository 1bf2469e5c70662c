package database

import (
	"context"
	"errors"

	"github.com/callsight/callsight/internal/database/models"
)

// ErrNotFound is returned when a query matches no row.
var ErrNotFound = errors.New("database: not found")

// UserRepository persists users.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByExtension(ctx context.Context, extension string) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
	Update(ctx context.Context, user *models.User) error
	TouchLastLogin(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// ExtensionRepository persists extensions.
type ExtensionRepository interface {
	Create(ctx context.Context, ext *models.Extension) error
	GetByID(ctx context.Context, id int64) (*models.Extension, error)
	GetByExtension(ctx context.Context, extension string) (*models.Extension, error)
	List(ctx context.Context) ([]models.Extension, error)
	Update(ctx context.Context, ext *models.Extension) error
	Delete(ctx context.Context, id int64) error
}

// ConversationRepository persists analyzed conversations and their
// transcripts.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation, messages []models.Message) error
	GetByID(ctx context.Context, id int64) (*models.Conversation, error)
	Messages(ctx context.Context, conversationID int64) ([]models.Message, error)
	List(ctx context.Context) ([]models.Conversation, error)
	ListByUser(ctx context.Context, userID int64) ([]models.Conversation, error)
}

// DocumentRepository tracks recording blobs.
type DocumentRepository interface {
	Create(ctx context.Context, doc *models.Document) error
	GetByID(ctx context.Context, id int64) (*models.Document, error)
	List(ctx context.Context) ([]models.Document, error)
}
