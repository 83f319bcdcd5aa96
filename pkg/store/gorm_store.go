package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"repochat/pkg/domain"
)

const migrateLockID int64 = 52094417

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db     *gorm.DB
	sealer Sealer
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
// sealer protects user credentials at rest and is required.
func NewGormStore(dsn string, sealer Sealer) (*GormStore, error) {
	if sealer == nil {
		return nil, errors.New("credential sealer required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &RepositoryModel{}, &ConversationModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, sealer: sealer}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// UpsertUser inserts a user keyed by GitHub id or refreshes the username and
// credential of the existing row. The stored row is returned.
func (s *GormStore) UpsertUser(u domain.User) (domain.User, error) {
	now := time.Now().UTC()
	sealed, err := s.sealer.Seal([]byte(u.AccessToken))
	if err != nil {
		return domain.User{}, fmt.Errorf("seal credential: %w", err)
	}
	model := UserModel{
		ID:          uuid.NewString(),
		GitHubID:    u.GitHubID,
		Username:    u.Username,
		AccessToken: sealed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "github_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "access_token", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return domain.User{}, err
	}
	var stored UserModel
	if err := s.db.Where("github_id = ?", u.GitHubID).First(&stored).Error; err != nil {
		return domain.User{}, fmt.Errorf("reload user: %w", err)
	}
	return s.userFromModel(stored)
}

// GetUser returns a user by ID with the credential unsealed.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	u, err := s.userFromModel(model)
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}

// CreateRepository inserts a repository record. A second record for the same
// (user, owner, name) fails with ErrDuplicate.
func (s *GormStore) CreateRepository(r domain.Repository) (domain.Repository, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	model := repositoryToModel(r)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.Repository{}, ErrDuplicate
		}
		return domain.Repository{}, err
	}
	return repositoryFromModel(model), nil
}

// GetRepository retrieves a repository record.
func (s *GormStore) GetRepository(id string) (domain.Repository, bool, error) {
	return s.findRepository("id = ?", id)
}

// GetRepositoryByName retrieves the record for (user, owner, name).
func (s *GormStore) GetRepositoryByName(userID, owner, name string) (domain.Repository, bool, error) {
	return s.findRepository("user_id = ? AND owner = ? AND name = ?", userID, owner, name)
}

func (s *GormStore) findRepository(query string, args ...any) (domain.Repository, bool, error) {
	var model RepositoryModel
	if err := s.db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Repository{}, false, nil
		}
		return domain.Repository{}, false, err
	}
	return repositoryFromModel(model), true, nil
}

// ListRepositories returns a user's repositories ordered by created_at.
func (s *GormStore) ListRepositories(userID string, processedOnly bool) ([]domain.Repository, error) {
	tx := s.db.Where("user_id = ?", userID)
	if processedOnly {
		tx = tx.Where("processed = ?", true)
	}
	var models []RepositoryModel
	if err := tx.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Repository, 0, len(models))
	for _, m := range models {
		res = append(res, repositoryFromModel(m))
	}
	return res, nil
}

// CreateConversation inserts a conversation; an existing id fails with ErrDuplicate.
func (s *GormStore) CreateConversation(c domain.Conversation) (domain.Conversation, error) {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	model := conversationToModel(c)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.Conversation{}, ErrDuplicate
		}
		return domain.Conversation{}, err
	}
	return conversationFromModel(model), nil
}

// GetConversation retrieves a conversation.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// SetConversationThread binds a thread only while none is bound. The stored
// conversation is returned, carrying the winner's thread if another writer got there first.
func (s *GormStore) SetConversationThread(id, threadID string) (domain.Conversation, error) {
	var out ConversationModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ConversationModel{}).
			Where("id = ? AND thread_id = ''", id).
			Updates(map[string]any{
				"thread_id":  threadID,
				"updated_at": time.Now().UTC(),
			}).Error; err != nil {
			return err
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return conversationFromModel(out), nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (s *GormStore) ListConversations(userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		res = append(res, conversationFromModel(m))
	}
	return res, nil
}

// AppendMessage records a message and touches its conversation.
func (s *GormStore) AppendMessage(msg domain.Message) (domain.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	model := messageToModel(msg)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Model(&ConversationModel{}).
			Where("id = ?", msg.ConversationID).
			Update("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		return domain.Message{}, err
	}
	return messageFromModel(model), nil
}

// GetMessage retrieves a message.
func (s *GormStore) GetMessage(id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListMessages returns a conversation's messages oldest first.
func (s *GormStore) ListMessages(conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

func (s *GormStore) userFromModel(m UserModel) (domain.User, error) {
	var token []byte
	if len(m.AccessToken) > 0 {
		opened, err := s.sealer.Open(m.AccessToken)
		if err != nil {
			return domain.User{}, fmt.Errorf("open credential: %w", err)
		}
		token = opened
	}
	return domain.User{
		ID:          m.ID,
		GitHubID:    m.GitHubID,
		Username:    m.Username,
		AccessToken: string(token),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}

func repositoryToModel(r domain.Repository) RepositoryModel {
	return RepositoryModel{
		ID:        r.ID,
		UserID:    r.UserID,
		Owner:     r.Owner,
		Name:      r.Name,
		LocalPath: r.LocalPath,
		IndexID:   r.IndexID,
		Files:     datatypes.NewJSONSlice(r.Files),
		Processed: r.Processed,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func repositoryFromModel(m RepositoryModel) domain.Repository {
	return domain.Repository{
		ID:        m.ID,
		UserID:    m.UserID,
		Owner:     m.Owner,
		Name:      m.Name,
		LocalPath: m.LocalPath,
		IndexID:   m.IndexID,
		Files:     []string(m.Files),
		Processed: m.Processed,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:           c.ID,
		UserID:       c.UserID,
		RepositoryID: c.RepositoryID,
		AgentID:      c.AgentID,
		ThreadID:     c.ThreadID,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:           m.ID,
		UserID:       m.UserID,
		RepositoryID: m.RepositoryID,
		AgentID:      m.AgentID,
		ThreadID:     m.ThreadID,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	model := MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
	if msg.ParentID != "" {
		parent := msg.ParentID
		model.ParentID = &parent
	}
	return model
}

func messageFromModel(m MessageModel) domain.Message {
	msg := domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.MessageRole(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
	if m.ParentID != nil {
		msg.ParentID = *m.ParentID
	}
	return msg
}
