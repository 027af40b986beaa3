package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"streamchat/pkg/domain"
)

const migrateLockID int64 = 58120417

// GormStore implements UserStore and ConversationStore on Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and migrates the schema under an advisory lock
// so several replicas can start at once.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ConversationModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreFromDB wraps an already opened connection without migrating.
func NewGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
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
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)"); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)")
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string) error {
	_, err := conn.ExecContext(ctx, query, migrateLockID)
	return err
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "role", "status", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) UserCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveConversation upserts by id. created_at and owner_id are never rewritten,
// and the conflict update only applies when the stored row has the same owner.
func (s *GormStore) SaveConversation(ctx context.Context, ownerID string, c domain.Conversation) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ErrOwnerRequired
	}
	if strings.TrimSpace(c.ID) == "" {
		return ErrConversationIDRequired
	}
	model, err := conversationToModel(ownerID, c)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "path", "messages", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "conversation_models.owner_id = excluded.owner_id"},
		}},
	}).Create(&model)
	if res.Error != nil {
		return fmt.Errorf("save conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *GormStore) GetConversation(ctx context.Context, ownerID, id string) (domain.Conversation, bool, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Conversation{}, false, ErrOwnerRequired
	}
	var model ConversationModel
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Conversation{}, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, err
	}
	conv, err := conversationFromModel(model)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conv, true, nil
}

func (s *GormStore) ListConversations(ctx context.Context, ownerID string, limit int) ([]domain.Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrOwnerRequired
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	var models []ConversationModel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		conv, err := conversationFromModel(m)
		if err != nil {
			return nil, err
		}
		items = append(items, conv)
	}
	return items, nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, ownerID, id string) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrOwnerRequired
	}
	res := s.db.WithContext(ctx).Delete(&ConversationModel{}, "id = ? AND owner_id = ?", id, ownerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       status,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func conversationToModel(ownerID string, c domain.Conversation) (ConversationModel, error) {
	msgs := c.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return ConversationModel{}, fmt.Errorf("encode transcript: %w", err)
	}
	path := c.Path
	if path == "" {
		path = domain.ConversationPath(c.ID)
	}
	return ConversationModel{
		ID:        c.ID,
		OwnerID:   ownerID,
		Title:     c.Title,
		Path:      path,
		Messages:  raw,
		CreatedAt: c.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func conversationFromModel(m ConversationModel) (domain.Conversation, error) {
	var msgs []domain.Message
	if len(m.Messages) > 0 {
		if err := json.Unmarshal(m.Messages, &msgs); err != nil {
			return domain.Conversation{}, fmt.Errorf("decode transcript %s: %w", m.ID, err)
		}
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return domain.Conversation{
		ID:        m.ID,
		Title:     m.Title,
		Messages:  msgs,
		CreatedAt: m.CreatedAt,
		Path:      m.Path,
		OwnerID:   m.OwnerID,
	}, nil
}
