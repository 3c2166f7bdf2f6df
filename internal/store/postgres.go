package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
)

// ChatModel 一个用户与一个角色的完整对话记录
type ChatModel struct {
	ID          uint      `gorm:"primaryKey;autoIncrement;column:id"`
	UserID      string    `gorm:"uniqueIndex:idx_chat_user_character;size:64;not null;column:user_id"`
	CharacterID string    `gorm:"uniqueIndex:idx_chat_user_character;size:64;not null;column:character_id"`
	Messages    string    `gorm:"type:text;not null;column:messages"`
	CreatedAt   time.Time `gorm:"autoCreateTime;column:created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime;column:updated_at"`
}

func (ChatModel) TableName() string { return "chats" }

// MessageCountModel 每日消息计数
type MessageCountModel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement;column:id"`
	UserID      string `gorm:"uniqueIndex:idx_count_user_character_date;size:64;not null;column:user_id"`
	CharacterID string `gorm:"uniqueIndex:idx_count_user_character_date;size:64;not null;column:character_id"`
	Date        string `gorm:"uniqueIndex:idx_count_user_character_date;size:10;not null;column:date"`
	Count       int    `gorm:"not null;default:0;column:count"`
}

func (MessageCountModel) TableName() string { return "message_counts" }

type storedMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PostgresStore persists conversations through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore opens dsn and migrates both tables.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStoreFromDB(db)
}

// NewPostgresStoreFromDB migrates and wraps an already opened handle.
func NewPostgresStoreFromDB(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&ChatModel{}, &MessageCountModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) LoadConversation(ctx context.Context, userID, personaID string) ([]chat.Message, error) {
	var row ChatModel
	err := p.db.WithContext(ctx).
		Where("user_id = ? AND character_id = ?", userID, personaID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []chat.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load chat: %v", ErrPersistence, err)
	}
	return decodeMessages(row.Messages)
}

func (p *PostgresStore) SaveConversation(ctx context.Context, userID, personaID string, messages []chat.Message) error {
	encoded, err := encodeMessages(messages)
	if err != nil {
		return err
	}

	row := ChatModel{UserID: userID, CharacterID: personaID, Messages: encoded}
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "character_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"messages", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: save chat: %v", ErrPersistence, err)
	}
	return nil
}

func (p *PostgresStore) DeleteConversation(ctx context.Context, userID, personaID string) error {
	err := p.db.WithContext(ctx).
		Where("user_id = ? AND character_id = ?", userID, personaID).
		Delete(&ChatModel{}).Error
	if err != nil {
		return fmt.Errorf("%w: delete chat: %v", ErrPersistence, err)
	}
	return nil
}

func (p *PostgresStore) ListConversations(ctx context.Context, userID string) ([]string, error) {
	ids := make([]string, 0)
	err := p.db.WithContext(ctx).
		Model(&ChatModel{}).
		Where("user_id = ?", userID).
		Order("character_id").
		Pluck("character_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list chats: %v", ErrPersistence, err)
	}
	return ids, nil
}

func (p *PostgresStore) GetDailyCount(ctx context.Context, userID, personaID string, date time.Time) (int, error) {
	var row MessageCountModel
	err := p.db.WithContext(ctx).
		Where("user_id = ? AND character_id = ? AND date = ?", userID, personaID, DayKey(date)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: load count: %v", ErrPersistence, err)
	}
	return row.Count, nil
}

func (p *PostgresStore) SetDailyCount(ctx context.Context, userID, personaID string, date time.Time, count int) error {
	row := MessageCountModel{UserID: userID, CharacterID: personaID, Date: DayKey(date), Count: max(0, count)}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "character_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{"count"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: save count: %v", ErrPersistence, err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func encodeMessages(messages []chat.Message) (string, error) {
	stored := make([]storedMessage, 0, len(messages))
	for _, m := range messages {
		stored = append(stored, storedMessage{ID: m.ID, Role: string(m.Role), Content: m.Content, Timestamp: m.Timestamp})
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("%w: encode messages: %v", ErrPersistence, err)
	}
	return string(data), nil
}

func decodeMessages(raw string) ([]chat.Message, error) {
	if raw == "" {
		return []chat.Message{}, nil
	}
	var stored []storedMessage
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("%w: decode messages: %v", ErrPersistence, err)
	}
	messages := make([]chat.Message, 0, len(stored))
	for _, m := range stored {
		messages = append(messages, chat.Message{ID: m.ID, Role: chat.Role(m.Role), Content: m.Content, Timestamp: m.Timestamp})
	}
	return messages, nil
}
