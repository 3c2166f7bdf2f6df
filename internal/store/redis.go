package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
)

const (
	// CountTTL keeps a day's counter around long enough to cover every timezone.
	CountTTL = 48 * time.Hour
)

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// ConversationTTL expires idle transcripts; zero keeps them forever.
	ConversationTTL time.Duration
}

// RedisStore keeps transcripts as JSON documents and counters as plain integers.
type RedisStore struct {
	client          *redis.Client
	conversationTTL time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, conversationTTL: opts.ConversationTTL}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, conversationTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, conversationTTL: conversationTTL}
}

type redisMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"`
}

func (r *RedisStore) LoadConversation(ctx context.Context, userID, personaID string) ([]chat.Message, error) {
	data, err := r.client.Get(ctx, r.conversationKey(userID, personaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []chat.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get conversation: %v", ErrPersistence, err)
	}

	var stored []redisMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: unmarshal conversation: %v", ErrPersistence, err)
	}

	messages := make([]chat.Message, 0, len(stored))
	for _, m := range stored {
		messages = append(messages, chat.Message{
			ID:        m.ID,
			Role:      chat.Role(m.Role),
			Content:   m.Content,
			Timestamp: time.UnixMilli(m.Timestamp).UTC(),
		})
	}
	return messages, nil
}

func (r *RedisStore) SaveConversation(ctx context.Context, userID, personaID string, messages []chat.Message) error {
	stored := make([]redisMessage, 0, len(messages))
	for _, m := range messages {
		stored = append(stored, redisMessage{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp.UnixMilli(),
		})
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("%w: marshal conversation: %v", ErrPersistence, err)
	}

	pipe := r.client.TxPipeline()
	key := r.conversationKey(userID, personaID)
	pipe.Set(ctx, key, data, r.conversationTTL)
	pipe.SAdd(ctx, r.userConversationsKey(userID), personaID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: save conversation: %v", ErrPersistence, err)
	}
	return nil
}

func (r *RedisStore) DeleteConversation(ctx context.Context, userID, personaID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.conversationKey(userID, personaID))
	pipe.SRem(ctx, r.userConversationsKey(userID), personaID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: delete conversation: %v", ErrPersistence, err)
	}
	return nil
}

func (r *RedisStore) GetDailyCount(ctx context.Context, userID, personaID string, date time.Time) (int, error) {
	raw, err := r.client.Get(ctx, r.countKey(userID, personaID, date)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get count: %v", ErrPersistence, err)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: parse count %q: %v", ErrPersistence, raw, err)
	}
	return count, nil
}

func (r *RedisStore) SetDailyCount(ctx context.Context, userID, personaID string, date time.Time, count int) error {
	if err := r.client.Set(ctx, r.countKey(userID, personaID, date), max(0, count), CountTTL).Err(); err != nil {
		return fmt.Errorf("%w: set count: %v", ErrPersistence, err)
	}
	return nil
}

func (r *RedisStore) ListConversations(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.userConversationsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", ErrPersistence, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Key generation helpers

func (r *RedisStore) conversationKey(userID, personaID string) string {
	return fmt.Sprintf("conversation:%s:%s", userID, personaID)
}

func (r *RedisStore) userConversationsKey(userID string) string {
	return fmt.Sprintf("user_conversations:%s", userID)
}

func (r *RedisStore) countKey(userID, personaID string, date time.Time) string {
	return fmt.Sprintf("message_count:%s:%s:%s", userID, personaID, DayKey(date))
}
