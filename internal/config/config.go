package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 500
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	AI         AIConfig
	Quota      QuotaConfig
	Store      StoreConfig
	Auth       AuthConfig
	Notify     NotifyConfig
	Completion CompletionConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	quota, err := loadQuotaConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	notify, err := loadNotifyConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		AI:     ai,
		Quota:  quota,
		Store:  store,
		Auth: AuthConfig{
			JWTSecret: strings.TrimSpace(os.Getenv("JWT_SECRET")),
		},
		Notify: notify,
		Completion: CompletionConfig{
			URL: strings.TrimRight(strings.TrimSpace(os.Getenv("COMPLETION_URL")), "/"),
		},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	temperature := float32(defaultTemperature)
	if c.Temperature != nil {
		temperature = float32(*c.Temperature)
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	maxTokens := defaultMaxTokens
	if c.MaxTokens != nil {
		maxTokens = *c.MaxTokens
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
	}, nil
}

// QuotaConfig 描述各套餐的消息上限，-1 表示不限。
type QuotaConfig struct {
	GuestLimit int
	FreeLimit  int
}

func loadQuotaConfig() (QuotaConfig, error) {
	cfg := QuotaConfig{GuestLimit: 10, FreeLimit: 30}

	guest, err := parseOptionalIntEnv("QUOTA_GUEST_LIMIT")
	if err != nil {
		return QuotaConfig{}, err
	}
	if guest != nil {
		cfg.GuestLimit = *guest
	}

	free, err := parseOptionalIntEnv("QUOTA_FREE_LIMIT")
	if err != nil {
		return QuotaConfig{}, err
	}
	if free != nil {
		cfg.FreeLimit = *free
	}

	if cfg.GuestLimit < -1 || cfg.FreeLimit < -1 {
		return QuotaConfig{}, fmt.Errorf("quota limits must be -1 or non-negative, got guest=%d free=%d", cfg.GuestLimit, cfg.FreeLimit)
	}
	return cfg, nil
}

// StoreDriver 选择持久化后端。
type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StoreRedis    StoreDriver = "redis"
	StorePostgres StoreDriver = "postgres"
)

// StoreConfig 描述持久化配置。
type StoreConfig struct {
	Driver          StoreDriver
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ConversationTTL time.Duration
	PostgresDSN     string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := StoreDriver(strings.ToLower(getEnvOrDefault("STORE_DRIVER", string(StoreMemory))))

	redisDB := 0
	if db, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return StoreConfig{}, err
	} else if db != nil {
		redisDB = *db
	}

	var ttl time.Duration
	if hours, err := parseOptionalIntEnv("REDIS_CONVERSATION_TTL_HOURS"); err != nil {
		return StoreConfig{}, err
	} else if hours != nil && *hours > 0 {
		ttl = time.Duration(*hours) * time.Hour
	}

	cfg := StoreConfig{
		Driver:          driver,
		RedisAddr:       getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         redisDB,
		ConversationTTL: ttl,
		PostgresDSN:     strings.TrimSpace(os.Getenv("POSTGRES_DSN")),
	}

	switch driver {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return StoreConfig{}, fmt.Errorf("STORE_DRIVER=postgres requires POSTGRES_DSN")
		}
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value: %q", driver)
	}
	return cfg, nil
}

// AuthConfig 描述身份校验配置。JWTSecret 为空时所有请求按访客处理。
type AuthConfig struct {
	JWTSecret string
}

// NotifyConfig 描述未读提醒的时间参数。
type NotifyConfig struct {
	Debounce    time.Duration
	GraceWindow time.Duration
}

func loadNotifyConfig() (NotifyConfig, error) {
	cfg := NotifyConfig{Debounce: 300 * time.Millisecond, GraceWindow: 5 * time.Second}

	debounce, err := parseOptionalIntEnv("NOTIFY_DEBOUNCE_MS")
	if err != nil {
		return NotifyConfig{}, err
	}
	if debounce != nil && *debounce >= 0 {
		cfg.Debounce = time.Duration(*debounce) * time.Millisecond
	}

	grace, err := parseOptionalIntEnv("NOTIFY_GRACE_MS")
	if err != nil {
		return NotifyConfig{}, err
	}
	if grace != nil && *grace >= 0 {
		cfg.GraceWindow = time.Duration(*grace) * time.Millisecond
	}
	return cfg, nil
}

// CompletionConfig 描述远端补全服务。URL 为空时使用进程内模型。
type CompletionConfig struct {
	URL string
}

// Remote 表示是否转发到远端补全服务。
func (c CompletionConfig) Remote() bool {
	return c.URL != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
