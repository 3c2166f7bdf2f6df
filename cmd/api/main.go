package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/persona-chat/backend/internal/config"
	"github.com/zhouzirui/persona-chat/backend/internal/handler"
	"github.com/zhouzirui/persona-chat/backend/internal/middleware"
	"github.com/zhouzirui/persona-chat/backend/internal/model/persona"
	"github.com/zhouzirui/persona-chat/backend/internal/service/ai"
	"github.com/zhouzirui/persona-chat/backend/internal/service/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/service/completion"
	"github.com/zhouzirui/persona-chat/backend/internal/service/notify"
	"github.com/zhouzirui/persona-chat/backend/internal/service/quota"
	"github.com/zhouzirui/persona-chat/backend/internal/service/stream"
	"github.com/zhouzirui/persona-chat/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	personaStore := persona.NewMemoryStore(persona.Seed())

	backing, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Store.Driver, err)
	}
	defer backing.Close()
	log.Printf("persistence driver: %s", cfg.Store.Driver)

	// Local completions back the /api/completions endpoint and, unless a
	// remote server is configured, the chat orchestrator itself.
	var local completion.Provider
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		} else {
			local = completion.NewLocal(aiService, personaStore)
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	chatProvider := local
	if cfg.Completion.Remote() {
		chatProvider = completion.NewHTTPClient(cfg.Completion.URL, &http.Client{}, personaStore)
		log.Printf("forwarding chat completions to %s", cfg.Completion.URL)
	}
	if chatProvider == nil {
		log.Println("warning: no completion provider configured, chat sends will fail")
		chatProvider = unavailableProvider{}
	}

	gate := quota.NewGate(backing, quota.WithLimits(quota.Limits{
		Guest: cfg.Quota.GuestLimit,
		Free:  cfg.Quota.FreeLimit,
	}))

	manager := chat.NewManager(chat.Deps{
		Personas: personaStore,
		Provider: chatProvider,
		Quota:    gate,
		Persist:  backing,
	}, notify.WithDebounce(cfg.Notify.Debounce), notify.WithGraceWindow(cfg.Notify.GraceWindow))
	defer manager.Close()

	if cfg.Auth.JWTSecret == "" {
		log.Println("JWT_SECRET 未配置，所有请求按访客处理")
	}
	router := handler.NewRouter(personaStore, manager, local, middleware.NewAuthenticator(cfg.Auth.JWTSecret))

	startServer(ctx, cfg.Server, router)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreRedis:
		return store.NewRedisStore(ctx, store.RedisOptions{
			Addr:            cfg.RedisAddr,
			Password:        cfg.RedisPassword,
			DB:              cfg.RedisDB,
			ConversationTTL: cfg.ConversationTTL,
		})
	case config.StorePostgres:
		return store.NewPostgresStore(cfg.PostgresDSN)
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

type unavailableProvider struct{}

func (unavailableProvider) Stream(context.Context, completion.Request) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: no completion provider configured", stream.ErrTransport)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("persona chat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
