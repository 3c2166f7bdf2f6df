package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/persona-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/handler/completion"
	"github.com/zhouzirui/persona-chat/backend/internal/handler/notify"
	"github.com/zhouzirui/persona-chat/backend/internal/handler/persona"
	middlewarePkg "github.com/zhouzirui/persona-chat/backend/internal/middleware"
	personaModel "github.com/zhouzirui/persona-chat/backend/internal/model/persona"
	chatService "github.com/zhouzirui/persona-chat/backend/internal/service/chat"
	completionService "github.com/zhouzirui/persona-chat/backend/internal/service/completion"
)

// NewRouter wires HTTP routes to core services. completions may be nil when
// no local model is configured.
func NewRouter(personas personaModel.Store, manager *chatService.Manager, completions completionService.Provider, auth *middlewarePkg.Authenticator) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	personaHandler := persona.New(personas)
	completionHandler := completion.New(completions)
	chatHandler := chat.New(manager)
	notifyHandler := notify.New(manager)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		completionHandler.RegisterRoutes(api)

		api.Group(func(authed chi.Router) {
			authed.Use(auth.Middleware)
			chatHandler.RegisterRoutes(authed)
			notifyHandler.RegisterRoutes(authed)
		})
	})

	return r
}
