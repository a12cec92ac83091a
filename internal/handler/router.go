package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/lunark-client/internal/handler/chat"
	"github.com/zhouzirui/lunark-client/internal/handler/session"
	"github.com/zhouzirui/lunark-client/internal/handler/stream"
	"github.com/zhouzirui/lunark-client/internal/metrics"
	chatService "github.com/zhouzirui/lunark-client/internal/service/chat"
	"github.com/zhouzirui/lunark-client/internal/service/conversation"
	"github.com/zhouzirui/lunark-client/internal/service/identity"
	"github.com/zhouzirui/lunark-client/pkg/logger"
)

// NewRouter wires the local control surface to the conversation manager.
func NewRouter(mgr *conversation.Manager, store *chatService.Store, ids *identity.Store, m *metrics.Collector) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger.L(), NoColor: true}))
	r.Use(middleware.Recoverer)

	sessionHandler := session.New(mgr, ids)
	chatHandler := chat.New(mgr, store)
	streamHandler := stream.New(store, mgr)

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}
