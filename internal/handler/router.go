package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/emochat/backend/internal/handler/chat"
	"github.com/zhouzirui/emochat/backend/internal/handler/live"
	"github.com/zhouzirui/emochat/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/emochat/backend/internal/middleware"
	chatService "github.com/zhouzirui/emochat/backend/internal/service/chat"
	"github.com/zhouzirui/emochat/backend/internal/service/mutation"
	"github.com/zhouzirui/emochat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services. A nil limiter disables rate
// limiting.
func NewRouter(chatSvc *chatService.Service, engine *mutation.Engine, limiter *middlewarePkg.RateLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	chatHandler := chat.New(chatSvc, engine)
	streamHandler := stream.New(chatSvc)
	liveHandler := live.New(chatSvc, engine)

	r.Route("/api", func(api chi.Router) {
		if limiter != nil {
			api.Use(limiter.Middleware)
		}

		chatHandler.RegisterRoutes(api)
		liveHandler.RegisterRoutes(api)

		api.Get("/stream/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "sessionID")
			query := r.URL.Query()
			userMessage := query.Get("message")
			if userMessage == "" {
				utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
				return
			}

			err := streamHandler.HandleStreamRequest(r.Context(), w, sessionID, query.Get("userId"), userMessage)
			if errors.Is(err, stream.ErrStreamingUnsupported) {
				utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
				return
			}
			if err != nil {
				slog.Debug("stream ended with error", "session", sessionID, "err", err)
			}
		})
	})

	return r
}
