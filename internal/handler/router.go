package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/auth"
	"github.com/zhouzirui/mission-mentor/backend/internal/config"
	"github.com/zhouzirui/mission-mentor/backend/internal/handler/chat"
	"github.com/zhouzirui/mission-mentor/backend/internal/handler/mission"
	middlewarePkg "github.com/zhouzirui/mission-mentor/backend/internal/middleware"
	missionModel "github.com/zhouzirui/mission-mentor/backend/internal/model/mission"
	chatService "github.com/zhouzirui/mission-mentor/backend/internal/service/chat"
	"github.com/zhouzirui/mission-mentor/backend/pkg/utils"
)

// Deps carries the services the router exposes.
type Deps struct {
	Missions missionModel.Store
	Engine   *chatService.Engine
	Verifier auth.Verifier
	CORS     config.CORSConfig
	Logger   *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.CORS))

	missionHandler := mission.New(deps.Missions, logger)
	chatHandler := chat.New(deps.Engine, logger)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		api.Group(func(authed chi.Router) {
			authed.Use(auth.Authenticate(deps.Verifier, logger))

			// Register mission routes
			missionHandler.RegisterRoutes(authed)

			// Team scoped chat routes
			authed.Route("/teams/{team}", func(team chi.Router) {
				team.Use(auth.RequireTeam("team"))
				chatHandler.RegisterRoutes(team)
			})
		})
	})

	return r
}
