package transport

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/auth"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/health"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/middleware"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/ratelimit"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterDeps carries everything the HTTP router needs.
type RouterDeps struct {
	Hub            *Hub
	Health         *health.Handler
	Validator      auth.TokenValidator
	RateLimiter    *ratelimit.RateLimiter
	AllowedOrigins []string
	ServiceName    string
}

// NewRouter assembles the gin engine: observability and CORS on everything,
// credential resolution and rate limiting on the API surface, and the
// subscription socket with its own auth path.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(deps.ServiceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = deps.AllowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", deps.Health.Status)
	router.GET("/health/live", deps.Health.Liveness)
	router.GET("/health/ready", deps.Health.Readiness)

	// Subscription surface: credential arrives via the WS subprotocol, so
	// the bearer middleware does not apply here.
	router.GET("/ws/rooms/:interactionId", deps.Hub.ServeWs)

	api := NewAPI(deps.Hub)
	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(deps.Validator))
	v1.Use(deps.RateLimiter.Middleware())
	{
		rooms := v1.Group("/rooms/:interactionId")
		rooms.POST("/join", api.Join)
		rooms.POST("/leave", api.Leave)
		rooms.POST("/pause", api.Pause)
		rooms.POST("/resume", api.Resume)
		rooms.POST("/actions", api.TakeTurn)
		rooms.POST("/skip-turn", api.SkipTurn)
		rooms.POST("/backtrack", api.Backtrack)
		rooms.GET("/state", api.GetState)
		rooms.POST("/chat", api.SendChat)
		rooms.GET("/chat", api.GetChatHistory)
	}

	return router
}
