package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0xarcano/UXWallet/internal/app"
	"github.com/0xarcano/UXWallet/internal/handlers"
	"github.com/0xarcano/UXWallet/internal/middleware"
)

// Server bundles the engine with the middleware that needs stopping.
type Server struct {
	Engine  *gin.Engine
	limiter *middleware.RateLimiter
}

// Close stops the rate limiter's eviction loop.
func (s *Server) Close() {
	s.limiter.Stop()
}

// SetupRouter builds the HTTP surface on top of the container.
func SetupRouter(c *app.ServiceContainer) *Server {
	cfg := c.Config
	log := c.Log.WithField("component", "http")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.CORS(cfg.CORS.AllowedOrigins))

	limiter := middleware.NewRateLimiter(cfg.RateLimit, log)
	localhostOnly := middleware.NewLocalhostOnly(log, cfg.Admin.AllowedIPs)
	tokens := handlers.NewAdminTokens(cfg.Admin.JWTSecret, time.Duration(cfg.Admin.TokenTTLHours)*time.Hour)
	adminAuth := middleware.NewAdminAuthMiddleware(tokens, log)

	// ============ Health / Metrics / WebSocket ============
	health := handlers.NewHealthHandler(c.DB, c.NATSStatus(), c.Chains)
	r.GET("/health", health.HealthCheckHandler)
	r.GET("/metrics", localhostOnly.Restrict(), gin.WrapH(promhttp.Handler()))
	r.GET("/ws", handlers.NewWebSocketHandler(c.WebSocketPushService).HandleWebSocket)

	api := r.Group("/api")
	api.Use(limiter.Middleware())

	// ============ Delegation ============
	delegation := handlers.NewDelegationHandler(c.Delegation)
	{
		g := api.Group("/delegation")
		g.POST("/submit", delegation.SubmitHandler)
		g.POST("/revoke", delegation.RevokeHandler)
		g.GET("/status/:address", delegation.StatusHandler)
	}

	// ============ Balances ============
	balances := handlers.NewBalanceHandler(c.Ledger)
	{
		g := api.Group("/balance")
		g.GET("/:address", balances.ListHandler)
		g.GET("/:address/:asset", balances.AssetHandler)
	}

	// ============ Withdrawals ============
	withdrawals := handlers.NewWithdrawalHandler(c.ExitRouter)
	{
		g := api.Group("/withdrawal")
		g.POST("/request", withdrawals.RequestHandler)
		g.GET("/status/:id", withdrawals.StatusHandler)
		g.GET("/history/:address", withdrawals.HistoryHandler)
	}

	// ============ State channel ============
	state := handlers.NewStateHandler(c.Ledger)
	{
		g := api.Group("/state")
		g.GET("/proof/:address", state.ProofHandler)
		g.GET("/sessions/:address", state.SessionsHandler)
		g.POST("/update", state.UpdateHandler)
	}

	// ============ Admin ============
	adminLogin := handlers.NewAdminAuthHandler(cfg.Admin, tokens, log)
	api.POST("/admin/login", adminLogin.AdminLoginHandler)

	admin := handlers.NewAdminHandler(c.Solver, c.Inventory)
	{
		g := api.Group("/admin")
		g.Use(adminAuth.RequireAdminAuth())
		g.POST("/intents/evaluate", admin.EvaluateIntentHandler)
		g.GET("/intents", admin.ListIntentsHandler)
		g.GET("/inventory", admin.ListInventoryHandler)
		g.POST("/inventory/deposit", admin.DepositHandler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"code":    "NOT_FOUND",
				"message": "Endpoint not found: " + c.Request.URL.Path,
			},
		})
	})

	return &Server{Engine: r, limiter: limiter}
}
