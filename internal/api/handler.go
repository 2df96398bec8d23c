package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ledger-core/internal/deposit"
	"ledger-core/internal/ledger"
	"ledger-core/internal/ratelimit"
	"ledger-core/internal/trade"
	"ledger-core/internal/withdraw"
	"ledger-core/pkg/db"
)

// Server wires the HTTP endpoints around the ledger engines.
type Server struct {
	Router      *gin.Engine
	DB          *db.Database
	Ledger      *ledger.Ledger
	Trades      *trade.Engine
	Withdrawals *withdraw.Engine
	Deposits    *deposit.Intake
	JWTSecret   string

	sweepAuth       []sweepAuthorizer
	tradeLimiter    *ratelimit.Limiter
	withdrawLimiter *ratelimit.Limiter
}

// Limits configures the per-actor fixed-window throttles on create endpoints.
type Limits struct {
	TradePerWindow    int
	WithdrawPerWindow int
	Window            time.Duration
}

func NewServer(database *db.Database, ldg *ledger.Ledger, trades *trade.Engine, withdrawals *withdraw.Engine, deposits *deposit.Intake, jwtSecret, cronSecret string, limits Limits) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Per-IP rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router:          r,
		DB:              database,
		Ledger:          ldg,
		Trades:          trades,
		Withdrawals:     withdrawals,
		Deposits:        deposits,
		JWTSecret:       jwtSecret,
		tradeLimiter:    ratelimit.New(limits.TradePerWindow, limits.Window),
		withdrawLimiter: ratelimit.New(limits.WithdrawPerWindow, limits.Window),
	}
	s.sweepAuth = []sweepAuthorizer{
		cronSecretAuth{secret: cronSecret},
		adminSessionAuth{server: s},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Payment provider webhook (signature-authenticated, no session)
		api.POST("/webhooks/payment", s.paymentWebhook)

		// Sweep trigger: cron shared secret or admin session, checked in
		// the handler so the cron caller needs no JWT.
		api.POST("/admin/trades/auto-resolve", s.autoResolveTrades)

		// Protected API
		protected := api.Group("")
		protected.Use(s.AuthMiddleware())
		{
			protected.GET("/balance", s.getBalance)

			protected.GET("/trades", s.listMyTrades)
			protected.POST("/trades", s.createTrade)

			protected.GET("/withdrawals", s.listMyWithdrawals)
			protected.POST("/withdrawals", s.createWithdrawal)

			protected.GET("/deposits", s.listMyDeposits)
			protected.POST("/deposits", s.recordDepositProof)

			admin := protected.Group("/admin")
			admin.Use(RequireAdmin())
			{
				admin.GET("/users", s.listUsers)
				admin.PATCH("/users/:id/balance", s.adjustBalance)

				admin.GET("/trades", s.listAllTrades)
				admin.POST("/trades/:id/resolve", s.resolveTrade)
				admin.POST("/trades/:id/schedule", s.scheduleTradeResult)
				admin.POST("/trades/:id/close", s.closeTradeAtMarket)

				admin.GET("/withdrawals", s.listAllWithdrawals)
				admin.PATCH("/withdrawals/:id", s.decideWithdrawal)

				admin.GET("/deposits", s.listAllDeposits)
				admin.GET("/audit", s.listAuditEntries)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
