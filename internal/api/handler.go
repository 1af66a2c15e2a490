// Package api exposes the HTTP surface: auth, schedule configuration,
// API key management, balances, purchase history and the run trigger.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"dca-core/internal/engine"
	"dca-core/pkg/cache"
	"dca-core/pkg/crypto"
	"dca-core/pkg/db"
	"dca-core/pkg/kraken"
)

// ExchangeClient is the slice of the Kraken client the API needs.
type ExchangeClient interface {
	Balance(ctx context.Context, apiKey, apiSecret string) (kraken.BalanceInfo, error)
	MinimumOrder(ctx context.Context) (kraken.MinimumOrder, error)
}

// Runner triggers a purchase run.
type Runner interface {
	RunDueOrders(ctx context.Context) (engine.RunSummary, error)
}

// Server wires HTTP endpoints around the store, exchange and engine.
type Server struct {
	Router    *gin.Engine
	Store     *db.Queries
	Exchange  ExchangeClient
	Encryptor *crypto.Encryptor
	Engine    Runner

	JWTSecret  string
	AdminEmail string
	CronSecret string
	Production bool

	// The public minimum-order endpoint is unauthenticated; the memo
	// keeps UI polling from turning into exchange calls.
	minOrder *cache.Memo[kraken.MinimumOrder]
}

// ServerConfig carries the settings the server needs from the environment.
type ServerConfig struct {
	JWTSecret  string
	AdminEmail string
	CronSecret string
	Production bool
}

func NewServer(store *db.Queries, exchange ExchangeClient, encryptor *crypto.Encryptor, eng Runner, cfg ServerConfig) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	r.Use(CORSMiddleware())      // CORS (last before routes)

	s := &Server{
		Router:     r,
		Store:      store,
		Exchange:   exchange,
		Encryptor:  encryptor,
		Engine:     eng,
		JWTSecret:  cfg.JWTSecret,
		AdminEmail: cfg.AdminEmail,
		CronSecret: cfg.CronSecret,
		Production: cfg.Production,
		minOrder:   cache.NewMemo[kraken.MinimumOrder](time.Minute),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/minimum-order", s.getMinimumOrder)
		api.POST("/cron/run", s.runCron)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		user := api.Group("/user")
		user.Use(AuthMiddleware(s.JWTSecret))
		{
			user.GET("/dca-settings", s.getDCASettings)
			user.POST("/dca-settings", s.updateDCASettings)
			user.POST("/api-keys", s.setAPIKeys)
			user.DELETE("/api-keys", s.deleteAPIKeys)
			user.GET("/balance", s.getBalance)
			user.GET("/transactions", s.getTransactions)
			user.POST("/execute-now", s.executeNow)
		}

		admin := api.Group("/admin")
		admin.Use(AuthMiddleware(s.JWTSecret))
		{
			admin.GET("/stats", s.getAdminStats)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// transactionView is the wire shape of one ledger record.
type transactionView struct {
	ID          string          `json:"id"`
	Date        string          `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	BTCAmount   decimal.Decimal `json:"btcAmount"`
	BTCPrice    decimal.Decimal `json:"btcPrice"`
	ActualFee   decimal.Decimal `json:"actualFee"`
	StandardFee decimal.Decimal `json:"standardFee"`
	FeeSavings  decimal.Decimal `json:"feeSavings"`
	Status      string          `json:"status"`
	OrderID     string          `json:"orderId,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

func toTransactionViews(transactions []db.Transaction) []transactionView {
	views := make([]transactionView, 0, len(transactions))
	for _, t := range transactions {
		views = append(views, transactionView{
			ID:          t.ID,
			Date:        t.CreatedAt.UTC().Format(time.RFC3339),
			Amount:      t.EURAmount,
			BTCAmount:   t.BTCAmount,
			BTCPrice:    t.BTCPrice,
			ActualFee:   t.ActualFee,
			StandardFee: t.StandardFee,
			FeeSavings:  t.FeeSavings(),
			Status:      string(t.Status),
			OrderID:     t.ExchangeOrderID,
			Notes:       t.Notes,
		})
	}
	return views
}
