package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"dca-core/internal/engine"
	"dca-core/internal/planner"
	"dca-core/pkg/db"
	"dca-core/pkg/kraken"
)

// getDCASettings returns the caller's purchase configuration. A user who
// never configured anything gets the disabled defaults.
func (s *Server) getDCASettings(c *gin.Context) {
	userID := CurrentUserID(c)
	schedule, err := s.Store.GetSchedule(c.Request.Context(), userID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{
			"enabled":         false,
			"amount":          decimal.Zero,
			"intervalKind":    db.IntervalWeekly,
			"useMinimumFloor": true,
			"hasApiKeys":      false,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	resp := gin.H{
		"enabled":         schedule.Status == db.StatusScheduled || schedule.Status == db.StatusProcessing,
		"amount":          schedule.Amount,
		"intervalKind":    schedule.Interval,
		"useMinimumFloor": schedule.UseMinimumFloor,
		"hasApiKeys":      schedule.HasCredentials(),
	}
	if schedule.Status != db.StatusDisabled {
		resp["nextExecutionAt"] = schedule.NextExecutionAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// updateDCASettings creates or replaces the caller's purchase
// configuration. Enabling schedules the first execution one interval
// from now; credentials are managed separately and survive the update.
func (s *Server) updateDCASettings(c *gin.Context) {
	userID := CurrentUserID(c)
	var req struct {
		Enabled         bool            `json:"enabled"`
		Amount          decimal.Decimal `json:"amount"`
		IntervalKind    db.IntervalKind `json:"intervalKind"`
		UseMinimumFloor bool            `json:"useMinimumFloor"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if !req.IntervalKind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_INTERVAL",
			"error": "intervalKind must be one of minutely, hourly, daily, weekly, monthly",
		})
		return
	}
	if req.Enabled && !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_AMOUNT",
			"error": "amount must be positive",
		})
		return
	}

	ctx := c.Request.Context()
	if req.Enabled {
		existing, err := s.Store.GetSchedule(ctx, userID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":  "INTERNAL_ERROR",
				"error": err.Error(),
			})
			return
		}
		if existing == nil || !existing.HasCredentials() {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "MISSING_API_KEYS",
				"error": "exchange API keys must be configured before enabling purchases",
			})
			return
		}
	}

	now := time.Now().UTC()
	schedule := db.Schedule{
		UserID:          userID,
		Interval:        req.IntervalKind,
		Amount:          req.Amount,
		UseMinimumFloor: req.UseMinimumFloor,
		Status:          db.StatusDisabled,
		UpdatedAt:       now,
	}
	if req.Enabled {
		schedule.Status = db.StatusScheduled
		schedule.NextExecutionAt = planner.NextExecution(req.IntervalKind, now)
	}
	if err := s.Store.UpsertSchedule(ctx, schedule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	resp := gin.H{
		"enabled":         req.Enabled,
		"amount":          req.Amount,
		"intervalKind":    req.IntervalKind,
		"useMinimumFloor": req.UseMinimumFloor,
	}
	if req.Enabled {
		resp["nextExecutionAt"] = schedule.NextExecutionAt.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// setAPIKeys validates the submitted key pair against the exchange and
// stores it, secret encrypted. A pair the exchange rejects is never
// persisted.
func (s *Server) setAPIKeys(c *gin.Context) {
	userID := CurrentUserID(c)
	var req struct {
		APIKey    string `json:"apiKey"`
		APISecret string `json:"apiSecret"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	req.APISecret = strings.TrimSpace(req.APISecret)
	if req.APIKey == "" || req.APISecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_KEYS",
			"error": "apiKey and apiSecret are required",
		})
		return
	}

	ctx := c.Request.Context()
	if _, err := s.Exchange.Balance(ctx, req.APIKey, req.APISecret); err != nil {
		var authErr *kraken.AuthError
		if errors.As(err, &authErr) || errors.Is(err, kraken.ErrInvalidSecret) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_API_KEYS",
				"error": "the exchange rejected these API keys",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "EXCHANGE_UNAVAILABLE",
			"error": "could not verify API keys with the exchange",
		})
		return
	}

	encrypted, err := s.Encryptor.Encrypt(req.APISecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": "failed to encrypt API secret",
		})
		return
	}
	if err := s.Store.SetCredentials(ctx, userID, req.APIKey, encrypted); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"verified": true})
}

// deleteAPIKeys removes the stored key pair and disables the schedule.
func (s *Server) deleteAPIKeys(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.Store.ClearCredentials(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// getBalance fetches the caller's exchange holdings with BTC valued at
// the current price.
func (s *Server) getBalance(c *gin.Context) {
	userID := CurrentUserID(c)
	ctx := c.Request.Context()

	schedule, err := s.Store.GetSchedule(ctx, userID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !schedule.HasCredentials()) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "NO_API_KEYS",
			"error": "no exchange API keys configured",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	secret, err := s.Encryptor.Decrypt(schedule.APISecretEncrypted)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": "failed to decrypt API secret",
		})
		return
	}

	info, err := s.Exchange.Balance(ctx, schedule.APIPublicKey, secret)
	if err != nil {
		var authErr *kraken.AuthError
		if errors.As(err, &authErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_API_KEYS",
				"error": "the exchange rejected the stored API keys",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "EXCHANGE_UNAVAILABLE",
			"error": "could not fetch balance from the exchange",
		})
		return
	}
	c.JSON(http.StatusOK, info)
}

// getTransactions returns the caller's purchase history with running
// totals.
func (s *Server) getTransactions(c *gin.Context) {
	userID := CurrentUserID(c)
	transactions, err := s.Store.TransactionsByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions":  toTransactionViews(transactions),
		"count":         len(transactions),
		"totalSavings":  db.TotalSavings(transactions),
		"totalInvested": db.TotalInvested(transactions),
	})
}

// executeNow pulls the caller's next execution to the present so the
// next run picks it up. Development helper, absent in production.
func (s *Server) executeNow(c *gin.Context) {
	if s.Production {
		c.JSON(http.StatusForbidden, gin.H{
			"code":  "NOT_AVAILABLE",
			"error": "execute-now is disabled in production",
		})
		return
	}

	userID := CurrentUserID(c)
	ctx := c.Request.Context()
	schedule, err := s.Store.GetSchedule(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "NO_SCHEDULE",
			"error": "no purchase schedule configured",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	if schedule.Status != db.StatusScheduled {
		c.JSON(http.StatusConflict, gin.H{
			"code":  "NOT_SCHEDULED",
			"error": "schedule is not in the scheduled state",
		})
		return
	}

	schedule.NextExecutionAt = time.Now().UTC()
	schedule.UpdatedAt = schedule.NextExecutionAt
	if err := s.Store.UpsertSchedule(ctx, *schedule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"nextExecutionAt": schedule.NextExecutionAt.Format(time.RFC3339),
	})
}

// getMinimumOrder exposes the exchange minimum so the UI can validate
// amounts before saving. Public: the figure is not user-specific.
func (s *Server) getMinimumOrder(c *gin.Context) {
	minOrder, err := s.minOrder.Get(func() (kraken.MinimumOrder, error) {
		return s.Exchange.MinimumOrder(c.Request.Context())
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "EXCHANGE_UNAVAILABLE",
			"error": "could not fetch minimum order from the exchange",
		})
		return
	}
	c.JSON(http.StatusOK, minOrder)
}

// getAdminStats reports platform-wide usage. Restricted to the
// configured admin account.
func (s *Server) getAdminStats(c *gin.Context) {
	userID := CurrentUserID(c)
	ctx := c.Request.Context()

	user, err := s.Store.GetUserByID(ctx, userID)
	if err != nil || s.AdminEmail == "" || user.Email != s.AdminEmail {
		c.JSON(http.StatusForbidden, gin.H{
			"code":  "FORBIDDEN",
			"error": "admin access required",
		})
		return
	}

	totalUsers, err := s.Store.CountUsers(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	withKeys, err := s.Store.CountUsersWithCredentials(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	all, err := s.Store.AllTransactions(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	recent, err := s.Store.RecentTransactions(ctx, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"totalUsers":         totalUsers,
		"usersWithApiKeys":   withKeys,
		"totalTransactions":  len(all),
		"totalInvested":      db.TotalInvested(all),
		"totalSavings":       db.TotalSavings(all),
		"recentTransactions": toTransactionViews(recent),
	})
}

// runCron executes every due schedule. Guarded by the shared cron secret
// rather than user auth: the caller is a machine.
func (s *Server) runCron(c *gin.Context) {
	authHeader := c.GetHeader("Authorization")
	if subtle.ConstantTimeCompare([]byte(authHeader), []byte("Bearer "+s.CronSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_CRON_SECRET",
			"error": "invalid or missing cron secret",
		})
		return
	}

	summary, err := s.Engine.RunDueOrders(c.Request.Context())
	if errors.Is(err, engine.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{
			"code":  "RUN_IN_PROGRESS",
			"error": "a run is already in progress",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}
