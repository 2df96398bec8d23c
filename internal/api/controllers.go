package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ledger-core/internal/ledger"
	"ledger-core/pkg/db"
)

type createTradeRequest struct {
	Coin      string          `json:"coin" binding:"required,min=1"`
	Direction string          `json:"direction" binding:"required,oneof=UP DOWN"`
	Amount    decimal.Decimal `json:"amount"`
	Timeframe int             `json:"timeframe" binding:"required"`
}

type createWithdrawalRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	ToAddress string          `json:"to_address" binding:"required,min=4"`
}

type recordDepositRequest struct {
	Token  string          `json:"token" binding:"required,min=1"`
	Amount decimal.Decimal `json:"amount"`
	TxHash string          `json:"tx_hash"`
}

type resolveTradeRequest struct {
	Result     string   `json:"result" binding:"required,oneof=WON LOST"`
	PriceClose *float64 `json:"price_close"`
}

type scheduleTradeRequest struct {
	Result string `json:"result" binding:"required,oneof=WON LOST"`
}

type closeTradeRequest struct {
	Reference string `json:"reference"`
}

type decideWithdrawalRequest struct {
	Status     string `json:"status" binding:"required,oneof=APPROVED REJECTED"`
	AdminNotes string `json:"admin_notes"`
	TxHash     string `json:"tx_hash"`
}

type adjustBalanceRequest struct {
	Mode   string          `json:"mode" binding:"required,oneof=set delta"`
	Amount decimal.Decimal `json:"amount"`
}

type listQuery struct {
	Limit  int    `form:"limit"`
	Status string `form:"status"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps ledger error kinds to HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		respondError(c, http.StatusBadRequest, "INSUFFICIENT_FUNDS", err.Error())
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ledger.ErrAlreadyResolved):
		respondError(c, http.StatusConflict, "ALREADY_RESOLVED", err.Error())
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		respondError(c, http.StatusConflict, "ALREADY_PROCESSED", err.Error())
	case errors.Is(err, ledger.ErrSignatureInvalid):
		respondError(c, http.StatusBadRequest, "INVALID_SIGNATURE", "invalid signature")
	case errors.Is(err, ledger.ErrUpstream):
		respondError(c, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// ----------------------------------------
// Presentation views for nullable columns
// ----------------------------------------

type tradeView struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Coin         string          `json:"coin"`
	Direction    string          `json:"direction"`
	Amount       decimal.Decimal `json:"amount"`
	Timeframe    int             `json:"timeframe"`
	ReturnPct    int             `json:"return_pct"`
	PriceOpen    float64         `json:"price_open"`
	PriceOpenAt  time.Time       `json:"price_open_at"`
	PriceClose   *float64        `json:"price_close,omitempty"`
	PriceCloseAt *time.Time      `json:"price_close_at,omitempty"`
	Pnl          *string         `json:"pnl,omitempty"`
	Status       string          `json:"status"`
	AdminResult  *string         `json:"admin_result,omitempty"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func newTradeView(t db.Trade) tradeView {
	v := tradeView{
		ID:          t.ID,
		UserID:      t.UserID,
		Coin:        t.Coin,
		Direction:   t.Direction,
		Amount:      t.Amount,
		Timeframe:   t.Timeframe,
		ReturnPct:   t.ReturnPct,
		PriceOpen:   t.PriceOpen,
		PriceOpenAt: t.PriceOpenAt,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
	}
	if t.PriceClose.Valid {
		v.PriceClose = &t.PriceClose.Float64
	}
	if t.PriceCloseAt.Valid {
		v.PriceCloseAt = &t.PriceCloseAt.Time
	}
	if t.Pnl.Valid {
		pnl := t.Pnl.Decimal.String()
		v.Pnl = &pnl
	}
	if t.AdminResult.Valid {
		v.AdminResult = &t.AdminResult.String
	}
	if t.ResolvedAt.Valid {
		v.ResolvedAt = &t.ResolvedAt.Time
	}
	return v
}

func tradeViews(trades []db.Trade) []tradeView {
	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, newTradeView(t))
	}
	return views
}

type withdrawView struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	ToAddress  string          `json:"to_address"`
	Status     string          `json:"status"`
	AdminNotes *string         `json:"admin_notes,omitempty"`
	TxHash     *string         `json:"tx_hash,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func newWithdrawView(w db.WithdrawRequest) withdrawView {
	v := withdrawView{
		ID:        w.ID,
		UserID:    w.UserID,
		Amount:    w.Amount,
		ToAddress: w.ToAddress,
		Status:    w.Status,
		CreatedAt: w.CreatedAt,
	}
	if w.AdminNotes.Valid {
		v.AdminNotes = &w.AdminNotes.String
	}
	if w.TxHash.Valid {
		v.TxHash = &w.TxHash.String
	}
	if w.ResolvedAt.Valid {
		v.ResolvedAt = &w.ResolvedAt.Time
	}
	return v
}

func withdrawViews(reqs []db.WithdrawRequest) []withdrawView {
	views := make([]withdrawView, 0, len(reqs))
	for _, w := range reqs {
		views = append(views, newWithdrawView(w))
	}
	return views
}

type depositView struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Token           string          `json:"token"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionHash *string         `json:"transaction_hash,omitempty"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

func newDepositView(d db.Deposit) depositView {
	v := depositView{
		ID:        d.ID,
		UserID:    d.UserID,
		Token:     d.Token,
		Amount:    d.Amount,
		Status:    d.Status,
		CreatedAt: d.CreatedAt,
	}
	if d.TransactionHash.Valid {
		v.TransactionHash = &d.TransactionHash.String
	}
	return v
}

func depositViews(deposits []db.Deposit) []depositView {
	views := make([]depositView, 0, len(deposits))
	for _, d := range deposits {
		views = append(views, newDepositView(d))
	}
	return views
}

// ----------------------------------------
// User endpoints
// ----------------------------------------

func (s *Server) getBalance(c *gin.Context) {
	user, err := db.GetUserByID(c.Request.Context(), s.DB.DB, CurrentUserID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if user == nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": user.ID,
		"balance": user.Balance,
	})
}

func (s *Server) createTrade(c *gin.Context) {
	userID := CurrentUserID(c)
	if ok, retryAfter := s.tradeLimiter.Allow("trades:create:"+userID, time.Now()); !ok {
		c.Header("Retry-After", retryAfter.Round(time.Second).String())
		respondError(c, http.StatusTooManyRequests, "TOO_MANY_REQUESTS", "too many trade requests")
		return
	}

	var req createTradeRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	trade, err := s.Trades.Open(c.Request.Context(), userID, req.Coin, req.Direction, req.Amount, req.Timeframe)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	potential := trade.Amount.Mul(decimal.NewFromInt(int64(trade.ReturnPct))).Div(decimal.NewFromInt(100))
	c.JSON(http.StatusCreated, gin.H{
		"trade":            newTradeView(*trade),
		"potential_return": potential,
	})
}

func (s *Server) listMyTrades(c *gin.Context) {
	var q listQuery
	_ = c.BindQuery(&q)
	q.normalize()

	trades, err := s.DB.Queries().GetTradesByUser(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeViews(trades))
}

func (s *Server) createWithdrawal(c *gin.Context) {
	userID := CurrentUserID(c)
	if ok, retryAfter := s.withdrawLimiter.Allow("withdraw:create:"+userID, time.Now()); !ok {
		c.Header("Retry-After", retryAfter.Round(time.Second).String())
		respondError(c, http.StatusTooManyRequests, "TOO_MANY_REQUESTS", "too many withdrawal requests")
		return
	}

	var req createWithdrawalRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	wr, err := s.Withdrawals.Create(c.Request.Context(), userID, req.Amount, req.ToAddress)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdraw_request": newWithdrawView(*wr)})
}

func (s *Server) listMyWithdrawals(c *gin.Context) {
	var q listQuery
	_ = c.BindQuery(&q)
	q.normalize()

	reqs, err := s.DB.Queries().GetWithdrawRequestsByUser(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawViews(reqs))
}

func (s *Server) recordDepositProof(c *gin.Context) {
	var req recordDepositRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	dep, err := s.Deposits.RecordProof(c.Request.Context(), CurrentUserID(c), req.Token, req.Amount, req.TxHash)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deposit": newDepositView(*dep)})
}

func (s *Server) listMyDeposits(c *gin.Context) {
	var q listQuery
	_ = c.BindQuery(&q)
	q.normalize()

	deposits, err := s.DB.Queries().GetDepositsByUser(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, depositViews(deposits))
}

// ----------------------------------------
// Webhook
// ----------------------------------------

func (s *Server) paymentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "unreadable payload")
		return
	}

	dep, err := s.Deposits.ConfirmFromWebhook(c.Request.Context(), raw, c.GetHeader("X-Webhook-Signature"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if dep == nil {
		// Unrecognized event type: acknowledge so the provider stops retrying.
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deposit": newDepositView(*dep)})
}

// ----------------------------------------
// Sweep
// ----------------------------------------

func (s *Server) autoResolveTrades(c *gin.Context) {
	for _, strategy := range s.sweepAuth {
		if _, ok := strategy.authorize(c); ok {
			report, err := s.Trades.AutoResolveDue(c.Request.Context(), time.Now().UTC())
			if err != nil {
				respondEngineError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"resolved_count": len(report.Resolved),
				"resolved":       report.Resolved,
				"errors":         report.Errors,
			})
			return
		}
	}
	respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "cron secret or admin session required")
}

// ----------------------------------------
// Admin endpoints
// ----------------------------------------

func (s *Server) listUsers(c *gin.Context) {
	var q listQuery
	_ = c.BindQuery(&q)
	q.normalize()

	users, err := s.DB.ListUsers(c.Request.Context(), q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) adjustBalance(c *gin.Context) {
	var req adjustBalanceRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	user, err := s.Ledger.AdjustBalance(c.Request.Context(), c.Param("id"), req.Mode, req.Amount, CurrentUserID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (s *Server) listAllTrades(c *gin.Context) {
	var q listQuery
	_ = c.BindQuery(&q)
	q.normalize()

	trades, err := s.DB.ListTrades(c.Request.Context(), q.Status, q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeViews(trades))
}

func (s *Server) resolveTrade(c *gin.Context) {
	var req resolveTradeRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	trade, err := s.Trades.Resolve(c.Request.Context(), c.Param("id"), req.Result, req.PriceClose, CurrentUserID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": newTradeView(*trade)})
}

func (s *Server) scheduleTradeResult(c *gin.Context) {
	var req scheduleTradeRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	trade, err := s.Trades.ScheduleResult(c.Request.Context(), c.Param("id"), req.Result, CurrentUserID(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": newTradeView(*trade)})
}

func (s *Server) closeTradeAtMarket(c *gin.Context) {
	var req closeTradeRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if req.Reference == "" {
		req.Reference = "spot"
	}

	trade, err := s.Trades.CloseAtMarket(c.Request.Context(), c.Param("id"), CurrentUserID(c), req.Reference)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": newTradeView(*trade)})
}

func (s *Server) listAllWithdrawals(c *gin.Context) {
	var q listQuery
	_ = c.BindQuery(&q)
	q.normalize()

	reqs, err := s.DB.ListWithdrawRequests(c.Request.Context(), q.Status, q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawViews(reqs))
}

func (s *Server) decideWithdrawal(c *gin.Context) {
	var req decideWithdrawalRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	wr, err := s.Withdrawals.Decide(c.Request.Context(), c.Param("id"), req.Status, CurrentUserID(c), req.AdminNotes, req.TxHash)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdraw_request": newWithdrawView(*wr)})
}

func (s *Server) listAllDeposits(c *gin.Context) {
	var q listQuery
	_ = c.BindQuery(&q)
	q.normalize()

	deposits, err := s.DB.ListDeposits(c.Request.Context(), q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, depositViews(deposits))
}

func (s *Server) listAuditEntries(c *gin.Context) {
	var q listQuery
	_ = c.BindQuery(&q)
	q.normalize()

	entries, err := s.DB.ListAuditEntries(c.Request.Context(), q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	type auditView struct {
		ID          int64     `json:"id"`
		ActorUserID *string   `json:"actor_user_id,omitempty"`
		Action      string    `json:"action"`
		Entity      string    `json:"entity"`
		EntityID    string    `json:"entity_id"`
		Metadata    string    `json:"metadata,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		v := auditView{
			ID:        e.ID,
			Action:    e.Action,
			Entity:    e.Entity,
			EntityID:  e.EntityID,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		}
		if e.ActorUserID.Valid {
			v.ActorUserID = &e.ActorUserID.String
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, views)
}
