package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Komala-2k/Payment-wallet-week2/internal/auth"
	"github.com/Komala-2k/Payment-wallet-week2/internal/directory"
	"github.com/Komala-2k/Payment-wallet-week2/internal/ledger"
	"github.com/Komala-2k/Payment-wallet-week2/internal/logger"
	"github.com/Komala-2k/Payment-wallet-week2/internal/models"
	"github.com/Komala-2k/Payment-wallet-week2/internal/money"
)

const idempotencyHeader = "Idempotency-Key"

type Handler struct {
	ledger    *ledger.Ledger
	query     *ledger.Query
	directory *directory.Service
	tokens    *auth.TokenService
	money     money.Converter
	log       *logger.Logger
}

func NewHandler(l *ledger.Ledger, q *ledger.Query, dir *directory.Service, tokens *auth.TokenService, conv money.Converter, log *logger.Logger) *Handler {
	return &Handler{
		ledger:    l,
		query:     q,
		directory: dir,
		tokens:    tokens,
		money:     conv,
		log:       log.With("handler", "Wallet"),
	}
}

type profileResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Username  string          `json:"username"`
	UpiID     string          `json:"upiId"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
}

type partyResponse struct {
	Name  string `json:"name"`
	UpiID string `json:"upiId"`
}

type transactionResponse struct {
	ID        string             `json:"id"`
	Type      models.EntryKind   `json:"type"`
	Direction ledger.Direction   `json:"direction,omitempty"`
	Amount    decimal.Decimal    `json:"amount"`
	Memo      string             `json:"description,omitempty"`
	Status    models.EntryStatus `json:"status"`
	Receiver  *partyResponse     `json:"receiver,omitempty"`
	Party     *partyResponse     `json:"counterparty,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

type movementResponse struct {
	Message     string              `json:"message"`
	Balance     decimal.Decimal     `json:"balance"`
	Replayed    bool                `json:"replayed,omitempty"`
	Transaction transactionResponse `json:"transaction"`
}

func (h *Handler) profile(a models.Account) profileResponse {
	return profileResponse{
		ID:        a.ID,
		Name:      a.Name,
		Username:  a.Username,
		UpiID:     a.Alias,
		Balance:   h.money.ToMajor(a.Balance),
		CreatedAt: a.CreatedAt,
	}
}

func (h *Handler) transaction(e models.LedgerEntry) transactionResponse {
	return transactionResponse{
		ID:        e.ID,
		Type:      e.Kind,
		Amount:    h.money.ToMajor(e.Amount),
		Memo:      e.Memo,
		Status:    e.Status,
		Timestamp: e.CreatedAt,
	}
}

func toParty(p *ledger.Party) *partyResponse {
	if p == nil {
		return nil
	}
	return &partyResponse{Name: p.Name, UpiID: p.Alias}
}

// amountFromBody converts a decimal amount to minor units, reporting an
// unusable amount the same way the ledger does.
func (h *Handler) amountFromBody(c *gin.Context, amount decimal.Decimal) (int64, bool) {
	minor, err := h.money.ToMinor(amount)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorEnvelope{
			Error: APIError{Message: err.Error(), Code: string(ledger.CodeInvalidAmount), Field: "amount"},
		})
		return 0, false
	}
	return minor, true
}

func badInput(c *gin.Context, err error) {
	RespondError(c, http.StatusBadRequest, string(ledger.CodeInvalidInput), err)
}

func (h *Handler) Health(c *gin.Context) {
	RespondOK(c, gin.H{"status": "ok"})
}

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Username string `json:"username" binding:"required"`
}

// Register creates an account and returns a bearer token for it.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badInput(c, err)
		return
	}

	account, err := h.directory.Register(c.Request.Context(), req.Name, req.Username)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	token, err := h.tokens.Issue(account.ID)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":   "Registration successful",
		"token":     token,
		"expiresIn": int64(h.tokens.TTL().Seconds()),
		"user":      h.profile(account),
	})
}

func (h *Handler) Profile(c *gin.Context) {
	account, err := h.query.GetAccount(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	RespondOK(c, h.profile(account))
}

// RefreshToken trades a still-valid token for a fresh one. A token that
// has already expired cannot be refreshed here.
func (h *Handler) RefreshToken(c *gin.Context) {
	account, err := h.query.GetAccount(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	token, err := h.tokens.Issue(account.ID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	RespondOK(c, gin.H{
		"token":     token,
		"expiresIn": int64(h.tokens.TTL().Seconds()),
	})
}

func (h *Handler) Balance(c *gin.Context) {
	balance, err := h.query.GetBalance(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"balance": h.money.ToMajor(balance)})
}

// LookupAlias lets a sender confirm who is behind an alias before paying.
func (h *Handler) LookupAlias(c *gin.Context) {
	entry, err := h.directory.Lookup(c.Request.Context(), c.Param("alias"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	RespondOK(c, entry)
}

type addMoneyRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) AddMoney(c *gin.Context) {
	var req addMoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badInput(c, err)
		return
	}
	amount, ok := h.amountFromBody(c, req.Amount)
	if !ok {
		return
	}

	res, err := h.ledger.Deposit(c.Request.Context(), models.DepositRequest{
		AccountID:      callerID(c),
		Amount:         amount,
		IdempotencyKey: c.GetHeader(idempotencyHeader),
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}

	RespondOK(c, movementResponse{
		Message:     "Money added successfully",
		Balance:     h.money.ToMajor(res.Balance),
		Replayed:    res.Replayed,
		Transaction: h.transaction(res.Entry),
	})
}

type sendMoneyRequest struct {
	ReceiverUpiID string          `json:"receiverUpiId" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
}

func (h *Handler) SendMoney(c *gin.Context) {
	var req sendMoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badInput(c, err)
		return
	}
	amount, ok := h.amountFromBody(c, req.Amount)
	if !ok {
		return
	}

	res, err := h.ledger.Transfer(c.Request.Context(), models.TransferRequest{
		SourceAccountID: callerID(c),
		DestAlias:       req.ReceiverUpiID,
		Amount:          amount,
		Memo:            req.Description,
		IdempotencyKey:  c.GetHeader(idempotencyHeader),
	})
	if err != nil {
		h.respondErr(c, err)
		return
	}

	tx := h.transaction(res.Entry)
	tx.Receiver = toParty(res.Counterparty)
	RespondOK(c, movementResponse{
		Message:     "Money sent successfully",
		Balance:     h.money.ToMajor(res.Balance),
		Replayed:    res.Replayed,
		Transaction: tx,
	})
}

// History returns one page of the caller's entries, newest first. Pass
// the returned nextCursor as ?before= to get the next page.
func (h *Handler) History(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badInput(c, errInvalidLimit)
			return
		}
		limit = n
	}

	items, err := h.query.GetHistory(c.Request.Context(), callerID(c), limit, c.Query("before"))
	if err != nil {
		h.respondErr(c, err)
		return
	}

	out := make([]transactionResponse, 0, len(items))
	for _, item := range items {
		tx := h.transaction(item.LedgerEntry)
		tx.Direction = item.Direction
		tx.Party = toParty(item.Counterparty)
		out = append(out, tx)
	}

	resp := gin.H{"transactions": out}
	if len(items) > 0 {
		resp["nextCursor"] = items[len(items)-1].ID
	}
	RespondOK(c, resp)
}

type reconcileResponse struct {
	ledger.Reconciliation
	Balanced bool `json:"balanced"`
}

func (h *Handler) Reconcile(c *gin.Context) {
	r, err := h.query.Reconcile(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	RespondOK(c, reconcileResponse{Reconciliation: r, Balanced: r.Balanced()})
}
