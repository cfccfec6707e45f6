package handler

import (
	"errors"

	"cardbank/internal/model"
	"cardbank/internal/service"
	"cardbank/internal/session"
	"cardbank/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const cardKey = "card"

// Handler 统一处理器
type Handler struct {
	ledger   *service.LedgerService
	sessions *session.Store
	logger   *zap.Logger
}

func NewHandler(ledger *service.LedgerService, sessions *session.Store, logger *zap.Logger) *Handler {
	return &Handler{
		ledger:   ledger,
		sessions: sessions,
		logger:   logger.Named("http"),
	}
}

// currentCard AuthMiddleware 写入的当前卡片
func currentCard(c *gin.Context) *model.Card {
	return c.MustGet(cardKey).(*model.Card)
}

// ledgerError 账本错误 -> 业务码与提示
func (h *Handler) ledgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSelfTransfer):
		response.BusinessError(c, response.CodeSelfTransfer, "You can't transfer money to the same account!")
	case errors.Is(err, service.ErrInvalidCardNumber):
		response.BusinessError(c, response.CodeInvalidCardNumber, "Probably you made a mistake in the card number. Please try again!")
	case errors.Is(err, service.ErrUnknownCard):
		response.BusinessError(c, response.CodeUnknownCard, "Such a card does not exist.")
	case errors.Is(err, service.ErrInsufficientFunds):
		response.BusinessError(c, response.CodeBalanceNotEnough, "Not enough money!")
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, response.CodeInvalidAmount, "Amount must be positive!")
	case errors.Is(err, service.ErrBalanceNotZero):
		response.BusinessError(c, response.CodeBalanceNotZero, "Withdraw the balance before closing the account!")
	case errors.Is(err, service.ErrCardNotFound):
		response.BusinessError(c, response.CodeCardNotFound, "Such a card does not exist.")
	case errors.Is(err, service.ErrTransferFailed):
		h.logger.Error("转账执行失败", zap.String("request_id", c.GetString(response.RequestIDKey)), zap.Error(err))
		response.BusinessError(c, response.CodeTransferFailed, "Transfer failed, no money was moved.")
	default:
		h.logger.Error("请求处理失败", zap.String("request_id", c.GetString(response.RequestIDKey)), zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}

// ============================================================
// 开卡与登录
// ============================================================

// OpenAccount 开卡，PIN 仅在此处返回一次
// POST /api/v1/cards
func (h *Handler) OpenAccount(c *gin.Context) {
	card, err := h.ledger.OpenAccount(c.Request.Context())
	if err != nil {
		h.ledgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"number":  card.Number,
		"pin":     card.PIN,
		"balance": card.Balance,
	})
}

type LoginRequest struct {
	Number string `json:"number" binding:"required"`
	PIN    string `json:"pin" binding:"required"`
}

// Login 卡号 + PIN 登录，返回会话 token
// POST /api/v1/session
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	if _, err := h.sessions.CheckLogin(ctx, req.Number); err != nil {
		if errors.Is(err, session.ErrLoginBlocked) {
			response.Error(c, response.CodeTooMany, "Too many failed attempts. Please try again later!")
			return
		}
		h.ledgerError(c, err)
		return
	}

	card, err := h.ledger.Authenticate(ctx, req.Number, req.PIN)
	if err != nil {
		if !errors.Is(err, service.ErrCardNotFound) {
			h.ledgerError(c, err)
			return
		}
		if _, ferr := h.sessions.RecordFailure(ctx, req.Number); errors.Is(ferr, session.ErrLoginBlocked) {
			h.logger.Warn("登录失败次数过多，卡号已封禁", zap.String("ip", c.ClientIP()))
		} else if ferr != nil {
			h.logger.Error("记录登录失败出错", zap.Error(ferr))
		}
		response.Error(c, response.CodeUnauthorized, "Wrong card number or PIN!")
		return
	}

	if err := h.sessions.ResetFailures(ctx, card.Number); err != nil {
		h.logger.Warn("清除登录失败计数出错", zap.Error(err))
	}
	token, err := h.sessions.Create(ctx, card.Number)
	if err != nil {
		h.ledgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"token":   token,
		"message": "You have successfully logged in!",
	})
}

// Logout 注销当前会话
// DELETE /api/v1/session
func (h *Handler) Logout(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.GetString(tokenKey)); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		h.ledgerError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "You have successfully logged out!"})
}

// ============================================================
// 卡片操作（需登录）
// ============================================================

// GetBalance 查询余额
// GET /api/v1/card/balance
func (h *Handler) GetBalance(c *gin.Context) {
	card := currentCard(c)
	balance, err := h.ledger.Balance(c.Request.Context(), card)
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	response.Success(c, gin.H{
		"number":  card.Number,
		"balance": balance,
	})
}

type IncomeRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// AddIncome 入账
// POST /api/v1/card/income
func (h *Handler) AddIncome(c *gin.Context) {
	var req IncomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.ledger.AddIncome(c.Request.Context(), currentCard(c), req.Amount)
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	response.Success(c, gin.H{
		"balance": balance,
		"message": "Income was added!",
	})
}

// TransferRequest 金额不做 binding 校验，校验顺序由账本决定
type TransferRequest struct {
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount"`
}

// Transfer 转账
// POST /api/v1/card/transfer
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.Transfer(c.Request.Context(), currentCard(c), req.To, req.Amount)
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	response.Success(c, gin.H{
		"transfer_no": result.TransferNo,
		"to":          result.To,
		"amount":      result.Amount,
		"balance":     result.FromBalance,
		"message":     "Success!",
	})
}

// CloseAccount 销卡并注销会话
// DELETE /api/v1/card
func (h *Handler) CloseAccount(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.ledger.CloseAccount(ctx, currentCard(c)); err != nil {
		h.ledgerError(c, err)
		return
	}
	if err := h.sessions.Delete(ctx, c.GetString(tokenKey)); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		h.logger.Warn("销卡后注销会话失败", zap.Error(err))
	}
	response.Success(c, gin.H{"message": "The account has been closed!"})
}
