package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"exchange-api/internal/engine"
	"exchange-api/internal/middleware"
	"exchange-api/internal/models"
	"exchange-api/internal/service"
)

// ErrorResponse is the uniform error payload
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Token     string `json:"token,omitempty"`
	Required  string `json:"required,omitempty"`
	Available string `json:"available,omitempty"`
}

type TradingController struct {
	tradingService service.TradingService
}

func NewTradingController(tradingService service.TradingService) *TradingController {
	return &TradingController{
		tradingService: tradingService,
	}
}

// @Summary Get KLOJI price
// @Description Get the current KLOJI/USDT price
// @Tags trading
// @Produce json
// @Success 200 {object} service.PriceResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/trading/price [get]
func (c *TradingController) GetPrice(ctx *gin.Context) {
	response, err := c.tradingService.GetPrice(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get price",
			Message: err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, response)
}

// @Summary Get trading pair info
// @Description Get the KLOJI/USDT pair reserves, fees and 24h statistics
// @Tags trading
// @Produce json
// @Success 200 {object} service.PairInfoResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/trading/pair [get]
func (c *TradingController) GetPairInfo(ctx *gin.Context) {
	response, err := c.tradingService.GetPairInfo(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get pair info",
			Message: err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, response)
}

type calculateRequest struct {
	Type   string          `json:"type" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// @Summary Calculate a trade
// @Description Price a hypothetical buy or sell without executing it
// @Tags trading
// @Accept json
// @Produce json
// @Param request body calculateRequest true "Trade to price"
// @Success 200 {object} engine.TradePreview
// @Failure 400 {object} ErrorResponse
// @Router /api/trading/calculate [post]
func (c *TradingController) Calculate(ctx *gin.Context) {
	var req calculateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}

	preview, err := c.tradingService.Calculate(ctx.Request.Context(), &service.CalculateRequest{
		Direction: req.Type,
		Amount:    req.Amount,
	})
	if err != nil {
		respondTradeError(ctx, err, "Failed to calculate trade")
		return
	}

	ctx.JSON(http.StatusOK, preview)
}

type tradeRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// @Summary Buy KLOJI
// @Description Swap USDT for KLOJI at the pool price
// @Tags trading
// @Accept json
// @Produce json
// @Param request body tradeRequest true "USDT amount to spend"
// @Param Idempotency-Key header string false "Idempotency key for safe retries"
// @Success 200 {object} engine.TradeResult
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/trading/buy [post]
func (c *TradingController) Buy(ctx *gin.Context) {
	c.executeTrade(ctx, c.tradingService.ExecuteBuy)
}

// @Summary Sell KLOJI
// @Description Swap KLOJI for USDT at the pool price
// @Tags trading
// @Accept json
// @Produce json
// @Param request body tradeRequest true "KLOJI amount to sell"
// @Param Idempotency-Key header string false "Idempotency key for safe retries"
// @Success 200 {object} engine.TradeResult
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/trading/sell [post]
func (c *TradingController) Sell(ctx *gin.Context) {
	c.executeTrade(ctx, c.tradingService.ExecuteSell)
}

func (c *TradingController) executeTrade(
	ctx *gin.Context,
	execute func(ctx context.Context, req *service.TradeRequest) (*engine.TradeResult, error),
) {
	userID, ok := middleware.UserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, ErrorResponse{
			Error: "Authentication required",
		})
		return
	}

	var req tradeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}

	result, err := execute(ctx.Request.Context(), &service.TradeRequest{
		UserID:         userID,
		Amount:         req.Amount,
		IdempotencyKey: ctx.GetHeader("Idempotency-Key"),
		Metadata: models.TransactionMetadata{
			IPAddress: ctx.ClientIP(),
			UserAgent: ctx.Request.UserAgent(),
		},
	})
	if err != nil {
		respondTradeError(ctx, err, "Trade failed")
		return
	}

	ctx.JSON(http.StatusOK, result)
}

// @Summary Get trade history
// @Description Get the authenticated user's transaction journal, newest first
// @Tags trading
// @Produce json
// @Param type query string false "Filter by type (buy, sell)"
// @Param status query string false "Filter by status"
// @Param token query string false "Filter by token"
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Page size" default(20)
// @Success 200 {object} service.HistoryResponse
// @Failure 500 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/trading/history [get]
func (c *TradingController) GetHistory(ctx *gin.Context) {
	userID, ok := middleware.UserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, ErrorResponse{
			Error: "Authentication required",
		})
		return
	}

	response, err := c.tradingService.GetHistory(ctx.Request.Context(), &service.HistoryRequest{
		UserID: userID,
		Type:   ctx.Query("type"),
		Status: ctx.Query("status"),
		Token:  ctx.Query("token"),
		Page:   queryInt(ctx, "page", 1),
		Limit:  queryInt(ctx, "limit", 20),
	})
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get history",
			Message: err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, response)
}

// @Summary Get trading stats
// @Description Aggregate the authenticated user's trading activity over a period
// @Tags trading
// @Produce json
// @Param period query string false "Period (24h, 7d, 30d, 90d, 1y)" default(24h)
// @Success 200 {object} service.StatsResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/trading/stats [get]
func (c *TradingController) GetStats(ctx *gin.Context) {
	userID, ok := middleware.UserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, ErrorResponse{
			Error: "Authentication required",
		})
		return
	}

	response, err := c.tradingService.GetStats(ctx.Request.Context(), userID, ctx.DefaultQuery("period", "24h"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to get stats",
			Message: err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, response)
}

func queryInt(ctx *gin.Context, key string, fallback int) int {
	value := ctx.Query(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// respondTradeError maps engine failures to their HTTP status
func respondTradeError(ctx *gin.Context, err error, fallback string) {
	if tradeErr, ok := engine.AsTradeError(err); ok {
		resp := ErrorResponse{
			Error:   fallback,
			Message: tradeErr.Message,
			Code:    string(tradeErr.Code),
			Token:   tradeErr.Token,
		}
		if !tradeErr.Required.IsZero() || !tradeErr.Available.IsZero() {
			resp.Required = tradeErr.Required.String()
			resp.Available = tradeErr.Available.String()
		}
		ctx.JSON(tradeErr.HTTPStatus(), resp)
		return
	}

	ctx.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   fallback,
		Message: err.Error(),
	})
}
