package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"exchange-api/internal/service"
)

type PoolController struct {
	poolService service.PoolService
}

func NewPoolController(poolService service.PoolService) *PoolController {
	return &PoolController{
		poolService: poolService,
	}
}

// @Summary Get pool status
// @Description Get the liquidity pool reserves, fees, statistics and maintenance state
// @Tags pool
// @Produce json
// @Success 200 {object} service.PoolStatusResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/pool/status [get]
func (c *PoolController) GetStatus(ctx *gin.Context) {
	response, err := c.poolService.GetStatus(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get pool status",
			Message: err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, response)
}

type maintenanceRequest struct {
	Enabled      bool       `json:"enabled"`
	Reason       string     `json:"reason"`
	EstimatedEnd *time.Time `json:"estimated_end,omitempty"`
}

// @Summary Set maintenance mode
// @Description Halt or resume trading on the pool
// @Tags pool
// @Accept json
// @Produce json
// @Param request body maintenanceRequest true "Maintenance flag"
// @Success 200 {object} models.LiquidityPool
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security AdminKeyAuth
// @Router /api/pool/maintenance [post]
func (c *PoolController) SetMaintenance(ctx *gin.Context) {
	var req maintenanceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}

	pool, err := c.poolService.SetMaintenance(ctx.Request.Context(), &service.MaintenanceRequest{
		Enabled:      req.Enabled,
		Reason:       req.Reason,
		EstimatedEnd: req.EstimatedEnd,
	})
	if err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update maintenance mode",
			Message: err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, pool)
}

type priceUpdateRequest struct {
	Price decimal.Decimal `json:"price" binding:"required"`
}

// @Summary Update KLOJI price
// @Description Manually override the KLOJI reference price
// @Tags pool
// @Accept json
// @Produce json
// @Param request body priceUpdateRequest true "New price in USDT"
// @Success 200 {object} models.LiquidityPool
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security AdminKeyAuth
// @Router /api/pool/price [put]
func (c *PoolController) UpdatePrice(ctx *gin.Context) {
	var req priceUpdateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request format",
			Message: err.Error(),
		})
		return
	}

	pool, err := c.poolService.UpdateKlojiPrice(ctx.Request.Context(), req.Price)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update price",
			Message: err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, pool)
}

// @Summary Reset daily statistics
// @Description Clear the pool's rolling 24h counters
// @Tags pool
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 500 {object} ErrorResponse
// @Security AdminKeyAuth
// @Router /api/pool/stats/reset [post]
func (c *PoolController) ResetDailyStats(ctx *gin.Context) {
	if err := c.poolService.ResetDailyStats(ctx.Request.Context()); err != nil {
		ctx.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to reset daily statistics",
			Message: err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"status": "reset"})
}
