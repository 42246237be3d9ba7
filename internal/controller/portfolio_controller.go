package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"exchange-api/internal/middleware"
	"exchange-api/internal/service"
)

type PortfolioController struct {
	portfolioService service.PortfolioService
}

func NewPortfolioController(portfolioService service.PortfolioService) *PortfolioController {
	return &PortfolioController{
		portfolioService: portfolioService,
	}
}

// @Summary Get portfolio
// @Description Get the authenticated user's balances valued at the current price
// @Tags portfolio
// @Produce json
// @Success 200 {object} service.PortfolioResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/portfolio [get]
func (c *PortfolioController) GetPortfolio(ctx *gin.Context) {
	userID, ok := middleware.UserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, ErrorResponse{
			Error: "Authentication required",
		})
		return
	}

	response, err := c.portfolioService.GetPortfolio(ctx.Request.Context(), userID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get portfolio",
			Message: err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, response)
}

// @Summary Get leaderboard
// @Description Get the top portfolios ranked by total value
// @Tags portfolio
// @Produce json
// @Param limit query int false "Number of entries" default(10)
// @Success 200 {object} service.LeaderboardResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/portfolio/leaderboard [get]
func (c *PortfolioController) GetLeaderboard(ctx *gin.Context) {
	response, err := c.portfolioService.GetLeaderboard(ctx.Request.Context(), queryInt(ctx, "limit", 10))
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get leaderboard",
			Message: err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, response)
}
