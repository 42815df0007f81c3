package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"reengage-service/internal/service"
	"reengage-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// userHeader carries the caller's user id when the body omits it.
const userHeader = "X-User-ID"

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	engagement *service.EngagementService
	checks     map[string]ReadinessCheck
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(engagement *service.EngagementService) *Handler {
	return &Handler{
		engagement: engagement,
		checks:     map[string]ReadinessCheck{},
		logger:     util.GetLogger(),
	}
}

// AddReadinessCheck registers a dependency probed by /ready.
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/back-in-stock", h.subscribeBackInStock)
		v1.DELETE("/back-in-stock/:userId/:productId", h.unsubscribeBackInStock)
		v1.GET("/back-in-stock", h.listBackInStock)

		v1.POST("/price-alerts", h.subscribePriceAlert)
		v1.DELETE("/price-alerts/:userId/:productId", h.unsubscribePriceAlert)
		v1.GET("/price-alerts", h.listPriceAlerts)

		v1.POST("/carts/abandoned", h.saveAbandonedCart)
		v1.GET("/carts/abandoned", h.listAbandonedCarts)
		v1.GET("/carts/abandoned/:id", h.getAbandonedCart)
		v1.POST("/carts/abandoned/:id/recover", h.recoverCart)

		v1.POST("/guest-email", h.registerGuestEmail)
		v1.GET("/stats", h.getStats)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck probes every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) subscribeBackInStock(c *gin.Context) {
	req := service.BackInStockRequest{UserID: c.GetHeader(userHeader)}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sub, err := h.engagement.SubscribeToBackInStock(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) unsubscribeBackInStock(c *gin.Context) {
	removed, err := h.engagement.UnsubscribeFromBackInStock(c.Request.Context(), c.Param("userId"), c.Param("productId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// listBackInStock lists subscriptions, or reports status when both userId and productId are given
func (h *Handler) listBackInStock(c *gin.Context) {
	userID := c.Query("userId")
	if productID := c.Query("productId"); userID != "" && productID != "" {
		c.JSON(http.StatusOK, gin.H{
			"userId":     userID,
			"productId":  productID,
			"subscribed": h.engagement.IsSubscribedToBackInStock(userID, productID),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": h.engagement.ListBackInStock(userID)})
}

func (h *Handler) subscribePriceAlert(c *gin.Context) {
	req := service.PriceAlertRequest{UserID: c.GetHeader(userHeader)}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	alert, err := h.engagement.SubscribeToPriceAlert(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, alert)
}

func (h *Handler) unsubscribePriceAlert(c *gin.Context) {
	removed, err := h.engagement.UnsubscribeFromPriceAlert(c.Request.Context(), c.Param("userId"), c.Param("productId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) listPriceAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": h.engagement.ListPriceAlerts(c.Query("userId"))})
}

// saveAbandonedCart returns 202 with saved=false when the cart was ignored
func (h *Handler) saveAbandonedCart(c *gin.Context) {
	req := service.SaveCartRequest{UserID: c.GetHeader(userHeader)}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	cart, err := h.engagement.SaveAbandonedCart(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if cart == nil {
		c.JSON(http.StatusAccepted, gin.H{"saved": false})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"saved": true, "cart": cart})
}

func (h *Handler) listAbandonedCarts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"carts": h.engagement.ListAbandonedCarts(c.Query("userId"))})
}

func (h *Handler) getAbandonedCart(c *gin.Context) {
	cart, ok := h.engagement.GetAbandonedCart(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cart not found"})
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) recoverCart(c *gin.Context) {
	recovered, err := h.engagement.MarkCartAsRecovered(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovered": recovered})
}

type guestEmailRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Email     string `json:"email" binding:"required"`
}

func (h *Handler) registerGuestEmail(c *gin.Context) {
	var req guestEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.engagement.RegisterGuestEmail(c.Request.Context(), req.SessionID, req.Email); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engagement.GetStats())
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"code":    service.CodeInvalidInput,
		"details": err.Error(),
	})
}

// fail maps service errors to HTTP responses
func (h *Handler) fail(c *gin.Context, err error) {
	if verr, ok := service.AsValidation(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": verr.Message,
			"code":  verr.Code,
		})
		return
	}

	if serr, ok := service.AsStorage(err); ok {
		h.logger.Error("Storage failure",
			zap.String("op", serr.Op),
			zap.String("path", c.FullPath()),
			zap.Error(serr.Err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Storage temporarily unavailable, please retry",
		})
		return
	}

	h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "Internal error",
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
