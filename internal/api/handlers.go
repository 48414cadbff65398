package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"autobuy-bot/internal/models"
	"autobuy-bot/internal/monitor"
	"autobuy-bot/internal/pin"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Service is what the API exposes.
type Service interface {
	AddProduct(ctx context.Context, req monitor.AddProductRequest) (*models.MonitoredProduct, error)
	ListProducts() ([]models.MonitoredProduct, error)
	GetProduct(id string) (*models.MonitoredProduct, error)
	RemoveProduct(id string) error
	ToggleProduct(id string) (*models.MonitoredProduct, error)
	CheckNow(ctx context.Context, id string) (*models.MonitoredProduct, monitor.CheckResult, error)
	GetSettings() (models.Settings, error)
	UpdateSettings(u monitor.SettingsUpdate) (models.Settings, error)
	Pause()
	Resume() error
	Paused() bool
}

// Handler holds service dependencies
type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// NewRouter builds the engine. A non-empty token is required as a Bearer token on every /api/v1 route.
func NewRouter(handler *Handler, token string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	SetupRoutes(r, handler, token)
	return r
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, handler *Handler, token string) {
	api := r.Group("/api/v1")
	if token != "" {
		api.Use(bearerAuth(token))
	}
	{
		api.GET("/products", handler.ListProducts)
		api.POST("/products", handler.CreateProduct)
		api.GET("/products/:id", handler.GetProduct)
		api.DELETE("/products/:id", handler.DeleteProduct)
		api.POST("/products/:id/toggle", handler.ToggleProduct)
		api.POST("/products/:id/check", handler.CheckProduct)

		api.GET("/settings", handler.GetSettings)
		api.PUT("/settings", handler.UpdateSettings)

		api.GET("/monitoring", handler.MonitoringStatus)
		api.POST("/monitoring/pause", handler.PauseMonitoring)
		api.POST("/monitoring/resume", handler.ResumeMonitoring)
	}
}

func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("API request")
	}
}

// respondError maps domain errors to status codes.
func respondError(c *gin.Context, err error) {
	var verr *models.ValidationError
	var limit *models.ResourceLimitError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.As(err, &limit):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrProductNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, pin.ErrNoSecret):
		status = http.StatusPreconditionFailed
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("API request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ListProducts returns every monitored product
func (h *Handler) ListProducts(c *gin.Context) {
	products, err := h.svc.ListProducts()
	if err != nil {
		respondError(c, err)
		return
	}
	if products == nil {
		products = []models.MonitoredProduct{}
	}
	c.JSON(http.StatusOK, products)
}

// CreateProduct adds a product and starts monitoring it
func (h *Handler) CreateProduct(c *gin.Context) {
	var req monitor.AddProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.svc.AddProduct(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProduct(c *gin.Context) {
	p, err := h.svc.GetProduct(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) DeleteProduct(c *gin.Context) {
	if err := h.svc.RemoveProduct(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ToggleProduct(c *gin.Context) {
	p, err := h.svc.ToggleProduct(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// CheckProduct polls the product immediately
func (h *Handler) CheckProduct(c *gin.Context) {
	p, res, err := h.svc.CheckNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		var exhausted *models.FetchExhaustedError
		if errors.As(err, &exhausted) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": p, "result": res})
}

type settingsResponse struct {
	models.Settings
	PinSet bool `json:"pin_set"`
}

func (h *Handler) GetSettings(c *gin.Context) {
	s, err := h.svc.GetSettings()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settingsResponse{Settings: s, PinSet: s.HasPin()})
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var req monitor.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.svc.UpdateSettings(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settingsResponse{Settings: s, PinSet: s.HasPin()})
}

func (h *Handler) MonitoringStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"paused": h.svc.Paused()})
}

func (h *Handler) PauseMonitoring(c *gin.Context) {
	h.svc.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *Handler) ResumeMonitoring(c *gin.Context) {
	if err := h.svc.Resume(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}
