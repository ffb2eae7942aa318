package configstore

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskengine/internal/risk"
	"github.com/mbd888/riskengine/internal/security"
	"github.com/mbd888/riskengine/internal/validation"
)

// Handler provides HTTP endpoints for configuration reads and activation.
type Handler struct {
	service *Service
}

// NewHandler creates a new configuration handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only configuration routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/categories", h.ListCategories)
	r.GET("/config/:category", h.GetActiveConfig)
	r.GET("/config/:category/versions", h.ListVersions)
	r.GET("/config/:category/versions/:version", h.GetVersion)
}

// RegisterOperatorRoutes sets up routes that require an operator identity.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/config/:category", h.Activate)
}

// configView is a config with thresholds optionally rescaled for display.
type configView struct {
	*risk.CategoryConfig
	Scale float64 `json:"scale"`
}

func view(cfg *risk.CategoryConfig, scale float64) configView {
	cp := *cfg
	cp.Thresholds = cfg.Thresholds.ToScale(scale)
	if scale == 0 {
		scale = 100
	}
	return configView{CategoryConfig: &cp, Scale: scale}
}

// ListCategories handles GET /v1/categories
func (h *Handler) ListCategories(c *gin.Context) {
	cats, err := h.service.Categories(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if cats == nil {
		cats = []risk.Category{}
	}
	c.JSON(http.StatusOK, gin.H{
		"categories": cats,
		"count":      len(cats),
	})
}

// GetActiveConfig handles GET /v1/config/:category
func (h *Handler) GetActiveConfig(c *gin.Context) {
	category, ok := categoryParam(c)
	if !ok {
		return
	}
	scale, ok := scaleQuery(c)
	if !ok {
		return
	}

	cfg, err := h.service.GetActiveConfig(c.Request.Context(), category)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": view(cfg, scale)})
}

// ListVersions handles GET /v1/config/:category/versions
func (h *Handler) ListVersions(c *gin.Context) {
	category, ok := categoryParam(c)
	if !ok {
		return
	}

	versions, err := h.service.Versions(c.Request.Context(), category)
	if err != nil {
		writeError(c, err)
		return
	}
	if versions == nil {
		versions = []*risk.CategoryConfig{}
	}
	c.JSON(http.StatusOK, gin.H{
		"versions": versions,
		"count":    len(versions),
	})
}

// GetVersion handles GET /v1/config/:category/versions/:version
func (h *Handler) GetVersion(c *gin.Context) {
	category, ok := categoryParam(c)
	if !ok {
		return
	}
	version, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || version < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "version must be a positive integer",
		})
		return
	}
	scale, ok := scaleQuery(c)
	if !ok {
		return
	}

	cfg, err := h.service.Version(c.Request.Context(), category, version)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": view(cfg, scale)})
}

// Activate handles POST /v1/config/:category
func (h *Handler) Activate(c *gin.Context) {
	category, ok := categoryParam(c)
	if !ok {
		return
	}

	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("comment", req.Comment, validation.MaxCommentLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Category = category
	req.CreatedBy = security.Operator(c)
	req.Comment = validation.SanitizeString(req.Comment, validation.MaxCommentLength)

	cfg, err := h.service.Activate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": view(cfg, 0)})
}

func categoryParam(c *gin.Context) (risk.Category, bool) {
	category, err := risk.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_category",
			"message": err.Error(),
		})
		return "", false
	}
	return category, true
}

func scaleQuery(c *gin.Context) (float64, bool) {
	switch c.Query("scale") {
	case "", "100":
		return 0, true
	case "10":
		return risk.TenPointScale, true
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "scale must be 10 or 100",
	})
	return 0, false
}

func writeError(c *gin.Context, err error) {
	var cfgErr *risk.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "configuration_error",
			"message":  cfgErr.Error(),
			"problems": cfgErr.Problems,
		})
	case errors.Is(err, risk.ErrConfigNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No configuration found for category",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
