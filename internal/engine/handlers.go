package engine

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskengine/internal/pagination"
	"github.com/mbd888/riskengine/internal/params"
	"github.com/mbd888/riskengine/internal/risk"
	"github.com/mbd888/riskengine/internal/security"
	"github.com/mbd888/riskengine/internal/validation"
)

// Handler provides HTTP endpoints for scoring, profiles and operator actions.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new engine handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up collector and read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/signals", h.IngestSignals)
	r.GET("/categories/:category/summary", validation.KeyParamMiddleware(), h.Summary)

	users := r.Group("/users/:userId", validation.KeyParamMiddleware())
	users.GET("/history", h.GetHistory)
	users.GET("/categories/:category/score", h.GetCategoryScore)
	users.GET("/categories/:category/scores", h.ListScores)
	users.GET("/categories/:category/profile", h.GetProfile)
	users.GET("/categories/:category/signals/:subScore", h.ListSignals)
	users.POST("/categories/:category/recompute", h.Recompute)
}

// RegisterOperatorRoutes sets up routes that require an operator identity.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	users := r.Group("/users/:userId", validation.KeyParamMiddleware())
	users.POST("/categories/:category/actions", h.ApplyAction)
	users.PUT("/categories/:category/whitelist", h.Whitelist)
	users.DELETE("/categories/:category/whitelist", h.Unwhitelist)
}

// SignalRequest is one collector batch.
type SignalRequest struct {
	UserID     string              `json:"userId" binding:"required"`
	Category   string              `json:"category" binding:"required"`
	SubScore   string              `json:"subScore" binding:"required"`
	ObservedAt *time.Time          `json:"observedAt"`
	Parameters []risk.RawParameter `json:"parameters" binding:"required"`
}

// ActionRequest is an operator state machine action.
type ActionRequest struct {
	Action  string `json:"action" binding:"required"`
	Comment string `json:"comment"`
}

// WhitelistRequest whitelists a profile.
type WhitelistRequest struct {
	Notes     string     `json:"notes"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// UnwhitelistRequest carries an optional comment.
type UnwhitelistRequest struct {
	Comment string `json:"comment"`
}

// IngestSignals handles POST /v1/signals
func (h *Handler) IngestSignals(c *gin.Context) {
	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.ValidCategory("category", req.Category),
		validation.MaxLength("subScore", req.SubScore, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	b := &params.Batch{
		UserID:     req.UserID,
		Category:   risk.Category(req.Category),
		SubScore:   req.SubScore,
		Parameters: req.Parameters,
	}
	if req.ObservedAt != nil {
		b.ObservedAt = *req.ObservedAt
	}
	if err := h.engine.IngestBatch(c.Request.Context(), b); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch": b})
}

// Recompute handles POST /v1/users/:userId/categories/:category/recompute
func (h *Handler) Recompute(c *gin.Context) {
	res, err := h.engine.Recompute(c.Request.Context(), c.Param("userId"), risk.Category(c.Param("category")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetCategoryScore handles GET /v1/users/:userId/categories/:category/score
func (h *Handler) GetCategoryScore(c *gin.Context) {
	score, err := h.engine.GetCategoryScore(c.Request.Context(), c.Param("userId"), risk.Category(c.Param("category")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": score})
}

// ListScores handles GET /v1/users/:userId/categories/:category/scores
func (h *Handler) ListScores(c *gin.Context) {
	list, err := h.engine.ScoreHistory(c.Request.Context(), c.Param("userId"), risk.Category(c.Param("category")), limitQuery(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*risk.CategoryScore{}
	}
	c.JSON(http.StatusOK, gin.H{
		"scores": list,
		"count":  len(list),
	})
}

// GetProfile handles GET /v1/users/:userId/categories/:category/profile
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.engine.GetProfile(c.Request.Context(), c.Param("userId"), risk.Category(c.Param("category")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// ListSignals handles GET /v1/users/:userId/categories/:category/signals/:subScore
func (h *Handler) ListSignals(c *gin.Context) {
	batches, err := h.engine.Signals(c.Request.Context(), c.Param("userId"), risk.Category(c.Param("category")),
		c.Param("subScore"), limitQuery(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if batches == nil {
		batches = []*params.Batch{}
	}
	c.JSON(http.StatusOK, gin.H{
		"batches": batches,
		"count":   len(batches),
	})
}

// GetHistory handles GET /v1/users/:userId/history
func (h *Handler) GetHistory(c *gin.Context) {
	var category risk.Category
	if q := c.Query("category"); q != "" {
		cat, err := risk.ParseCategory(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_category",
				"message": err.Error(),
			})
			return
		}
		category = cat
	}
	page, err := pagination.Parse(c.Query("page"), c.Query("pageSize"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	entries, meta, err := h.engine.GetHistory(c.Request.Context(), c.Param("userId"), category, page)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*risk.StateTransition{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transitions": entries,
		"pagination":  meta,
	})
}

// Summary handles GET /v1/categories/:category/summary
func (h *Handler) Summary(c *gin.Context) {
	category := risk.Category(c.Param("category"))
	counts, err := h.engine.Summary(c.Request.Context(), category)
	if err != nil {
		writeError(c, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"category": category,
		"counts":   counts,
		"total":    total,
	})
}

// ApplyAction handles POST /v1/users/:userId/categories/:category/actions
func (h *Handler) ApplyAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !commentOK(c, req.Comment) {
		return
	}

	t, err := h.engine.ApplyManualAction(c.Request.Context(), c.Param("userId"), risk.Category(c.Param("category")),
		risk.ManualAction(req.Action), security.Operator(c),
		validation.SanitizeString(req.Comment, validation.MaxCommentLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transition": t})
}

// Whitelist handles PUT /v1/users/:userId/categories/:category/whitelist
func (h *Handler) Whitelist(c *gin.Context) {
	var req WhitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !commentOK(c, req.Notes) {
		return
	}

	t, err := h.engine.Whitelist(c.Request.Context(), c.Param("userId"), risk.Category(c.Param("category")),
		security.Operator(c), validation.SanitizeString(req.Notes, validation.MaxCommentLength), req.ExpiresAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transition": t})
}

// Unwhitelist handles DELETE /v1/users/:userId/categories/:category/whitelist
func (h *Handler) Unwhitelist(c *gin.Context) {
	var req UnwhitelistRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if !commentOK(c, req.Comment) {
		return
	}

	t, err := h.engine.Unwhitelist(c.Request.Context(), c.Param("userId"), risk.Category(c.Param("category")),
		security.Operator(c), validation.SanitizeString(req.Comment, validation.MaxCommentLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transition": t})
}

func commentOK(c *gin.Context, comment string) bool {
	if errs := validation.Validate(
		validation.MaxLength("comment", comment, validation.MaxCommentLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

func limitQuery(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

// writeError maps engine errors onto HTTP responses. Illegal transitions
// are ordinary rejections, not failures.
func writeError(c *gin.Context, err error) {
	var (
		illegal *risk.IllegalTransitionError
		cfgErr  *risk.ConfigurationError
		missing *risk.MissingInputError
	)
	switch {
	case errors.As(err, &illegal):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "illegal_transition",
			"message": illegal.Error(),
			"from":    illegal.From,
			"action":  illegal.Action,
		})
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "configuration_error",
			"message":  cfgErr.Error(),
			"problems": cfgErr.Problems,
		})
	case errors.As(err, &missing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "missing_input",
			"message":  missing.Error(),
			"subScore": missing.SubScore,
		})
	case errors.Is(err, risk.ErrProfileNotFound),
		errors.Is(err, risk.ErrScoreNotFound),
		errors.Is(err, risk.ErrConfigNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrOperatorRequired),
		errors.Is(err, ErrUnknownAction),
		errors.Is(err, ErrInvalidExpiry),
		errors.Is(err, params.ErrInvalidBatch),
		errors.Is(err, params.ErrEmptyBatch):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, risk.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Profile changed concurrently, retry the request",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
