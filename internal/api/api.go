// Package api serves the read-only administrative view of the store as JSON.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-moments/internal/engine"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

type Handler struct {
	Store engine.Reader
}

// NewEngine builds the HTTP engine with every reader route under /api.
func NewEngine(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept-Encoding, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/healthz", h.Health)
	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/users", h.GetUsers)
		apiGroup.GET("/users/:id", h.GetUser)
		apiGroup.GET("/users/:id/moments", h.GetMoments)
		apiGroup.GET("/jobs", h.GetJobs)
		apiGroup.GET("/stats", h.GetStats)
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) GetUsers(c *gin.Context) {
	c.JSON(http.StatusOK, h.Store.Users())
}

func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.Store.User(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// GetMoments lists a user's moments, newest first. ?limit=N keeps the latest N.
func (h *Handler) GetMoments(c *gin.Context) {
	moments, err := h.Store.Moments(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	limit := len(moments)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = min(n, limit)
	}
	out := make([]schema.Moment, 0, limit)
	for i := len(moments) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, moments[i])
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.Store.Jobs())
}

// GetStats reports collection sizes and engagement totals.
func (h *Handler) GetStats(c *gin.Context) {
	var prompts, captured, responses int
	var responseSeconds float64
	for _, u := range h.Store.Users() {
		prompts += u.Stats.PromptsSent
		captured += u.Stats.MomentsCaptured
		responses += u.Stats.Responses
		responseSeconds += u.Stats.TotalResponseSeconds
	}
	avg := 0.0
	if responses > 0 {
		avg = responseSeconds / float64(responses)
	}
	c.JSON(http.StatusOK, gin.H{
		"counts":             h.Store.Counts(),
		"promptsSent":        prompts,
		"momentsCaptured":    captured,
		"responses":          responses,
		"avgResponseSeconds": avg,
	})
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, engine.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
