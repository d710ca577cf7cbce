package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"haven.app/ash/internal/http/dto"
	"haven.app/ash/internal/store"
)

// AdminHandler serves the operator surface: outreach opt-out management.
type AdminHandler struct {
	prefs       store.PreferenceStore
	adminAPIKey string
}

func NewAdminHandler(prefs store.PreferenceStore, adminAPIKey string) *AdminHandler {
	return &AdminHandler{
		prefs:       prefs,
		adminAPIKey: adminAPIKey,
	}
}

// SetOptOut records or clears a member's outreach opt-out.
func (h *AdminHandler) SetOptOut(c *gin.Context) {
	var req dto.OptOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.prefs.SetOptOut(ctx, req.UserID, *req.OptedOut); err != nil {
		slog.ErrorContext(ctx, "failed to set opt-out", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update opt-out"})
		return
	}

	c.JSON(http.StatusOK, dto.OptOutResponse{UserID: req.UserID, OptedOut: *req.OptedOut})
}

// GetOptOut reports a member's current opt-out state.
func (h *AdminHandler) GetOptOut(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	ctx := c.Request.Context()
	optedOut, err := h.prefs.OptedOut(ctx, userID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read opt-out", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read opt-out"})
		return
	}

	c.JSON(http.StatusOK, dto.OptOutResponse{UserID: userID, OptedOut: optedOut})
}

// RequireAdminAPIKey middleware checks for valid admin API key
func (h *AdminHandler) RequireAdminAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminAPIKey == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin API not configured"})
			c.Abort()
			return
		}

		apiKey := c.GetHeader("X-Admin-API-Key")
		if apiKey == "" {
			apiKey = c.GetHeader("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != h.adminAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			c.Abort()
			return
		}

		c.Next()
	}
}
