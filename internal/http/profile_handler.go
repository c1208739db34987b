package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"realtime-chat/internal/service"
)

// ProfileHandler expone el directorio de perfiles.
type ProfileHandler struct {
	logger   *zap.Logger
	profiles *service.ProfileService
}

func NewProfileHandler(logger *zap.Logger, profiles *service.ProfileService) *ProfileHandler {
	return &ProfileHandler{
		logger:   logger,
		profiles: profiles,
	}
}

// ListProfiles maneja GET /profiles?exclude=.
func (h *ProfileHandler) ListProfiles(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}
	profiles, err := h.profiles.ListOthers(c.Request.Context(), c.Query("exclude"))
	if err != nil {
		h.logger.Error("list profiles failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list profiles"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

// GetProfile maneja GET /profiles/:id.
func (h *ProfileHandler) GetProfile(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}
	profile, err := h.profiles.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		h.logger.Error("get profile failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}
