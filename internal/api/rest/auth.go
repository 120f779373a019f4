package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/auth"
	"github.com/KevinKickass/OpenKneaderCore/internal/types"
)

// Login request/response types
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
	Role        string `json:"role"`
}

// Auth handlers
func (s *Server) login(c *gin.Context) {
	if !s.deps.Auth.Enabled() {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeAuthDisabled, "Authentication is disabled", nil))
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeAuthBadRequest, "Invalid request body", err.Error()))
		return
	}

	token, expires, role, err := s.deps.Auth.LoginUser(req.Username, req.Password, c.ClientIP())
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		c.JSON(http.StatusTooManyRequests, types.NewErrorResponse(types.CodeAuthLocked, "Account temporarily locked", nil))
		return
	case err != nil:
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("Login failed", zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeAuthUnauthorized, "Invalid credentials", nil))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expires).Seconds()),
		Role:        role,
	})
}
