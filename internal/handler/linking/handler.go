package linking

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/linking"
	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/repository"
)

type Handler struct {
	service *linking.Service
}

func NewHandler(service *linking.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	tokens := r.Group("/linking")
	{
		tokens.POST("/tokens", h.IssueToken)
		tokens.POST("/redeem", h.RedeemToken)
	}
}

type issueRequest struct {
	UserID    string `json:"user_id" binding:"required,uuid"`
	ProjectID string `json:"project_id" binding:"required,uuid"`
	Channel   string `json:"channel" binding:"required"`
}

func (h *Handler) IssueToken(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	channel := model.Channel(req.Channel)
	if !model.KnownChannel(channel) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
		return
	}

	userID, _ := uuid.Parse(req.UserID)
	projectID, _ := uuid.Parse(req.ProjectID)

	token, err := h.service.Issue(c.Request.Context(), userID, projectID, channel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"token":      token.Token,
		"channel":    string(token.Channel),
		"expires_at": token.ExpiresAt,
	}})
}

type redeemRequest struct {
	Token    string `json:"token" binding:"required"`
	Identity string `json:"identity" binding:"required"`
}

func (h *Handler) RedeemToken(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	redeemed, err := h.service.Redeem(c.Request.Context(), req.Token, req.Identity)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTokenExpired):
			c.JSON(http.StatusGone, gin.H{"error": "token expired"})
		case errors.Is(err, repository.ErrTokenUsed):
			c.JSON(http.StatusConflict, gin.H{"error": "token already used"})
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown token"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"user_id":    redeemed.UserID,
		"project_id": redeemed.ProjectID,
		"channel":    string(redeemed.Channel),
	}})
}
