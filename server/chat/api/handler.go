package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"coach_msg/server/chat/broker"
	"coach_msg/server/chat/domain"
	commonauth "coach_msg/server/common/auth"
	"coach_msg/server/common/middleware"
	"coach_msg/server/common/transport/httpresp"
)

// Messages is the broker surface behind the REST routes.
type Messages interface {
	SendMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	GetConversationHistory(ctx context.Context, tenantID, userA, userB string, opts broker.HistoryOptions) ([]domain.Message, error)
	GetMessage(ctx context.Context, tenantID, messageID, userID string, coach bool) (domain.Message, error)
	UpdateStatus(ctx context.Context, tenantID, messageID, actorID string, coach bool, to domain.Status) (domain.Message, error)
	DeleteMessage(ctx context.Context, tenantID, messageID, actorID string) error
}

type Handler struct {
	messages Messages
	ws       gin.HandlerFunc
	verifier commonauth.Verifier
}

// NewHandler wires the REST routes. ws serves /ws and may be nil.
func NewHandler(messages Messages, ws gin.HandlerFunc, verifier commonauth.Verifier) *Handler {
	return &Handler{messages: messages, ws: ws, verifier: verifier}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, httpresp.NewHealthResponse("ok")) })
	if h.ws != nil {
		r.GET("/ws", h.ws)
	}

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.verifier))
	{
		api.GET("/messages", h.listMessages)
		api.POST("/messages", h.createMessage)
		api.GET("/messages/:id", h.getMessage)
		api.PATCH("/messages/:id", h.updateStatus)
		api.DELETE("/messages/:id", h.deleteMessage)
	}
}

type createMessageRequest struct {
	Type        domain.MessageType `json:"type"`
	RecipientID string             `json:"recipientId" binding:"required"`
	Content     string             `json:"content"`
	AudioURL    string             `json:"audioUrl"`
	MediaRef    string             `json:"mediaRef"`
	MediaKind   domain.MediaKind   `json:"mediaKind"`
	ClientMsgID string             `json:"clientMsgId"`
}

func (h *Handler) createMessage(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	m := domain.Message{
		TenantID:    identity.TenantID,
		Type:        req.Type,
		SenderID:    identity.UserID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		MediaRef:    req.MediaRef,
		MediaKind:   req.MediaKind,
		ClientMsgID: req.ClientMsgID,
	}
	if req.AudioURL != "" && m.MediaRef == "" {
		m.MediaRef = req.AudioURL
		m.MediaKind = domain.MediaAudio
	}
	sent, err := h.messages.SendMessage(c.Request.Context(), m)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sent)
}

func (h *Handler) listMessages(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	peer := strings.TrimSpace(c.Query("conversationId"))
	if peer == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse("conversationId is required"))
		return
	}
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = broker.DefaultHistoryLimit
	}
	if limit > broker.MaxHistoryLimit {
		limit = broker.MaxHistoryLimit
	}
	var before time.Time
	if raw := strings.TrimSpace(c.Query("before")); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrInvalidCursor))
			return
		}
		before = time.UnixMilli(ms)
	}
	items, err := h.messages.GetConversationHistory(c.Request.Context(), identity.TenantID, identity.UserID, peer, broker.HistoryOptions{Limit: limit, Before: before, Coach: identity.IsCoach()})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewHistoryResponse(items, limit))
}

func (h *Handler) getMessage(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	m, err := h.messages.GetMessage(c.Request.Context(), identity.TenantID, c.Param("id"), identity.UserID, identity.IsCoach())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) updateStatus(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req struct {
		Status domain.Status `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	m, err := h.messages.UpdateStatus(c.Request.Context(), identity.TenantID, c.Param("id"), identity.UserID, identity.IsCoach(), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	if err := h.messages.DeleteMessage(c.Request.Context(), identity.TenantID, c.Param("id"), identity.UserID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
	case errors.Is(err, domain.ErrNotAuthenticated):
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, NewErrorResponse(err.Error()))
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, NewErrorResponse(err.Error()))
	case errors.Is(err, domain.ErrTransientBroker):
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, NewErrorResponse(err.Error()))
	}
}
