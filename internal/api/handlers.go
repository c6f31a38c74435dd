package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/JordanDonguy/aria/internal/auth"
	"github.com/JordanDonguy/aria/internal/config"
	"github.com/JordanDonguy/aria/internal/mistral"
	"github.com/JordanDonguy/aria/internal/models"
	"github.com/JordanDonguy/aria/internal/quota"
	"github.com/JordanDonguy/aria/internal/ratelimit"
	"github.com/JordanDonguy/aria/internal/service/assistant"
)

// Handler wires the HTTP surface to the services behind it.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	mistral   *mistral.Client
	limiter   *ratelimit.Limiter
	quota     *quota.Quota
	limits    config.LimitsConfig
	logger    *zap.Logger
}

func NewHandler(
	svc *assistant.Service,
	authSvc *auth.Service,
	ai *mistral.Client,
	limiter *ratelimit.Limiter,
	q *quota.Quota,
	limits config.LimitsConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &Handler{
		assistant: svc,
		auth:      authSvc,
		mistral:   ai,
		limiter:   limiter,
		quota:     q,
		limits:    limits,
		logger:    logger,
	}
}

// RegisterRoutes mounts the API. Every route shares the global per-client
// bucket; AI routes count against a second, tighter bucket on top of it.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.Use(h.limiter.Middleware(ratelimit.KindGlobal, h.limits.GlobalPerMinute))

	api.POST("/auth/signup", h.handleSignup)
	api.POST("/auth/login", h.handleLogin)

	ai := api.Group("")
	ai.Use(h.limiter.Middleware(ratelimit.KindAI, h.limits.AIPerMinute))
	ai.POST("/chat", h.handleChat)
	ai.POST("/title", h.handleTitle)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), auth.CSRFMiddleware())
	authed.POST("/auth/logout", h.handleLogout)
	authed.DELETE("/auth/account", h.handleDeleteAccount)
	authed.GET("/conversations", h.handleListConversations)
	authed.POST("/conversations", h.handleCreateConversation)
	authed.DELETE("/conversations", h.handleDeleteConversation)
	authed.GET("/messages", h.handleListMessages)
	authed.POST("/messages", h.handleAppendMessage)
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleSignup(c *gin.Context) {
	var payload credentialsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), payload.Email, payload.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.startSession(c, user)
}

func (h *Handler) handleLogin(c *gin.Context) {
	var payload credentialsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), payload.Email, payload.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	h.startSession(c, user)
}

// startSession issues the auth token and hands it out both as an httpOnly
// cookie for browsers and in the body for API clients, alongside a CSRF
// token the browser echoes on writes.
func (h *Handler) startSession(c *gin.Context, user *models.User) {
	token, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start session"})
		return
	}
	csrf, err := h.auth.NewCSRFToken()
	if err != nil {
		h.logger.Error("issue csrf token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start session"})
		return
	}
	maxAge := int(h.auth.TokenTTL().Seconds())
	c.SetCookie(auth.AuthCookieName, token, maxAge, "/", "", false, true)
	c.SetCookie(auth.CSRFCookieName, csrf, maxAge, "/", "", false, false)
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (h *Handler) handleLogout(c *gin.Context) {
	if token := auth.TokenFromRequest(c); token != "" {
		if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
			h.logger.Warn("revoke token", zap.Error(err))
		}
	}
	c.SetCookie(auth.AuthCookieName, "", -1, "/", "", false, true)
	c.SetCookie(auth.CSRFCookieName, "", -1, "/", "", false, false)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (h *Handler) handleDeleteAccount(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), userID); err != nil {
		h.logger.Warn("revoke user tokens", zap.Error(err))
	}
	if err := h.assistant.DeleteUser(c.Request.Context(), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.logger.Error("delete user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete account"})
		return
	}
	c.SetCookie(auth.AuthCookieName, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"message": "account deleted"})
}

func (h *Handler) handleListConversations(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	conversations, err := h.assistant.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list conversations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

type createConversationPayload struct {
	Title string `json:"title"`
}

func (h *Handler) handleCreateConversation(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	var payload createConversationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	conversation, err := h.assistant.CreateConversation(c.Request.Context(), userID, payload.Title)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conversation})
}

func (h *Handler) handleDeleteConversation(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	if err := h.assistant.DeleteConversation(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		h.logger.Error("delete conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation deleted"})
}

func (h *Handler) handleListMessages(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}
	messages, err := h.assistant.ListMessages(c.Request.Context(), userID, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		h.logger.Error("list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type appendMessagePayload struct {
	ConversationID string      `json:"conversation_id"`
	Role           models.Role `json:"role"`
	Content        string      `json:"content"`
}

func (h *Handler) handleAppendMessage(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	var payload appendMessagePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if payload.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}
	message, err := h.assistant.AppendMessage(c.Request.Context(), userID, payload.ConversationID, payload.Role, payload.Content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": message})
}
