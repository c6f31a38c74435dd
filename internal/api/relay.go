package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/JordanDonguy/aria/internal/models"
	"github.com/JordanDonguy/aria/internal/mistral"
	"github.com/JordanDonguy/aria/internal/quota"
)

// streamTimeout caps one upstream completion end to end.
const streamTimeout = 2 * time.Minute

type chatPayload struct {
	Messages    []mistral.Message `json:"messages"`
	Model       string            `json:"model"`
	Personality string            `json:"personality"`
}

// admitUpstreamCall charges the request against the daily ceiling. It writes
// the rejection response itself and reports whether the handler may proceed.
func (h *Handler) admitUpstreamCall(c *gin.Context) bool {
	if !h.mistral.Configured() {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "API key not configured"})
		return false
	}
	res, err := h.quota.CheckAndConsume(c.Request.Context())
	if err != nil {
		h.logger.Error("daily limit check", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not check usage limit"})
		return false
	}
	if !res.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)+1))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": quota.WaitMessage(res.RetryAfter)})
		return false
	}
	return true
}

func validHistory(history []mistral.Message) error {
	if len(history) == 0 {
		return errors.New("messages are required")
	}
	for _, m := range history {
		if !models.Role(m.Role).Valid() {
			return errors.New("message role must be user or assistant")
		}
		if strings.TrimSpace(m.Content) == "" {
			return errors.New("message content cannot be empty")
		}
	}
	return nil
}

// handleChat relays the upstream event stream to the client byte for byte.
// The server never inspects or persists the stream; clients decode it and
// write the transcript back through the messages endpoint.
func (h *Handler) handleChat(c *gin.Context) {
	var payload chatPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := validHistory(payload.Messages); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.admitUpstreamCall(c) {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), streamTimeout)
	defer cancel()

	body, err := h.mistral.StreamChat(ctx, payload.Messages, payload.Model, payload.Personality)
	if err != nil {
		var upstream *mistral.UpstreamError
		if errors.As(err, &upstream) {
			h.logger.Warn("upstream rejected chat", zap.Int("status", upstream.Status))
			c.JSON(upstream.Status, gin.H{"error": upstream.Error()})
			return
		}
		h.logger.Error("call upstream", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not reach the model"})
		return
	}
	defer body.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				// client went away; stop pulling from upstream
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Warn("upstream stream ended early", zap.Error(err))
			}
			return
		}
	}
}

type titlePayload struct {
	Message string `json:"message"`
}

// handleTitle labels a conversation from its opening message. The upstream
// response document is returned as is.
func (h *Handler) handleTitle(c *gin.Context) {
	var payload titlePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if !h.admitUpstreamCall(c) {
		return
	}

	resp, err := h.mistral.Title(c.Request.Context(), payload.Message)
	if err != nil {
		h.logger.Error("generate title", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not generate title"})
		return
	}
	c.JSON(http.StatusOK, resp)
}
