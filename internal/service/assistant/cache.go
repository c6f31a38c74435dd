package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JordanDonguy/aria/internal/models"
	"github.com/JordanDonguy/aria/internal/redis"
)

const transcriptTTL = 30 * time.Minute

// transcriptCache keeps recently-read conversation transcripts in redis.
// Every failure path degrades to the database; the cache is never
// authoritative and a nil client disables it entirely.
type transcriptCache struct {
	client *redis.Client
}

func newTranscriptCache(client *redis.Client) *transcriptCache {
	return &transcriptCache{client: client}
}

func transcriptKey(conversationID string) string {
	return fmt.Sprintf("transcript:%s", conversationID)
}

func (c *transcriptCache) load(ctx context.Context, conversationID string) ([]*models.Message, bool) {
	if c == nil || c.client == nil || conversationID == "" {
		return nil, false
	}
	raw, err := c.client.Get(ctx, transcriptKey(conversationID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			zap.L().Warn("transcript cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var messages []*models.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		zap.L().Warn("transcript cache decode failed", zap.Error(err))
		return nil, false
	}
	return messages, true
}

func (c *transcriptCache) store(ctx context.Context, conversationID string, messages []*models.Message) {
	if c == nil || c.client == nil || conversationID == "" {
		return
	}
	data, err := json.Marshal(messages)
	if err != nil {
		zap.L().Warn("transcript cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, transcriptKey(conversationID), data, transcriptTTL); err != nil {
		zap.L().Warn("transcript cache write failed", zap.Error(err))
	}
}

func (c *transcriptCache) invalidate(ctx context.Context, conversationID string) {
	if c == nil || c.client == nil || conversationID == "" {
		return
	}
	if err := c.client.Del(ctx, transcriptKey(conversationID)); err != nil && err != redis.ErrCacheMiss {
		zap.L().Warn("transcript cache invalidation failed", zap.Error(err))
	}
}
