package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quzhigang/wg-agent-sub001/internal/agent/core"
)

// maxMessages caps the retained history per conversation.
const maxMessages = 200

// Repo is the Redis-backed conversation history. Messages are append-only
// per conversation and trimmed to the most recent maxMessages.
type Repo struct {
	client *redis.Client
}

func NewRepo(client *redis.Client) *Repo {
	return &Repo{client: client}
}

func historyKey(conversationID string) string {
	return fmt.Sprintf("conv:%s:history", conversationID)
}

// Append adds a message to the end of the conversation history.
func (r *Repo) Append(ctx context.Context, conversationID string, msg core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal history message: %w", err)
	}
	key := historyKey(conversationID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxMessages, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history for %s: %w", conversationID, err)
	}
	return nil
}

// Recent returns the last n messages in chronological order.
func (r *Repo) Recent(ctx context.Context, conversationID string, n int) ([]core.Message, error) {
	if n <= 0 {
		n = 20
	}
	raw, err := r.client.LRange(ctx, historyKey(conversationID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", conversationID, err)
	}
	out := make([]core.Message, 0, len(raw))
	for _, item := range raw {
		var msg core.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode history message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}
