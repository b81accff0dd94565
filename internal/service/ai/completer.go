// Package ai adapts hosted chat models to the Completer contract used by the
// mission chat engine. Backends are stateless: every call carries its full context.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/config"
)

// ErrEmptyCompletion is returned when a backend answers with no text.
var ErrEmptyCompletion = errors.New("ai: empty completion")

// Request is one completion call.
type Request struct {
	Messages    []*schema.Message
	MaxTokens   int
	Temperature *float32
}

// Completer turns an ordered message list into one assistant reply.
type Completer interface {
	Complete(ctx context.Context, req Request) (*schema.Message, error)
}

// New 根据配置选择补全后端
func New(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (Completer, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("ai: provider %q is not configured", cfg.Provider)
	}

	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGemini(ctx, cfg, logger)
	default:
		return NewArk(ctx, cfg, logger)
	}
}

// Temperature converts the configured temperature to the float32 backends expect.
func Temperature(cfg config.AIConfig) *float32 {
	if cfg.Temperature == nil {
		return nil
	}
	v := float32(*cfg.Temperature)
	return &v
}

func replyText(msg *schema.Message) (*schema.Message, error) {
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return nil, ErrEmptyCompletion
	}
	return msg, nil
}
