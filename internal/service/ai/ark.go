package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/config"
)

// ArkCompleter calls a Volcengine Ark chat model through eino.
type ArkCompleter struct {
	chatModel model.BaseChatModel
	modelName string
	logger    *zap.Logger
}

// NewArk 使用 Ark 配置创建补全后端
func NewArk(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*ArkCompleter, error) {
	if cfg.Model == "" || (cfg.APIKey == "" && (cfg.AccessKey == "" || cfg.SecretKey == "")) {
		return nil, fmt.Errorf("ark: 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	timeout := cfg.Timeout
	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Model:       cfg.Model,
		Timeout:     &timeout,
		Temperature: Temperature(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("ark: create chat model: %w", err)
	}

	return NewArkWithModel(chatModel, cfg.Model, logger), nil
}

// NewArkWithModel wraps an existing eino chat model.
func NewArkWithModel(chatModel model.BaseChatModel, modelName string, logger *zap.Logger) *ArkCompleter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArkCompleter{
		chatModel: chatModel,
		modelName: modelName,
		logger:    logger.Named("ark"),
	}
}

// Complete runs a single non-streaming generation.
func (c *ArkCompleter) Complete(ctx context.Context, req Request) (*schema.Message, error) {
	opts := make([]model.Option, 0, 2)
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}

	start := time.Now()
	reply, err := c.chatModel.Generate(ctx, req.Messages, opts...)
	if err != nil {
		c.logger.Warn("generate failed",
			zap.String("model", c.modelName),
			zap.Int("messages", len(req.Messages)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, fmt.Errorf("ark: generate: %w", err)
	}

	c.logger.Debug("generated reply",
		zap.String("model", c.modelName),
		zap.Int("messages", len(req.Messages)),
		zap.Int("length", len(reply.Content)),
		zap.Duration("elapsed", time.Since(start)))
	return replyText(reply)
}
