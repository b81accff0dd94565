package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/zhouzirui/mission-mentor/backend/internal/config"
)

// GeminiCompleter calls the Gemini API.
type GeminiCompleter struct {
	client      *genai.Client
	model       string
	temperature *float32
	logger      *zap.Logger
}

// NewGemini creates a Gemini-backed completer.
func NewGemini(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*GeminiCompleter, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("gemini: GEMINI_API_KEY is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &GeminiCompleter{
		client:      client,
		model:       cfg.GeminiModel,
		temperature: Temperature(cfg),
		logger:      logger.Named("gemini"),
	}, nil
}

// Complete maps the eino message list onto a GenerateContent call.
func (c *GeminiCompleter) Complete(ctx context.Context, req Request) (*schema.Message, error) {
	system, contents := toGeminiContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("gemini: request has no conversational content")
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature: c.temperature,
	}
	if req.Temperature != nil {
		genCfg.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
	if err != nil {
		c.logger.Warn("generate failed",
			zap.String("model", c.model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	text := resp.Text()
	c.logger.Debug("generated reply",
		zap.String("model", c.model),
		zap.Int("length", len(text)),
		zap.Duration("elapsed", time.Since(start)))
	return replyText(schema.AssistantMessage(text, nil))
}

// toGeminiContents folds system messages into one instruction and maps the
// remaining turns onto user/model roles.
func toGeminiContents(messages []*schema.Message) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			system = append(system, msg.Content)
		case schema.Assistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}
