package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClassifier asks a model for a category and folder suggestion.
// Every call carries a timeout; on any failure the caller's deterministic
// fallback takes over, so this classifier is never load-bearing.
type AnthropicClassifier struct {
	client   anthropic.Client
	model    anthropic.Model
	timeout  time.Duration
	fallback Classifier
	logger   *slog.Logger
}

// NewAnthropicClassifier creates a model-backed classifier. fallback is
// consulted whenever the model call fails or times out.
func NewAnthropicClassifier(apiKey, model string, timeout time.Duration, fallback Classifier, logger *slog.Logger) *AnthropicClassifier {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AnthropicClassifier{
		client:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:    anthropic.Model(model),
		timeout:  timeout,
		fallback: fallback,
		logger:   logger,
	}
}

// classification is the JSON shape the model is asked to return.
type classification struct {
	Category     string `json:"category"`
	TargetFolder string `json:"target_folder"`
	Confidence   int    `json:"confidence"`
}

// Classify asks the model; on timeout or malformed output it degrades to
// the fallback.
func (a *AnthropicClassifier) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := fmt.Sprintf(`Classify this file for folder organization.
Name: %s
Mime category: %s
Size bytes: %d

Respond with only a JSON object: {"category": "...", "target_folder": "...", "confidence": 0-100}.
Category must be one of: Document, Spreadsheet, Presentation, Image, Video, PDF, Other.`,
		req.FileName, req.MimeCategory, req.SizeBytes)

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		a.logger.Warn("model classification failed, using fallback", "error", err, "file", req.FileName)
		return a.fallback.Classify(ctx, req)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var c classification
	raw := strings.TrimSpace(text.String())
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.TargetFolder == "" {
		a.logger.Warn("unparseable model classification, using fallback", "file", req.FileName)
		return a.fallback.Classify(ctx, req)
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 100 {
		c.Confidence = 100
	}

	return ClassifyResult{
		Category:     c.Category,
		TargetFolder: c.TargetFolder,
		Confidence:   c.Confidence,
	}, nil
}
