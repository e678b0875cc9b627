package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Ananth-NQI/crm-intake-bot/internal/config"
	"github.com/Ananth-NQI/crm-intake-bot/internal/metrics"
)

// Role tags a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation sent to the oracle.
type Message struct {
	Role    Role
	Content string
}

// Oracle turns a conversation into generated text.
type Oracle interface {
	Complete(ctx context.Context, conversation []Message) (string, error)
}

type operationKey struct{}

// withOperation labels the oracle calls made with ctx for metrics and logs.
func withOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

func operationFrom(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey{}).(string); ok {
		return op
	}
	return "complete"
}

// OracleOptions tune a CompletionOracle.
type OracleOptions struct {
	Timeout           time.Duration
	Temperature       float64
	RequestsPerMinute float64
	Burst             int
}

// CompletionOracle calls a langchaingo model with a per-call timeout and a
// shared rate limit. It never retries.
type CompletionOracle struct {
	model       llms.Model
	timeout     time.Duration
	temperature float64
	limiter     *rate.Limiter
	metrics     *metrics.Metrics
	log         *zap.Logger
}

// NewCompletionOracle wraps model. Nil metrics or logger are replaced by
// private no-op versions.
func NewCompletionOracle(model llms.Model, opts OracleOptions, m *metrics.Metrics, log *zap.Logger) *CompletionOracle {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(opts.RequestsPerMinute / 60)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CompletionOracle{
		model:       model,
		timeout:     opts.Timeout,
		temperature: opts.Temperature,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		metrics:     m,
		log:         log,
	}
}

// NewOpenAIOracle builds an oracle against an OpenAI-compatible endpoint.
func NewOpenAIOracle(cfg config.OracleConfig, m *metrics.Metrics, log *zap.Logger) (*CompletionOracle, error) {
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return NewCompletionOracle(llm, OracleOptions{
		Timeout:           cfg.Timeout,
		Temperature:       cfg.Temperature,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Burst:             cfg.Burst,
	}, m, log), nil
}

// Complete sends conversation to the model and returns the first choice.
// Every failure wraps ErrOracleUnavailable.
func (o *CompletionOracle) Complete(ctx context.Context, conversation []Message) (string, error) {
	op := operationFrom(ctx)
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.limiter.Wait(ctx); err != nil {
		o.metrics.OracleRequests.WithLabelValues(op, "throttled").Inc()
		return "", fmt.Errorf("%w: rate limit: %w", ErrOracleUnavailable, err)
	}

	start := time.Now()
	resp, err := o.model.GenerateContent(ctx, toMessageContent(conversation), llms.WithTemperature(o.temperature))
	elapsed := time.Since(start)
	o.metrics.OracleLatency.WithLabelValues(op).Observe(elapsed.Seconds())

	if err != nil {
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = "timeout"
		}
		o.metrics.OracleRequests.WithLabelValues(op, result).Inc()
		o.log.Warn("oracle call failed",
			zap.String("operation", op),
			zap.String("result", result),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		o.metrics.OracleRequests.WithLabelValues(op, "empty").Inc()
		return "", fmt.Errorf("%w: empty response", ErrOracleUnavailable)
	}

	o.metrics.OracleRequests.WithLabelValues(op, "success").Inc()
	o.log.Debug("oracle call", zap.String("operation", op), zap.Duration("elapsed", elapsed))
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func toMessageContent(conversation []Message) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(conversation))
	for _, m := range conversation {
		role := schema.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = schema.ChatMessageTypeSystem
		case RoleAssistant:
			role = schema.ChatMessageTypeAI
		}
		content = append(content, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextContent{Text: m.Content}},
		})
	}
	return content
}
