package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/chadiek/career-interview/internal/interview"
	"github.com/chadiek/career-interview/internal/metrics"
)

const (
	DefaultModel       = "gpt-4o-mini"
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
	defaultMaxBackoff  = 16 * time.Second

	// parseFailureConfidence is reported when the body was not the expected JSON.
	parseFailureConfidence = 30
	// degradedConfidence keeps locally extracted data at the apply threshold.
	degradedConfidence = interview.MinApplyConfidence
)

// Generator produces interview replies from an OpenAI-compatible chat
// completions backend. It retries transient failures itself and falls back
// to a simplified prompt when the backend rejects the full request.
type Generator struct {
	client      *openai.Client
	model       string
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	temperature float32
	maxTokens   int
	logger      zerolog.Logger
	sleep       func(context.Context, time.Duration) error
}

// Option configures a Generator.
type Option func(*Generator)

func WithModel(model string) Option {
	return func(g *Generator) {
		if model != "" {
			g.model = model
		}
	}
}

// WithMaxAttempts bounds backend calls per Generate.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithBackoff sets the base wait between attempts and the cap for exponential waits.
func WithBackoff(base, max time.Duration) Option {
	return func(g *Generator) {
		g.backoff = base
		g.maxBackoff = max
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// Config is the backend connection.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewGenerator builds a generator for cfg.
func NewGenerator(cfg Config, opts ...Option) *Generator {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		oc.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	g := &Generator{
		client:      openai.NewClientWithConfig(oc),
		model:       DefaultModel,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		maxBackoff:  defaultMaxBackoff,
		temperature: 0.7,
		maxTokens:   600,
		logger:      zerolog.Nop(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate runs one turn. Auth failures return immediately; a rejected
// request switches to the simplified prompt; other failures are retried up
// to the attempt limit and then returned.
func (g *Generator) Generate(ctx context.Context, req interview.GenerationRequest) (interview.GenerationResult, error) {
	msgs := buildMessages(req)

	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := g.waitFor(lastErr, attempt)
			g.logger.Debug().Int("attempt", attempt+1).Dur("wait", wait).Err(lastErr).Msg("retrying generation")
			if err := g.sleep(ctx, wait); err != nil {
				return interview.GenerationResult{}, err
			}
		}

		content, err := g.complete(ctx, msgs, true)
		if err == nil {
			return g.parse(req, content), nil
		}

		var gerr *Error
		if !errors.As(err, &gerr) {
			return interview.GenerationResult{}, err
		}
		switch gerr.Kind {
		case KindAuth:
			g.logger.Error().Err(gerr).Msg("generation backend rejected credentials")
			return interview.GenerationResult{}, gerr
		case KindBadRequest:
			g.logger.Warn().Err(gerr).Msg("generation request rejected, using simplified prompt")
			return g.degraded(ctx, req)
		}
		lastErr = gerr
	}
	return interview.GenerationResult{}, lastErr
}

// degraded answers with a plain-text prompt and decides advancement and
// extraction with the step's local rules.
func (g *Generator) degraded(ctx context.Context, req interview.GenerationRequest) (interview.GenerationResult, error) {
	content, err := g.complete(ctx, buildSimpleMessages(req), false)
	if err != nil {
		return interview.GenerationResult{}, err
	}
	return interview.GenerationResult{
		Message:       strings.TrimSpace(content),
		ExtractedData: req.Step.ExtractLocal(req.UserMessage),
		ShouldAdvance: req.Step.FallbackAdvance(req.UserMessage),
		Confidence:    degradedConfidence,
		Degraded:      true,
	}, nil
}

func (g *Generator) complete(ctx context.Context, msgs []openai.ChatCompletionMessage, jsonOut bool) (string, error) {
	creq := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    msgs,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}
	if jsonOut {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, creq)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		cerr := classify(ctx, err)
		outcome := "canceled"
		var gerr *Error
		if errors.As(cerr, &gerr) {
			outcome = string(gerr.Kind)
		}
		metrics.RecordGeneration(g.model, outcome, elapsed)
		return "", cerr
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		metrics.RecordGeneration(g.model, string(KindEmpty), elapsed)
		return "", &Error{Kind: KindEmpty, Message: "empty completion", Cause: ErrNoChoices}
	}
	metrics.RecordGeneration(g.model, "success", elapsed)
	return resp.Choices[0].Message.Content, nil
}

type wireResult struct {
	Message       string                   `json:"message"`
	ExtractedData *interview.ExtractedData `json:"extractedData"`
	ShouldAdvance bool                     `json:"shouldAdvance"`
	Confidence    *int                     `json:"confidence"`
}

// parse turns a completion body into a result. A body that is not the
// expected JSON is still spoken, at low confidence and without advancing.
func (g *Generator) parse(req interview.GenerationRequest, content string) interview.GenerationResult {
	var w wireResult
	if err := json.Unmarshal([]byte(stripFences(content)), &w); err != nil || strings.TrimSpace(w.Message) == "" {
		g.logger.Warn().Err(err).Str("step", req.Step.Name).Msg("unparseable generation body")
		msg := strings.TrimSpace(content)
		if strings.HasPrefix(msg, "{") {
			msg = "Sorry, could you say that once more?"
		}
		return interview.GenerationResult{Message: msg, Confidence: parseFailureConfidence}
	}

	confidence := 80
	if w.Confidence != nil {
		confidence = clamp(*w.Confidence, 0, 100)
	}
	return interview.GenerationResult{
		Message:       strings.TrimSpace(w.Message),
		ExtractedData: w.ExtractedData,
		ShouldAdvance: req.Step.DecideAdvance(req.UserMessage, w.ShouldAdvance),
		Confidence:    confidence,
	}
}

// waitFor is the pause before attempt (1-based count of prior failures).
// Rate limits back off exponentially, everything else linearly.
func (g *Generator) waitFor(err error, attempt int) time.Duration {
	var d time.Duration
	if errors.Is(err, ErrRateLimited) {
		d = g.backoff << uint(attempt)
	} else {
		d = g.backoff * time.Duration(attempt)
	}
	if g.maxBackoff > 0 && d > g.maxBackoff {
		d = g.maxBackoff
	}
	return d
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
