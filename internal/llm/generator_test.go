package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/career-interview/internal/interview"
)

func completion(t *testing.T, content string) []byte {
	t.Helper()
	b, err := json.Marshal(openai.ChatCompletionResponse{
		ID:     "cmpl-1",
		Object: "chat.completion",
		Model:  "test",
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
	})
	require.NoError(t, err)
	return b
}

func writeAPIError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test_error"}}`))
}

func newTestGenerator(t *testing.T, h http.HandlerFunc) (*Generator, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g := NewGenerator(Config{APIKey: "key", BaseURL: srv.URL + "/v1"}, WithBackoff(time.Millisecond, 50*time.Millisecond))
	var waits []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return g, &waits
}

func testStep(t *testing.T, name string) interview.Step {
	t.Helper()
	table, err := interview.DefaultTable()
	require.NoError(t, err)
	s, ok := table.ByName(name)
	require.True(t, ok)
	return s
}

func TestGenerate_Success(t *testing.T) {
	g, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_, _ = w.Write(completion(t, `{"message":"Nice to meet you, John!","extractedData":{"name":"John Smith"},"shouldAdvance":true,"confidence":95}`))
	})

	res, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "I'm John Smith", Step: testStep(t, "welcome")})
	require.NoError(t, err)
	assert.Equal(t, "Nice to meet you, John!", res.Message)
	assert.True(t, res.ShouldAdvance)
	assert.Equal(t, 95, res.Confidence)
	require.NotNil(t, res.ExtractedData)
	assert.Equal(t, "John Smith", res.ExtractedData.Name)
	assert.False(t, res.Degraded)
}

func TestGenerate_AuthIsFatal(t *testing.T) {
	var calls int32
	g, waits := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeAPIError(w, http.StatusUnauthorized)
	})

	_, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "hi", Step: testStep(t, "welcome")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)

	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.True(t, gerr.Fatal())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, *waits)
}

func TestGenerate_RateLimitBacksOffExponentially(t *testing.T) {
	var calls int32
	g, waits := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeAPIError(w, http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(completion(t, `{"message":"ok","shouldAdvance":false,"confidence":70}`))
	})

	res, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "hi", Step: testStep(t, "welcome")})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Message)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond}, *waits)
}

func TestGenerate_ServerErrorsExhaustAttempts(t *testing.T) {
	var calls int32
	g, waits := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})

	_, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "hi", Step: testStep(t, "welcome")})
	require.Error(t, err)

	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, KindServer, gerr.Kind)
	assert.True(t, gerr.Retryable())
	assert.False(t, gerr.Fatal())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, *waits)
}

func TestGenerate_BadRequestFallsBackToSimplePrompt(t *testing.T) {
	var calls int32
	g, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		var body openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if atomic.AddInt32(&calls, 1) == 1 {
			assert.NotNil(t, body.ResponseFormat)
			writeAPIError(w, http.StatusBadRequest)
			return
		}
		assert.Nil(t, body.ResponseFormat)
		assert.Len(t, body.Messages, 2)
		_, _ = w.Write(completion(t, "Thanks John! What's your email?"))
	})

	res, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "John Smith", Step: testStep(t, "welcome")})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "Thanks John! What's your email?", res.Message)
	assert.True(t, res.ShouldAdvance)
	require.NotNil(t, res.ExtractedData)
	assert.Equal(t, "John Smith", res.ExtractedData.Name)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGenerate_MalformedBodyIsLowConfidence(t *testing.T) {
	g, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completion(t, "Sure thing, tell me more."))
	})

	res, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "jane@example.com", Step: testStep(t, "email")})
	require.NoError(t, err)
	assert.Equal(t, "Sure thing, tell me more.", res.Message)
	assert.False(t, res.ShouldAdvance)
	assert.Equal(t, parseFailureConfidence, res.Confidence)
	assert.Nil(t, res.ExtractedData)
}

func TestGenerate_ValidationOverridesRemote(t *testing.T) {
	g, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completion(t, "```json\n{\"message\":\"Got it.\",\"shouldAdvance\":false,\"confidence\":150}\n```"))
	})

	res, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "jane@example.com", Step: testStep(t, "email")})
	require.NoError(t, err)
	assert.True(t, res.ShouldAdvance)
	assert.Equal(t, 100, res.Confidence)
}

func TestGenerate_LoopStepNeedsExplicitRequest(t *testing.T) {
	g, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completion(t, `{"message":"Tell me more.","shouldAdvance":true,"confidence":90}`))
	})
	step := testStep(t, "job-experience-loop")

	res, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "I built the billing system", Step: step})
	require.NoError(t, err)
	assert.False(t, res.ShouldAdvance)

	res, err = g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "ok let's move on", Step: step})
	require.NoError(t, err)
	assert.True(t, res.ShouldAdvance)
}

func TestGenerate_HistoryCapped(t *testing.T) {
	g, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		var body openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// system + last four entries + current message
		assert.Len(t, body.Messages, 6)
		assert.Equal(t, openai.ChatMessageRoleSystem, body.Messages[0].Role)
		assert.Equal(t, "turn 6", body.Messages[1].Content)
		assert.Equal(t, "now", body.Messages[5].Content)
		_, _ = w.Write(completion(t, `{"message":"ok","shouldAdvance":false,"confidence":80}`))
	})

	var history []interview.Entry
	for i := 1; i <= 9; i++ {
		sp := interview.SpeakerUser
		if i%2 == 0 {
			sp = interview.SpeakerAssistant
		}
		history = append(history, interview.Entry{Speaker: sp, Content: "turn " + string(rune('0'+i))})
	}
	_, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "now", History: history, Step: testStep(t, "career-objectives")})
	require.NoError(t, err)
}

func TestGenerate_ContextCanceledDuringBackoff(t *testing.T) {
	g, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	g.sleep = sleepContext
	g.backoff = time.Hour
	g.maxBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Generate(ctx, interview.GenerationRequest{UserMessage: "hi", Step: testStep(t, "welcome")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyNetworkError(t *testing.T) {
	g := NewGenerator(Config{APIKey: "key", BaseURL: "http://127.0.0.1:1/v1"}, WithMaxAttempts(1))
	_, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "hi", Step: testStep(t, "welcome")})
	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, KindNetwork, gerr.Kind)
	assert.True(t, gerr.Retryable())
}

func TestGenerate_ClientTimeoutIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(200 * time.Millisecond):
		}
	}))
	defer srv.Close()

	g := NewGenerator(Config{
		APIKey:     "key",
		BaseURL:    srv.URL + "/v1",
		HTTPClient: &http.Client{Timeout: 30 * time.Millisecond},
	})
	var waits []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "hi", Step: testStep(t, "welcome")})
	require.Error(t, err)

	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, KindNetwork, gerr.Kind)
	assert.True(t, gerr.Retryable())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, waits, 2)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestGenerate_DefaultsToOpenAIHost(t *testing.T) {
	var host atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_, _ = w.Write(completion(t, `{"message":"Hi!","shouldAdvance":false,"confidence":80}`))
	}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		host.Store(req.URL.Host)
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	g := NewGenerator(Config{APIKey: "key", HTTPClient: client})

	res, err := g.Generate(context.Background(), interview.GenerationRequest{UserMessage: "hello", Step: testStep(t, "welcome")})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", res.Message)
	assert.Equal(t, "api.openai.com", host.Load())
}
