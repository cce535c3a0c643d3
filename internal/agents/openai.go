package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rendis/agentflow/pkg/schema"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = openai.GPT4oMini
	defaultMaxBody       = 4 * 1024 * 1024
	maxProviderMessage   = 300
)

// OpenAIConfig configures the chat-completions executor.
type OpenAIConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	Temperature     float64
	MaxTokens       int
	MaxResponseBody int64
	HTTPClient      *http.Client
	Now             func() time.Time
}

func (c OpenAIConfig) withDefaults() OpenAIConfig {
	if c.BaseURL == "" {
		c.BaseURL = defaultOpenAIBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = defaultOpenAIModel
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxBody
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func newOpenAIClient(cfg OpenAIConfig) *openai.Client {
	cc := openai.DefaultConfig(cfg.APIKey)
	cc.BaseURL = cfg.BaseURL
	cc.HTTPClient = &exchangeRecorder{client: cfg.HTTPClient, maxBody: cfg.MaxResponseBody}
	return openai.NewClientWithConfig(cc)
}

// OpenAIExecutor runs a task against an OpenAI-compatible chat-completions API.
type OpenAIExecutor struct {
	config OpenAIConfig
	client *openai.Client
	kind   schema.StepKind
}

// NewOpenAIExecutor creates an executor that adopts the persona of kind.
func NewOpenAIExecutor(cfg OpenAIConfig, kind schema.StepKind) *OpenAIExecutor {
	cfg = cfg.withDefaults()
	return &OpenAIExecutor{config: cfg, client: newOpenAIClient(cfg), kind: kind}
}

// OpenAIFactory returns a Factory producing OpenAIExecutors sharing cfg and
// one API client.
func OpenAIFactory(cfg OpenAIConfig) Factory {
	cfg = cfg.withDefaults()
	client := newOpenAIClient(cfg)
	return func(kind schema.StepKind) (StepExecutor, error) {
		if cfg.APIKey == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "openai: api key is not configured")
		}
		return &OpenAIExecutor{config: cfg, client: client, kind: kind}, nil
	}
}

// Execute implements StepExecutor.
func (e *OpenAIExecutor) Execute(ctx context.Context, task Task) (string, error) {
	role := RoleFor(e.kind, e.config.Now())
	ex := &exchange{}
	resp, err := e.client.CreateChatCompletion(withExchange(ctx, ex), openai.ChatCompletionRequest{
		Model: e.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: role.SystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(task)},
		},
		Temperature: float32(e.config.Temperature),
		MaxTokens:   e.config.MaxTokens,
	})
	if err != nil {
		return "", e.classify(ctx, ex, err)
	}
	if len(resp.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeExecution, "openai: response has no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classify maps a client error to a FlowError: 429 is RATE_LIMITED (with any
// Retry-After hint), 5xx TRANSIENT_ERROR, other 4xx EXECUTION_ERROR.
// Failures before a response arrived are transport errors.
func (e *OpenAIExecutor) classify(ctx context.Context, ex *exchange, err error) error {
	status, msg := providerError(err)
	if status == 0 {
		if !ex.responded {
			return transportError(ctx, err)
		}
		if ex.status < http.StatusBadRequest {
			return schema.NewError(schema.ErrCodeExecution, "openai: malformed response").WithCause(err)
		}
		status = ex.status
	}
	msg = clip(msg, maxProviderMessage)
	details := map[string]any{"status_code": status}

	switch {
	case status == http.StatusTooManyRequests:
		fe := schema.NewErrorf(schema.ErrCodeRateLimited, "openai: rate limit (429): %s", msg).WithDetails(details).WithCause(err)
		if hint := parseRetryAfter(ex.retryAfter, e.config.Now()); hint > 0 {
			fe = fe.WithRetryAfter(hint)
		}
		return fe
	case status >= http.StatusInternalServerError:
		return schema.NewErrorf(schema.ErrCodeTransient, "openai: server error (%d): %s", status, msg).WithDetails(details).WithCause(err)
	default:
		return schema.NewErrorf(schema.ErrCodeExecution, "openai: request rejected (%d): %s", status, msg).WithDetails(details).WithCause(err)
	}
}

// providerError extracts the HTTP status and provider message from the
// client's typed errors. A zero status means err carries no response.
func providerError(err error) (int, string) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return apiErr.HTTPStatusCode, strings.TrimSpace(apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		msg := strings.TrimSpace(string(reqErr.Body))
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return reqErr.HTTPStatusCode, msg
	}
	return 0, ""
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return schema.NewError(schema.ErrCodeTimeout, "openai: request timed out").WithCause(err)
		}
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return schema.NewError(schema.ErrCodeTimeout, "openai: request timed out").WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeTransient, "openai: request failed: %v", err).WithCause(err)
}

// exchange records what the transport saw for one chat-completions call.
type exchange struct {
	responded  bool
	status     int
	retryAfter string
}

type exchangeKey struct{}

func withExchange(ctx context.Context, ex *exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, ex)
}

// exchangeRecorder is the client's HTTP doer. It caps response bodies and
// captures the status and Retry-After header, which the client's error types
// do not carry.
type exchangeRecorder struct {
	client  *http.Client
	maxBody int64
}

func (r *exchangeRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if ex, ok := req.Context().Value(exchangeKey{}).(*exchange); ok {
		ex.responded = true
		ex.status = resp.StatusCode
		ex.retryAfter = resp.Header.Get("Retry-After")
	}
	resp.Body = limitedBody{Reader: io.LimitReader(resp.Body, r.maxBody), Closer: resp.Body}
	return resp, nil
}

type limitedBody struct {
	io.Reader
	io.Closer
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var _ StepExecutor = (*OpenAIExecutor)(nil)

func (e *OpenAIExecutor) String() string {
	return fmt.Sprintf("openai(%s, %s)", e.config.Model, e.kind)
}
