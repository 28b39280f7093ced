package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel     = "gemini-2.0-flash"
	defaultTimeout   = 60 * time.Second
	defaultRateLimit = rate.Limit(1)
	defaultBurstSize = 5
)

// RetryConfig configures transport-level retries. These retries cover
// network and availability failures only; they are independent of the
// policy retry budget.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the default transport retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Model     string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	// RetryConfig is optional; if nil, default config is used
	RetryConfig *RetryConfig
}

// Client talks to a Gemini-style generateContent endpoint and implements
// the Oracle contract on top of it.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	retryConfig RetryConfig
}

// NewClient builds an oracle client for the configured endpoint.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	limit := defaultRateLimit
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := defaultBurstSize
	if opts.Burst > 0 {
		burst = opts.Burst
	}

	var retryConfig RetryConfig
	if opts.RetryConfig != nil {
		retryConfig = *opts.RetryConfig
	} else {
		retryConfig = DefaultRetryConfig()
	}

	return &Client{
		apiKey:      opts.APIKey,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		model:       opts.Model,
		rateLimiter: rate.NewLimiter(limit, burst),
		retryConfig: retryConfig,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

// SetTimeout updates the underlying HTTP client timeout (0 disables timeout).
func (c *Client) SetTimeout(timeout time.Duration) {
	if c.httpClient != nil {
		c.httpClient.Timeout = timeout
	}
}

// Plan asks the oracle for an operation sequence fulfilling the query.
func (c *Client) Plan(ctx context.Context, query string, reqCtx map[string]any) ([]PlannedStep, error) {
	content, err := c.generate(ctx, plannerInstruction, planQuery(query, reqCtx))
	if err != nil {
		return nil, err
	}
	return decodePlan(content)
}

// ValidatePlanned judges a sequence before execution.
func (c *Client) ValidatePlanned(ctx context.Context, sequence []PlannedStep, reqCtx map[string]any) (*ValidationResult, error) {
	content, err := c.generate(ctx, validatorInstruction, validatePlannedQuery(sequence, reqCtx))
	if err != nil {
		return nil, err
	}
	return decodeValidation(content)
}

// ValidateExecuted judges a sequence after execution.
func (c *Client) ValidateExecuted(ctx context.Context, sequence []PlannedStep, results []map[string]any) (*ValidationResult, error) {
	content, err := c.generate(ctx, validatorInstruction, validateExecutedQuery(sequence, results))
	if err != nil {
		return nil, err
	}
	return decodeValidation(content)
}

// Correct asks for a repaired sequence. A "null" reply means the oracle
// could not produce one; that is reported as (nil, nil), not an error.
func (c *Client) Correct(ctx context.Context, invalid []PlannedStep, violation *ValidationResult) ([]PlannedStep, error) {
	content, err := c.generate(ctx, validatorInstruction, correctionQuery(invalid, violation))
	if err != nil {
		return nil, err
	}
	return decodePlan(content)
}

type generateRequest struct {
	Contents          []oracleContent `json:"contents"`
	SystemInstruction *oracleContent  `json:"system_instruction,omitempty"`
}

type oracleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []oraclePart `json:"parts"`
}

type oraclePart struct {
	Text string `json:"text,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content oracleContent `json:"content"`
	} `json:"candidates"`
}

// generate issues one generateContent call, retrying transport-level
// failures with exponential backoff and jitter.
func (c *Client) generate(ctx context.Context, instruction, query string) (string, error) {
	payload := generateRequest{
		SystemInstruction: &oracleContent{Parts: []oraclePart{{Text: instruction}}},
		Contents: []oracleContent{
			{Role: "user", Parts: []oraclePart{{Text: query}}},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", mgerrors.Wrap(err, mgerrors.ErrCodeInternal, "encoding oracle request")
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiKey))

	// One correlation ID per logical call, shared by all retry attempts.
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt - 1)
			select {
			case <-ctx.Done():
				return "", mgerrors.Wrap(ctx.Err(), mgerrors.ErrCodeOracleTimeout, "oracle call cancelled")
			case <-time.After(delay):
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return "", mgerrors.Wrap(err, mgerrors.ErrCodeOracleTimeout, "oracle call cancelled")
		}

		content, err := c.doOnce(ctx, endpoint, requestID, body)
		if err == nil {
			return content, nil
		}
		if !mgerrors.IsRetryable(err) {
			return "", err
		}
		lastErr = err
	}

	return "", mgerrors.Wrap(lastErr, mgerrors.ErrCodeOracleTransport, "oracle unreachable after retries").
		WithContext("attempts", c.retryConfig.MaxRetries+1).
		WithContext("request_id", requestID)
}

func (c *Client) doOnce(ctx context.Context, endpoint, requestID string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", mgerrors.Wrap(err, mgerrors.ErrCodeInternal, "building oracle request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", mgerrors.Wrap(err, mgerrors.ErrCodeOracleTimeout, "oracle call cancelled")
		}
		return "", mgerrors.Wrap(err, mgerrors.ErrCodeOracleTransport, "oracle request failed").
			WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		oerr := mgerrors.New(mgerrors.ErrCodeOracleTransport, "oracle returned non-OK status").
			WithContext("status", resp.Status).
			WithContext("body_prefix", truncate(string(respBody), 200))
		if isRetryableStatus(resp.StatusCode) {
			oerr = oerr.WithRetryable(true)
		}
		return "", oerr
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", mgerrors.Wrap(err, mgerrors.ErrCodeOracleDecode, "malformed oracle response body")
	}
	if len(genResp.Candidates) == 0 {
		return "", mgerrors.New(mgerrors.ErrCodeOracleDecode, "oracle returned no candidates")
	}

	var textParts []string
	for _, part := range genResp.Candidates[0].Content.Parts {
		textParts = append(textParts, part.Text)
	}
	return strings.Join(textParts, "\n"), nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// calculateBackoff returns the delay before the next retry attempt using
// exponential backoff with jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.retryConfig.InitialInterval
	}

	delay := float64(c.retryConfig.InitialInterval)
	for i := 0; i < attempt; i++ {
		delay *= c.retryConfig.Multiplier
	}
	if delay > float64(c.retryConfig.MaxInterval) {
		delay = float64(c.retryConfig.MaxInterval)
	}

	// Jitter prevents thundering herd when concurrent requests retry together
	jitter := time.Duration(rand.Float64() * delay * 0.5)
	return time.Duration(delay*0.75 + float64(jitter))
}
