package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackprobe/stackprobe/pkg/processor"
	"github.com/stackprobe/stackprobe/pkg/telemetry"
)

const (
	// DefaultTimeout bounds one generation request.
	DefaultTimeout = 120 * time.Second

	// DefaultRetryAfter is the wait applied when the service rate-limits
	// without saying for how long.
	DefaultRetryAfter = 60 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 10 << 20
)

// Config holds generation service client settings.
type Config struct {
	// BaseURL is the generation service endpoint, e.g. http://localhost:8080.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds one request. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client calls the probe generation service. It implements the generator
// contract: every failure comes back as a classified pipeline error so the
// driver can branch on the class, never on message text.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	budget  processor.Budget
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

var _ processor.Generator = (*Client)(nil)

// NewClient creates a generation service client. The budget handle may be
// nil; spend is then not recorded. Metrics may be nil.
func NewClient(cfg Config, budget processor.Budget, metrics *telemetry.Metrics, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("generator base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid generator base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		budget:  budget,
		metrics: metrics,
		logger:  logger.With().Str("component", "generator").Logger(),
	}, nil
}

// generateRequest is the wire request for one probe generation.
type generateRequest struct {
	ArchID      string          `json:"arch_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Services    []string        `json:"services,omitempty"`
	Definition  json.RawMessage `json:"definition,omitempty"`
}

// generateResponse is the wire response for a successful generation.
type generateResponse struct {
	Deploy     string `json:"deploy"`
	TestCode   string `json:"test_code"`
	TokensUsed int64  `json:"tokens_used"`
}

// Generate requests a probe app for the architecture. All errors are
// *processor.PipelineError values classified from the transport outcome and
// HTTP status code.
func (c *Client) Generate(ctx context.Context, arch processor.Architecture) (*processor.ProbeApp, error) {
	body, err := json.Marshal(generateRequest{
		ArchID:      arch.ID,
		Name:        arch.Name,
		Description: arch.Description,
		Services:    arch.Services,
		Definition:  arch.Definition,
	})
	if err != nil {
		return nil, c.fail(arch.ID, processor.NewPermanentError("failed to encode generation request", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, c.fail(arch.ID, processor.NewPermanentError("failed to create generation request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.fail(arch.ID, classifyTransportError(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.fail(arch.ID, processor.NewTransientError("failed to read generation response", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.fail(arch.ID, classifyStatus(resp, data))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, c.fail(arch.ID, processor.NewPermanentError("malformed generation response", err))
	}
	if out.Deploy == "" {
		return nil, c.fail(arch.ID, processor.NewPermanentError("generation response has no deploy code", nil))
	}

	if c.budget != nil && out.TokensUsed > 0 {
		c.budget.Record(out.TokensUsed)
	}
	c.metrics.RecordGenerationCall("success")
	c.metrics.RecordGenerationSpend(out.TokensUsed)

	c.logger.Info().
		Str("arch_id", arch.ID).
		Int64("tokens_used", out.TokensUsed).
		Dur("duration", time.Since(start)).
		Msg("Probe generated")

	return &processor.ProbeApp{
		ArchID:      arch.ID,
		Deploy:      out.Deploy,
		TestCode:    out.TestCode,
		Source:      "generated",
		GeneratedAt: time.Now(),
	}, nil
}

// fail records the outcome in metrics, tags the error with the architecture
// and stage, and returns it.
func (c *Client) fail(archID string, perr *processor.PipelineError) error {
	c.metrics.RecordGenerationCall(string(perr.Class))
	if perr.Class == processor.ErrorClassRateLimited {
		c.metrics.RecordRateLimitEvent()
	}

	c.logger.Warn().
		Str("arch_id", archID).
		Str("class", string(perr.Class)).
		Err(perr.Err).
		Msg("Generation call failed")

	return perr.WithArch(archID).WithStage("generate")
}

// classifyTransportError maps request transport failures. Deadline and
// timeout failures are the timeout class; everything else on the wire is
// connection trouble and therefore transient.
func classifyTransportError(err error) *processor.PipelineError {
	if errors.Is(err, context.DeadlineExceeded) {
		return processor.NewTimeoutError("generation request timed out", err)
	}

	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return processor.NewTimeoutError("generation request timed out", err)
	}

	return processor.NewTransientError("generation request failed", err)
}

// classifyStatus maps non-200 responses to error classes. Classification is
// by status code only.
func classifyStatus(resp *http.Response, body []byte) *processor.PipelineError {
	msg := fmt.Sprintf("generation service returned %d", resp.StatusCode)
	detail := errors.New(strings.TrimSpace(truncate(string(body), 512)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return processor.NewRateLimitedError(msg, parseRetryAfter(resp.Header.Get("Retry-After")), detail)
	case resp.StatusCode == http.StatusRequestTimeout:
		return processor.NewTimeoutError(msg, detail)
	case resp.StatusCode >= 500:
		return processor.NewTransientError(msg, detail)
	default:
		return processor.NewPermanentError(msg, detail)
	}
}

// parseRetryAfter interprets a Retry-After header as either delta seconds or
// an HTTP date. Missing or unparseable values fall back to DefaultRetryAfter.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return DefaultRetryAfter
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}

	return DefaultRetryAfter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
