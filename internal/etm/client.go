// Package etm talks to the energy transition model scenario API.
package etm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gridmaster/etm-worker/internal/worker/domain"
)

const (
	// DefaultCreateTimeout bounds a single scenario creation call
	DefaultCreateTimeout = 45 * time.Second

	// DefaultRequestTimeout bounds curve retrieval calls
	DefaultRequestTimeout = 30 * time.Second

	maxErrorBody = 4096
)

// Config holds scenario API client configuration
type Config struct {
	CreateURL      string
	CurvesBaseURL  string
	CreateTimeout  time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client issues scenario creation and curve retrieval requests
type Client struct {
	createURL      string
	curvesBaseURL  string
	createTimeout  time.Duration
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewClient creates a new scenario API client
func NewClient(cfg *Config) *Client {
	createTimeout := cfg.CreateTimeout
	if createTimeout <= 0 {
		createTimeout = DefaultCreateTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		createURL:      cfg.CreateURL,
		curvesBaseURL:  strings.TrimRight(cfg.CurvesBaseURL, "/"),
		createTimeout:  createTimeout,
		requestTimeout: requestTimeout,
		httpClient:     httpClient,
		logger:         logger,
	}
}

// CreateScenario asks the API to build a scenario from the start and end
// energy system documents on top of a context scenario, and returns the new
// scenario id.
func (c *Client) CreateScenario(ctx context.Context, startSituation, endSituation []byte, contextScenarioID string) (string, error) {
	form := url.Values{}
	form.Set("energy_system_start_situation", string(startSituation))
	form.Set("energy_system_end_situation", string(endSituation))
	form.Set("scenario_id", contextScenarioID)

	reqCtx, cancel := context.WithTimeout(ctx, c.createTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.createURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build create scenario request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.classifyTransportError(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.classifyTransportError(ctx, reqCtx, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", newStatusError(ErrRejected, resp.StatusCode, body)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", newStatusError(ErrThrottled, resp.StatusCode, body)
	default:
		return "", newStatusError(ErrUnavailable, resp.StatusCode, body)
	}

	var created struct {
		ScenarioID json.RawMessage `json:"scenario_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("%w: failed to decode create scenario response: %v", ErrUnavailable, err)
	}

	scenarioID, err := ScalarString(created.ScenarioID)
	if err != nil || scenarioID == "" {
		return "", fmt.Errorf("%w: response carries no scenario_id", ErrUnavailable)
	}

	c.logger.Debug("Scenario created",
		slog.String("etm_scenario_id", scenarioID),
		slog.String("context_scenario_id", contextScenarioID),
	)

	return scenarioID, nil
}

// FetchCurves retrieves every curve category for a scenario, in archive order
func (c *Client) FetchCurves(ctx context.Context, scenarioID string) ([]domain.CurveResult, error) {
	kinds := domain.CurveKinds()
	curves := make([]domain.CurveResult, 0, len(kinds))

	for _, kind := range kinds {
		content, err := c.fetchCurve(ctx, scenarioID, kind)
		if err != nil {
			return nil, err
		}
		curves = append(curves, domain.CurveResult{Kind: kind, Content: content})
	}

	return curves, nil
}

func (c *Client) fetchCurve(ctx context.Context, scenarioID string, kind domain.CurveKind) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	curveURL := fmt.Sprintf("%s/api/v3/scenarios/%s/curves/%s",
		c.curvesBaseURL, url.PathEscape(scenarioID), kind)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, curveURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s curve request: %w", kind, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s curve: %w", kind, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s curve: %w", kind, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s curve: %w", kind, newStatusError(ErrUnavailable, resp.StatusCode, content))
	}

	c.logger.Debug("Curve fetched",
		slog.String("etm_scenario_id", scenarioID),
		slog.String("curve", string(kind)),
		slog.Int("bytes", len(content)),
	)

	return content, nil
}

// classifyTransportError maps a failed round trip onto the error taxonomy.
// Cancellation of the caller's context is passed through unclassified.
// Failing to establish the connection is a connection failure even when the
// dial timed out; only a request that was sent and then ran out of time is a
// computation timeout.
func (c *Client) classifyTransportError(parent, reqCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	var netErr net.Error
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w after %s: %v", ErrTimedOut, c.createTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

func newStatusError(kind error, statusCode int, body []byte) *StatusError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &StatusError{
		StatusCode: statusCode,
		Body:       string(bytes.TrimSpace(body)),
		kind:       kind,
	}
}

// ScalarString decodes a JSON string or number into its string form
func ScalarString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", fmt.Errorf("empty value")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("value is neither string nor number: %s", string(raw))
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", err
	}
	return n.String(), nil
}
