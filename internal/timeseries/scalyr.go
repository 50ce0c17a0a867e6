// Package timeseries creates Scalyr error-rate time series for new
// applications.
package timeseries

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/awsagent/internal/retry"
	"github.com/yairfalse/awsagent/pkg/entity"
)

// DefaultURL is the Scalyr createTimeseries endpoint.
const DefaultURL = "https://www.scalyr.com/api/createTimeseries"

const defaultTimeout = 10 * time.Second

// Config configures the Scalyr client.
type Config struct {
	URL        string
	WriteToken string
	Timeout    time.Duration
	HTTPClient *http.Client
	Retry      *retry.Policy
	Logger     zerolog.Logger
}

// Client creates numeric time series through the Scalyr API.
type Client struct {
	url    string
	token  string
	http   *http.Client
	policy retry.Policy
	logger zerolog.Logger
}

type createRequest struct {
	Token     string `json:"token"`
	QueryType string `json:"queryType"`
	Filter    string `json:"filter"`
	Function  string `json:"function"`
}

type createResponse struct {
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	TimeseriesID string `json:"timeseriesId"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scalyr: status %d", e.StatusCode)
}

// HTTPStatusCode exposes the status for throttle classification.
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// New creates a Scalyr client. A write token is required.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.WriteToken) == "" {
		return nil, errors.New("timeseries: write token is required")
	}
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	policy := retry.DefaultPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	return &Client{
		url:    url,
		token:  cfg.WriteToken,
		http:   httpClient,
		policy: policy,
		logger: cfg.Logger.With().Str("component", "timeseries").Logger(),
	}, nil
}

// ErrorFilter is the log query counting ERROR lines of an application.
func ErrorFilter(applicationID string) string {
	return "$application_id='" + applicationID + "' ('ERROR')"
}

// CreateErrorRate creates the error-rate time series of an application and
// returns its id.
func (c *Client) CreateErrorRate(ctx context.Context, applicationID string) (string, error) {
	body, err := json.Marshal(createRequest{
		Token:     c.token,
		QueryType: "numeric",
		Filter:    ErrorFilter(applicationID),
		Function:  "rate",
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	return retry.Do(ctx, c.policy, "scalyr.create_timeseries", func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return "", fmt.Errorf("scalyr: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", &StatusError{StatusCode: resp.StatusCode}
		}

		var out createResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		if out.Status != "success" || out.TimeseriesID == "" {
			return "", fmt.Errorf("scalyr: status %q: %s", out.Status, out.Message)
		}
		return out.TimeseriesID, nil
	})
}

// EnrichApplication sets the time series id on an application entity.
// Other kinds are returned unchanged.
func (c *Client) EnrichApplication(ctx context.Context, app entity.Entity) (entity.Entity, error) {
	attrs, ok := app.Attrs.(entity.ApplicationAttrs)
	if !ok || attrs.ApplicationID == "" {
		return app, nil
	}

	id, err := c.CreateErrorRate(ctx, attrs.ApplicationID)
	if err != nil {
		return app, fmt.Errorf("create time series for %s: %w", attrs.ApplicationID, err)
	}
	c.logger.Info().Str("application_id", attrs.ApplicationID).Str("timeseries_id", id).Msg("time series created")

	attrs.ScalyrTimeseriesID = id
	app.Attrs = attrs
	return app, nil
}
