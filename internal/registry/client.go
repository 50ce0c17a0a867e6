// Package registry is the HTTP client for the entity registry.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/awsagent/internal/retry"
	"github.com/yairfalse/awsagent/pkg/entity"
)

const (
	entitiesPath   = "/api/v1/entities/"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// Filter is an equality query on top-level entity fields.
type Filter map[string]string

// ScopeFilter selects the agent-owned entities of one scope.
func ScopeFilter(s entity.Scope) Filter {
	return Filter{
		"created_by":             entity.CreatedByAgent,
		"infrastructure_account": s.Account,
		"region":                 s.Region,
	}
}

// Config configures the registry client.
type Config struct {
	// URL is the entity service base URL, e.g. https://zmon.example.org.
	URL string

	// User and Password enable basic auth. Token enables bearer auth and
	// wins when both are set.
	User     string
	Password string
	Token    string

	UserAgent string
	Timeout   time.Duration

	HTTPClient *http.Client
	Retry      *retry.Policy
	Logger     zerolog.Logger
}

// Client talks to the entity registry. Every call is wrapped in the retry
// policy; HTTP 429 responses count as throttling.
type Client struct {
	base      string
	http      *http.Client
	auth      func(*http.Request)
	userAgent string
	policy    retry.Policy
	logger    zerolog.Logger
}

// New creates a registry client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("registry: url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("registry: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("registry: unsupported url scheme %q", u.Scheme)
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
		base:      strings.TrimRight(cfg.URL, "/") + entitiesPath,
		http:      httpClient,
		auth:      authenticator(cfg),
		userAgent: cfg.UserAgent,
		policy:    policy,
		logger:    cfg.Logger,
	}, nil
}

func authenticator(cfg Config) func(*http.Request) {
	switch {
	case cfg.Token != "":
		return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+cfg.Token) }
	case cfg.User != "":
		return func(r *http.Request) { r.SetBasicAuth(cfg.User, cfg.Password) }
	default:
		return func(*http.Request) {}
	}
}

// Query returns all entities matching filter.
func (c *Client) Query(ctx context.Context, filter Filter) ([]entity.Entity, error) {
	q, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	endpoint := c.base + "?query=" + url.QueryEscape(string(q))

	return retry.Do(ctx, c.policy, "registry.query", func(ctx context.Context) ([]entity.Entity, error) {
		resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, newStatusError("query", resp)
		}

		var entities []entity.Entity
		if err := json.NewDecoder(resp.Body).Decode(&entities); err != nil {
			return nil, fmt.Errorf("decode query response: %w", err)
		}
		return entities, nil
	})
}

// Put creates or replaces an entity by id.
func (c *Client) Put(ctx context.Context, e entity.Entity) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", e.ID, err)
	}

	return retry.Call(ctx, c.policy, "registry.put", func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodPut, c.base, body)
		if err != nil {
			return err
		}
		defer drain(resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return newStatusError("put "+e.ID, resp)
		}
		c.logger.Debug().Str("entity_id", e.ID).Str("type", string(e.Type)).Msg("entity stored")
		return nil
	})
}

// Delete removes an entity by id. A missing entity is not an error.
func (c *Client) Delete(ctx context.Context, id string) error {
	endpoint := c.base + url.PathEscape(id) + "/"

	return retry.Call(ctx, c.policy, "registry.delete", func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodDelete, endpoint, nil)
		if err != nil {
			return err
		}
		defer drain(resp.Body)

		if resp.StatusCode == http.StatusNotFound {
			c.logger.Debug().Str("entity_id", id).Msg("entity already absent")
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return newStatusError("delete "+id, resp)
		}
		return nil
	})
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	return resp, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
