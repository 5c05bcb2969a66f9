package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/profiles/internal/profile"
)

// maxBatchConcurrency bounds parallel lookups in GetAgentsProfiles.
const maxBatchConcurrency = 4

// maxErrorBody caps how much of an error response is kept in ServiceError.
const maxErrorBody = 4 << 10

// Operation names used in ServiceError.Op and metrics labels.
const (
	OpGetAllProfiles    = "get_all_profiles"
	OpGetMyProfile      = "get_my_profile"
	OpGetAgentProfile   = "get_agent_profile"
	OpGetAgentsProfiles = "get_agents_profiles"
	OpSearchProfiles    = "search_profiles"
	OpCreateProfile     = "create_profile"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	AgentID string
	Token   string        // optional bearer token for the backend
	Timeout time.Duration // per-request timeout; 0 means 15s
	// HTTPClient overrides the default client (used by tests).
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Breaker overrides the default circuit breaker settings.
	Breaker *BreakerConfig
}

// BreakerConfig holds the circuit breaker settings.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          20 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Client talks to the remote profile backend over HTTP. It implements
// profile.Service.
type Client struct {
	baseURL    string
	agentID    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// New creates a Client for the backend at opts.BaseURL acting as opts.AgentID.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("service base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid service base URL: %w", err)
	}
	if opts.AgentID == "" {
		return nil, errors.New("agent id is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bc := DefaultBreakerConfig()
	if opts.Breaker != nil {
		bc = *opts.Breaker
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		agentID:    opts.AgentID,
		token:      opts.Token,
		httpClient: httpClient,
		breaker:    newBreaker(bc, logger),
		logger:     logger,
	}, nil
}

func newBreaker(bc BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "profile-service",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Answers from a healthy backend are not breaker failures.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *profile.ServiceError
			if errors.As(err, &se) && se.StatusCode != 0 && se.StatusCode < 500 {
				return true
			}
			return errors.Is(err, context.Canceled)
		},
	})
}

// MyAgentID returns the agent identity this client acts as.
func (c *Client) MyAgentID() string {
	return c.agentID
}

// GetAllProfiles returns every profile the backend knows.
func (c *Client) GetAllProfiles(ctx context.Context) ([]profile.AgentProfile, error) {
	var out []profile.AgentProfile
	if _, err := c.call(ctx, OpGetAllProfiles, http.MethodGet, "/profiles", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMyProfile returns the caller's profile, or nil when none exists.
func (c *Client) GetMyProfile(ctx context.Context) (*profile.AgentProfile, error) {
	var out *profile.AgentProfile
	found, err := c.call(ctx, OpGetMyProfile, http.MethodGet, "/profiles/me", nil, &out)
	if err != nil || !found || out == nil {
		return nil, err
	}
	if out.AgentID == "" {
		out.AgentID = c.agentID
	}
	return out, nil
}

// GetAgentProfile returns agentID's profile, or nil when none exists.
func (c *Client) GetAgentProfile(ctx context.Context, agentID string) (*profile.AgentProfile, error) {
	if agentID == "" {
		return nil, &profile.ServiceError{Op: OpGetAgentProfile, Message: "agent id is required", Err: profile.ErrValidation}
	}
	var out *profile.AgentProfile
	found, err := c.call(ctx, OpGetAgentProfile, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/profile", nil, &out)
	if err != nil || !found || out == nil {
		return nil, err
	}
	if out.AgentID == "" {
		out.AgentID = agentID
	}
	return out, nil
}

// GetAgentsProfiles looks up several agents in parallel. Agents without a
// profile are omitted; any failed lookup fails the whole batch. Results keep
// the order of agentIDs.
func (c *Client) GetAgentsProfiles(ctx context.Context, agentIDs []string) ([]profile.AgentProfile, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	results := make([]*profile.AgentProfile, len(agentIDs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchConcurrency)

	for i, id := range agentIDs {
		g.Go(func() error {
			ap, err := c.GetAgentProfile(gCtx, id)
			if err != nil {
				return err
			}
			results[i] = ap
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]profile.AgentProfile, 0, len(results))
	for _, ap := range results {
		if ap != nil {
			out = append(out, *ap)
		}
	}
	return out, nil
}

// SearchProfiles returns profiles whose nickname starts with nicknamePrefix.
// Matching rules and minimum prefix length are enforced by the backend.
func (c *Client) SearchProfiles(ctx context.Context, nicknamePrefix string) ([]profile.AgentProfile, error) {
	var out []profile.AgentProfile
	path := "/profiles/search?prefix=" + url.QueryEscape(nicknamePrefix)
	if _, err := c.call(ctx, OpSearchProfiles, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateProfile stores p as the caller's profile.
func (c *Client) CreateProfile(ctx context.Context, p profile.Profile) error {
	if p.Fields == nil {
		p.Fields = map[string]string{}
	}
	_, err := c.call(ctx, OpCreateProfile, http.MethodPost, "/profiles", p, nil)
	return err
}

// call performs one request through the circuit breaker. It returns
// found=false for a 404 answer, which callers treat as an absent result.
// A 200 with a null body decodes to a nil pointer and is absent as well.
func (c *Client) call(ctx context.Context, op, method, path string, body, out any) (found bool, err error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, op, method, path, body, out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return false, &profile.ServiceError{Op: op, Message: "backend unavailable", Err: err}
		}
		return false, err
	}
	return res.(bool), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (bool, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, &profile.ServiceError{Op: op, Message: "marshalling request", Err: err}
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return false, &profile.ServiceError{Op: op, Message: "creating request", Err: err}
	}
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("X-Agent-ID", c.agentID)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &profile.ServiceError{Op: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("profile service call",
		"op", op,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound && isLookup(op):
		return false, nil
	case resp.StatusCode >= 400:
		return false, statusError(op, resp)
	}

	if out == nil {
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, &profile.ServiceError{Op: op, StatusCode: resp.StatusCode, Message: "decoding response", Err: err}
	}
	return true, nil
}

// isLookup reports whether a 404 from op means "no profile" rather than a
// misrouted request.
func isLookup(op string) bool {
	return op == OpGetMyProfile || op == OpGetAgentProfile
}

// errorEnvelope matches {"error":{"message":...,"type":...}} bodies.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}

	se := &profile.ServiceError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		se.Err = profile.ErrValidation
	}
	return se
}
