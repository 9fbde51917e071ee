// Package remote talks to the backing store's HTTP API: the mutation endpoint
// used by the optimistic executor and the read endpoints used as cache loaders.
package remote

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

	"study-portal/pkg/apperror"
	"study-portal/pkg/mutation"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig holds configuration for the circuit breaker
type BreakerConfig struct {
	Name        string        `json:"name" yaml:"name"`
	MaxRequests uint32        `json:"maxRequests" yaml:"maxRequests"` // requests allowed while half-open
	Interval    time.Duration `json:"interval" yaml:"interval"`       // closed-state window for failure counts
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`         // open duration before half-open
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests have been seen in the window.
	FailureThreshold float64 `json:"failureThreshold" yaml:"failureThreshold"`
	MinRequests      uint32  `json:"minRequests" yaml:"minRequests"`
}

// Config holds remote client settings
type Config struct {
	BaseURL string        `json:"baseUrl" yaml:"baseUrl"`
	Token   string        `json:"-" yaml:"token"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"` // per HTTP request
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
}

// DefaultConfig returns default client configuration
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
		Breaker: BreakerConfig{
			Name:             "remote-api",
			MaxRequests:      5,
			Interval:         30 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 0.8,
			MinRequests:      5,
		},
	}
}

// Client calls the backing store API through a circuit breaker.
type Client struct {
	config  Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func NewClient(config Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig(config.BaseURL)
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Breaker.Name == "" {
		config.Breaker = defaults.Breaker
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	c := &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
	bc := config.Breaker
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        bc.Name,
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
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Cancellations and business rejections say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

type mutateBody struct {
	FieldChanges    map[string]any `json:"fieldChanges"`
	ExpectedVersion int64          `json:"expectedVersion"`
}

// Mutate sends PATCH /api/v1/records/:entity/:id. Rejections by the backend
// come back as a Response with OK false; transport failures, 5xx responses
// and an open breaker are NETWORK errors.
func (c *Client) Mutate(ctx context.Context, req mutation.Request) (mutation.Response, error) {
	body, err := json.Marshal(mutateBody{FieldChanges: req.FieldChanges, ExpectedVersion: req.ExpectedVersion})
	if err != nil {
		return mutation.Response{}, apperror.NewValidationError("mutation is not serialisable").WithCause(err)
	}

	status, data, err := c.do(ctx, http.MethodPatch, recordPath(req.EntityType, req.ID), nil, body)
	if err != nil {
		return mutation.Response{}, err
	}

	var resp mutation.Response
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil && status < 300 {
			return mutation.Response{}, apperror.NewNetworkError("malformed mutation response", err)
		}
	}
	if status >= 200 && status < 300 {
		resp.OK = true
		return resp, nil
	}

	resp.OK = false
	if resp.Reason == "" {
		resp.Reason = string(reasonForStatus(status))
	}
	return resp, nil
}

func reasonForStatus(status int) apperror.ErrorType {
	switch status {
	case http.StatusConflict, http.StatusPreconditionFailed:
		return apperror.ErrorTypeConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperror.ErrorTypeValidation
	case http.StatusNotFound:
		return apperror.ErrorTypeNotFound
	default:
		return apperror.ErrorTypeNetwork
	}
}

// do runs one request through the breaker. Only transport errors and 5xx
// responses count as breaker failures.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	type result struct {
		status int
		data   []byte
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		target := c.config.BaseURL + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "application/json")
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if c.config.Token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return result{status: resp.StatusCode, data: data}, fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
		}
		return result{status: resp.StatusCode, data: data}, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return 0, nil, apperror.NewNetworkError("remote api temporarily unavailable", err)
		case ctx.Err() != nil:
			return 0, nil, apperror.NewCancellationError(ctx.Err())
		default:
			c.logger.Debug("Remote request failed",
				zap.String("method", method),
				zap.String("path", path),
				zap.Error(err),
			)
			return 0, nil, apperror.NewNetworkError("remote request failed", err)
		}
	}
	r := out.(result)
	return r.status, r.data, nil
}

func recordPath(entity, id string) string {
	return "/api/v1/records/" + url.PathEscape(entity) + "/" + url.PathEscape(id)
}
