// Package license talks to the external license service that gates job
// submission and counts the prompts a user consumed.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Info is the license service verdict for an email/key pair
type Info struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Client validates licenses and reports usage
type Client struct {
	endpoint string
	http     *http.Client
	cache    *cache.Cache
	logger   *zap.Logger
}

// Options configures a Client
type Options struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// New creates a client for the license service at endpoint
func New(endpoint string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		cache:    cache.New(ttl, 2*ttl),
		logger:   logger,
	}
}

func cacheKey(email, key string) string {
	return fmt.Sprintf("license_cache:%s:%s", email, key)
}

// Validate asks the service whether key is valid for email. Successful
// verdicts are cached per email and key; failures are never cached.
func (c *Client) Validate(ctx context.Context, email, key string) (Info, error) {
	if c.endpoint == "" {
		return Info{}, errors.New("license service is not configured")
	}
	if v, ok := c.cache.Get(cacheKey(email, key)); ok {
		return v.(Info), nil
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return Info{}, fmt.Errorf("parsing license url: %w", err)
	}
	q := u.Query()
	q.Set("email", email)
	q.Set("key", key)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Info{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("validating license: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("validating license: status %d", resp.StatusCode)
	}
	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("decoding license response: %w", err)
	}
	if info.Success {
		c.cache.SetDefault(cacheKey(email, key), info)
	}
	return info, nil
}

// Forget drops the cached verdict for an email/key pair
func (c *Client) Forget(email, key string) {
	c.cache.Delete(cacheKey(email, key))
}

type usageReport struct {
	Email          string `json:"email"`
	Key            string `json:"key"`
	PromptsThisJob int    `json:"promptsThisJob"`
}

// RecordUsage reports the number of prompts a finished job processed.
// Failures are logged and returned, but callers treat them as non-fatal.
func (c *Client) RecordUsage(ctx context.Context, email, key string, prompts int) error {
	if c.endpoint == "" {
		return nil
	}
	body, err := json.Marshal(usageReport{Email: email, Key: key, PromptsThisJob: prompts})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("updating prompt usage failed", zap.String("email", email), zap.Error(err))
		return fmt.Errorf("recording usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn("updating prompt usage failed", zap.String("email", email), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("recording usage: status %d", resp.StatusCode)
	}
	c.logger.Info("prompt usage updated", zap.String("email", email), zap.Int("prompts", prompts))
	return nil
}
