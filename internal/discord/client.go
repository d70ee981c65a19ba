// Package discord is a thin client for the channel operations the batch
// workflow needs: reading recent messages, deleting clutter, invoking the
// /imagine slash command and pressing message buttons. It holds no workflow
// logic; pacing between calls is decided by the caller.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Discord REST API root
const DefaultBaseURL = "https://discord.com/api/v9"

// DefaultMessageLimit is the page size used when listing messages
const DefaultMessageLimit = 100

const (
	interactionApplicationCommand = 2
	interactionMessageComponent   = 3

	componentButton      = 2
	commandTypeChatInput = 1
	optionTypeString     = 3
)

// Options configures the transport of a Client
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64 // <= 0 disables the limiter
	Burst             int
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client issues channel operations on behalf of one account
type Client struct {
	settings Settings
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a client for the given settings
func New(settings Settings, opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		settings: settings,
		baseURL:  baseURL,
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With(zap.String("channel", settings.ChannelID)),
		now:      time.Now,
	}
}

// Settings returns the settings the client was built with
func (c *Client) Settings() Settings {
	return c.settings
}

// Self resolves the id of the acting account. Unlike the other read
// operations it reports failures, since cleanup cannot tell our own
// messages apart without it.
func (c *Client) Self(ctx context.Context) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/users/@me", nil)
	if err != nil {
		return "", fmt.Errorf("resolving current user: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("resolving current user: status %d", status)
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return "", fmt.Errorf("decoding current user: %w", err)
	}
	if u.ID == "" {
		return "", fmt.Errorf("resolving current user: empty id")
	}
	return u.ID, nil
}

// ListRecentMessages returns up to limit channel messages, newest first.
// Errors are logged and yield an empty result.
func (c *Client) ListRecentMessages(ctx context.Context, limit int) []Message {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	path := fmt.Sprintf("/channels/%s/messages?limit=%d", url.PathEscape(c.settings.ChannelID), limit)
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		c.logger.Warn("listing messages failed", zap.Error(err))
		return nil
	}
	if status != http.StatusOK {
		c.logger.Warn("listing messages failed", zap.Int("status", status))
		return nil
	}
	var msgs []Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		c.logger.Warn("decoding messages failed", zap.Error(err))
		return nil
	}
	return msgs
}

// DeleteMessage removes a message and reports whether the platform accepted it
func (c *Client) DeleteMessage(ctx context.Context, id string) bool {
	path := fmt.Sprintf("/channels/%s/messages/%s", url.PathEscape(c.settings.ChannelID), url.PathEscape(id))
	status, _, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		c.logger.Debug("deleting message failed", zap.String("message", id), zap.Error(err))
		return false
	}
	return status == http.StatusOK || status == http.StatusNoContent
}

// SubmitError is returned when the platform did not accept a prompt
type SubmitError struct {
	Status int
	Body   string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("prompt rejected: %d | %s", e.Status, e.Body)
}

type commandOption struct {
	Type  int    `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

type commandData struct {
	Version string          `json:"version"`
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Type    int             `json:"type"`
	Options []commandOption `json:"options"`
}

type componentData struct {
	ComponentType int    `json:"component_type"`
	CustomID      string `json:"custom_id"`
}

type interaction struct {
	Type          int    `json:"type"`
	ApplicationID string `json:"application_id"`
	GuildID       string `json:"guild_id"`
	ChannelID     string `json:"channel_id"`
	MessageID     string `json:"message_id,omitempty"`
	SessionID     string `json:"session_id"`
	Data          any    `json:"data"`
}

// SubmitPrompt invokes /imagine with the prompt and returns the session id
// of the interaction. Only a 204 response counts as accepted; there is no retry.
func (c *Client) SubmitPrompt(ctx context.Context, prompt string) (string, error) {
	sessionID := uuid.NewString()
	payload := interaction{
		Type:          interactionApplicationCommand,
		ApplicationID: c.settings.BotID,
		GuildID:       c.settings.GuildID,
		ChannelID:     c.settings.ChannelID,
		SessionID:     sessionID,
		Data: commandData{
			Version: c.settings.CommandVersion,
			ID:      c.settings.CommandID,
			Name:    "imagine",
			Type:    commandTypeChatInput,
			Options: []commandOption{{Type: optionTypeString, Name: "prompt", Value: prompt}},
		},
	}
	status, body, err := c.do(ctx, http.MethodPost, "/interactions", payload)
	if err != nil {
		return "", fmt.Errorf("submitting prompt: %w", err)
	}
	if status != http.StatusNoContent {
		return "", &SubmitError{Status: status, Body: string(body)}
	}
	return sessionID, nil
}

// ClickComponent presses a button on a message. The response is not
// inspected; the outcome shows up later as new channel messages.
func (c *Client) ClickComponent(ctx context.Context, customID, messageID string) {
	payload := interaction{
		Type:          interactionMessageComponent,
		ApplicationID: c.settings.BotID,
		GuildID:       c.settings.GuildID,
		ChannelID:     c.settings.ChannelID,
		MessageID:     messageID,
		SessionID:     "a" + strconv.FormatInt(c.now().UnixMilli(), 10),
		Data:          componentData{ComponentType: componentButton, CustomID: customID},
	}
	if _, _, err := c.do(ctx, http.MethodPost, "/interactions", payload); err != nil {
		c.logger.Debug("clicking component failed", zap.String("message", messageID), zap.Error(err))
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", c.settings.UserToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func joinSorted(keys []string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}
