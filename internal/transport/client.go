// ABOUTME: HTTP client for platform adapter sidecars
// ABOUTME: Implements the relay platform interfaces and maps adapter statuses to failure kinds

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/relaygram/internal/relay"
)

// defaultRetryAfter is used when a 429 carries no usable Retry-After header.
const defaultRetryAfter = time.Second

var (
	_ relay.LocalPlatform  = (*Client)(nil)
	_ relay.RemotePlatform = (*Client)(nil)
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	Token   string
	// ChatID scopes every request to one chat on the adapter, such as the
	// local forum group. Empty for the remote adapter.
	ChatID  string
	Timeout time.Duration
	// MaxUpload holds per-kind size ceilings in bytes. Missing kinds are unlimited.
	MaxUpload map[relay.MediaKind]int64
}

// Client talks to one adapter.
type Client struct {
	baseURL   string
	token     string
	chatID    string
	maxUpload map[relay.MediaKind]int64
	client    *http.Client
	logger    *slog.Logger
}

// NewClient creates a client for the adapter at cfg.BaseURL.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	limits := make(map[relay.MediaKind]int64, len(cfg.MaxUpload))
	for k, v := range cfg.MaxUpload {
		limits[k] = v
	}
	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		token:     cfg.Token,
		chatID:    cfg.ChatID,
		maxUpload: limits,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger.With("component", "transport", "adapter", cfg.BaseURL),
	}
}

type sendTextRequest struct {
	ChatID  string `json:"chat_id,omitempty"`
	Peer    string `json:"peer"`
	Body    string `json:"body"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type sendMediaRequest struct {
	ChatID   string `json:"chat_id,omitempty"`
	Peer     string `json:"peer"`
	Kind     string `json:"kind"`
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`
}

type sendLocationRequest struct {
	ChatID    string  `json:"chat_id,omitempty"`
	Peer      string  `json:"peer"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
	ReplyTo   string  `json:"reply_to,omitempty"`
}

type sendContactRequest struct {
	ChatID    string `json:"chat_id,omitempty"`
	Peer      string `json:"peer"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone"`
	VCard     string `json:"vcard,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

type reactionRequest struct {
	ChatID    string `json:"chat_id,omitempty"`
	Peer      string `json:"peer"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type createThreadRequest struct {
	ChatID string `json:"chat_id,omitempty"`
	Name   string `json:"name"`
}

type pinRequest struct {
	ChatID    string `json:"chat_id,omitempty"`
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

type readRequest struct {
	MessageID string `json:"message_id"`
}

type locationRequest struct {
	Peer   string `json:"peer"`
	Prompt string `json:"prompt"`
}

// idResponse is returned by every adapter call that creates something.
type idResponse struct {
	ID string `json:"id"`
}

// errorResponse is the adapter's JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) SendText(ctx context.Context, peer string, msg relay.Text) (string, error) {
	return c.postID(ctx, "/send/text", sendTextRequest{
		ChatID: c.chatID, Peer: peer, Body: msg.Body, ReplyTo: msg.ReplyTo,
	})
}

func (c *Client) SendMedia(ctx context.Context, peer string, msg relay.Media) (string, error) {
	return c.postID(ctx, "/send/media", sendMediaRequest{
		ChatID:   c.chatID,
		Peer:     peer,
		Kind:     string(msg.Kind),
		Data:     msg.Data,
		MimeType: msg.MimeType,
		Filename: msg.Filename,
		Caption:  msg.Caption,
		ReplyTo:  msg.ReplyTo,
	})
}

func (c *Client) SendLocation(ctx context.Context, peer string, msg relay.Location) (string, error) {
	return c.postID(ctx, "/send/location", sendLocationRequest{
		ChatID:    c.chatID,
		Peer:      peer,
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
		Name:      msg.Name,
		Address:   msg.Address,
		ReplyTo:   msg.ReplyTo,
	})
}

func (c *Client) SendContact(ctx context.Context, peer string, msg relay.Contact) (string, error) {
	return c.postID(ctx, "/send/contact", sendContactRequest{
		ChatID:    c.chatID,
		Peer:      peer,
		FirstName: msg.FirstName,
		LastName:  msg.LastName,
		Phone:     msg.Phone,
		VCard:     msg.VCard,
		ReplyTo:   msg.ReplyTo,
	})
}

func (c *Client) SetReaction(ctx context.Context, peer, messageID, emoji string) error {
	return c.post(ctx, "/reactions", reactionRequest{
		ChatID: c.chatID, Peer: peer, MessageID: messageID, Emoji: emoji,
	}, nil)
}

// MaxUploadSize returns the configured ceiling for kind, 0 when unlimited.
func (c *Client) MaxUploadSize(kind relay.MediaKind) int64 {
	return c.maxUpload[kind]
}

// CreateThread opens a new thread in the adapter's chat.
func (c *Client) CreateThread(ctx context.Context, name string) (string, error) {
	return c.postID(ctx, "/threads", createThreadRequest{ChatID: c.chatID, Name: name})
}

func (c *Client) PinMessage(ctx context.Context, threadID, messageID string) error {
	return c.post(ctx, "/pins", pinRequest{ChatID: c.chatID, ThreadID: threadID, MessageID: messageID}, nil)
}

func (c *Client) MarkAsRead(ctx context.Context, messageID string) error {
	return c.post(ctx, "/read", readRequest{MessageID: messageID}, nil)
}

// RequestLocation sends an interactive location request to a remote user.
func (c *Client) RequestLocation(ctx context.Context, to, prompt string) (string, error) {
	return c.postID(ctx, "/location-requests", locationRequest{Peer: to, Prompt: prompt})
}

// Download fetches media bytes. Relative URLs are resolved against the
// adapter's base URL.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "/") {
		url = c.baseURL + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, relay.Classify(fmt.Errorf("downloading media: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relay.Classify(fmt.Errorf("reading media: %w", err))
	}
	return data, nil
}

func (c *Client) postID(ctx context.Context, path string, body any) (string, error) {
	var out idResponse
	if err := c.post(ctx, path, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", relay.NewSendError(relay.Permanent, fmt.Errorf("adapter returned no id for %s", path))
	}
	return out.ID, nil
}

// post sends body as JSON and decodes the response into out when non-nil.
// Every returned error is a *relay.SendError.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return relay.NewSendError(relay.Permanent, fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return relay.NewSendError(relay.Permanent, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return relay.Classify(fmt.Errorf("sending request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := statusError(resp)
		c.logger.Debug("adapter call failed", "path", path, "status", resp.StatusCode, "kind", se.Kind)
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return relay.NewSendError(relay.Permanent, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusError maps a non-2xx adapter response onto the failure taxonomy.
func statusError(resp *http.Response) *relay.SendError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(body))
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}
	err := fmt.Errorf("adapter returned status %d: %s", resp.StatusCode, msg)

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return relay.RateLimitError(retryAfter(resp.Header.Get("Retry-After"), time.Now()), err)
	case code == http.StatusNotFound, code == http.StatusGone:
		return relay.NewSendError(relay.TargetGone, err)
	case code == http.StatusRequestEntityTooLarge, code == http.StatusUnsupportedMediaType:
		return relay.NewSendError(relay.Rejected, err)
	case code == http.StatusRequestTimeout, code >= 500:
		return relay.NewSendError(relay.Transient, err)
	default:
		return relay.NewSendError(relay.Permanent, err)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return defaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return defaultRetryAfter
}

