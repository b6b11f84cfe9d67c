package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
)

// Constants for the HTTP client configuration
const (
	// DefaultRequestTimeout bounds a single provider API call.
	DefaultRequestTimeout = 30 * time.Second
	// maxErrorBodyBytes limits how much of an error response is kept for diagnostics.
	maxErrorBodyBytes = 2048
)

// Opts holds configuration options for the Evolution API client.
type Opts struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Evolution API client.
type Option func(*Opts)

// WithBaseURL sets the Evolution API base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithAPIKey sets the Evolution API key sent with every request.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Compile-time checks that Client implements both provider contracts.
var (
	_ Sender    = (*Client)(nil)
	_ Directory = (*Client)(nil)
)

// Client talks to an Evolution-style WhatsApp HTTP API. One client serves
// any number of instances; the instance name is part of each request path.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a new Evolution API client based on provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL not set")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	slog.Debug("provider.NewClient: Evolution client created", "baseURL", cfg.BaseURL, "apiKey_set", cfg.APIKey != "")
	return &Client{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, http: httpClient}, nil
}

// SendMessage maps the message spec to the kind-specific Evolution endpoint
// and posts it. Media and audio payloads carry pre-resolved URLs, never raw
// file bytes; uploads are completed before a job is scheduled.
func (c *Client) SendMessage(ctx context.Context, instance, to string, spec models.MessageSpec, mentionEveryone bool) error {
	endpoint, body, err := buildSendRequest(to, spec, mentionEveryone)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/message/%s/%s", c.baseURL, endpoint, instance)
	return c.post(ctx, url, body)
}

// buildSendRequest returns the endpoint suffix and JSON body for a spec.
// The switch is exhaustive over message kinds; validation has already run.
func buildSendRequest(to string, spec models.MessageSpec, mentionEveryone bool) (string, map[string]interface{}, error) {
	switch spec.Kind {
	case models.MessageKindText:
		body := map[string]interface{}{
			"number": to,
			"text":   spec.Text.Body,
		}
		if mentionEveryone {
			body["mentionsEveryOne"] = true
		}
		return "sendText", body, nil

	case models.MessageKindMedia:
		body := map[string]interface{}{
			"number":    to,
			"mediatype": mediaTypeFromMime(spec.Media.MimeType),
			"media":     spec.Media.URL,
		}
		if spec.Media.MimeType != "" {
			body["mimetype"] = spec.Media.MimeType
		}
		if spec.Media.Caption != "" {
			body["caption"] = spec.Media.Caption
		}
		if spec.Media.FileName != "" {
			body["fileName"] = spec.Media.FileName
		}
		if mentionEveryone {
			body["mentionsEveryOne"] = true
		}
		return "sendMedia", body, nil

	case models.MessageKindAudio:
		return "sendWhatsAppAudio", map[string]interface{}{
			"number": to,
			"audio":  spec.Audio.URL,
		}, nil

	case models.MessageKindPoll:
		selectable := spec.Poll.MaxSelections
		if selectable <= 0 {
			selectable = 1
		}
		return "sendPoll", map[string]interface{}{
			"number":          to,
			"name":            spec.Poll.Question,
			"selectableCount": selectable,
			"values":          spec.Poll.Options,
		}, nil

	case models.MessageKindPix:
		return "sendButtons", map[string]interface{}{
			"number": to,
			"title":  spec.Pix.ReceiverName,
			"buttons": []map[string]interface{}{{
				"type":     "pix",
				"currency": "BRL",
				"name":     spec.Pix.ReceiverName,
				"keyType":  string(spec.Pix.KeyType),
				"key":      spec.Pix.Key,
			}},
		}, nil

	case models.MessageKindContact:
		return "sendContact", map[string]interface{}{
			"number": to,
			"contact": []map[string]interface{}{{
				"fullName":    spec.Contact.DisplayName,
				"phoneNumber": spec.Contact.Phone,
			}},
		}, nil

	case models.MessageKindLocation:
		return "sendLocation", map[string]interface{}{
			"number":    to,
			"latitude":  spec.Location.Latitude,
			"longitude": spec.Location.Longitude,
			"name":      spec.Location.Name,
			"address":   spec.Location.Address,
		}, nil

	default:
		return "", nil, models.ErrInvalidMessageKind
	}
}

// mediaTypeFromMime picks the Evolution media type bucket for a MIME type.
func mediaTypeFromMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	default:
		return "document"
	}
}

// evolutionGroup is the wire shape of a group directory entry.
type evolutionGroup struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Size    int    `json:"size"`
}

// ListGroups fetches the live group directory for an instance.
func (c *Client) ListGroups(ctx context.Context, instance string) ([]models.Group, error) {
	url := fmt.Sprintf("%s/group/fetchAllGroups/%s?getParticipants=false", c.baseURL, instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build group list request failed: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("group list request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("group list request returned %s: %s", resp.Status, readErrorBody(resp.Body))
	}

	var wire []evolutionGroup
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode group list failed: %w", err)
	}

	groups := make([]models.Group, 0, len(wire))
	for _, g := range wire {
		groups = append(groups, models.Group{ID: g.ID, Subject: g.Subject, Size: g.Size})
	}
	slog.Debug("provider.ListGroups", "instance", instance, "count", len(groups))
	return groups, nil
}

func (c *Client) post(ctx context.Context, url string, body interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build send request failed: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send request returned %s: %s", resp.Status, readErrorBody(resp.Body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil || len(b) == 0 {
		return "(no response body)"
	}
	return string(b)
}
