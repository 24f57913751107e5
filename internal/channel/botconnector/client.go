// Package botconnector talks to the Bot Framework connector REST API.
package botconnector

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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_notify/internal/channel"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

const (
	maxErrorBody     = 4 << 10
	requestIDHeader  = "X-Request-Id"
	traceIDHeader    = "X-Trace-Id"
	defaultTimeout   = 15 * time.Second
	activitiesFormat = "%s/v3/conversations/%s/activities"
)

// TokenSource supplies the bearer token for the bot identified by appID.
type TokenSource interface {
	Token(ctx context.Context, appID string) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context, string) (string, error) {
	return string(s), nil
}

// Client implements channel.Transport over HTTP.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
}

// New returns a client. A nil httpClient gets a 15s timeout client and a nil
// token source sends no Authorization header.
func New(httpClient *http.Client, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{httpClient: httpClient, tokens: tokens}
}

// Continue binds the client to an existing conversation.
func (c *Client) Continue(ctx context.Context, appID string, ref channel.ConversationReference) (channel.Conversation, error) {
	base := strings.TrimRight(strings.TrimSpace(ref.ServiceURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("botconnector: invalid service url %q", ref.ServiceURL)
	}
	return &conversation{
		client:   c,
		appID:    appID,
		endpoint: fmt.Sprintf(activitiesFormat, base, url.PathEscape(ref.ConversationID)),
	}, nil
}

type conversation struct {
	client   *Client
	appID    string
	endpoint string
}

func (cv *conversation) SendActivity(ctx context.Context, activity *channel.Activity) error {
	if activity == nil {
		return errors.New("botconnector: nil activity")
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("botconnector: encode activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cv.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("botconnector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set(traceIDHeader, traceID)
	}
	if cv.client.tokens != nil {
		token, err := cv.client.tokens.Token(ctx, cv.appID)
		if err != nil {
			return fmt.Errorf("botconnector: token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	tracing.AddSpanEvent(ctx, "http.send_activity")
	start := time.Now()
	resp, err := cv.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("botconnector: post activity: %w", err)
	}
	defer resp.Body.Close()

	tracing.AddSpanEvent(ctx, "http.activity_response",
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", time.Since(start).Milliseconds()),
	)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &channel.TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
