// Package alert delivers out-of-band notifications about failed jobs and
// released scanner leases. Sends are fire-and-forget from the caller's view:
// a failing alert is logged, never allowed to mask the error it reports.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/game-data-manager/internal/circuitbreaker"
	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/logging"
	"github.com/game-data-manager/internal/retry"
)

// Level is the severity shown with an alert.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is a single alert.
type Message struct {
	Title   string
	Body    string
	Job     string
	Level   Level
	Details []string
	Time    time.Time
}

// Alerter sends alerts.
type Alerter interface {
	Send(ctx context.Context, msg Message) error
}

// LogAlerter writes alerts to the log. Used when no webhook is configured.
type LogAlerter struct {
	logger *logging.Logger
}

// NewLogAlerter creates an alerter that only logs.
func NewLogAlerter(logger *logging.Logger) *LogAlerter {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogAlerter{logger: logger.WithField("component", "alert")}
}

// Send logs the alert.
func (a *LogAlerter) Send(ctx context.Context, msg Message) error {
	l := a.logger.WithFields(map[string]interface{}{
		"title": msg.Title,
		"job":   msg.Job,
	})
	if len(msg.Details) > 0 {
		l = l.WithField("details", msg.Details)
	}
	if msg.Level == LevelError {
		l.Error(msg.Body)
	} else {
		l.Warn(msg.Body)
	}
	return nil
}

// webhookPayload is the Discord-compatible webhook body.
type webhookPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []webhookEmbed `json:"embeds"`
}

type webhookEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []webhookField `json:"fields,omitempty"`
}

type webhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

var levelColors = map[Level]int{
	LevelInfo:    0x2ecc71,
	LevelWarning: 0xf1c40f,
	LevelError:   0xe74c3c,
}

// WebhookAlerter posts alerts to a webhook with retries behind a circuit breaker.
type WebhookAlerter struct {
	url         string
	username    string
	httpClient  *http.Client
	breaker     *circuitbreaker.CircuitBreaker
	retryConfig *retry.RetryConfig
}

// NewWebhookAlerter creates a webhook alerter.
func NewWebhookAlerter(url, username string) *WebhookAlerter {
	return &WebhookAlerter{
		url:         url,
		username:    username,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		breaker:     circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("alert-webhook")),
		retryConfig: retry.DefaultRetryConfig(),
	}
}

// Send posts msg to the webhook.
func (a *WebhookAlerter) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(a.payload(msg))
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	return a.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.WithRetry(ctx, a.retryConfig, func(ctx context.Context, attempt int) error {
			return a.post(ctx, body)
		})
	})
}

func (a *WebhookAlerter) payload(msg Message) webhookPayload {
	level := msg.Level
	if level == "" {
		level = LevelError
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	embed := webhookEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       levelColors[level],
		Timestamp:   ts.UTC().Format(time.RFC3339),
	}
	if msg.Job != "" {
		embed.Fields = append(embed.Fields, webhookField{Name: "Job", Value: msg.Job, Inline: true})
	}
	for i, d := range msg.Details {
		if i == 10 {
			embed.Fields = append(embed.Fields, webhookField{Name: "…", Value: fmt.Sprintf("%d more", len(msg.Details)-i)})
			break
		}
		embed.Fields = append(embed.Fields, webhookField{Name: fmt.Sprintf("#%d", i+1), Value: d})
	}
	return webhookPayload{Username: a.username, Embeds: []webhookEmbed{embed}}
}

func (a *WebhookAlerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return apperrors.NewNetworkError("alert webhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return apperrors.NewNetworkError("alert webhook", statusErr)
	}
	return apperrors.NewInternalError("alert webhook rejected message", statusErr)
}

// New returns a webhook alerter when url is set, otherwise a log alerter.
func New(url, username string, logger *logging.Logger) Alerter {
	if url == "" {
		return NewLogAlerter(logger)
	}
	return NewWebhookAlerter(url, username)
}

// SendAsync sends msg in the background and logs a failure. The returned
// channel is closed once the send finished.
func SendAsync(ctx context.Context, a Alerter, msg Message) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Send(ctx, msg); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("title", msg.Title).Warn("Failed to send alert")
		}
	}()
	return done
}
