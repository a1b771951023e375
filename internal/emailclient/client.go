package emailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_post/internal/tracing"
)

// TokenHeader carries the server token on every request
const TokenHeader = "X-Postmark-Server-Token"

// SendError is returned when the email API answers with a non-2xx status
type SendError struct {
	StatusCode int
	Body       string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("email API returned %d: %s", e.StatusCode, e.Body)
}

// Message is the JSON body posted to the email API
type Message struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

type Config struct {
	BaseURL   string
	Sender    string
	AuthToken string
	// Timeout bounds a single send, defaults to 10s
	Timeout time.Duration
	// RatePerSec caps outgoing sends per client; zero disables the limit
	RatePerSec int
}

// Client sends email through an HTTP email API
type Client struct {
	endpoint  string
	sender    string
	authToken string
	http      *http.Client
	limiter   *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid email base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		endpoint:  base.JoinPath("email").String(),
		sender:    cfg.Sender,
		authToken: cfg.AuthToken,
		http:      &http.Client{Timeout: timeout},
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c, nil
}

// Send posts one email. It returns a *SendError for non-2xx answers.
func (c *Client) Send(ctx context.Context, recipient, subject, htmlBody, textBody string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(Message{
		From:     c.sender,
		To:       recipient,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.authToken)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &SendError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
