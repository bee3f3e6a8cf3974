package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// embedColor is the amber side bar on alert embeds.
	embedColor = 0xF5A623
	// maxRateLimitWait caps how long a 429 may delay an alert before it is
	// reported as failed.
	maxRateLimitWait = 5 * time.Second
)

// DiscordSender posts alerts to a Discord channel webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordPayload struct {
	Username        string         `json:"username"`
	Embeds          []discordEmbed `json:"embeds"`
	AllowedMentions struct {
		Parse []string `json:"parse"`
	} `json:"allowed_mentions"`
}

// Send posts the alert as an embed so the body keeps its line breaks.
// Mentions are disabled; error text may contain "@" sequences. A single 429
// is retried after the advertised delay when that delay is short.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	p := discordPayload{
		Username: "wxwager",
		Embeds:   []discordEmbed{{Title: title, Description: message, Color: embedColor}},
	}
	p.AllowedMentions.Parse = []string{}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	wait, err := d.post(ctx, body)
	if err == nil || wait <= 0 {
		return err
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("discord: waiting out rate limit: %w", ctx.Err())
	case <-t.C:
	}
	_, err = d.post(ctx, body)
	return err
}

// post sends one request. When Discord rate limits it and the retry delay is
// acceptable, the delay is returned together with the error.
func (d *DiscordSender) post(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		var rl struct {
			RetryAfter float64 `json:"retry_after"`
		}
		_ = json.Unmarshal(respBody, &rl)
		wait := time.Duration(rl.RetryAfter * float64(time.Second))
		if wait > maxRateLimitWait {
			wait = 0
		}
		return wait, fmt.Errorf("discord: rate limited, retry after %.2fs", rl.RetryAfter)
	default:
		return 0, fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
