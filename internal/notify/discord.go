// Package notify delivers circuit breaker transitions to operators.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/prcworker/internal/breaker"
	"github.com/SirClappington/prcworker/internal/logging"
)

const (
	colorHigh = 0xAA0000
	colorOK   = 0x00AA00

	sendTimeout = 10 * time.Second
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Color       int          `json:"color"`
	Description string       `json:"description"`
	Fields      []embedField `json:"fields"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// Discord posts breaker transitions to a Discord webhook. With an empty URL
// it only logs. Delivery failures are logged and otherwise ignored.
type Discord struct {
	url    string
	client *retryablehttp.Client
	logger *zap.Logger
}

var _ breaker.Notifier = (*Discord)(nil)

func NewDiscord(url string, logger *zap.Logger) *Discord {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = logging.NewLeveled(logger)
	return &Discord{url: url, client: rc, logger: logger}
}

func (d *Discord) HighErrorRate(s breaker.Snapshot) { d.send("High Error Rate", colorHigh, s) }

func (d *Discord) Recovered(s breaker.Snapshot) { d.send("Good Error Rate", colorOK, s) }

func (d *Discord) send(title string, color int, s breaker.Snapshot) {
	if d.url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := d.post(ctx, render(title, color, s)); err != nil {
		d.logger.Warn("breaker notification failed", zap.String("title", title), zap.Error(err))
	}
}

func (d *Discord) post(ctx context.Context, p webhookPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode webhook payload")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.url, raw)
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func render(title string, color int, s breaker.Snapshot) webhookPayload {
	return webhookPayload{Embeds: []embed{{
		Title:       title,
		Color:       color,
		Description: "-# All values are approximated (floating window) to conserve memory.",
		Fields: []embedField{
			{Name: "Errors", Value: fmt.Sprintf("%.0f", math.Round(s.Errors)), Inline: true},
			{Name: "Requests", Value: fmt.Sprintf("%.0f", math.Round(s.Requests)), Inline: true},
			{Name: "Error Rate", Value: fmt.Sprintf("%.2f/%.2f%%", s.ErrorPercent, s.Threshold)},
		},
	}}}
}
