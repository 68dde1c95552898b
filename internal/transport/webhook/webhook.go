package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	kit "postpilot/internal/transport"
	logx "postpilot/pkg/logx"
)

type Config struct {
	URL     string
	Secret  string // sent as Authorization: Bearer <secret> when set
	Timeout time.Duration
}

// Client posts content to a generic HTTP endpoint as JSON.
type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, log: log, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) Name() string { return "webhook" }

func (c *Client) Publish(ctx context.Context, post kit.Post) error {
	payload := struct {
		ID    string `json:"id"`
		Group string `json:"group"`
		Text  string `json:"text"`
	}{ID: post.ID, Group: post.Group, Text: post.Text}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s := strings.TrimSpace(c.cfg.Secret); s != "" {
		req.Header.Set("Authorization", "Bearer "+s)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var out struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		if out.Error != "" {
			return fmt.Errorf("webhook rejected post: %s (http=%d)", out.Error, resp.StatusCode)
		}
		return fmt.Errorf("webhook rejected post: http=%d", resp.StatusCode)
	}
	c.log.Debug("post delivered", logx.String("post", post.ID), logx.String("group", post.Group))
	return nil
}
