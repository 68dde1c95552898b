package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "postpilot/internal/transport"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Token string

	// Channel is the chat the scheduler publishes into. Either a numeric
	// chat id ("-1001234567890") or a public username ("@mychannel").
	Channel string

	// OperatorChat receives log alerts (0 disables Notify).
	OperatorChat int64

	ParseMode string
}

// Client publishes posts to one Telegram channel.
//
// It is send-only: postpilot never consumes updates, so no poller runs.
type Client struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errors.New("telegram channel is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, log: log, bot: b}, nil
}

func (c *Client) Name() string { return "telegram" }

func (c *Client) Publish(ctx context.Context, post kit.Post) error {
	var to tele.Recipient
	if id, ok := parseChatID(c.cfg.Channel); ok {
		to = tele.ChatID(id)
	} else {
		to = &tele.Chat{Username: strings.TrimPrefix(c.cfg.Channel, "@"), Type: tele.ChatChannel}
	}

	opt := &tele.SendOptions{ParseMode: c.cfg.ParseMode}
	for _, chunk := range splitText(post.Text, textLimit) {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		if _, err := c.bot.Send(to, chunk, opt); err != nil {
			return err
		}
	}
	c.log.Debug("post delivered", logx.String("post", post.ID), logx.String("group", post.Group))
	return nil
}

// Notify sends an operator notice (log alert sink). Best-effort, no retries.
func (c *Client) Notify(ctx context.Context, text string) error {
	if c.cfg.OperatorChat == 0 {
		return nil
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	_, err := c.bot.Send(tele.ChatID(c.cfg.OperatorChat), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

func parseChatID(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "@") {
		return 0, false
	}
	var id int64
	neg := false
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return 0, false
		}
		id = id*10 + int64(r-'0')
	}
	if neg {
		id = -id
	}
	return id, true
}

const textLimit = 4000

// splitText splits long posts into chunks Telegram will accept,
// preferring newline boundaries so paragraphs survive.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					cut = i + 1
					break
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
