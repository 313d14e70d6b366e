// Package adapter is the Telegram side channel: it mirrors admin broadcasts
// to an operator chat and carries log alerts. It never polls for updates.
package adapter

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	kit "leadsync/internal/transport"
	logx "leadsync/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
	// APIURL overrides the Bot API endpoint (tests).
	APIURL  string
	Timeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Send implements transport.Sender. A zero target means the configured chat.
func (a *Adapter) Send(ctx context.Context, to kit.Target, text string, opt *kit.SendOptions) error {
	if to.ChatID == 0 {
		to.ChatID = a.cfg.ChatID
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if opt.Link != nil && opt.Link.URL != "" && !strings.Contains(text, opt.Link.URL) {
		text += "\n" + opt.Link.URL
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return errors.Wrap(err, "telegram send")
		}
	}
	return nil
}

// Mirror copies an admin broadcast to the operator chat.
func (a *Adapter) Mirror(ctx context.Context, text string) error {
	return a.Send(ctx, kit.Target{}, text, &kit.SendOptions{DisablePreview: true})
}

// SendAlert implements logx.AlertSender.
func (a *Adapter) SendAlert(ctx context.Context, text string) error {
	return a.Send(ctx, kit.Target{}, text, &kit.SendOptions{DisablePreview: true})
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts. It
// prefers newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
