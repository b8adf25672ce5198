// Package notify delivers operator messages to a Telegram chat. It sends
// only; postscheduler takes no commands over Telegram.
package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "postscheduler/pkg/logx"
)

// textLimit is Telegram's per-message cap in characters.
const textLimit = 4096

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, self-hosted servers).
	APIURL  string
	Timeout time.Duration
}

// Notifier implements logx.Sender on top of telebot.
type Notifier struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Notifier{bot: b, log: log.With(logx.String("comp", "telegram"))}, nil
}

// SendText sends text in as many messages as the size cap requires.
// Sending stops at the first failed chunk.
func (n *Notifier) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	if chatID == 0 {
		return errors.New("telegram chat id is empty")
	}
	opt := &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if _, err := n.bot.Send(&tele.Chat{ID: chatID}, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring a
// newline in the last two thirds of each window.
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
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
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
