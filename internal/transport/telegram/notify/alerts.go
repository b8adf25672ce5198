package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"postscheduler/internal/eventbus"
	logx "postscheduler/pkg/logx"
)

// DefaultAlertEvents are forwarded when AlertConfig.Events is empty.
var DefaultAlertEvents = []string{eventbus.ActionCompleted, eventbus.ActionFailed, eventbus.MonitorStopped}

type AlertConfig struct {
	ChatID   int64
	ThreadID int
	Events   []string
}

type Sender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

// Alerts forwards selected bus events to a chat.
type Alerts struct {
	snd    Sender
	cfg    AlertConfig
	events []string
	log    logx.Logger
}

func NewAlerts(snd Sender, cfg AlertConfig, log logx.Logger) *Alerts {
	if log.IsZero() {
		log = logx.Nop()
	}
	var events []string
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			events = append(events, e)
		}
	}
	if len(events) == 0 {
		events = DefaultAlertEvents
	}
	return &Alerts{snd: snd, cfg: cfg, events: events, log: log.With(logx.String("comp", "alerts"))}
}

// Run consumes bus until ctx ends. Send failures are logged at debug so a
// broken chat cannot feed the Telegram log sink in a loop.
func (a *Alerts) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(64, a.events...)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := a.snd.SendText(ctx, a.cfg.ChatID, a.cfg.ThreadID, formatEvent(ev)); err != nil {
				a.log.Debug("alert.send_failed", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

// formatEvent renders an event as a header line plus sorted key=value
// lines for object payloads.
func formatEvent(ev eventbus.Event) string {
	var b strings.Builder
	b.WriteString("[" + ev.Type + "]")
	if ev.Data == nil {
		return b.String()
	}
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		fmt.Fprintf(&b, "\n%v", ev.Data)
		return b.String()
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		b.WriteString("\n" + string(raw))
		return b.String()
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fields[k]
		if s, ok := v.(string); ok {
			if s == "" {
				continue
			}
			fmt.Fprintf(&b, "\n- %s=%s", k, s)
			continue
		}
		enc, _ := json.Marshal(v)
		fmt.Fprintf(&b, "\n- %s=%s", k, enc)
	}
	return b.String()
}
