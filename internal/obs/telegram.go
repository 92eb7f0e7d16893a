package obs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Sender posts a bot message. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NewTelegramBot logs into the bot API.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "telegram login")
	}
	logs.Infof("telegram connected, bot: @%s", bot.Self.UserName)
	return bot, nil
}

// TelegramAlerter forwards alerts at or above MinSeverity to one chat. Alerts
// are queued and sent from Run; a full queue drops the alert.
type TelegramAlerter struct {
	sender      Sender
	chatID      int64
	minSeverity Severity

	mu     sync.RWMutex
	closed bool
	queue  chan Alert
}

func NewTelegramAlerter(sender Sender, chatID int64, minSeverity Severity, queueSize int) *TelegramAlerter {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &TelegramAlerter{
		sender:      sender,
		chatID:      chatID,
		minSeverity: minSeverity,
		queue:       make(chan Alert, queueSize),
	}
}

func (t *TelegramAlerter) Alert(a Alert) {
	if a.Severity < t.minSeverity {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- a:
	default:
		logs.Warnf("telegram alert dropped, queue full: %s", a.Message)
	}
}

// Run sends queued alerts until ctx is done or Close drains the queue.
func (t *TelegramAlerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-t.queue:
			if !ok {
				return
			}
			msg := tgbotapi.NewMessage(t.chatID, FormatAlert(a))
			if _, err := t.sender.Send(msg); err != nil {
				logs.Errorf("send telegram alert, err: %+v", err)
			}
		}
	}
}

// Close stops accepting alerts. Run returns once the queue is drained.
func (t *TelegramAlerter) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
}

// FormatAlert renders an alert as plain text.
func FormatAlert(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(a.Severity.String()), a.Message)
	if a.StrategyID != "" {
		fmt.Fprintf(&b, "\nstrategy: %s", a.StrategyID)
	}
	if a.PositionID != "" {
		fmt.Fprintf(&b, "\nposition: %s", a.PositionID)
	}
	if a.Err != nil {
		fmt.Fprintf(&b, "\nerr: %v", a.Err)
	}
	return b.String()
}

// ParseSeverity maps a config string to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "warning":
		return SeverityWarning, true
	case "critical":
		return SeverityCritical, true
	default:
		return 0, false
	}
}

// Fanout delivers every alert to each alerter in order.
type Fanout []Alerter

func (f Fanout) Alert(a Alert) {
	for _, al := range f {
		al.Alert(a)
	}
}
