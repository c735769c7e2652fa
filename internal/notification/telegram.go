package notification

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

// TelegramNotifier sends alerts through the Telegram Bot API as MarkdownV2.
type TelegramNotifier struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a notifier posting to chatID with botToken.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		apiBase:  "https://api.telegram.org",
		botToken: botToken,
		chatID:   chatID,
		client:   newHTTPClient(),
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	url := t.apiBase + "/bot" + t.botToken + "/sendMessage"
	msg := telegramMessage{ChatID: t.chatID, Text: telegramText(alert), ParseMode: "MarkdownV2"}
	if err := postJSON(ctx, t.client, "telegram", url, msg); err != nil {
		return err
	}
	slog.Debug("[telegram] sent alert", "title", alert.Title)
	return nil
}

// telegramText renders a bold "[LEVEL] title" line, the message and the
// fields sorted by name.
func telegramText(alert Alert) string {
	var b strings.Builder
	b.WriteString("*")
	b.WriteString(mdEscaper.Replace("[" + string(alert.Level) + "] " + alert.Title))
	b.WriteString("*")
	if alert.Message != "" {
		b.WriteString("\n\n")
		b.WriteString(mdEscaper.Replace(alert.Message))
	}
	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			b.WriteString("\n")
			b.WriteString(mdEscaper.Replace(k + ": " + alert.Fields[k]))
		}
	}
	return b.String()
}

// mdEscaper escapes the MarkdownV2 reserved characters.
var mdEscaper = func() *strings.Replacer {
	const reserved = "_*[]()~`>#+-=|{}.!\\"
	pairs := make([]string, 0, 2*len(reserved))
	for _, c := range reserved {
		pairs = append(pairs, string(c), "\\"+string(c))
	}
	return strings.NewReplacer(pairs...)
}()
