package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ultrashort/internal/model"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to one chat through the Bot API. Signal
// alerts get a compact trade card; other alerts are sent as title and body.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier creates a notifier for the bot token and chat id.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  telegramAPI,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// telegramReply is the Bot API envelope; only the failure fields are read.
type telegramReply struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	text := alertText(alert)
	if alert.Signal != nil {
		text = signalCard(*alert.Signal)
	}
	body, err := json.Marshal(telegramMessage{
		ChatID:                t.chatID,
		Text:                  text,
		ParseMode:             "MarkdownV2",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := t.baseURL + "/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var reply telegramReply
		json.NewDecoder(resp.Body).Decode(&reply)
		if reply.Parameters.RetryAfter > 0 {
			return fmt.Errorf("telegram: status %d: %s (retry after %ds)", resp.StatusCode, reply.Description, reply.Parameters.RetryAfter)
		}
		if reply.Description != "" {
			return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, reply.Description)
		}
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	slog.Debug("telegram alert sent", "title", alert.Title)
	return nil
}

// signalCard renders a signal for MarkdownV2:
//
//	📈 *BUY CALL* 3045 \(NSE\)
//	Hammer at 09:16:00 IST
//	Entry `101.00`  SL `95.00`  Target `111.10`
//	Risk `6.00` / Reward `10.10`
func signalCard(sig model.Signal) string {
	var b strings.Builder
	b.WriteString("📈 *")
	b.WriteString(escapeMarkdown(sig.Action + " " + sig.OptionType))
	b.WriteString("* ")
	b.WriteString(escapeMarkdown(sig.InstrumentID))
	if sig.Exchange != "" {
		b.WriteString(" " + escapeMarkdown("("+sig.Exchange+")"))
	}
	fmt.Fprintf(&b, "\n%s at %s\n", escapeMarkdown(sig.Pattern), escapeMarkdown(sig.Time().In(IST).Format("15:04:05")+" IST"))
	fmt.Fprintf(&b, "Entry `%.2f`  SL `%.2f`  Target `%.2f`\n", sig.EntryPrice, sig.StopLoss, sig.Target)
	fmt.Fprintf(&b, "Risk `%.2f` / Reward `%.2f`", sig.EntryPrice-sig.StopLoss, sig.Target-sig.EntryPrice)
	return b.String()
}

func alertText(alert Alert) string {
	emoji := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		emoji = "⚠️"
	case AlertCritical:
		emoji = "🚨"
	}
	return emoji + " *" + escapeMarkdown(alert.Title) + "*\n\n" + escapeMarkdown(alert.Message)
}

var markdownEscaper = func() *strings.Replacer {
	const specials = "\\_*[]()~`>#+-=|{}.!"
	pairs := make([]string, 0, 2*len(specials))
	for _, c := range specials {
		pairs = append(pairs, string(c), "\\"+string(c))
	}
	return strings.NewReplacer(pairs...)
}()

// escapeMarkdown escapes MarkdownV2 specials outside code spans.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
