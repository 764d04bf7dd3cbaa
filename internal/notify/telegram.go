package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Telegram caps sendMessage at 4096 characters; longer alerts are split.
const telegramChunkLimit = 4096

// telegramRate paces sends to at most two messages per second across every
// engine instance sharing the limiter.
const (
	telegramRateKey    = "notify:telegram"
	telegramRateLimit  = 2
	telegramRateWindow = time.Second
)

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	limiter domain.RateLimiter // nil sends unpaced
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and
// chat ID. limiter may be nil to skip pacing.
func NewTelegramSender(token, chatID string, limiter domain.RateLimiter) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		limiter: limiter,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a message to the configured chat, bold title first, split into
// API-sized chunks and paced through the limiter.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := fmt.Sprintf("*%s*\n%s", title, message)

	for _, chunk := range chunkText(text, telegramChunkLimit) {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx, telegramRateKey, telegramRateLimit, telegramRateWindow); err != nil {
				if ctx.Err() != nil {
					return err
				}
				// Limiter unavailable; deliver unpaced rather than lose the alert.
			}
		}
		if err := t.post(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *TelegramSender) post(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

// chunkText splits s into rune-safe pieces of at most limit runes.
func chunkText(s string, limit int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var chunks []string
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
