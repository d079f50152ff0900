package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"berkut-incidents/config"
)

type TelegramMessage struct {
	ChatID         string
	Text           string
	Silent         bool
	ProtectContent bool
}

// TelegramGateway forwards selected event types to a chat via the Bot API.
type TelegramGateway struct {
	client  *http.Client
	baseURL string
	token   string
	cfg     config.TelegramConfig
	types   map[string]struct{}
}

func NewTelegramGateway(cfg config.TelegramConfig) *TelegramGateway {
	return newTelegramGateway(cfg, "https://api.telegram.org")
}

func newTelegramGateway(cfg config.TelegramConfig, baseURL string) *TelegramGateway {
	types := map[string]struct{}{}
	for _, t := range cfg.EventTypes {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = struct{}{}
		}
	}
	if len(types) == 0 {
		types[TypeEscalated] = struct{}{}
		types[TypeEscalationTarget] = struct{}{}
	}
	return &TelegramGateway{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.Token),
		cfg:     cfg,
		types:   types,
	}
}

func (g *TelegramGateway) Publish(ctx context.Context, storeID string, ev Event) error {
	if _, ok := g.types[ev.Type]; !ok {
		return nil
	}
	return g.Send(ctx, TelegramMessage{
		ChatID:         g.cfg.ChatID,
		Text:           formatTelegram(storeID, ev),
		Silent:         g.cfg.Silent,
		ProtectContent: g.cfg.ProtectContent,
	})
}

func (g *TelegramGateway) Send(ctx context.Context, msg TelegramMessage) error {
	if g.token == "" || strings.TrimSpace(msg.ChatID) == "" {
		return errors.New("telegram token or chat id missing")
	}
	raw, _ := json.Marshal(map[string]any{
		"chat_id":              msg.ChatID,
		"text":                 msg.Text,
		"disable_notification": msg.Silent,
		"protect_content":      msg.ProtectContent,
	})
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(g.baseURL, "/"), g.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("telegram api status %d", resp.StatusCode)
}

func formatTelegram(storeID string, ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] incident #%d", storeID, ev.IncidentID)
	if ev.Title != "" {
		fmt.Fprintf(&b, " %s", ev.Title)
	}
	b.WriteString("\n")
	b.WriteString(ev.Type)
	if ev.Priority != "" {
		fmt.Fprintf(&b, " | priority: %s", ev.Priority)
	}
	if ev.Status != "" {
		fmt.Fprintf(&b, " | status: %s", ev.Status)
	}
	if len(ev.Targets) > 0 {
		fmt.Fprintf(&b, "\nto: %s", strings.Join(ev.Targets, ", "))
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, "\n%s", ev.Message)
	}
	return b.String()
}
