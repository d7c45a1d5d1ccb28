package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/signal"
)

// TelegramConfig points a channel at one bot/chat pair. APIBase
// defaults to the public Bot API and exists so tests can stand in a
// local server.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIBase  string `yaml:"api_base"`
}

const telegramAPIBase = "https://api.telegram.org"

// TelegramChannel sends aggregated signals through the Telegram Bot
// API sendMessage method.
type TelegramChannel struct {
	id     string
	cfg    TelegramConfig
	filter Filter
	client *http.Client
	log    zerolog.Logger
}

func NewTelegramChannel(id string, cfg TelegramConfig, filter Filter, logger zerolog.Logger) (*TelegramChannel, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("alerts: telegram channel %s needs a bot_token", id)
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("alerts: telegram channel %s needs a chat_id", id)
	}
	if cfg.APIBase == "" {
		cfg.APIBase = telegramAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if filter == nil {
		filter = DefaultFilter()
	}
	return &TelegramChannel{
		id:     id,
		cfg:    cfg,
		filter: filter,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    logger.With().Str("channel", id).Str("kind", "telegram").Logger(),
	}, nil
}

func (c *TelegramChannel) ID() string   { return c.id }
func (c *TelegramChannel) Kind() string { return "telegram" }

func (c *TelegramChannel) Filter(ag signal.AggregatedSignal) bool { return c.filter(ag) }

func (c *TelegramChannel) Deliver(ctx context.Context, ag signal.AggregatedSignal) error {
	body, err := json.Marshal(map[string]string{
		"chat_id":    c.cfg.ChatID,
		"text":       formatTelegramText(ag),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.cfg.APIBase, c.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	c.log.Debug().Str("asset", ag.AssetID).Str("direction", string(ag.Direction)).
		Msg("Telegram alert sent")
	return nil
}

// formatTelegramText renders one aggregate as a compact Markdown
// message.
func formatTelegramText(ag signal.AggregatedSignal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s %s*\n", directionEmoji(ag.Direction), ag.Direction, ag.AssetID)
	fmt.Fprintf(&b, "Confidence: %.2f (%s)\n", ag.Confidence, ag.Strength)
	fmt.Fprintf(&b, "Price: %.4f\n", ag.Price)
	fmt.Fprintf(&b, "Position: %.2f\n", ag.PositionSize)
	if ag.StopLoss > 0 || ag.TakeProfit > 0 {
		fmt.Fprintf(&b, "SL %.4f / TP %.4f\n", ag.StopLoss, ag.TakeProfit)
	}
	if len(ag.Contributors) > 0 {
		fmt.Fprintf(&b, "Via: %s\n", strings.Join(ag.Contributors, ", "))
	}
	fmt.Fprintf(&b, "_cycle %s_", ag.CycleID)
	return b.String()
}
