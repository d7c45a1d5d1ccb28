package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/signal"
)

// DiscordConfig points a channel at one Discord webhook.
type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
	AvatarURL  string `yaml:"avatar_url"`
}

// discordPayload is the webhook message body.
type discordPayload struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Content   string         `json:"content,omitempty"`
	Embeds    []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      *discordFooter      `json:"footer,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text,omitempty"`
}

// Embed colors per direction.
const (
	discordGreen = 0x2ECC71
	discordRed   = 0xE74C3C
	discordGray  = 0x95A5A6
)

// DiscordChannel posts aggregated signals to a Discord webhook as one
// embed per signal.
type DiscordChannel struct {
	id     string
	cfg    DiscordConfig
	filter Filter
	client *http.Client
	log    zerolog.Logger
}

// NewDiscordChannel validates the webhook URL and builds the channel.
// Non-Discord hosts are accepted so proxies and tests can stand in for
// the real endpoint.
func NewDiscordChannel(id string, cfg DiscordConfig, filter Filter, logger zerolog.Logger) (*DiscordChannel, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("alerts: discord channel %s needs a webhook_url", id)
	}
	u, err := url.Parse(cfg.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("alerts: discord channel %s: webhook_url %q is not an http(s) URL", id, cfg.WebhookURL)
	}
	if filter == nil {
		filter = DefaultFilter()
	}
	return &DiscordChannel{
		id:     id,
		cfg:    cfg,
		filter: filter,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    logger.With().Str("channel", id).Str("kind", "discord").Logger(),
	}, nil
}

func (c *DiscordChannel) ID() string   { return c.id }
func (c *DiscordChannel) Kind() string { return "discord" }

func (c *DiscordChannel) Filter(ag signal.AggregatedSignal) bool { return c.filter(ag) }

// Deliver posts one embed. Any non-2xx response is a failure so the
// dispatcher's retry policy applies.
func (c *DiscordChannel) Deliver(ctx context.Context, ag signal.AggregatedSignal) error {
	payload := discordPayload{
		Username:  c.cfg.Username,
		AvatarURL: c.cfg.AvatarURL,
		Embeds:    []discordEmbed{buildDiscordEmbed(ag)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}

	c.log.Debug().Str("asset", ag.AssetID).Str("direction", string(ag.Direction)).
		Int("status", resp.StatusCode).Msg("Discord alert sent")
	return nil
}

func buildDiscordEmbed(ag signal.AggregatedSignal) discordEmbed {
	embed := discordEmbed{
		Title:     fmt.Sprintf("%s %s: %s", directionEmoji(ag.Direction), ag.Direction, ag.AssetID),
		Color:     directionColor(ag.Direction),
		Timestamp: time.UnixMilli(ag.Timestamp).UTC().Format(time.RFC3339),
		Footer:    &discordFooter{Text: fmt.Sprintf("driftline · cycle %s", ag.CycleID)},
	}
	embed.Fields = []discordEmbedField{
		{Name: "Confidence", Value: fmt.Sprintf("%.2f (%s)", ag.Confidence, ag.Strength), Inline: true},
		{Name: "Price", Value: fmt.Sprintf("%.4f", ag.Price), Inline: true},
		{Name: "Position", Value: fmt.Sprintf("%.2f", ag.PositionSize), Inline: true},
	}
	if ag.StopLoss > 0 || ag.TakeProfit > 0 {
		embed.Fields = append(embed.Fields, discordEmbedField{
			Name:   "Stops",
			Value:  fmt.Sprintf("SL %.4f / TP %.4f", ag.StopLoss, ag.TakeProfit),
			Inline: true,
		})
	}
	if len(ag.Contributors) > 0 {
		embed.Fields = append(embed.Fields, discordEmbedField{
			Name:  "Contributors",
			Value: strings.Join(ag.Contributors, ", "),
		})
	}
	return embed
}

func directionEmoji(d signal.Direction) string {
	switch d {
	case signal.Long:
		return "📈"
	case signal.Short:
		return "📉"
	default:
		return "➖"
	}
}

func directionColor(d signal.Direction) int {
	switch d {
	case signal.Long:
		return discordGreen
	case signal.Short:
		return discordRed
	default:
		return discordGray
	}
}
