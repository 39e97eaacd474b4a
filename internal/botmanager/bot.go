// Package botmanager runs one long-polling Telegram session per bot token,
// routes inbound updates to the tenants sharing that token, and delivers
// outbound notifications with a delivery log.
package botmanager

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"clinicbot/internal/domain"
	"clinicbot/internal/linking"
)

// BotAPI is the subset of *tgbotapi.BotAPI a session uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetMe() (tgbotapi.User, error)
}

var _ BotAPI = (*tgbotapi.BotAPI)(nil)

// Dialer opens a bot connection for token.
type Dialer func(ctx context.Context, token string) (BotAPI, error)

// NewDialer returns a Dialer for the Telegram Bot API. endpoint may be empty
// for the public API; it takes the tgbotapi format with two %s verbs.
func NewDialer(endpoint string, timeout time.Duration) Dialer {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return func(ctx context.Context, token string) (BotAPI, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// The HTTP timeout must outlast the long-poll timeout.
		client := &http.Client{Timeout: timeout}
		bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
		if err != nil {
			return nil, fmt.Errorf("telegram bot init: %w", err)
		}
		return bot, nil
	}
}

// Store is the persistence the bot manager needs.
type Store interface {
	linking.Store
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	ListTenantsByToken(ctx context.Context, token string) ([]domain.Tenant, error)
	ListTenantsWithToken(ctx context.Context) ([]domain.Tenant, error)
	UpsertRating(ctx context.Context, r domain.Rating) error
	AppendDeliveryLog(ctx context.Context, e domain.DeliveryLogEntry) error
}
