package botmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"clinicbot/internal/bus"
	"clinicbot/internal/domain"
	"clinicbot/internal/locale"
	"clinicbot/internal/metrics"
)

// Choice is one inline button of a prompt. Data is returned in the callback.
type Choice struct {
	Label string
	Data  string
}

// Prompt is a message with a single row of inline buttons.
type Prompt struct {
	TenantID   string
	IdentityID string
	ChatID     string
	Text       string
	Choices    []Choice
}

// Notifier delivers outbound messages through the tenant's live session.
// Every attempt made through a live session is recorded in the delivery log;
// nothing is retried.
type Notifier struct {
	registry *Registry
	store    Store
	catalog  *locale.Catalog
	queue    *bus.Queue
	logger   *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

func NewNotifier(registry *Registry, store Store, catalog *locale.Catalog, queue *bus.Queue, logger *slog.Logger, m *metrics.Collector) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		registry: registry,
		store:    store,
		catalog:  catalog,
		queue:    queue,
		logger:   logger.With("component", "notifier"),
		metrics:  m,
		now:      time.Now,
	}
}

// delivery is one outbound attempt and the log entry it produces.
type delivery struct {
	tenantID   string
	identityID string
	category   domain.DeliveryCategory
	chatID     string
	payload    string
	build      func(chatID int64) tgbotapi.Chattable
}

// Send delivers text to chatID through tenantID's bot. It reports false with
// a nil error when the tenant has no live session.
func (n *Notifier) Send(ctx context.Context, tenantID, chatID, text string) (bool, error) {
	s, ok := n.registry.sessionForTenant(tenantID)
	if !ok {
		return false, nil
	}
	return n.deliver(ctx, s, delivery{
		tenantID: tenantID,
		category: domain.CategoryMessage,
		chatID:   chatID,
		payload:  text,
		build: func(id int64) tgbotapi.Chattable {
			return tgbotapi.NewMessage(id, text)
		},
	})
}

// SendPrompt delivers p with its inline buttons. Same contract as Send.
func (n *Notifier) SendPrompt(ctx context.Context, p Prompt) (bool, error) {
	s, ok := n.registry.sessionForTenant(p.TenantID)
	if !ok {
		return false, nil
	}
	return n.deliver(ctx, s, delivery{
		tenantID:   p.TenantID,
		identityID: p.IdentityID,
		category:   domain.CategoryPrompt,
		chatID:     p.ChatID,
		payload:    p.Text,
		build: func(id int64) tgbotapi.Chattable {
			msg := tgbotapi.NewMessage(id, p.Text)
			if len(p.Choices) > 0 {
				row := make([]tgbotapi.InlineKeyboardButton, 0, len(p.Choices))
				for _, c := range p.Choices {
					row = append(row, tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Data))
				}
				msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
			}
			return msg
		},
	})
}

// SendRatingPrompt asks chatID to rate the visit refID with 1..5 stars, in
// the tenant's language.
func (n *Notifier) SendRatingPrompt(ctx context.Context, tenantID, chatID, refID, identityName string) (bool, error) {
	if refID == "" {
		return false, errors.New("rating reference id is required")
	}
	if len(RatingData(5, refID)) > maxCallbackData {
		return false, fmt.Errorf("rating reference id %q too long", refID)
	}
	if _, ok := n.registry.sessionForTenant(tenantID); !ok {
		return false, nil
	}
	t, err := n.store.GetTenant(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("get tenant: %w", err)
	}

	choices := make([]Choice, 0, 5)
	for v := 1; v <= 5; v++ {
		choices = append(choices, Choice{Label: strconv.Itoa(v) + " ⭐", Data: RatingData(v, refID)})
	}
	return n.SendPrompt(ctx, Prompt{
		TenantID: tenantID,
		ChatID:   chatID,
		Text:     n.catalog.T(t.Language, locale.RatingPrompt, "name", identityName, "clinic", t.Name),
		Choices:  choices,
	})
}

// NotifyAdmin sends text to the tenant's administrator chat. It reports
// false when no administrator is linked.
func (n *Notifier) NotifyAdmin(ctx context.Context, tenantID, text string) (bool, error) {
	t, err := n.store.GetTenant(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("get tenant: %w", err)
	}
	if t.AdminChatID == "" {
		return false, nil
	}
	return n.Send(ctx, tenantID, t.AdminChatID, text)
}

// SendAsync queues Send. It reports whether the task was queued.
func (n *Notifier) SendAsync(tenantID, chatID, text string) bool {
	return n.submit("send", func(ctx context.Context) (bool, error) {
		return n.Send(ctx, tenantID, chatID, text)
	})
}

// SendRatingPromptAsync queues SendRatingPrompt.
func (n *Notifier) SendRatingPromptAsync(tenantID, chatID, refID, identityName string) bool {
	return n.submit("rating_prompt", func(ctx context.Context) (bool, error) {
		return n.SendRatingPrompt(ctx, tenantID, chatID, refID, identityName)
	})
}

// NotifyAdminAsync queues NotifyAdmin.
func (n *Notifier) NotifyAdminAsync(tenantID, text string) bool {
	return n.submit("notify_admin", func(ctx context.Context) (bool, error) {
		return n.NotifyAdmin(ctx, tenantID, text)
	})
}

func (n *Notifier) submit(name string, send func(ctx context.Context) (bool, error)) bool {
	if n.queue == nil {
		n.logger.Error("async send without a queue", "task", name)
		return false
	}
	return n.queue.Submit(bus.Task{Name: name, Run: func(ctx context.Context) error {
		_, err := send(ctx)
		return err
	}})
}

// confirm sends a logged reply on session s, used for link confirmations.
func (n *Notifier) confirm(ctx context.Context, s *session, tenantID, identityID string, category domain.DeliveryCategory, chatID int64, text string) {
	_, err := n.deliver(ctx, s, delivery{
		tenantID:   tenantID,
		identityID: identityID,
		category:   category,
		chatID:     strconv.FormatInt(chatID, 10),
		payload:    text,
		build: func(id int64) tgbotapi.Chattable {
			msg := tgbotapi.NewMessage(id, text)
			msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
			return msg
		},
	})
	if err != nil {
		n.logger.Warn("link confirmation failed", "tenant_id", tenantID, "chat_id", chatID, "err", err)
	}
}

// reply sends an unlogged service message (prompts, not-found notices).
func (n *Notifier) reply(ctx context.Context, s *session, c tgbotapi.Chattable) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := s.bot.Send(c); err != nil {
		n.logger.Warn("telegram reply failed", "err", err)
	}
}

func (n *Notifier) deliver(ctx context.Context, s *session, d delivery) (bool, error) {
	start := time.Now()
	err := n.attempt(ctx, s, d)

	entry := domain.DeliveryLogEntry{
		ID:         uuid.NewString(),
		TenantID:   d.tenantID,
		IdentityID: d.identityID,
		Category:   d.category,
		Status:     domain.DeliverySent,
		ChatID:     d.chatID,
		Payload:    d.payload,
		CreatedAt:  n.now().UTC(),
	}
	if err != nil {
		entry.Status = domain.DeliveryFailed
		entry.Error = err.Error()
	}
	if logErr := n.store.AppendDeliveryLog(context.WithoutCancel(ctx), entry); logErr != nil {
		n.logger.Error("delivery log write failed", "tenant_id", d.tenantID, "err", logErr)
	}
	n.metrics.Delivery(string(d.category), string(entry.Status), time.Since(start))

	if err != nil {
		n.logger.Warn("delivery failed",
			"tenant_id", d.tenantID,
			"chat_id", d.chatID,
			"category", d.category,
			"err", err,
		)
		return false, err
	}
	return true, nil
}

func (n *Notifier) attempt(ctx context.Context, s *session, d delivery) error {
	id, err := strconv.ParseInt(d.chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", d.chatID)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if _, err := s.bot.Send(d.build(id)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
