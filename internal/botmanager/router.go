package botmanager

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"clinicbot/internal/domain"
	"clinicbot/internal/linking"
	"clinicbot/internal/locale"
)

// Router handles inbound events for every session.
type Router struct {
	registry *Registry
	notifier *Notifier
	resolver *linking.Resolver
	store    Store
	catalog  *locale.Catalog
	logger   *slog.Logger
	now      func() time.Time
}

func NewRouter(registry *Registry, notifier *Notifier, resolver *linking.Resolver, store Store, catalog *locale.Catalog, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		notifier: notifier,
		resolver: resolver,
		store:    store,
		catalog:  catalog,
		logger:   logger.With("component", "router"),
		now:      time.Now,
	}
}

// Handle implements Handler.
func (r *Router) Handle(ctx context.Context, in domain.Inbound) {
	s, ok := r.registry.sessionForToken(in.Token)
	if !ok {
		return
	}
	// Every callback is answered, or the client keeps its spinner.
	if e, ok := in.Event.(domain.CallbackEvent); ok {
		ack := r.catalog.T("", locale.GenericError)
		defer func() { r.acknowledge(s, e.ID, ack) }()
		tenants, err := r.tenantsOn(ctx, in.Token)
		if err != nil {
			r.logger.Error("load tenants for bot", "err", err)
			return
		}
		if len(tenants) == 0 {
			r.logger.Warn("callback on bot with no stored tenant", "chat_id", in.ChatID)
			return
		}
		ack = r.handleCallback(ctx, s, in.ChatID, e, tenants)
		return
	}

	tenants, err := r.tenantsOn(ctx, in.Token)
	if err != nil {
		r.logger.Error("load tenants for bot", "err", err)
		r.notifier.reply(ctx, s, tgbotapi.NewMessage(in.ChatID, r.catalog.T("", locale.GenericError)))
		return
	}
	if len(tenants) == 0 {
		return
	}

	switch e := in.Event.(type) {
	case domain.LinkEvent:
		if e.Payload == "" {
			r.sendContactPrompt(ctx, s, in.ChatID, tenants)
			return
		}
		r.handleLink(ctx, s, in.ChatID, e.Payload, tenants)
	case domain.ContactEvent:
		r.handleContact(ctx, s, in.ChatID, e.Phone, tenants)
	case domain.CallbackEvent:
		// answered above
	case domain.CommandEvent:
		switch e.Name {
		case "debug":
			r.handleDebug(ctx, s, in.ChatID, tenants)
		case "help":
			r.sendContactPrompt(ctx, s, in.ChatID, tenants)
		}
	case domain.OtherEvent:
	}
}

// tenantsOn returns the tenant records configured with token that are
// currently bound to its session.
func (r *Router) tenantsOn(ctx context.Context, token string) ([]domain.Tenant, error) {
	stored, err := r.store.ListTenantsByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	live := linking.NewScope(r.registry.TenantsOn(token)...)
	tenants := stored[:0]
	for _, t := range stored {
		if live.Contains(t.ID) {
			tenants = append(tenants, t)
		}
	}
	return tenants, nil
}

func (r *Router) handleLink(ctx context.Context, s *session, chatID int64, key string, tenants []domain.Tenant) {
	lang := tenants[0].Language

	ident, err := r.resolver.ResolveByKey(ctx, key)
	if err != nil {
		r.logger.Error("resolve link key", "err", err)
		r.notifier.reply(ctx, s, tgbotapi.NewMessage(chatID, r.catalog.T(lang, locale.GenericError)))
		return
	}
	// A shared bot only links identities of its own tenants.
	if ident != nil && len(tenants) > 1 && !linking.ScopeOf(tenants).Contains(ident.TenantID) {
		ident = nil
	}
	if ident == nil {
		r.notifier.reply(ctx, s, tgbotapi.NewMessage(chatID, r.catalog.T(lang, locale.NotFound)))
		return
	}

	tenant, err := r.store.GetTenant(ctx, ident.TenantID)
	if err == nil {
		err = r.resolver.Bind(ctx, ident, strconv.FormatInt(chatID, 10))
	}
	if err != nil {
		r.logger.Error("link identity", "identity_id", ident.ID, "err", err)
		r.notifier.reply(ctx, s, tgbotapi.NewMessage(chatID, r.catalog.T(lang, locale.GenericError)))
		return
	}

	text := r.catalog.T(tenant.Language, locale.LinkSuccess, "name", ident.Name, "clinic", tenant.Name)
	r.notifier.confirm(ctx, s, tenant.ID, ident.ID, domain.CategoryLinkConfirmation, chatID, text)
}

func (r *Router) handleContact(ctx context.Context, s *session, chatID int64, phone string, tenants []domain.Tenant) {
	lang := tenants[0].Language
	address := strconv.FormatInt(chatID, 10)
	linked := 0

	for _, t := range linking.ResolveOwners(tenants, phone) {
		if err := r.resolver.BindAdmin(ctx, &t, address); err != nil {
			r.logger.Error("link tenant admin", "tenant_id", t.ID, "err", err)
			continue
		}
		linked++
		text := r.catalog.T(t.Language, locale.AdminLinked, "clinic", t.Name)
		r.notifier.confirm(ctx, s, t.ID, "", domain.CategoryAdminLink, chatID, text)
	}

	idents, err := r.resolver.ResolveByPhone(ctx, linking.ScopeOf(tenants), phone)
	if err != nil {
		r.logger.Error("resolve contact phone", "err", err)
		if linked == 0 {
			r.notifier.reply(ctx, s, tgbotapi.NewMessage(chatID, r.catalog.T(lang, locale.GenericError)))
		}
		return
	}

	byID := make(map[string]domain.Tenant, len(tenants))
	for _, t := range tenants {
		byID[t.ID] = t
	}
	for i := range idents {
		ident := &idents[i]
		if err := r.resolver.Bind(ctx, ident, address); err != nil {
			r.logger.Error("link identity", "identity_id", ident.ID, "err", err)
			continue
		}
		linked++
		t := byID[ident.TenantID]
		text := r.catalog.T(t.Language, locale.IdentityLinked, "name", ident.Name, "clinic", t.Name)
		r.notifier.confirm(ctx, s, t.ID, ident.ID, domain.CategoryLinkConfirmation, chatID, text)
	}

	if linked == 0 {
		msg := tgbotapi.NewMessage(chatID, r.catalog.T(lang, locale.NotFound))
		msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
		r.notifier.reply(ctx, s, msg)
	}
}

// handleCallback processes a callback query and returns the acknowledgement
// text. Non-rating data is acknowledged silently.
func (r *Router) handleCallback(ctx context.Context, s *session, chatID int64, e domain.CallbackEvent, tenants []domain.Tenant) string {
	lang := tenants[0].Language

	value, refID, isRating, err := ParseRatingData(e.Data)
	if !isRating {
		return ""
	}
	if err != nil {
		r.logger.Warn("bad rating callback", "err", err)
		return r.catalog.T(lang, locale.GenericError)
	}

	err = r.store.UpsertRating(ctx, domain.Rating{
		ReferenceID: refID,
		Value:       value,
		ChatID:      strconv.FormatInt(chatID, 10),
		UpdatedAt:   r.now().UTC(),
	})
	if err != nil {
		r.logger.Error("save rating", "reference_id", refID, "err", err)
		return r.catalog.T(lang, locale.GenericError)
	}

	edit := tgbotapi.NewEditMessageText(chatID, e.MessageID, r.catalog.T(lang, locale.RatingThanks, "stars", locale.Stars(value)))
	if _, err := s.bot.Request(edit); err != nil {
		r.logger.Warn("edit rating message failed", "err", err)
	}
	return r.catalog.T(lang, locale.RatingSaved)
}

func (r *Router) acknowledge(s *session, callbackID, text string) {
	if _, err := s.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		r.logger.Warn("callback acknowledge failed", "err", err)
	}
}

func (r *Router) handleDebug(ctx context.Context, s *session, chatID int64, tenants []domain.Tenant) {
	name, ok := r.registry.DisplayName(tenants[0].ID)
	if !ok {
		name = "?"
	}
	names := make([]string, 0, len(tenants))
	for _, t := range tenants {
		names = append(names, t.Name)
	}
	text := r.catalog.T(tenants[0].Language, locale.DebugInfo, "bot", name, "clinics", strings.Join(names, ", "))
	r.notifier.reply(ctx, s, tgbotapi.NewMessage(chatID, text))
}

func (r *Router) sendContactPrompt(ctx context.Context, s *session, chatID int64, tenants []domain.Tenant) {
	lang := tenants[0].Language
	keyboard := tgbotapi.NewReplyKeyboard(tgbotapi.NewKeyboardButtonRow(
		tgbotapi.NewKeyboardButtonContact(r.catalog.T(lang, locale.ShareContactButton)),
	))
	keyboard.OneTimeKeyboard = true

	msg := tgbotapi.NewMessage(chatID, r.catalog.T(lang, locale.ContactPrompt))
	msg.ReplyMarkup = keyboard
	r.notifier.reply(ctx, s, msg)
}

var _ Handler = (*Router)(nil)
