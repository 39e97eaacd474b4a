package botmanager

import (
	"context"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"clinicbot/internal/domain"
)

func link(token string, chatID int64, key string) domain.Inbound {
	return domain.Inbound{Token: token, FromID: chatID, ChatID: chatID, Event: domain.LinkEvent{Payload: key}}
}

func TestLink_BindsIdentityAndConfirms(t *testing.T) {
	h := newHarness(t)
	h.start(t, "C", "T3")

	h.router.Handle(context.Background(), link("T3", 300, "key-c"))

	if chat := h.identityChat(t, "key-c"); chat != "300" {
		t.Errorf("expected chat 300 bound, got %q", chat)
	}
	msgs := h.dialer.bot("T3").messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Kamola") || !strings.Contains(msgs[0].Text, "Gamma Smile") {
		t.Fatalf("unexpected confirmation %+v", msgs)
	}
	entries := h.deliveries(t, "C")
	if len(entries) != 1 || entries[0].Category != domain.CategoryLinkConfirmation || entries[0].IdentityID != "pc" {
		t.Errorf("unexpected delivery log %+v", entries)
	}
}

func TestLink_LastWriterWins(t *testing.T) {
	h := newHarness(t)
	h.start(t, "C", "T3")

	h.router.Handle(context.Background(), link("T3", 300, "key-c"))
	h.router.Handle(context.Background(), link("T3", 301, "key-c"))

	if chat := h.identityChat(t, "key-c"); chat != "301" {
		t.Errorf("expected latest chat 301, got %q", chat)
	}
}

func TestLink_UnknownKey(t *testing.T) {
	h := newHarness(t)
	h.start(t, "C", "T3")

	h.router.Handle(context.Background(), link("T3", 300, "no-such-key"))

	msgs := h.dialer.bot("T3").messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "No matching record") {
		t.Fatalf("expected not-found reply, got %+v", msgs)
	}
	if n := len(h.deliveries(t, "C")); n != 0 {
		t.Errorf("not-found replies are not deliveries, got %d", n)
	}
}

func TestLink_SharedBotIsScopedToItsTenants(t *testing.T) {
	h := newHarness(t)
	h.start(t, "A", "T1")
	h.start(t, "B", "T1")

	// key-c belongs to C, which is not on T1.
	h.router.Handle(context.Background(), link("T1", 300, "key-c"))

	if chat := h.identityChat(t, "key-c"); chat != "" {
		t.Errorf("out-of-scope identity must not be bound, got %q", chat)
	}

	h.router.Handle(context.Background(), link("T1", 301, "key-a"))
	if chat := h.identityChat(t, "key-a"); chat != "301" {
		t.Errorf("in-scope identity should be bound, got %q", chat)
	}
}

func TestLink_SingleTenantBotLooksUpGlobally(t *testing.T) {
	h := newHarness(t)
	h.start(t, "C", "T3")

	h.router.Handle(context.Background(), link("T3", 300, "key-a"))

	if chat := h.identityChat(t, "key-a"); chat != "300" {
		t.Errorf("expected global lookup to bind key-a, got %q", chat)
	}
	msgs := h.dialer.bot("T3").messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Alpha Dental") {
		t.Errorf("confirmation should name the identity's clinic: %+v", msgs)
	}
}

func TestLink_WithoutPayloadSendsContactPrompt(t *testing.T) {
	h := newHarness(t)
	h.start(t, "C", "T3")

	h.router.Handle(context.Background(), link("T3", 300, ""))

	msgs := h.dialer.bot("T3").messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	kb, ok := msgs[0].ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	if !ok || !kb.Keyboard[0][0].RequestContact {
		t.Errorf("expected a request-contact keyboard, got %#v", msgs[0].ReplyMarkup)
	}
}

func TestHelpCommandRepeatsPrompt(t *testing.T) {
	h := newHarness(t)
	h.start(t, "C", "T3")

	h.router.Handle(context.Background(), domain.Inbound{Token: "T3", ChatID: 9, Event: domain.CommandEvent{Name: "help"}})
	h.router.Handle(context.Background(), domain.Inbound{Token: "T3", ChatID: 9, Event: domain.CommandEvent{Name: "unknown"}})
	h.router.Handle(context.Background(), domain.Inbound{Token: "T3", ChatID: 9, Event: domain.OtherEvent{}})

	if n := len(h.dialer.bot("T3").messages()); n != 1 {
		t.Errorf("expected only the help prompt, got %d messages", n)
	}
}

func TestContact_OwnerBecomesAdmin(t *testing.T) {
	h := newHarness(t)
	h.start(t, "A", "T1")
	h.start(t, "B", "T1")
	ctx := context.Background()

	h.router.Handle(ctx, domain.Inbound{Token: "T1", ChatID: 900, Event: domain.ContactEvent{Phone: "998935550000"}})

	a, err := h.store.GetTenant(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if a.AdminChatID != "900" {
		t.Errorf("expected A admin chat 900, got %q", a.AdminChatID)
	}
	b, _ := h.store.GetTenant(ctx, "B")
	if b.AdminChatID != "" {
		t.Errorf("B admin must stay unset, got %q", b.AdminChatID)
	}
	entries := h.deliveries(t, "A")
	if len(entries) != 1 || entries[0].Category != domain.CategoryAdminLink {
		t.Errorf("unexpected log %+v", entries)
	}
}

func TestContact_FormattingDoesNotMatter(t *testing.T) {
	for _, phone := range []string{"+998 90 111 22 33", "998901112233", "901112233"} {
		t.Run(phone, func(t *testing.T) {
			h := newHarness(t)
			h.start(t, "B", "T1")

			h.router.Handle(context.Background(), domain.Inbound{Token: "T1", ChatID: 55, Event: domain.ContactEvent{Phone: phone}})

			if chat := h.identityChat(t, "key-b"); chat != "55" {
				t.Errorf("expected bind for %q, got %q", phone, chat)
			}
		})
	}
}

func TestContact_NoMatch(t *testing.T) {
	h := newHarness(t)
	h.start(t, "B", "T1")

	h.router.Handle(context.Background(), domain.Inbound{Token: "T1", ChatID: 55, Event: domain.ContactEvent{Phone: "+1 555 0100"}})

	msgs := h.dialer.bot("T1").messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "No matching record") {
		t.Fatalf("expected not-found reply, got %+v", msgs)
	}
	if n := len(h.deliveries(t, "B")); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func callback(token string, chatID int64, data string) domain.Inbound {
	return domain.Inbound{Token: token, ChatID: chatID, Event: domain.CallbackEvent{ID: "cb-1", Data: data, MessageID: 77}}
}

func TestCallback_RatingUpsert(t *testing.T) {
	h := newHarness(t)
	h.start(t, "B", "T1")
	ctx := context.Background()

	h.router.Handle(ctx, callback("T1", 42, "rate:3:appt-1"))
	h.router.Handle(ctx, callback("T1", 42, "rate:5:appt-1"))

	r, err := h.store.GetRating(ctx, "appt-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Value != 5 || r.ChatID != "42" {
		t.Errorf("expected rating 5 from chat 42, got %+v", r)
	}

	var acks, edits int
	for _, c := range h.dialer.bot("T1").requestsSnapshot() {
		switch v := c.(type) {
		case tgbotapi.CallbackConfig:
			acks++
			if v.CallbackQueryID != "cb-1" || v.Text != "Rating saved" {
				t.Errorf("unexpected ack %+v", v)
			}
		case tgbotapi.EditMessageTextConfig:
			edits++
			if v.MessageID != 77 || !strings.Contains(v.Text, "⭐") {
				t.Errorf("unexpected edit %+v", v)
			}
		}
	}
	if acks != 2 || edits != 2 {
		t.Errorf("expected 2 acks and 2 edits, got %d and %d", acks, edits)
	}
}

func TestCallback_AlwaysAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.start(t, "B", "T1")
	ctx := context.Background()

	h.router.Handle(ctx, callback("T1", 42, "rate:9:appt-1"))
	h.router.Handle(ctx, callback("T1", 42, "visit:yes"))

	reqs := h.dialer.bot("T1").requestsSnapshot()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 acknowledgements and no edits, got %d requests", len(reqs))
	}
	bad := reqs[0].(tgbotapi.CallbackConfig)
	if !strings.Contains(bad.Text, "Something went wrong") {
		t.Errorf("expected failure toast, got %q", bad.Text)
	}
	if other := reqs[1].(tgbotapi.CallbackConfig); other.Text != "" {
		t.Errorf("expected silent ack for non-rating data, got %q", other.Text)
	}
	if _, err := h.store.GetRating(ctx, "appt-1"); err == nil {
		t.Error("malformed rating must not be stored")
	}
}

func TestDebugCommand(t *testing.T) {
	h := newHarness(t)
	h.start(t, "A", "T1")
	h.start(t, "B", "T1")
	eventually(t, func() bool {
		_, ok := h.registry.DisplayName("A")
		return ok
	})

	h.router.Handle(context.Background(), domain.Inbound{Token: "T1", ChatID: 1, Event: domain.CommandEvent{Name: "debug"}})

	msgs := h.dialer.bot("T1").messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(msgs))
	}
	for _, want := range []string{"@bot_T1", "Alpha Dental", "Beta Clinic"} {
		if !strings.Contains(msgs[0].Text, want) {
			t.Errorf("debug reply missing %q: %q", want, msgs[0].Text)
		}
	}
}

func TestHandle_StoppedSessionIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t, "C", "T3")
	bot := h.dialer.bot("T3")
	if err := h.registry.Stop(context.Background(), "C"); err != nil {
		t.Fatal(err)
	}

	h.router.Handle(context.Background(), link("T3", 300, "key-c"))

	if chat := h.identityChat(t, "key-c"); chat != "" {
		t.Errorf("events after teardown must not bind, got %q", chat)
	}
	if n := len(bot.messages()); n != 0 {
		t.Errorf("expected no replies, got %d", n)
	}
}

func TestCallback_AcknowledgedWhenTenantLookupFails(t *testing.T) {
	h := newHarness(t)
	h.start(t, "B", "T1")
	h.store.Close()

	h.router.Handle(context.Background(), callback("T1", 42, "rate:5:appt-1"))

	bot := h.dialer.bot("T1")
	reqs := bot.requestsSnapshot()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 acknowledgement, got %d requests", len(reqs))
	}
	ack, ok := reqs[0].(tgbotapi.CallbackConfig)
	if !ok || ack.CallbackQueryID != "cb-1" || !strings.Contains(ack.Text, "Something went wrong") {
		t.Errorf("expected failure toast, got %+v", reqs[0])
	}
	if n := len(bot.messages()); n != 0 {
		t.Errorf("callback failures are answered by toast only, got %d messages", n)
	}
}

func TestCallback_AcknowledgedWithoutStoredTenant(t *testing.T) {
	h := newHarness(t)
	// D has no token on record, as in the window before the API stores it.
	h.start(t, "D", "T9")

	h.router.Handle(context.Background(), callback("T9", 42, "rate:5:appt-1"))

	reqs := h.dialer.bot("T9").requestsSnapshot()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 acknowledgement, got %d requests", len(reqs))
	}
	if _, ok := reqs[0].(tgbotapi.CallbackConfig); !ok {
		t.Errorf("expected callback acknowledgement, got %T", reqs[0])
	}
}

func TestCallback_RatingSaveFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t, "B", "T1")
	ctx := context.Background()
	if _, err := h.store.DB().Exec("DROP TABLE ratings"); err != nil {
		t.Fatal(err)
	}

	h.router.Handle(ctx, callback("T1", 42, "rate:4:appt-2"))

	reqs := h.dialer.bot("T1").requestsSnapshot()
	if len(reqs) != 1 {
		t.Fatalf("expected only the acknowledgement, got %d requests", len(reqs))
	}
	ack, ok := reqs[0].(tgbotapi.CallbackConfig)
	if !ok || !strings.Contains(ack.Text, "Something went wrong") {
		t.Errorf("expected failure toast, got %+v", reqs[0])
	}
}

func TestContact_SharedBotLinksEveryMatch(t *testing.T) {
	h := newHarness(t)
	h.start(t, "A", "T1")
	h.start(t, "B", "T1")
	ctx := context.Background()
	// The same person is a patient of both clinics on the shared bot.
	err := h.store.CreateIdentity(ctx, domain.Identity{
		ID: "pa2", TenantID: "A", Kind: domain.KindPatient, Name: "Bobur", Phone: "+998 90 111 22 33", PublicKey: "key-a2",
	})
	if err != nil {
		t.Fatal(err)
	}

	h.router.Handle(ctx, domain.Inbound{Token: "T1", ChatID: 321, Event: domain.ContactEvent{Phone: "998901112233"}})

	if got := h.identityChat(t, "key-a2"); got != "321" {
		t.Errorf("identity under A: expected chat 321, got %q", got)
	}
	if got := h.identityChat(t, "key-b"); got != "321" {
		t.Errorf("identity under B: expected chat 321, got %q", got)
	}

	var texts []string
	for _, m := range h.dialer.bot("T1").messages() {
		texts = append(texts, m.Text)
	}
	if len(texts) != 2 {
		t.Fatalf("expected 2 confirmations, got %q", texts)
	}
	for _, clinic := range []string{"Alpha Dental", "Beta Clinic"} {
		found := 0
		for _, text := range texts {
			if strings.Contains(text, clinic) {
				found++
			}
		}
		if found != 1 {
			t.Errorf("expected one confirmation naming %s, got %q", clinic, texts)
		}
	}
	for _, id := range []string{"A", "B"} {
		entries := h.deliveries(t, id)
		if len(entries) != 1 || entries[0].Category != domain.CategoryLinkConfirmation {
			t.Errorf("tenant %s: unexpected log %+v", id, entries)
		}
	}
}
