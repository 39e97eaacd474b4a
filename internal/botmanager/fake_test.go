package botmanager

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"clinicbot/internal/domain"
	"clinicbot/internal/linking"
	"clinicbot/internal/locale"
	"clinicbot/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeBot records outgoing calls and feeds updates from a channel.
type fakeBot struct {
	mu       sync.Mutex
	updates  chan tgbotapi.Update
	user     tgbotapi.User
	meErr    error
	sendErr  error
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	stops    int
}

func newFakeBot(username string) *fakeBot {
	return &fakeBot{
		updates: make(chan tgbotapi.Update, 16),
		user:    tgbotapi.User{ID: 1, IsBot: true, UserName: username},
	}
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

// StopReceivingUpdates panics on a second call, like the real client.
func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stops > 1 {
		panic("StopReceivingUpdates called twice")
	}
	close(f.updates)
}

func (f *fakeBot) GetMe() (tgbotapi.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, f.meErr
}

func (f *fakeBot) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeBot) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// messages returns the plain messages sent so far.
func (f *fakeBot) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeBot) requestsSnapshot() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.requests...)
}

// fakeDialer hands out one fakeBot per dial and counts dials per token.
// A token with a gate blocks in dial until the gate is closed.
type fakeDialer struct {
	mu    sync.Mutex
	bots  map[string]*fakeBot
	all   map[string][]*fakeBot
	dials map[string]int
	fail  map[string]error
	meErr map[string]error
	gates map[string]chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		bots:  make(map[string]*fakeBot),
		all:   make(map[string][]*fakeBot),
		dials: make(map[string]int),
		fail:  make(map[string]error),
		meErr: make(map[string]error),
		gates: make(map[string]chan struct{}),
	}
}

func (d *fakeDialer) dial(ctx context.Context, token string) (BotAPI, error) {
	d.mu.Lock()
	d.dials[token]++
	gate := d.gates[token]
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[token]; err != nil {
		return nil, err
	}
	b := newFakeBot("bot_" + token)
	b.meErr = d.meErr[token]
	d.bots[token] = b
	d.all[token] = append(d.all[token], b)
	return b, nil
}

// hold makes dials for token block until the returned release is called.
func (d *fakeDialer) hold(token string) (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gates[token] = gate
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// live returns the bots dialed for token that were never stopped.
func (d *fakeDialer) live(token string) []*fakeBot {
	d.mu.Lock()
	bots := append([]*fakeBot(nil), d.all[token]...)
	d.mu.Unlock()
	var out []*fakeBot
	for _, b := range bots {
		if b.stopCount() == 0 {
			out = append(out, b)
		}
	}
	return out
}

func (d *fakeDialer) bot(token string) *fakeBot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bots[token]
}

func (d *fakeDialer) dialCount(token string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[token]
}

var errDial = errors.New("dial refused")

type harness struct {
	store    *store.SQLiteStore
	dialer   *fakeDialer
	registry *Registry
	notifier *Notifier
	router   *Router
}

// newHarness wires a registry, notifier and router over a temporary SQLite
// store. Tenants A and B share token T1; C has its own token T3; D has none.
func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "clinicbot.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	d := newFakeDialer()
	reg := NewRegistry(RegistryConfig{Dial: d.dial, Store: st, Logger: logger})
	t.Cleanup(func() { reg.Close(context.Background()) })

	catalog := locale.MustDefault("en")
	n := NewNotifier(reg, st, catalog, nil, logger, nil)
	router := NewRouter(reg, n, linking.NewResolver(st, logger), st, catalog, logger)
	reg.SetHandler(router)

	h := &harness{store: st, dialer: d, registry: reg, notifier: n, router: router}
	h.seed(t)
	return h
}

func (h *harness) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, tn := range []domain.Tenant{
		{ID: "A", Name: "Alpha Dental", BotToken: "T1", OwnerPhone: "+998 93 555 00 00", Language: "en"},
		{ID: "B", Name: "Beta Clinic", BotToken: "T1", OwnerPhone: "998935551111", Language: "en"},
		{ID: "C", Name: "Gamma Smile", BotToken: "T3", OwnerPhone: "998935552222", Language: "en"},
		{ID: "D", Name: "Delta Care", Language: "en"},
	} {
		if err := h.store.CreateTenant(ctx, tn); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []domain.Identity{
		{ID: "pa", TenantID: "A", Kind: domain.KindPatient, Name: "Aziz", Phone: "998907776655", PublicKey: "key-a"},
		{ID: "pb", TenantID: "B", Kind: domain.KindPatient, Name: "Bobur", Phone: "998901112233", PublicKey: "key-b"},
		{ID: "pc", TenantID: "C", Kind: domain.KindPatient, Name: "Kamola", Phone: "998904443322", PublicKey: "key-c"},
	} {
		if err := h.store.CreateIdentity(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) start(t *testing.T, tenantID, token string) {
	t.Helper()
	if err := h.registry.Start(context.Background(), tenantID, token); err != nil {
		t.Fatalf("start %s on %s: %v", tenantID, token, err)
	}
}

func (h *harness) deliveries(t *testing.T, tenantID string) []domain.DeliveryLogEntry {
	t.Helper()
	entries, err := h.store.ListDeliveries(context.Background(), tenantID, 0)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func (h *harness) identityChat(t *testing.T, key string) string {
	t.Helper()
	ident, err := h.store.FindIdentityByKey(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	return ident.ChatID
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func commandMessage(chatID int64, text string, cmdLen int) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 10,
		From:      &tgbotapi.User{ID: chatID},
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}
}
