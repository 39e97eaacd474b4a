package botmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"clinicbot/internal/config"
	"clinicbot/internal/domain"
	"clinicbot/internal/metrics"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("bot registry closed")

// Handler receives classified inbound events. Calls for one session are
// sequential and in arrival order.
type Handler interface {
	Handle(ctx context.Context, in domain.Inbound)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in domain.Inbound)

func (f HandlerFunc) Handle(ctx context.Context, in domain.Inbound) { f(ctx, in) }

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Dial        Dialer
	Store       Store
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	PollTimeout int        // long-poll timeout in seconds
	SendRate    rate.Limit // outbound messages per second per session
	SendBurst   int
}

// session is one live bot connection. name and tenants are guarded by the
// registry mutex.
type session struct {
	token    string
	bot      BotAPI
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	stopOnce sync.Once
	name     string
	tenants  map[string]struct{}
}

func (s *session) stop() {
	s.cancel()
	s.stopOnce.Do(s.bot.StopReceivingUpdates)
}

// SessionInfo describes a live session for operators. Token is masked.
type SessionInfo struct {
	Token       string   `json:"token"`
	DisplayName string   `json:"display_name,omitempty"`
	Tenants     []string `json:"tenants"`
	RefCount    int      `json:"ref_count"`
}

// Registry owns the live sessions. There is at most one session per token;
// tenants sharing a token share its session, and the session is torn down
// when the last tenant is stopped.
type Registry struct {
	dial        Dialer
	store       Store
	logger      *slog.Logger
	metrics     *metrics.Collector
	pollTimeout int
	sendRate    rate.Limit
	sendBurst   int

	root       context.Context
	cancelRoot context.CancelFunc
	wg         sync.WaitGroup

	dials singleflight.Group // token -> in-flight connect

	mu       sync.Mutex
	handler  Handler
	sessions map[string]*session // token -> session
	bindings map[string]string   // tenantID -> token
	closed   bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = rate.Inf
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	root, cancel := context.WithCancel(context.Background())
	return &Registry{
		dial:        cfg.Dial,
		store:       cfg.Store,
		logger:      cfg.Logger.With("component", "registry"),
		metrics:     cfg.Metrics,
		pollTimeout: cfg.PollTimeout,
		sendRate:    cfg.SendRate,
		sendBurst:   cfg.SendBurst,
		root:        root,
		cancelRoot:  cancel,
		sessions:    make(map[string]*session),
		bindings:    make(map[string]string),
	}
}

// SetHandler sets the inbound event handler. Sessions started before the
// call drop their events.
func (r *Registry) SetHandler(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// dialResult is a connection shared by concurrent Starts for one token.
// claimed is guarded by the registry mutex.
type dialResult struct {
	bot     BotAPI
	claimed bool
}

// Start binds tenantID to token, connecting a new session when no session
// for token exists. A failed connect leaves the registry unchanged. Starting
// the same tenant and token again is a no-op; starting a tenant on a new
// token releases its old binding.
//
// The connect runs without the registry lock held; concurrent Starts for one
// token share a single connect.
func (r *Registry) Start(ctx context.Context, tenantID, token string) error {
	token = strings.TrimSpace(token)
	if tenantID == "" || token == "" {
		return errors.New("tenant id and token are required")
	}

	for {
		r.mu.Lock()
		done, err := r.bindLocked(tenantID, token, nil)
		r.mu.Unlock()
		if done {
			return err
		}

		v, err, _ := r.dials.Do(token, func() (any, error) {
			bot, err := r.dial(ctx, token)
			if err != nil {
				return nil, err
			}
			return &dialResult{bot: bot}, nil
		})
		if err != nil {
			r.metrics.SessionStartFailed()
			r.logger.Error("bot connect failed", "tenant_id", tenantID, "token", config.MaskToken(token), "err", err)
			return fmt.Errorf("connect bot: %w", err)
		}

		r.mu.Lock()
		done, err = r.bindLocked(tenantID, token, v.(*dialResult))
		r.mu.Unlock()
		if done {
			return err
		}
		// The shared connection was opened and torn down again before this
		// caller got the lock; connect anew.
	}
}

// bindLocked binds tenantID to token if a session exists or dialed carries
// an unclaimed connection. It reports false when a connect is needed. An
// unclaimed connection that is not used is closed.
func (r *Registry) bindLocked(tenantID, token string, dialed *dialResult) (bool, error) {
	if r.closed {
		r.discardLocked(dialed)
		return true, ErrClosed
	}
	old, bound := r.bindings[tenantID]
	if bound && old == token {
		r.discardLocked(dialed)
		return true, nil
	}

	s, ok := r.sessions[token]
	switch {
	case ok:
		r.discardLocked(dialed)
	case dialed != nil && !dialed.claimed:
		dialed.claimed = true
		s = r.openLocked(token, dialed.bot)
	default:
		return false, nil
	}
	if bound {
		r.releaseLocked(tenantID, old)
	}

	s.tenants[tenantID] = struct{}{}
	r.bindings[tenantID] = token
	r.logger.Info("tenant bound to bot",
		"tenant_id", tenantID,
		"token", config.MaskToken(token),
		"ref_count", len(s.tenants),
	)
	return true, nil
}

func (r *Registry) discardLocked(dialed *dialResult) {
	if dialed == nil || dialed.claimed {
		return
	}
	dialed.claimed = true
	dialed.bot.StopReceivingUpdates()
}

// Stop releases tenantID's binding. The token comes from the live binding,
// falling back to the tenant record. Stopping an unbound tenant is a no-op.
func (r *Registry) Stop(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	token, ok := r.bindings[tenantID]
	r.mu.Unlock()

	if !ok {
		t, err := r.store.GetTenant(ctx, tenantID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("look up tenant token: %w", err)
		}
		token = t.BotToken
	}
	if token == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, live := r.sessions[token]; live {
		if _, member := s.tenants[tenantID]; member {
			r.releaseLocked(tenantID, token)
		}
	}
	return nil
}

func (r *Registry) openLocked(token string, bot BotAPI) *session {
	ctx, cancel := context.WithCancel(r.root)
	s := &session{
		token:   token,
		bot:     bot,
		limiter: rate.NewLimiter(r.sendRate, r.sendBurst),
		cancel:  cancel,
		tenants: make(map[string]struct{}),
	}
	r.sessions[token] = s

	u := tgbotapi.NewUpdate(0)
	u.Timeout = r.pollTimeout
	updates := bot.GetUpdatesChan(u)

	r.wg.Add(2)
	go r.receive(ctx, s, updates)
	go r.resolveName(s)

	r.metrics.SessionOpened()
	r.logger.Info("bot session opened", "token", config.MaskToken(token))
	return s
}

// releaseLocked removes tenantID from token's session and tears the session
// down when no tenant is left.
func (r *Registry) releaseLocked(tenantID, token string) {
	delete(r.bindings, tenantID)
	s, ok := r.sessions[token]
	if !ok {
		return
	}
	delete(s.tenants, tenantID)
	r.logger.Info("tenant released from bot",
		"tenant_id", tenantID,
		"token", config.MaskToken(token),
		"ref_count", len(s.tenants),
	)
	if len(s.tenants) == 0 {
		r.teardownLocked(s)
	}
}

func (r *Registry) teardownLocked(s *session) {
	delete(r.sessions, s.token)
	s.stop()
	r.metrics.SessionClosed()
	r.logger.Info("bot session closed", "token", config.MaskToken(s.token))
}

func (r *Registry) resolveName(s *session) {
	defer r.wg.Done()

	me, err := s.bot.GetMe()
	if err != nil {
		r.logger.Warn("bot display name lookup failed", "token", config.MaskToken(s.token), "err", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.token] == s {
		s.name = "@" + me.UserName
	}
}

func (r *Registry) receive(ctx context.Context, s *session, updates tgbotapi.UpdatesChannel) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			in, ok := classify(s.token, u)
			if !ok {
				continue
			}
			r.dispatch(ctx, in)
		}
	}
}

func (r *Registry) dispatch(ctx context.Context, in domain.Inbound) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("inbound handler panic", "kind", eventKind(in.Event), "chat_id", in.ChatID, "panic", rec)
		}
	}()
	r.metrics.InboundEvent(eventKind(in.Event))
	// Handling finishes even when the session stops mid-event.
	h.Handle(context.WithoutCancel(ctx), in)
}

// Bootstrap starts a session for every tenant with a configured token and
// returns how many tenants were bound. Individual failures are joined.
func (r *Registry) Bootstrap(ctx context.Context) (int, error) {
	tenants, err := r.store.ListTenantsWithToken(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants with token: %w", err)
	}
	var (
		started int
		errs    []error
	)
	for _, t := range tenants {
		if err := r.Start(ctx, t.ID, t.BotToken); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
			continue
		}
		started++
	}
	r.logger.Info("bot sessions bootstrapped", "tenants", started, "failed", len(errs))
	return started, errors.Join(errs...)
}

// Close stops every session and waits for their goroutines to exit or for
// ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, s := range r.sessions {
		r.teardownLocked(s)
	}
	clear(r.bindings)
	r.mu.Unlock()
	r.cancelRoot()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}

// DisplayName returns the cached @username of tenantID's bot.
func (r *Registry) DisplayName(tenantID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessionOfLocked(tenantID)
	if s == nil || s.name == "" {
		return "", false
	}
	return s.name, true
}

// DeepLink returns the t.me link that opens tenantID's bot with key as the
// /start payload.
func (r *Registry) DeepLink(tenantID, key string) (string, bool) {
	name, ok := r.DisplayName(tenantID)
	if !ok {
		return "", false
	}
	link := "https://t.me/" + strings.TrimPrefix(name, "@")
	if key != "" {
		link += "?start=" + url.QueryEscape(key)
	}
	return link, true
}

// RefCount returns the number of tenants bound to token.
func (r *Registry) RefCount(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[token]; ok {
		return len(s.tenants)
	}
	return 0
}

// TenantsOn returns the IDs of tenants bound to token, sorted.
func (r *Registry) TenantsOn(token string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return nil
	}
	return sortedKeys(s.tenants)
}

// Snapshot lists the live sessions ordered by display name.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for token, s := range r.sessions {
		out = append(out, SessionInfo{
			Token:       config.MaskToken(token),
			DisplayName: s.name,
			Tenants:     sortedKeys(s.tenants),
			RefCount:    len(s.tenants),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].Token < out[j].Token
	})
	return out
}

func (r *Registry) sessionOfLocked(tenantID string) *session {
	token, ok := r.bindings[tenantID]
	if !ok {
		return nil
	}
	return r.sessions[token]
}

func (r *Registry) sessionForTenant(tenantID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessionOfLocked(tenantID)
	return s, s != nil
}

func (r *Registry) sessionForToken(token string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	return s, ok
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
