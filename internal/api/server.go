// Package api is the HTTP control surface of the bot manager: starting and
// stopping tenant bots, sending notifications and reading delivery logs.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"clinicbot/internal/botmanager"
	"clinicbot/internal/domain"
)

const maxBodySize = 1 << 20 // 1MB

// Sessions is the registry surface the API drives.
type Sessions interface {
	Start(ctx context.Context, tenantID, token string) error
	Stop(ctx context.Context, tenantID string) error
	DisplayName(tenantID string) (string, bool)
	DeepLink(tenantID, key string) (string, bool)
	Snapshot() []botmanager.SessionInfo
}

// Notifier is the outbound surface the API drives.
type Notifier interface {
	Send(ctx context.Context, tenantID, chatID, text string) (bool, error)
	SendAsync(tenantID, chatID, text string) bool
	SendRatingPrompt(ctx context.Context, tenantID, chatID, refID, identityName string) (bool, error)
	SendRatingPromptAsync(tenantID, chatID, refID, identityName string) bool
}

// Store is the tenant and delivery-log persistence the API reads and writes.
type Store interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	UpdateTenant(ctx context.Context, id string, upd domain.TenantUpdate) error
	ListDeliveries(ctx context.Context, tenantID string, limit int) ([]domain.DeliveryLogEntry, error)
}

type Config struct {
	Host        string
	Port        int
	APIKey      string // empty disables authentication
	MetricsPath string
	Metrics     http.Handler // nil disables the metrics endpoint
	Logger      *slog.Logger
}

type Server struct {
	cfg      Config
	sessions Sessions
	notifier Notifier
	store    Store
	logger   *slog.Logger
}

func New(cfg Config, sessions Sessions, notifier Notifier, store Store) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		notifier: notifier,
		store:    store,
		logger:   cfg.Logger.With("component", "api"),
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.recovery)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Post("/bot", s.startBot)
			r.Delete("/bot", s.stopBot)
			r.Get("/bot", s.getBot)
			r.Get("/deliveries", s.listDeliveries)
		})
		r.Get("/sessions", s.listSessions)
		r.Post("/notify", s.notify)
		r.Post("/notify/rating", s.notifyRating)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("API server started", "addr", addr, "auth", s.cfg.APIKey != "")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", chimw.GetReqID(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
