// Package linking matches inbound Telegram identities (deep-link keys and
// shared phone numbers) to tenant records and persists the chat binding.
package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"clinicbot/internal/domain"
)

// Store is the persistence the resolver needs.
type Store interface {
	FindIdentityByKey(ctx context.Context, key string) (*domain.Identity, error)
	FindIdentitiesByPhoneSuffix(ctx context.Context, tenantIDs []string, suffix string) ([]domain.Identity, error)
	UpdateIdentityChat(ctx context.Context, identityID, chatID string) error
	UpdateTenant(ctx context.Context, tenantID string, upd domain.TenantUpdate) error
}

// Scope is the set of tenant IDs a lookup may match within.
type Scope map[string]struct{}

func NewScope(tenantIDs ...string) Scope {
	s := make(Scope, len(tenantIDs))
	for _, id := range tenantIDs {
		s[id] = struct{}{}
	}
	return s
}

// ScopeOf builds a scope from tenant records.
func ScopeOf(tenants []domain.Tenant) Scope {
	s := make(Scope, len(tenants))
	for _, t := range tenants {
		s[t.ID] = struct{}{}
	}
	return s
}

func (s Scope) Contains(tenantID string) bool {
	_, ok := s[tenantID]
	return ok
}

// IDs returns the tenant IDs in sorted order.
func (s Scope) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolver looks up linkable identities and binds chat addresses to them.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// ResolveByKey returns the identity whose public key equals key, or nil.
func (r *Resolver) ResolveByKey(ctx context.Context, key string) (*domain.Identity, error) {
	if key == "" {
		return nil, nil
	}
	ident, err := r.store.FindIdentityByKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find identity by key: %w", err)
	}
	return ident, nil
}

// ResolveByPhone returns every identity in scope whose phone matches rawPhone
// exactly or by its last nine digits.
func (r *Resolver) ResolveByPhone(ctx context.Context, scope Scope, rawPhone string) ([]domain.Identity, error) {
	phone := NormalizePhone(rawPhone)
	if phone == "" || len(scope) == 0 {
		return nil, nil
	}
	candidates, err := r.store.FindIdentitiesByPhoneSuffix(ctx, scope.IDs(), PhoneSuffix(phone))
	if err != nil {
		return nil, fmt.Errorf("find identities by phone: %w", err)
	}
	var matches []domain.Identity
	for _, c := range candidates {
		if scope.Contains(c.TenantID) && PhonesMatch(c.Phone, phone) {
			matches = append(matches, c)
		}
	}
	return matches, nil
}

// ResolveOwners returns the tenants whose owner phone matches rawPhone.
func ResolveOwners(tenants []domain.Tenant, rawPhone string) []domain.Tenant {
	phone := NormalizePhone(rawPhone)
	if phone == "" {
		return nil
	}
	var owners []domain.Tenant
	for _, t := range tenants {
		if PhonesMatch(t.OwnerPhone, phone) {
			owners = append(owners, t)
		}
	}
	return owners
}

// Bind stores chatID on the identity. The latest call wins.
func (r *Resolver) Bind(ctx context.Context, ident *domain.Identity, chatID string) error {
	if err := r.store.UpdateIdentityChat(ctx, ident.ID, chatID); err != nil {
		return fmt.Errorf("bind identity %s: %w", ident.ID, err)
	}
	ident.ChatID = chatID
	r.logger.Info("identity linked", "identity_id", ident.ID, "tenant_id", ident.TenantID, "kind", ident.Kind)
	return nil
}

// BindAdmin stores chatID as the tenant's administrator address.
func (r *Resolver) BindAdmin(ctx context.Context, tenant *domain.Tenant, chatID string) error {
	if err := r.store.UpdateTenant(ctx, tenant.ID, domain.TenantUpdate{AdminChatID: &chatID}); err != nil {
		return fmt.Errorf("bind tenant admin %s: %w", tenant.ID, err)
	}
	tenant.AdminChatID = chatID
	r.logger.Info("tenant admin linked", "tenant_id", tenant.ID)
	return nil
}
