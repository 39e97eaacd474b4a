package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Tenant is a clinic. BotToken is empty when no bot is configured.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	BotToken    string    `json:"bot_token,omitempty"`
	OwnerPhone  string    `json:"owner_phone,omitempty"`
	AdminChatID string    `json:"admin_chat_id,omitempty"`
	Language    string    `json:"language,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TenantUpdate carries the tenant fields the bot manager is allowed to change.
// Nil fields are left untouched.
type TenantUpdate struct {
	BotToken    *string
	AdminChatID *string
}

type IdentityKind string

const (
	KindPatient IdentityKind = "patient"
	KindStaff   IdentityKind = "staff"
)

// Identity is a patient or staff member that can be linked to a chat.
type Identity struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	Kind      IdentityKind `json:"kind"`
	Name      string       `json:"name"`
	Phone     string       `json:"phone"`
	PublicKey string       `json:"public_key"`
	ChatID    string       `json:"chat_id,omitempty"`
}

// Rating is a patient's 1..5 score for a visit, keyed by an opaque reference.
type Rating struct {
	ReferenceID string    `json:"reference_id"`
	Value       int       `json:"value"`
	ChatID      string    `json:"chat_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

type DeliveryCategory string

const (
	CategoryMessage          DeliveryCategory = "message"
	CategoryPrompt           DeliveryCategory = "prompt"
	CategoryLinkConfirmation DeliveryCategory = "link_confirmation"
	CategoryAdminLink        DeliveryCategory = "admin_link"
)

// DeliveryLogEntry records one outbound attempt. Entries are append-only.
type DeliveryLogEntry struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenant_id"`
	IdentityID string           `json:"identity_id,omitempty"`
	Category   DeliveryCategory `json:"category"`
	Status     DeliveryStatus   `json:"status"`
	ChatID     string           `json:"chat_id"`
	Payload    string           `json:"payload"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}
