package models

import "time"

// APIKey is an agent credential issued to one organization.
// Only the bcrypt hash of the secret half is stored; the raw key is shown once at creation.
type APIKey struct {
	ID             int64      `json:"id"`
	Prefix         string     `json:"prefix"`
	SecretHash     string     `json:"-"`
	Name           string     `json:"name,omitempty"`
	OrganizationID int64      `json:"organization_id"`
	IsActive       bool       `json:"is_active"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Usable reports whether the key may authenticate at time now.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}
