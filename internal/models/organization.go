package models

import "time"

// Organization represents a tenant. All devices, keys and alert subscriptions belong to exactly one.
type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
