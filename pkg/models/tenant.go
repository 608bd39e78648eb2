// Package models defines the domain entities shared across components.
package models

import "time"

// Tenant is the top-level isolation unit. Every child row carries its ID.
type Tenant struct {
	ID        string            `db:"id" json:"id"`
	Name      string            `db:"name" json:"name"`
	Timezone  string            `db:"timezone" json:"timezone"`
	Metadata  JSONMap           `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	DeletedAt *time.Time        `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Brand groups channels and knowledge assets under a tenant.
type Brand struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
