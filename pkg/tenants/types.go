// Package tenants provides the tenant root entity and its typed settings.
// Every pipeline component receives its thresholds, budgets and model choices
// through a tenant's settings; the stored form is a JSON map so operators can
// adjust single keys without schema churn.
package tenants

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the current status of a tenant.
type Status string

// Status constants.
const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is the root of ownership for all pipeline data.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the tenant participates in processing.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}
