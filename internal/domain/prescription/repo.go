package prescription

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence interface for prescriptions. Every
// call is scoped to a tenant; rows of other tenants behave as absent and
// yield auth.ErrNotFound.
type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Prescription, error)
	Update(ctx context.Context, p *Prescription) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	List(ctx context.Context, tenantID uuid.UUID, filter Filter, limit, offset int) ([]*Prescription, int, error)
	// OwnerOf returns the prescriber's staff id.
	OwnerOf(ctx context.Context, tenantID, id uuid.UUID) (uuid.UUID, error)
}
