package prescription

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/auth"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func repoError(err error) error {
	if errors.Is(err, auth.ErrNotFound) {
		return auth.NotFound("Prescription not found")
	}
	return auth.Internal(err)
}

// Create records a prescription written by the caller in the caller's
// tenant.
func (s *Service) Create(ctx context.Context, caller auth.Identity, req CreateRequest) (*Prescription, error) {
	patientID, err := uuid.Parse(strings.TrimSpace(req.PatientID))
	if err != nil {
		return nil, auth.InvalidRequest("patientId must be a UUID")
	}
	medication := strings.TrimSpace(req.Medication)
	if medication == "" {
		return nil, auth.InvalidRequest("medication is required")
	}

	p := &Prescription{
		ID:           uuid.New(),
		TenantID:     caller.TenantID(),
		PatientID:    patientID,
		DoctorID:     caller.StaffID(),
		Medication:   medication,
		Dosage:       strings.TrimSpace(req.Dosage),
		Instructions: strings.TrimSpace(req.Instructions),
		Status:       StatusActive,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, auth.Internal(err)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, caller auth.Identity, id uuid.UUID) (*Prescription, error) {
	p, err := s.repo.GetByID(ctx, caller.TenantID(), id)
	if err != nil {
		return nil, repoError(err)
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, caller auth.Identity, filter Filter, limit, offset int) ([]*Prescription, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, auth.InvalidRequest("Unknown prescription status: " + string(filter.Status))
	}
	items, total, err := s.repo.List(ctx, caller.TenantID(), filter, limit, offset)
	if err != nil {
		return nil, 0, auth.Internal(err)
	}
	return items, total, nil
}

// Update applies req to a prescription of the caller's tenant. Only ACTIVE
// prescriptions change; COMPLETED and CANCELLED are terminal. Ownership is
// enforced by the route's policy.
func (s *Service) Update(ctx context.Context, caller auth.Identity, id uuid.UUID, req UpdateRequest) (*Prescription, error) {
	p, err := s.repo.GetByID(ctx, caller.TenantID(), id)
	if err != nil {
		return nil, repoError(err)
	}
	if p.Status != StatusActive {
		return nil, auth.InvalidRequest("Only active prescriptions can be changed")
	}

	if req.Medication != nil {
		m := strings.TrimSpace(*req.Medication)
		if m == "" {
			return nil, auth.InvalidRequest("medication must not be empty")
		}
		p.Medication = m
	}
	if req.Dosage != nil {
		p.Dosage = strings.TrimSpace(*req.Dosage)
	}
	if req.Instructions != nil {
		p.Instructions = strings.TrimSpace(*req.Instructions)
	}
	if req.Status != nil {
		st := Status(strings.ToUpper(strings.TrimSpace(*req.Status)))
		if !st.Valid() {
			return nil, auth.InvalidRequest("Unknown prescription status: " + *req.Status)
		}
		p.Status = st
	}

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, repoError(err)
	}
	return p, nil
}

func (s *Service) Delete(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, caller.TenantID(), id); err != nil {
		return repoError(err)
	}
	return nil
}

// Owner resolves the prescriber of id within tenantID. It backs the
// ownership policy.
func (s *Service) Owner(ctx context.Context, tenantID, id uuid.UUID) (uuid.UUID, error) {
	return s.repo.OwnerOf(ctx, tenantID, id)
}
