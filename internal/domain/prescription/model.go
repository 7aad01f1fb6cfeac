package prescription

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Prescription maps to the prescription table. DoctorID is the staff id of
// the prescriber and decides ownership.
type Prescription struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenantId"`
	PatientID    uuid.UUID `json:"patientId"`
	DoctorID     uuid.UUID `json:"doctorId"`
	Medication   string    `json:"medication"`
	Dosage       string    `json:"dosage,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type CreateRequest struct {
	PatientID    string `json:"patientId"`
	Medication   string `json:"medication"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions"`
}

// UpdateRequest carries the fields to change; nil fields are left alone.
type UpdateRequest struct {
	Medication   *string `json:"medication"`
	Dosage       *string `json:"dosage"`
	Instructions *string `json:"instructions"`
	Status       *string `json:"status"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Status    Status
}
