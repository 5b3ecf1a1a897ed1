package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotBlocked   SlotStatus = "blocked"
)

// CanTransition reports whether the appointment state machine allows moving
// from one status to another. Cancelled and completed are terminal.
func CanTransition(from, to AppointmentStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusConfirmed || to == StatusCancelled
	case StatusConfirmed:
		return to == StatusCancelled || to == StatusCompleted
	default:
		return false
	}
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimeSlot is a bookable unit of a doctor's calendar with finite capacity.
// BookedCount and Status are written only inside coordinator transactions.
type TimeSlot struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	StartTime       time.Time
	DurationMinutes int
	Status          SlotStatus
	MaxCapacity     int
	BookedCount     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Appointment struct {
	ID               uuid.UUID
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	SlotID           uuid.UUID
	ScheduledAt      time.Time // denormalized copy of the slot's start time
	DurationMinutes  int
	Status           AppointmentStatus
	Reason           string
	ConsultationType string
	ExpiresAt        time.Time
	ConfirmedAt      *time.Time
	CancelledAt      *time.Time
	CancelReason     *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AuditEntry is one append-only record of an appointment status change.
type AuditEntry struct {
	ID            int64
	AppointmentID uuid.UUID
	Action        string
	FromStatus    *AppointmentStatus
	ToStatus      AppointmentStatus
	Reason        string
	CreatedAt     time.Time
}

const (
	AuditCreated   = "APPOINTMENT_CREATED"
	AuditConfirmed = "APPOINTMENT_CONFIRMED"
	AuditCancelled = "APPOINTMENT_CANCELLED"
	AuditExpired   = "APPOINTMENT_EXPIRED"
	AuditCompleted = "APPOINTMENT_COMPLETED"
)
