package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NewAppointment carries the caller-supplied fields of a booking request.
type NewAppointment struct {
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	SlotID           uuid.UUID
	ScheduledAt      time.Time
	DurationMinutes  int
	Reason           string
	ConsultationType string
	ExpiresAt        time.Time
}

// NewSlot carries the fields needed to create a time slot.
type NewSlot struct {
	DoctorID        uuid.UUID
	StartTime       time.Time
	DurationMinutes int
	MaxCapacity     int
}

// Tx is the set of mutations available inside a single atomic unit of work.
// LockSlot and LockAppointment take row-scoped exclusive locks that live
// until the enclosing transaction commits or rolls back; the other methods
// must only be called on rows already locked in the same transaction.
type Tx interface {
	LockSlot(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error)

	// IncrementSlotBooking adds one booking and recomputes the slot status.
	// Fails with ErrCapacityExceeded if the slot is already full.
	IncrementSlotBooking(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error)

	// DecrementSlotBooking releases one booking, floored at zero, and
	// recomputes the slot status (blocked slots stay blocked).
	DecrementSlotBooking(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error)

	LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// HasActiveAppointment reports whether the patient holds a
	// non-cancelled appointment for the slot.
	HasActiveAppointment(ctx context.Context, patientID, slotID uuid.UUID) (bool, error)

	InsertPendingAppointment(ctx context.Context, a NewAppointment) (*Appointment, error)

	// SetAppointmentStatus performs a compare-and-set against the row's
	// current status, validating the transition via CanTransition and
	// stamping confirmed_at/cancelled_at as appropriate. Fails with
	// ErrInvalidTransition on an illegal edge.
	SetAppointmentStatus(ctx context.Context, id uuid.UUID, to AppointmentStatus, at time.Time, reason *string) (*Appointment, error)

	UpdateSlotStatus(ctx context.Context, slotID uuid.UUID, status SlotStatus) (*TimeSlot, error)
	DeleteSlot(ctx context.Context, slotID uuid.UUID) error
}

// Store is the storage contract the coordinator runs against. InTx executes
// fn as one atomic unit with at least row-level exclusive locking; transient
// serialization or lock failures are reported as ErrTxContention so the
// coordinator can retry the whole unit.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	InsertSlot(ctx context.Context, s NewSlot) (*TimeSlot, error)

	// ListAvailableSlots returns available, not-yet-full slots for the
	// doctor within [from, to), ordered by start time.
	ListAvailableSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]TimeSlot, error)

	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]Appointment, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, day *time.Time, limit, offset int) ([]Appointment, error)

	// FindActiveExpired returns pending appointments whose expiry deadline
	// is before now; used by the sweeper.
	FindActiveExpired(ctx context.Context, now time.Time) ([]Appointment, error)
}

// AuditRecorder is a best-effort side channel: callers log and swallow its
// errors, they never abort the owning operation.
type AuditRecorder interface {
	Record(ctx context.Context, e AuditEntry) error
}
