package booking

import "errors"

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotUnavailable means the slot is blocked, fully booked, or does
	// not belong to the requested doctor.
	ErrSlotUnavailable = errors.New("slot is not available for booking")

	// ErrCapacityExceeded means an increment would push booked_count past
	// max_capacity.
	ErrCapacityExceeded = errors.New("slot capacity exceeded")

	// ErrDuplicateBooking means the patient already holds an active
	// (non-cancelled) appointment for the slot.
	ErrDuplicateBooking = errors.New("patient already has an active appointment for this slot")

	ErrSlotExists      = errors.New("a slot already exists for this doctor and start time")
	ErrSlotHasBookings = errors.New("slot has active bookings and cannot be deleted")

	ErrInvalidTransition = errors.New("invalid appointment status transition")
	ErrExpired           = errors.New("appointment confirmation window has expired")
	ErrAlreadyCancelled  = errors.New("appointment is already cancelled")

	// ErrValidation covers malformed input that slipped past the
	// presentation layer (zero capacity, missing ids).
	ErrValidation = errors.New("invalid input")

	// ErrConflict is surfaced after the coordinator exhausts its retries
	// on lock contention.
	ErrConflict = errors.New("operation aborted after repeated lock contention, please retry")

	// ErrTxContention marks a transient serialization/deadlock/lock failure.
	// It is retried by the coordinator and never reaches callers directly.
	ErrTxContention = errors.New("transaction contention")
)
