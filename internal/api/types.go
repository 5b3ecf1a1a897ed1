package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/caredesk/clinic-booking/internal/booking"
)

type CreateSlotRequest struct {
	DoctorID        string    `json:"doctor_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	MaxCapacity     int       `json:"max_capacity"`
}

type BookAppointmentRequest struct {
	PatientID        string `json:"patient_id"`
	DoctorID         string `json:"doctor_id"`
	SlotID           string `json:"slot_id"`
	Reason           string `json:"reason"`
	ConsultationType string `json:"consultation_type"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason"`
}

type SlotResponse struct {
	ID              uuid.UUID `json:"id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	MaxCapacity     int       `json:"max_capacity"`
	BookedCount     int       `json:"booked_count"`
}

type AppointmentResponse struct {
	ID               uuid.UUID  `json:"id"`
	PatientID        uuid.UUID  `json:"patient_id"`
	DoctorID         uuid.UUID  `json:"doctor_id"`
	SlotID           uuid.UUID  `json:"slot_id"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	DurationMinutes  int        `json:"duration_minutes"`
	Status           string     `json:"status"`
	Reason           string     `json:"reason,omitempty"`
	ConsultationType string     `json:"consultation_type,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CancelReason     *string    `json:"cancel_reason,omitempty"`
}

type SweepResponse struct {
	Cancelled int `json:"cancelled"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSlotResponse(s *booking.TimeSlot) SlotResponse {
	return SlotResponse{
		ID:              s.ID,
		DoctorID:        s.DoctorID,
		StartTime:       s.StartTime,
		DurationMinutes: s.DurationMinutes,
		Status:          string(s.Status),
		MaxCapacity:     s.MaxCapacity,
		BookedCount:     s.BookedCount,
	}
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		PatientID:        a.PatientID,
		DoctorID:         a.DoctorID,
		SlotID:           a.SlotID,
		ScheduledAt:      a.ScheduledAt,
		DurationMinutes:  a.DurationMinutes,
		Status:           string(a.Status),
		Reason:           a.Reason,
		ConsultationType: a.ConsultationType,
		ExpiresAt:        a.ExpiresAt,
		ConfirmedAt:      a.ConfirmedAt,
		CancelledAt:      a.CancelledAt,
		CancelReason:     a.CancelReason,
	}
}
