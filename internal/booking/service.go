package booking

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/caredesk/clinic-booking/internal/config"
	redisclient "github.com/caredesk/clinic-booking/internal/redis"
)

// errNotYetExpired marks a sweep candidate whose deadline moved out from
// under the sweeper; treated as "nothing to do".
var errNotYetExpired = errors.New("appointment not yet expired")

// Service is the booking transaction coordinator. Every mutation of slot
// capacity or appointment status runs through here as one atomic unit of
// work under row-scoped locks; concurrent operations on the same slot or
// appointment serialize, operations on different rows run in parallel.
type Service struct {
	store  Store
	audit  AuditRecorder
	locker redisclient.Locker
	cfg    config.Config
	log    *logrus.Logger
}

func NewService(store Store, audit AuditRecorder, locker redisclient.Locker, cfg config.Config, log *logrus.Logger) *Service {
	if locker == nil {
		locker = redisclient.NopLocker{}
	}
	if log == nil {
		log = logrus.New()
	}
	if cfg.BookingRetries < 1 {
		cfg.BookingRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 25 * time.Millisecond
	}
	return &Service{
		store:  store,
		audit:  audit,
		locker: locker,
		cfg:    cfg,
		log:    log,
	}
}

type BookRequest struct {
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	SlotID           uuid.UUID
	Reason           string
	ConsultationType string
}

// Book reserves one unit of slot capacity for the patient and creates a
// pending appointment that must be confirmed before its expiry deadline.
// The capacity check, duplicate check, insert, and increment all happen
// under the slot's exclusive lock so two racing bookers can never both pass
// the capacity check.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if _, err := s.store.GetPatient(ctx, req.PatientID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetDoctor(ctx, req.DoctorID); err != nil {
		return nil, err
	}

	var created *Appointment

	op := func() error {
		return s.locker.WithSlotLock(ctx, req.SlotID, func(lockCtx context.Context) error {
			return s.store.InTx(lockCtx, func(tx Tx) error {
				slot, err := tx.LockSlot(lockCtx, req.SlotID)
				if err != nil {
					return err
				}
				if slot.DoctorID != req.DoctorID {
					return fmt.Errorf("%w: slot belongs to a different doctor", ErrValidation)
				}
				if slot.Status != SlotAvailable || slot.BookedCount >= slot.MaxCapacity {
					return ErrSlotUnavailable
				}

				dup, err := tx.HasActiveAppointment(lockCtx, req.PatientID, req.SlotID)
				if err != nil {
					return fmt.Errorf("check duplicate booking: %w", err)
				}
				if dup {
					return ErrDuplicateBooking
				}

				now := time.Now()
				appt, err := tx.InsertPendingAppointment(lockCtx, NewAppointment{
					PatientID:        req.PatientID,
					DoctorID:         req.DoctorID,
					SlotID:           req.SlotID,
					ScheduledAt:      slot.StartTime,
					DurationMinutes:  slot.DurationMinutes,
					Reason:           req.Reason,
					ConsultationType: req.ConsultationType,
					ExpiresAt:        now.Add(s.cfg.ExpiryWindow),
				})
				if err != nil {
					return fmt.Errorf("create pending appointment: %w", err)
				}

				if _, err := tx.IncrementSlotBooking(lockCtx, req.SlotID); err != nil {
					return err
				}

				created = appt
				return nil
			})
		})
	}

	if err := s.withRetry(ctx, "book", op); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, created.ID, AuditCreated, nil, StatusPending, req.Reason)
	return created, nil
}

// Confirm moves a pending appointment to confirmed. A confirm attempted past
// the expiry deadline cancels the appointment instead, releasing its slot
// capacity exactly once, and reports ErrExpired.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var (
		updated *Appointment
		expired bool
	)

	op := func() error {
		expired = false
		return s.store.InTx(ctx, func(tx Tx) error {
			appt, err := tx.LockAppointment(ctx, id)
			if err != nil {
				return err
			}
			if appt.Status == StatusCancelled {
				return ErrAlreadyCancelled
			}
			if appt.Status != StatusPending {
				return fmt.Errorf("%w: cannot confirm %s appointment", ErrInvalidTransition, appt.Status)
			}

			now := time.Now()
			if now.After(appt.ExpiresAt) {
				reason := "expired before confirmation"
				if _, err := tx.SetAppointmentStatus(ctx, id, StatusCancelled, now, &reason); err != nil {
					return err
				}
				if _, err := tx.DecrementSlotBooking(ctx, appt.SlotID); err != nil {
					return err
				}
				expired = true
				return nil
			}

			updated, err = tx.SetAppointmentStatus(ctx, id, StatusConfirmed, now, nil)
			return err
		})
	}

	if err := s.withRetry(ctx, "confirm", op); err != nil {
		return nil, err
	}

	if expired {
		s.recordAudit(ctx, id, AuditExpired, statusPtr(StatusPending), StatusCancelled, "confirm attempted after expiry")
		return nil, ErrExpired
	}

	s.recordAudit(ctx, id, AuditConfirmed, statusPtr(StatusPending), StatusConfirmed, "")
	return updated, nil
}

// Cancel moves a pending or confirmed appointment to cancelled and releases
// its slot capacity. The decrement is guarded by the status transition under
// the appointment lock, so it fires at most once no matter how many callers
// race to cancel.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	var (
		updated *Appointment
		from    AppointmentStatus
	)

	op := func() error {
		return s.store.InTx(ctx, func(tx Tx) error {
			appt, err := tx.LockAppointment(ctx, id)
			if err != nil {
				return err
			}
			if appt.Status == StatusCancelled {
				return ErrAlreadyCancelled
			}
			from = appt.Status

			r := reason
			updated, err = tx.SetAppointmentStatus(ctx, id, StatusCancelled, time.Now(), &r)
			if err != nil {
				return err
			}

			_, err = tx.DecrementSlotBooking(ctx, appt.SlotID)
			return err
		})
	}

	if err := s.withRetry(ctx, "cancel", op); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, id, AuditCancelled, statusPtr(from), StatusCancelled, reason)
	return updated, nil
}

// Complete marks a confirmed appointment as completed. The slot capacity
// stays consumed; only cancellation releases it.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var updated *Appointment

	op := func() error {
		return s.store.InTx(ctx, func(tx Tx) error {
			appt, err := tx.LockAppointment(ctx, id)
			if err != nil {
				return err
			}
			if appt.Status != StatusConfirmed {
				return fmt.Errorf("%w: cannot complete %s appointment", ErrInvalidTransition, appt.Status)
			}
			updated, err = tx.SetAppointmentStatus(ctx, id, StatusCompleted, time.Now(), nil)
			return err
		})
	}

	if err := s.withRetry(ctx, "complete", op); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, id, AuditCompleted, statusPtr(StatusConfirmed), StatusCompleted, "")
	return updated, nil
}

// ExpireSweep cancels every pending appointment whose deadline is before
// now, each in its own transaction so one failure cannot block the rest.
// Safe to run concurrently with itself and with the lazy Confirm-path check;
// losers of those races are skipped, not errors. Returns the number
// actually cancelled.
func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.store.FindActiveExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired pending appointments: %w", err)
	}

	count := 0
	for _, appt := range candidates {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		err := s.expireOne(ctx, appt.ID, now)
		switch {
		case err == nil:
			count++
		case errors.Is(err, ErrAlreadyCancelled),
			errors.Is(err, errNotYetExpired),
			errors.Is(err, ErrAppointmentNotFound):
			// Another sweeper or the confirm path got there first.
		default:
			s.log.WithError(err).WithField("appointment_id", appt.ID).Warn("failed to expire appointment")
		}
	}
	return count, nil
}

func (s *Service) expireOne(ctx context.Context, id uuid.UUID, now time.Time) error {
	op := func() error {
		return s.store.InTx(ctx, func(tx Tx) error {
			appt, err := tx.LockAppointment(ctx, id)
			if err != nil {
				return err
			}
			if appt.Status != StatusPending {
				return ErrAlreadyCancelled
			}
			if !appt.ExpiresAt.Before(now) {
				return errNotYetExpired
			}

			reason := "expiry window elapsed"
			if _, err := tx.SetAppointmentStatus(ctx, id, StatusCancelled, now, &reason); err != nil {
				return err
			}
			_, err = tx.DecrementSlotBooking(ctx, appt.SlotID)
			return err
		})
	}

	if err := s.withRetry(ctx, "expire", op); err != nil {
		return err
	}

	s.recordAudit(ctx, id, AuditExpired, statusPtr(StatusPending), StatusCancelled, "expiry window elapsed")
	return nil
}

// Slot management

func (s *Service) CreateSlot(ctx context.Context, ns NewSlot) (*TimeSlot, error) {
	if ns.MaxCapacity < 1 {
		return nil, fmt.Errorf("%w: max capacity must be at least 1", ErrValidation)
	}
	if ns.DurationMinutes < 1 {
		return nil, fmt.Errorf("%w: duration must be at least 1 minute", ErrValidation)
	}
	if _, err := s.store.GetDoctor(ctx, ns.DoctorID); err != nil {
		return nil, err
	}
	return s.store.InsertSlot(ctx, ns)
}

// BlockSlot takes a slot out of circulation without touching its bookings.
func (s *Service) BlockSlot(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error) {
	var updated *TimeSlot
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockSlot(ctx, slotID); err != nil {
			return err
		}
		var err error
		updated, err = tx.UpdateSlotStatus(ctx, slotID, SlotBlocked)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UnblockSlot returns a blocked slot to circulation, recomputing its status
// from the current booking count.
func (s *Service) UnblockSlot(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error) {
	var updated *TimeSlot
	err := s.store.InTx(ctx, func(tx Tx) error {
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Status != SlotBlocked {
			updated = slot
			return nil
		}
		target := SlotAvailable
		if slot.BookedCount >= slot.MaxCapacity {
			target = SlotBooked
		}
		updated, err = tx.UpdateSlotStatus(ctx, slotID, target)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteSlot removes a slot that has no active bookings.
func (s *Service) DeleteSlot(ctx context.Context, slotID uuid.UUID) error {
	return s.store.InTx(ctx, func(tx Tx) error {
		slot, err := tx.LockSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.BookedCount > 0 {
			return ErrSlotHasBookings
		}
		return tx.DeleteSlot(ctx, slotID)
	})
}

// Read projections

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.store.GetAppointment(ctx, id)
}

func (s *Service) ListAvailableSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	if to.IsZero() {
		to = from.Add(7 * 24 * time.Hour)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: date range end must be after start", ErrValidation)
	}
	return s.store.ListAvailableSlots(ctx, doctorID, from, to)
}

func (s *Service) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	return s.store.ListAppointmentsByPatient(ctx, patientID, status, limit, offset)
}

func (s *Service) ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, day *time.Time, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	return s.store.ListAppointmentsByDoctor(ctx, doctorID, day, limit, offset)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// withRetry reruns the whole unit of work on transient contention (row lock
// conflicts, serialization failures, a busy slot lock) with jittered
// backoff. Deterministic outcomes pass through untouched on the first hit.
func (s *Service) withRetry(ctx context.Context, opName string, fn func() error) error {
	attempts := s.cfg.BookingRetries
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		backoff := s.cfg.RetryBackoff*time.Duration(i+1) + time.Duration(rand.Int63n(int64(s.cfg.RetryBackoff)))
		s.log.WithFields(logrus.Fields{
			"op":      opName,
			"attempt": i + 1,
			"backoff": backoff.String(),
		}).Debug("retrying after contention")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrConflict, opName, attempts, err)
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrTxContention) || errors.Is(err, redisclient.ErrLockNotAcquired)
}

func (s *Service) recordAudit(ctx context.Context, apptID uuid.UUID, action string, from *AppointmentStatus, to AppointmentStatus, reason string) {
	err := s.audit.Record(ctx, AuditEntry{
		AppointmentID: apptID,
		Action:        action,
		FromStatus:    from,
		ToStatus:      to,
		Reason:        reason,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"appointment_id": apptID,
			"action":         action,
		}).Warn("audit write failed")
	}
}

func statusPtr(st AppointmentStatus) *AppointmentStatus {
	return &st
}
