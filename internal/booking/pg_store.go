package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies it too.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore implements Store on Postgres. Row-scoped mutual exclusion comes
// from SELECT ... FOR UPDATE inside InTx transactions.
type PgStore struct {
	db DB
}

func NewPgStore(db DB) *PgStore {
	return &PgStore{db: db}
}

// SQLSTATEs that mean the transaction lost a race and is worth retrying.
func mapTxErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: sqlstate %s", ErrTxContention, pgErr.Code)
		}
	}
	return err
}

func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapTxErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapTxErr(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// Scan helpers

const slotColumns = `id, doctor_id, start_time, duration_minutes, status, max_capacity, booked_count, created_at, updated_at`

const appointmentColumns = `id, patient_id, doctor_id, slot_id, scheduled_at, duration_minutes, status, reason, consultation_type, expires_at, confirmed_at, cancelled_at, cancel_reason, created_at, updated_at`

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.StartTime,
		&s.DurationMinutes,
		&s.Status,
		&s.MaxCapacity,
		&s.BookedCount,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.SlotID,
		&a.ScheduledAt,
		&a.DurationMinutes,
		&a.Status,
		&a.Reason,
		&a.ConsultationType,
		&a.ExpiresAt,
		&a.ConfirmedAt,
		&a.CancelledAt,
		&a.CancelReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

// Read methods

func (s *PgStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := s.db.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *PgStore) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var d Doctor
	err := s.db.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &d.Specialty, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *PgStore) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (s *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) InsertSlot(ctx context.Context, ns NewSlot) (*TimeSlot, error) {
	id := uuid.New()
	row := s.db.QueryRow(ctx, `
		INSERT INTO time_slots (id, doctor_id, start_time, duration_minutes, status, max_capacity, booked_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'available', $5, 0, now(), now())
		RETURNING `+slotColumns+`
	`, id, ns.DoctorID, ns.StartTime, ns.DurationMinutes, ns.MaxCapacity)

	slot, err := scanSlot(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrSlotExists
		}
		return nil, err
	}
	return slot, nil
}

func (s *PgStore) ListAvailableSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE doctor_id = $1
		  AND start_time >= $2
		  AND start_time < $3
		  AND status = 'available'
		  AND booked_count < max_capacity
		ORDER BY start_time ASC
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TimeSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *slot)
	}
	return result, rows.Err()
}

func (s *PgStore) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]Appointment, error) {
	q := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE patient_id = $1
	`
	args := []any{patientID}
	if status != nil {
		q += ` AND status = $2`
		args = append(args, *status)
	}
	q += fmt.Sprintf(` ORDER BY scheduled_at DESC LIMIT %d OFFSET %d`, limit, offset)

	return s.queryAppointments(ctx, q, args...)
}

func (s *PgStore) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, day *time.Time, limit, offset int) ([]Appointment, error) {
	q := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE doctor_id = $1
	`
	args := []any{doctorID}
	if day != nil {
		start := day.Truncate(24 * time.Hour)
		q += ` AND scheduled_at >= $2 AND scheduled_at < $3`
		args = append(args, start, start.Add(24*time.Hour))
	}
	q += fmt.Sprintf(` ORDER BY scheduled_at ASC LIMIT %d OFFSET %d`, limit, offset)

	return s.queryAppointments(ctx, q, args...)
}

func (s *PgStore) FindActiveExpired(ctx context.Context, now time.Time) ([]Appointment, error) {
	return s.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND expires_at < $1
		ORDER BY expires_at ASC
	`, now)
}

func (s *PgStore) queryAppointments(ctx context.Context, q string, args ...any) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// pgTx implements Tx on an open pgx transaction.

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockSlot(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE id = $1
		FOR UPDATE
	`, slotID)
	return scanSlot(row)
}

func (t *pgTx) IncrementSlotBooking(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE time_slots
		SET booked_count = booked_count + 1,
		    status = CASE
		        WHEN status = 'blocked' THEN 'blocked'
		        WHEN booked_count + 1 >= max_capacity THEN 'booked'
		        ELSE 'available'
		    END,
		    updated_at = now()
		WHERE id = $1
		  AND booked_count < max_capacity
		RETURNING `+slotColumns+`
	`, slotID)

	slot, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		// Row exists but is full, or vanished; either way the booking loses.
		return nil, ErrCapacityExceeded
	}
	return slot, err
}

func (t *pgTx) DecrementSlotBooking(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE time_slots
		SET booked_count = GREATEST(booked_count - 1, 0),
		    status = CASE
		        WHEN status = 'blocked' THEN 'blocked'
		        WHEN GREATEST(booked_count - 1, 0) >= max_capacity THEN 'booked'
		        ELSE 'available'
		    END,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+slotColumns+`
	`, slotID)
	return scanSlot(row)
}

func (t *pgTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (t *pgTx) HasActiveAppointment(ctx context.Context, patientID, slotID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE patient_id = $1 AND slot_id = $2 AND status <> 'cancelled'
		)
	`, patientID, slotID).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertPendingAppointment(ctx context.Context, na NewAppointment) (*Appointment, error) {
	id := uuid.New()
	row := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, doctor_id, slot_id, scheduled_at, duration_minutes,
			status, reason, consultation_type, expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, now(), now())
		RETURNING `+appointmentColumns+`
	`, id, na.PatientID, na.DoctorID, na.SlotID, na.ScheduledAt, na.DurationMinutes,
		na.Reason, na.ConsultationType, na.ExpiresAt)

	appt, err := scanAppointment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateBooking
		}
		return nil, err
	}
	return appt, nil
}

func (t *pgTx) SetAppointmentStatus(ctx context.Context, id uuid.UUID, to AppointmentStatus, at time.Time, reason *string) (*Appointment, error) {
	var current AppointmentStatus
	err := t.tx.QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if !CanTransition(current, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	var row pgx.Row
	switch to {
	case StatusConfirmed:
		row = t.tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = 'confirmed', confirmed_at = $3, updated_at = now()
			WHERE id = $1 AND status = $2
			RETURNING `+appointmentColumns+`
		`, id, current, at)
	case StatusCancelled:
		row = t.tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = 'cancelled', cancelled_at = $3, cancel_reason = $4, updated_at = now()
			WHERE id = $1 AND status = $2
			RETURNING `+appointmentColumns+`
		`, id, current, at, reason)
	case StatusCompleted:
		row = t.tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = 'completed', updated_at = now()
			WHERE id = $1 AND status = $2
			RETURNING `+appointmentColumns+`
		`, id, current)
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	appt, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		// The row is locked by this transaction, so a missed compare-and-set
		// means something interleaved that should not have.
		return nil, fmt.Errorf("%w: status changed under lock", ErrTxContention)
	}
	return appt, err
}

func (t *pgTx) UpdateSlotStatus(ctx context.Context, slotID uuid.UUID, status SlotStatus) (*TimeSlot, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE time_slots
		SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+slotColumns+`
	`, slotID, status)
	return scanSlot(row)
}

func (t *pgTx) DeleteSlot(ctx context.Context, slotID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM time_slots WHERE id = $1`, slotID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// PgAuditRecorder appends audit rows through the pool, outside any
// transaction, so a failed write can never poison a commit.
type PgAuditRecorder struct {
	db DB
}

func NewPgAuditRecorder(db DB) *PgAuditRecorder {
	return &PgAuditRecorder{db: db}
}

func (r *PgAuditRecorder) Record(ctx context.Context, e AuditEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_log (appointment_id, action, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, e.AppointmentID, e.Action, e.FromStatus, e.ToStatus, e.Reason, nullableTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
