package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Store keyed-mutex implementation: LockSlot and
// LockAppointment take a per-row mutex held until the end of InTx, which
// gives the same slot-scoped serialization as the Postgres row locks while
// letting transactions on unrelated rows run fully in parallel. It backs the
// concurrency tests and needs no database.
type MemStore struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	doctors  map[uuid.UUID]*Doctor
	slots    map[uuid.UUID]*TimeSlot
	appts    map[uuid.UUID]*Appointment
	rowLocks map[uuid.UUID]*sync.Mutex
}

func NewMemStore() *MemStore {
	return &MemStore{
		patients: make(map[uuid.UUID]*Patient),
		doctors:  make(map[uuid.UUID]*Doctor),
		slots:    make(map[uuid.UUID]*TimeSlot),
		appts:    make(map[uuid.UUID]*Appointment),
		rowLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *MemStore) rowLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rowLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[id] = m
	}
	return m
}

// SeedPatient registers a patient; test and tooling helper.
func (s *MemStore) SeedPatient(p Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.patients[p.ID] = &cp
}

// SeedDoctor registers a doctor; test and tooling helper.
func (s *MemStore) SeedDoctor(d Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cd := d
	s.doctors[d.ID] = &cd
}

func (s *MemStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{store: s, held: make(map[uuid.UUID]bool)}
	defer tx.unlockAll()
	return fn(tx)
}

func (s *MemStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cd := *d
	return &cd, nil
}

func (s *MemStore) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *slot
	return &cp, nil
}

func (s *MemStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) InsertSlot(ctx context.Context, ns NewSlot) (*TimeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.slots {
		if existing.DoctorID == ns.DoctorID && existing.StartTime.Equal(ns.StartTime) {
			return nil, ErrSlotExists
		}
	}

	now := time.Now()
	slot := &TimeSlot{
		ID:              uuid.New(),
		DoctorID:        ns.DoctorID,
		StartTime:       ns.StartTime,
		DurationMinutes: ns.DurationMinutes,
		Status:          SlotAvailable,
		MaxCapacity:     ns.MaxCapacity,
		BookedCount:     0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.slots[slot.ID] = slot
	cp := *slot
	return &cp, nil
}

func (s *MemStore) ListAvailableSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []TimeSlot
	for _, slot := range s.slots {
		if slot.DoctorID != doctorID || slot.Status != SlotAvailable || slot.BookedCount >= slot.MaxCapacity {
			continue
		}
		if slot.StartTime.Before(from) || !slot.StartTime.Before(to) {
			continue
		}
		result = append(result, *slot)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result, nil
}

func (s *MemStore) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status *AppointmentStatus, limit, offset int) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Appointment
	for _, a := range s.appts {
		if a.PatientID != patientID {
			continue
		}
		if status != nil && a.Status != *status {
			continue
		}
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ScheduledAt.After(result[j].ScheduledAt)
	})
	return page(result, limit, offset), nil
}

func (s *MemStore) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, day *time.Time, limit, offset int) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Appointment
	for _, a := range s.appts {
		if a.DoctorID != doctorID {
			continue
		}
		if day != nil {
			start := day.Truncate(24 * time.Hour)
			if a.ScheduledAt.Before(start) || !a.ScheduledAt.Before(start.Add(24*time.Hour)) {
				continue
			}
		}
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ScheduledAt.Before(result[j].ScheduledAt)
	})
	return page(result, limit, offset), nil
}

func (s *MemStore) FindActiveExpired(ctx context.Context, now time.Time) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Appointment
	for _, a := range s.appts {
		if a.Status == StatusPending && a.ExpiresAt.Before(now) {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

func page(items []Appointment, limit, offset int) []Appointment {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// memTx holds the row locks acquired during one InTx call and releases them
// when the unit of work ends. Mutations apply immediately; the coordinator
// performs all its checks before its first write, so a failed unit has no
// partial effects to undo.
type memTx struct {
	store *MemStore
	held  map[uuid.UUID]bool
	order []uuid.UUID
}

func (t *memTx) acquire(id uuid.UUID) {
	if t.held[id] {
		return
	}
	t.store.rowLock(id).Lock()
	t.held[id] = true
	t.order = append(t.order, id)
}

func (t *memTx) unlockAll() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.store.rowLock(t.order[i]).Unlock()
	}
	t.order = nil
	t.held = nil
}

func (t *memTx) LockSlot(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error) {
	t.acquire(slotID)
	return t.store.GetSlot(ctx, slotID)
}

func (t *memTx) IncrementSlotBooking(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error) {
	t.acquire(slotID)
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if slot.BookedCount >= slot.MaxCapacity {
		return nil, ErrCapacityExceeded
	}
	slot.BookedCount++
	recomputeSlotStatus(slot)
	slot.UpdatedAt = time.Now()
	cp := *slot
	return &cp, nil
}

func (t *memTx) DecrementSlotBooking(ctx context.Context, slotID uuid.UUID) (*TimeSlot, error) {
	t.acquire(slotID)
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if slot.BookedCount > 0 {
		slot.BookedCount--
	}
	recomputeSlotStatus(slot)
	slot.UpdatedAt = time.Now()
	cp := *slot
	return &cp, nil
}

func recomputeSlotStatus(slot *TimeSlot) {
	if slot.Status == SlotBlocked {
		return
	}
	if slot.BookedCount >= slot.MaxCapacity {
		slot.Status = SlotBooked
	} else {
		slot.Status = SlotAvailable
	}
}

func (t *memTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	t.acquire(id)
	return t.store.GetAppointment(ctx, id)
}

func (t *memTx) HasActiveAppointment(ctx context.Context, patientID, slotID uuid.UUID) (bool, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.appts {
		if a.PatientID == patientID && a.SlotID == slotID && a.Status != StatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertPendingAppointment(ctx context.Context, na NewAppointment) (*Appointment, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.appts {
		if a.PatientID == na.PatientID && a.SlotID == na.SlotID && a.Status != StatusCancelled {
			return nil, ErrDuplicateBooking
		}
	}

	now := time.Now()
	appt := &Appointment{
		ID:               uuid.New(),
		PatientID:        na.PatientID,
		DoctorID:         na.DoctorID,
		SlotID:           na.SlotID,
		ScheduledAt:      na.ScheduledAt,
		DurationMinutes:  na.DurationMinutes,
		Status:           StatusPending,
		Reason:           na.Reason,
		ConsultationType: na.ConsultationType,
		ExpiresAt:        na.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.appts[appt.ID] = appt
	cp := *appt
	return &cp, nil
}

func (t *memTx) SetAppointmentStatus(ctx context.Context, id uuid.UUID, to AppointmentStatus, at time.Time, reason *string) (*Appointment, error) {
	t.acquire(id)
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if !CanTransition(a.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}

	a.Status = to
	switch to {
	case StatusConfirmed:
		ts := at
		a.ConfirmedAt = &ts
	case StatusCancelled:
		ts := at
		a.CancelledAt = &ts
		a.CancelReason = reason
	}
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (t *memTx) UpdateSlotStatus(ctx context.Context, slotID uuid.UUID, status SlotStatus) (*TimeSlot, error) {
	t.acquire(slotID)
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	slot.Status = status
	if status != SlotBlocked {
		recomputeSlotStatus(slot)
	}
	slot.UpdatedAt = time.Now()
	cp := *slot
	return &cp, nil
}

func (t *memTx) DeleteSlot(ctx context.Context, slotID uuid.UUID) error {
	t.acquire(slotID)
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.slots[slotID]; !ok {
		return ErrSlotNotFound
	}
	delete(s.slots, slotID)
	return nil
}

// MemAuditRecorder collects audit entries in memory; used in tests.
type MemAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	nextID  int64
}

func NewMemAuditRecorder() *MemAuditRecorder {
	return &MemAuditRecorder{}
}

func (r *MemAuditRecorder) Record(ctx context.Context, e AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.ID = r.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.entries = append(r.entries, e)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (r *MemAuditRecorder) Entries() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
