package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caredesk/clinic-booking/internal/booking"
	"github.com/caredesk/clinic-booking/internal/config"
)

type testEnv struct {
	router http.Handler
	store  *booking.MemStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := booking.NewMemStore()
	svc := booking.NewService(store, booking.NewMemAuditRecorder(), nil, config.Config{
		ExpiryWindow:   5 * time.Minute,
		BookingRetries: 3,
		RetryBackoff:   time.Millisecond,
	}, log)

	router := NewRouter(RouterConfig{
		Service: svc,
		Log:     log,
		Env:     "test",
		Version: "test",
	})
	return &testEnv{router: router, store: store}
}

func (e *testEnv) seedDoctor() uuid.UUID {
	id := uuid.New()
	e.store.SeedDoctor(booking.Doctor{ID: id, Name: "Dr. Test"})
	return id
}

func (e *testEnv) seedPatient() uuid.UUID {
	id := uuid.New()
	e.store.SeedPatient(booking.Patient{ID: id, Name: "Test Patient"})
	return id
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func (e *testEnv) createSlot(t *testing.T, doctorID uuid.UUID, capacity int) SlotResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/slots", CreateSlotRequest{
		DoctorID:        doctorID.String(),
		StartTime:       time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second),
		DurationMinutes: 30,
		MaxCapacity:     capacity,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decode[SlotResponse](t, rec)
}

func (e *testEnv) bookReq(patientID, doctorID uuid.UUID, slotID uuid.UUID) BookAppointmentRequest {
	return BookAppointmentRequest{
		PatientID:        patientID.String(),
		DoctorID:         doctorID.String(),
		SlotID:           slotID.String(),
		Reason:           "checkup",
		ConsultationType: "in_person",
	}
}

func TestBookAppointmentEndpoint(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	patientID := env.seedPatient()
	slot := env.createSlot(t, doctorID, 1)

	rec := env.do(t, http.MethodPost, "/appointments", env.bookReq(patientID, doctorID, slot.ID))
	require.Equal(t, http.StatusCreated, rec.Code)

	appt := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "pending", appt.Status)
	assert.Equal(t, patientID, appt.PatientID)
	assert.Equal(t, slot.ID, appt.SlotID)
	assert.False(t, appt.ExpiresAt.IsZero())
}

func TestBookAppointmentValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		PatientID: "not-a-uuid",
		DoctorID:  uuid.NewString(),
		SlotID:    uuid.NewString(),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid_patient_id", resp.Error)
}

func TestBookAppointmentUnknownPatientIs404(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	slot := env.createSlot(t, doctorID, 1)

	rec := env.do(t, http.MethodPost, "/appointments", env.bookReq(uuid.New(), doctorID, slot.ID))
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "patient_not_found", resp.Error)
}

func TestBookFullSlotIs409(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	slot := env.createSlot(t, doctorID, 1)

	rec := env.do(t, http.MethodPost, "/appointments", env.bookReq(env.seedPatient(), doctorID, slot.ID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/appointments", env.bookReq(env.seedPatient(), doctorID, slot.ID))
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "slot_unavailable", resp.Error)
}

func TestDuplicateBookingIs409(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	patientID := env.seedPatient()
	slot := env.createSlot(t, doctorID, 3)

	rec := env.do(t, http.MethodPost, "/appointments", env.bookReq(patientID, doctorID, slot.ID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/appointments", env.bookReq(patientID, doctorID, slot.ID))
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "duplicate_booking", resp.Error)
}

func TestConfirmAndCancelLifecycle(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	patientID := env.seedPatient()
	slot := env.createSlot(t, doctorID, 1)

	rec := env.do(t, http.MethodPost, "/appointments", env.bookReq(patientID, doctorID, slot.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decode[AppointmentResponse](t, rec)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/confirm", appt.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	confirmed := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "confirmed", confirmed.Status)
	assert.NotNil(t, confirmed.ConfirmedAt)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", appt.ID),
		CancelAppointmentRequest{Reason: "patient request"})
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "cancelled", cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "patient request", *cancelled.CancelReason)

	// Cancelling twice surfaces as a conflict, not a second decrement.
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", appt.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "already_cancelled", resp.Error)
}

func TestCompleteEndpoint(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	patientID := env.seedPatient()
	slot := env.createSlot(t, doctorID, 1)

	rec := env.do(t, http.MethodPost, "/appointments", env.bookReq(patientID, doctorID, slot.ID))
	appt := decode[AppointmentResponse](t, rec)

	// Pending appointments cannot be completed.
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/complete", appt.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	env.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/confirm", appt.ID), nil)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/complete", appt.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	done := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "completed", done.Status)
}

func TestGetAppointmentEndpoint(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	patientID := env.seedPatient()
	slot := env.createSlot(t, doctorID, 1)

	rec := env.do(t, http.MethodPost, "/appointments", env.bookReq(patientID, doctorID, slot.ID))
	appt := decode[AppointmentResponse](t, rec)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/appointments/%s", appt.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[AppointmentResponse](t, rec)
	assert.Equal(t, appt.ID, got.ID)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/appointments/%s", uuid.New()), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/appointments/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSlotsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	slot := env.createSlot(t, doctorID, 1)

	rec := env.do(t, http.MethodGet, "/slots?doctor_id="+doctorID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slots := decode[[]SlotResponse](t, rec)
	require.Len(t, slots, 1)
	assert.Equal(t, slot.ID, slots[0].ID)

	// Fully booked slots disappear from the listing.
	rec = env.do(t, http.MethodPost, "/appointments", env.bookReq(env.seedPatient(), doctorID, slot.ID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/slots?doctor_id="+doctorID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slots = decode[[]SlotResponse](t, rec)
	assert.Empty(t, slots)
}

func TestSlotBlockUnblockDelete(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	slot := env.createSlot(t, doctorID, 1)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/slots/%s/block", slot.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	blocked := decode[SlotResponse](t, rec)
	assert.Equal(t, "blocked", blocked.Status)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/slots/%s/unblock", slot.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	unblocked := decode[SlotResponse](t, rec)
	assert.Equal(t, "available", unblocked.Status)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/slots/%s", slot.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/slots/%s", slot.ID), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteBookedSlotIs409(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	slot := env.createSlot(t, doctorID, 1)

	rec := env.do(t, http.MethodPost, "/appointments", env.bookReq(env.seedPatient(), doctorID, slot.ID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/slots/%s", slot.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "slot_has_bookings", resp.Error)
}

func TestListPatientAppointmentsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	doctorID := env.seedDoctor()
	patientID := env.seedPatient()
	slot := env.createSlot(t, doctorID, 1)

	rec := env.do(t, http.MethodPost, "/appointments", env.bookReq(patientID, doctorID, slot.ID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/patients/%s/appointments", patientID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	appts := decode[[]AppointmentResponse](t, rec)
	require.Len(t, appts, 1)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/patients/%s/appointments?status=confirmed", patientID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	appts = decode[[]AppointmentResponse](t, rec)
	assert.Empty(t, appts)
}

func TestAdminExpirySweepEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/admin/expiry-sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SweepResponse](t, rec)
	assert.Equal(t, 0, resp.Cancelled)
}

func TestLivenessEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[LivenessResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Env)
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health/live", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
