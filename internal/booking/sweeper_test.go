package booking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperRunOnceCancelsExpired(t *testing.T) {
	f := newFixture(t, -time.Minute)
	doctorID := f.addDoctor()
	slot := f.addSlot(t, doctorID, 1)
	appt := f.book(t, f.addPatient(), doctorID, slot.ID)

	w := NewSweeper(f.svc, time.Minute, quietLogger())
	w.RunOnce(context.Background())

	got, err := f.store.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	s, err := f.store.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, s.BookedCount)
}

func TestSweeperRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, 5*time.Minute)
	w := NewSweeper(f.svc, 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}
