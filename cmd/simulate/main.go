// Load generator: fires a mixed book/confirm/cancel workload at the API and
// reports success, conflict, and error counts so contention behavior can be
// observed under real concurrency.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/caredesk/clinic-booking/internal/db"
)

type simConfig struct {
	APIBaseURL string
	Duration   time.Duration
	Workers    int
	BookRatio  float64
	PatientCap int
	SlotCap    int
}

type slotRef struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
}

type dataPool struct {
	Patients []uuid.UUID
	Slots    []slotRef

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *dataPool) addAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *dataPool) randomAppointment() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rand.Intn(len(dp.appointments))], true
}

type opCounts struct {
	Total    int64
	Success  int64
	Conflict int64
	Error    int64
}

func (c *opCounts) record(status int) {
	atomic.AddInt64(&c.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&c.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&c.Conflict, 1)
	default:
		atomic.AddInt64(&c.Error, 1)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := simConfig{
		APIBaseURL: envStr("SIM_API_URL", "http://127.0.0.1:8080"),
		Duration:   envDuration("SIM_DURATION", 30*time.Second),
		Workers:    envInt("SIM_WORKERS", 20),
		BookRatio:  0.6,
		PatientCap: envInt("SIM_PATIENTS", 500),
		SlotCap:    envInt("SIM_SLOTS", 50),
	}

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required to load patient and slot ids")
	}

	pool, err := loadPool(dsn, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded %d patients, %d slots", len(pool.Patients), len(pool.Slots))
	if len(pool.Patients) == 0 || len(pool.Slots) == 0 {
		log.Fatal("nothing to simulate; run the seeder first")
	}

	var books, confirms, cancels opCounts
	client := &http.Client{Timeout: 10 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	log.Printf("running %d workers for %s against %s", cfg.Workers, cfg.Duration, cfg.APIBaseURL)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				roll := rand.Float64()
				switch {
				case roll < cfg.BookRatio:
					doBook(ctx, client, cfg.APIBaseURL, pool, &books)
				case roll < cfg.BookRatio+0.25:
					doLifecycle(ctx, client, cfg.APIBaseURL, pool, &confirms, "confirm")
				default:
					doLifecycle(ctx, client, cfg.APIBaseURL, pool, &cancels, "cancel")
				}
			}
		}()
	}
	wg.Wait()

	report("book", &books)
	report("confirm", &confirms)
	report("cancel", &cancels)
}

func loadPool(dsn string, cfg simConfig) (*dataPool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, dsn, 4)
	if err != nil {
		return nil, err
	}
	defer pgPool.Close()

	dp := &dataPool{}

	rows, err := pgPool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dp.Patients = append(dp.Patients, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slotRows, err := pgPool.Query(ctx, `
		SELECT id, doctor_id FROM time_slots
		WHERE status = 'available' AND booked_count < max_capacity
		LIMIT $1
	`, cfg.SlotCap)
	if err != nil {
		return nil, err
	}
	defer slotRows.Close()
	for slotRows.Next() {
		var ref slotRef
		if err := slotRows.Scan(&ref.ID, &ref.DoctorID); err != nil {
			return nil, err
		}
		dp.Slots = append(dp.Slots, ref)
	}
	return dp, slotRows.Err()
}

func doBook(ctx context.Context, client *http.Client, base string, dp *dataPool, counts *opCounts) {
	slot := dp.Slots[rand.Intn(len(dp.Slots))]
	patientID := dp.Patients[rand.Intn(len(dp.Patients))]

	body, _ := json.Marshal(map[string]string{
		"slot_id":           slot.ID.String(),
		"patient_id":        patientID.String(),
		"doctor_id":         slot.DoctorID.String(),
		"reason":            "simulated visit",
		"consultation_type": "in_person",
	})

	status, respBody := post(ctx, client, base+"/appointments", body)
	counts.record(status)

	if status == http.StatusCreated {
		var resp struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.Unmarshal(respBody, &resp); err == nil && resp.ID != uuid.Nil {
			dp.addAppointment(resp.ID)
		}
	}
}

func doLifecycle(ctx context.Context, client *http.Client, base string, dp *dataPool, counts *opCounts, action string) {
	id, ok := dp.randomAppointment()
	if !ok {
		return
	}
	status, _ := post(ctx, client, fmt.Sprintf("%s/appointments/%s/%s", base, id, action), nil)
	counts.record(status)
}

func post(ctx context.Context, client *http.Client, url string, body []byte) (int, []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, data
}

func report(name string, c *opCounts) {
	total := atomic.LoadInt64(&c.Total)
	if total == 0 {
		fmt.Printf("%-8s no operations\n", name)
		return
	}
	fmt.Printf("%-8s total=%d success=%d conflict=%d error=%d\n",
		name, total, atomic.LoadInt64(&c.Success), atomic.LoadInt64(&c.Conflict), atomic.LoadInt64(&c.Error))
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
