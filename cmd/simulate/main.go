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
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

type SimConfig struct {
	APIBaseURL   string
	ClinicID     string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	ConfirmRatio float64
	CancelRatio  float64
	ReadRatio    float64
	HotSlots     int // bookings target only the first N slots of the day
	DaysAhead    int
	PatientLimit int
	PostgresDSN  string
}

type DataPool struct {
	Patients    []Patient
	TreatmentID uuid.UUID
	Date        string
	Slots       []string

	mu           sync.RWMutex
	appointments []uuid.UUID
}

type Patient struct {
	ID   uuid.UUID
	Name string
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	n := len(latencies)
	avg = sum / time.Duration(n)
	min = latencies[0]
	max = latencies[n-1]
	p50 = latencies[min2(n*50/100, n-1)]
	p95 = latencies[min2(n*95/100, n-1)]

	return avg, min, max, p50, p95
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type Metrics struct {
	Booking      OperationMetrics
	Confirm      OperationMetrics
	Cancel       OperationMetrics
	Availability OperationMetrics
	List         OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: clinic=%s duration=%s workers=%d hot_slots=%d booking=%.2f confirm=%.2f cancel=%.2f read=%.2f",
		cfg.ClinicID, cfg.Duration, cfg.Workers, cfg.HotSlots, cfg.BookingRatio, cfg.ConfirmRatio, cfg.CancelRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 4)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	sim := &Simulator{
		config: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.pool, err = sim.loadDataPool(ctx, pgPool)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, treatment=%s date=%s slots=%v",
		len(sim.pool.Patients), sim.pool.TreatmentID, sim.pool.Date, sim.pool.Slots)

	sim.Run()

	sim.PrintReport()

	if err := sim.checkOccupancy(context.Background(), pgPool); err != nil {
		log.Fatalf("occupancy check: %v", err)
	}
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		ClinicID:     getEnv("SIM_CLINIC_ID", "clinic-1"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.1),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		HotSlots:     getInt("SIM_HOT_SLOTS", 1),
		DaysAhead:    getInt("SIM_DAYS_AHEAD", 14),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 500),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HotSlots <= 0 {
		return fmt.Errorf("SIM_HOT_SLOTS must be > 0")
	}
	return nil
}

// loadDataPool reads patients and a treatment from Postgres, then asks the
// API for the first date with free slots.
func (s *Simulator) loadDataPool(ctx context.Context, pool *pgxpool.Pool) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id, name FROM patients WHERE clinic_id = $1 LIMIT $2
	`, s.config.ClinicID, s.config.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Patients = append(dp.Patients, p)
	}
	rows.Close()
	if len(dp.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded for %s, run cmd/seed first", s.config.ClinicID)
	}

	err = pool.QueryRow(ctx, `
		SELECT id FROM treatments WHERE clinic_id = $1 ORDER BY duration_minutes, name LIMIT 1
	`, s.config.ClinicID).Scan(&dp.TreatmentID)
	if err != nil {
		return nil, fmt.Errorf("load treatment: %w", err)
	}

	var dates struct {
		Dates []struct {
			Date           string `json:"date"`
			AvailableSlots int    `json:"available_slots_count"`
		} `json:"dates"`
	}
	q := url.Values{
		"clinic_id":    {s.config.ClinicID},
		"treatment_id": {dp.TreatmentID.String()},
		"days_ahead":   {strconv.Itoa(s.config.DaysAhead)},
	}
	if err := s.getJSON(ctx, "/availability/dates?"+q.Encode(), &dates); err != nil {
		return nil, fmt.Errorf("available dates: %w", err)
	}
	for _, d := range dates.Dates {
		if d.AvailableSlots > 0 && d.Date != schedule.FormatDate(time.Now().UTC()) {
			dp.Date = d.Date
			break
		}
	}
	if dp.Date == "" {
		return nil, fmt.Errorf("no bookable date in the next %d days", s.config.DaysAhead)
	}

	var slots struct {
		AvailableSlots []string `json:"available_slots"`
	}
	q = url.Values{
		"clinic_id":    {s.config.ClinicID},
		"treatment_id": {dp.TreatmentID.String()},
		"date":         {dp.Date},
	}
	if err := s.getJSON(ctx, "/availability/slots?"+q.Encode(), &slots); err != nil {
		return nil, fmt.Errorf("available slots: %w", err)
	}
	if len(slots.AvailableSlots) == 0 {
		return nil, fmt.Errorf("no slots on %s", dp.Date)
	}
	dp.Slots = slots.AvailableSlots[:min2(s.config.HotSlots, len(slots.AvailableSlots))]

	return dp, nil
}

func (s *Simulator) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	cfg := s.config

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < cfg.BookingRatio:
				s.doBooking(ctx, rng)
			case r < cfg.BookingRatio+cfg.ConfirmRatio:
				s.doTransition(ctx, rng, http.MethodPatch, "/confirm", &s.metrics.Confirm)
			case r < cfg.BookingRatio+cfg.ConfirmRatio+cfg.CancelRatio:
				s.doTransition(ctx, rng, http.MethodDelete, "?reason=simulated", &s.metrics.Cancel)
			default:
				if rng.Intn(2) == 0 {
					s.doAvailability(ctx)
				} else {
					s.doList(ctx)
				}
			}
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]

	body, _ := json.Marshal(map[string]any{
		"clinic_id":        s.config.ClinicID,
		"patient_id":       patient.ID,
		"patient_name":     patient.Name,
		"appointment_date": s.pool.Date,
		"start_time":       slot,
		"treatment_id":     s.pool.TreatmentID,
	})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Clinic-ID", s.config.ClinicID)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var appt struct {
				ID uuid.UUID `json:"id"`
			}
			if json.NewDecoder(resp.Body).Decode(&appt) == nil && appt.ID != uuid.Nil {
				s.pool.AddAppointment(appt.ID)
			}
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doTransition(ctx context.Context, rng *rand.Rand, method, suffix string, om *OperationMetrics) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	path := fmt.Sprintf("%s/appointments/%s%s", s.config.APIBaseURL, apptID, suffix)

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, method, path, nil)
	req.Header.Set("X-Clinic-ID", s.config.ClinicID)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}

	om.Record(latency, success, conflict)
}

func (s *Simulator) doAvailability(ctx context.Context) {
	q := url.Values{
		"clinic_id":    {s.config.ClinicID},
		"treatment_id": {s.pool.TreatmentID.String()},
		"date":         {s.pool.Date},
	}
	s.doGet(ctx, "/availability/slots?"+q.Encode(), &s.metrics.Availability)
}

func (s *Simulator) doList(ctx context.Context) {
	q := url.Values{
		"clinic_id": {s.config.ClinicID},
		"date":      {s.pool.Date},
	}
	s.doGet(ctx, "/appointments?"+q.Encode(), &s.metrics.List)
}

func (s *Simulator) doGet(ctx context.Context, path string, om *OperationMetrics) {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	om.Record(latency, success, false)
}

// checkOccupancy compares what ended up in Postgres with the clinic's limits.
// Any slot above max_appointments_per_slot, or a day above
// max_appointments_per_day, means concurrent bookings slipped through.
func (s *Simulator) checkOccupancy(ctx context.Context, pool *pgxpool.Pool) error {
	var perSlot, perDay int
	err := pool.QueryRow(ctx, `
		SELECT max_appointments_per_slot, max_appointments_per_day
		FROM clinic_schedule WHERE clinic_id = $1
	`, s.config.ClinicID).Scan(&perSlot, &perDay)
	if err != nil {
		return err
	}

	rows, err := pool.Query(ctx, `
		SELECT to_char(start_time, 'HH24:MI'), count(*)
		FROM appointments
		WHERE clinic_id = $1 AND appointment_date = $2::date AND status <> 'cancelled'
		GROUP BY start_time ORDER BY start_time
	`, s.config.ClinicID, s.pool.Date)
	if err != nil {
		return err
	}
	defer rows.Close()

	fmt.Println("OCCUPANCY")
	violations, dayTotal := 0, 0
	for rows.Next() {
		var slot string
		var n int
		if err := rows.Scan(&slot, &n); err != nil {
			return err
		}
		dayTotal += n
		mark := ""
		if n > perSlot {
			mark = "  <-- over capacity"
			violations++
		}
		fmt.Printf("  %s  %d/%d%s\n", slot, n, perSlot, mark)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	fmt.Printf("  day total %d/%d\n", dayTotal, perDay)

	if perDay > 0 && dayTotal > perDay {
		violations++
	}
	if violations > 0 {
		return fmt.Errorf("%d capacity violations", violations)
	}
	fmt.Println("  no capacity violations")
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Date: %s  Hot slots: %v\n", s.pool.Date, s.pool.Slots)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("List", &s.metrics.List)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
