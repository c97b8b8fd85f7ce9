package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/automation"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

var treatments = []struct {
	name     string
	duration int
	price    float64
}{
	{"Consultation", 30, 60},
	{"Cleaning", 45, 90},
	{"Follow-up", 15, 30},
	{"Whitening", 60, 250},
	{"Extraction", 90, 400},
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	_ = godotenv.Load()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	clinics := envInt("SEED_CLINICS", 3)
	patients := envInt("SEED_PATIENTS", 500)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, 4)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	svc := appointment.NewService(appointment.NewPgRepository(pool), nil, config.Defaults(), nil)
	rules := automation.NewService(automation.NewPgStore(pool), svc, nil, nil)

	for i := 1; i <= clinics; i++ {
		clinicID := fmt.Sprintf("clinic-%d", i)
		if err := seedClinic(context.Background(), svc, clinicID); err != nil {
			log.Fatalf("seed clinic %s: %v", clinicID, err)
		}
		if err := seedRules(context.Background(), rules, clinicID); err != nil {
			log.Fatalf("seed rules %s: %v", clinicID, err)
		}
		if err := seedPatients(context.Background(), pool, clinicID, patients); err != nil {
			log.Fatalf("seed patients %s: %v", clinicID, err)
		}
	}

	log.Println("seed complete")
}

func seedClinic(ctx context.Context, svc *appointment.Service, clinicID string) error {
	sched := appointment.DefaultClinicSchedule(clinicID)
	sched.Name = gofakeit.Company() + " Clinic"
	lunchStart, lunchEnd := schedule.MustClock("13:00"), schedule.MustClock("14:00")
	sched.LunchStart, sched.LunchEnd = &lunchStart, &lunchEnd
	sched.OverbookingFee = float64(gofakeit.Number(0, 4) * 10)

	if _, err := svc.SaveClinicSchedule(ctx, sched); err != nil {
		return err
	}

	for _, t := range treatments {
		price := t.price
		if _, err := svc.CreateTreatment(ctx, appointment.Treatment{
			ClinicID:        clinicID,
			Name:            t.name,
			DurationMinutes: t.duration,
			BasePrice:       &price,
		}); err != nil {
			return err
		}
	}

	holiday := schedule.DateOf(gofakeit.FutureDate())
	if err := svc.AddBlockedDates(ctx, clinicID, []time.Time{holiday}); err != nil {
		return err
	}

	log.Printf("clinic %s seeded (%s)", clinicID, sched.Name)
	return nil
}

func seedRules(ctx context.Context, svc *automation.Service, clinicID string) error {
	defs := []automation.Rule{
		{
			Name:     "Booking confirmation",
			Trigger:  appointment.EventAppointmentCreated,
			Channel:  automation.ChannelWhatsApp,
			Template: "Hi {{patient_name}}, your {{treatment}} is booked for {{date}} at {{time}}.",
		},
		{
			Name:     "Day-before reminder",
			Trigger:  "appointment_reminder",
			Channel:  automation.ChannelEmail,
			Template: "<p>Hi {{patient_name}},</p><p>See you tomorrow at {{time}} for your {{treatment}}.</p>",
		},
	}
	for _, r := range defs {
		r.ClinicID = clinicID
		r.Enabled = true
		if _, err := svc.CreateRule(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, clinicID string, count int) error {
	log.Printf("seeding %d patients for %s", count, clinicID)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, clinic_id, name, phone, email, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, now(), now())
			`, uuid.New(), clinicID, gofakeit.Name(), "+1"+gofakeit.Numerify("##########"), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
