// Package hospitalfeed polls a hospital information system for discharge
// rows and publishes patient.discharged events. Episode intake happens
// upstream; the HIS row carries the episode reference written at intake,
// so the adapter only bridges the feed onto the bus.
package hospitalfeed

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver

	"github.com/careloop/careloop/internal/shared/config"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/types"
)

// Adapter polls the HIS SQL Server on a fixed interval
type Adapter struct {
	db     *sql.DB
	config config.HospitalFeedConfig
	bus    events.EventBus

	running  bool
	mu       sync.Mutex
	cancel   context.CancelFunc
	lastPoll time.Time
	wg       sync.WaitGroup
}

// New creates a new hospital feed adapter
func New(cfg config.HospitalFeedConfig, bus events.EventBus) *Adapter {
	return &Adapter{config: cfg, bus: bus}
}

// Start opens the HIS connection and begins polling
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("hospital feed already running")
	}

	connStr := fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s;encrypt=true;TrustServerCertificate=true",
		a.config.Host,
		a.config.Port,
		a.config.Database,
		a.config.User,
		a.config.Password,
	)

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return fmt.Errorf("failed to open hospital feed database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping hospital feed database: %w", err)
	}

	a.db = db
	a.running = true
	a.lastPoll = time.Now().Add(-a.config.PollInterval)

	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go a.pollLoop(pollCtx)

	return nil
}

// Stop halts polling and closes the connection
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if a.db != nil {
		a.db.Close()
	}

	a.running = false
	return nil
}

// Health checks HIS connectivity
func (a *Adapter) Health(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return fmt.Errorf("hospital feed not running")
	}
	return a.db.PingContext(ctx)
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			lastPoll := a.lastPoll
			a.lastPoll = time.Now()
			a.mu.Unlock()

			if err := a.pollDischarges(ctx, lastPoll); err != nil {
				log.Printf("hospitalfeed: poll discharges: %v", err)
			}
		}
	}
}

// pollDischarges publishes one patient.discharged event per discharge row
// newer than the previous poll. Duplicate events across overlapping polls
// are harmless: the enrollment handler is idempotent.
func (a *Adapter) pollDischarges(ctx context.Context, since time.Time) error {
	query := fmt.Sprintf(`
		SELECT
			d.EpisodeRef,
			d.PatientRef,
			d.ConditionCode,
			d.RiskLevel,
			d.DischargeDate,
			d.DiagnosisICD
		FROM %s d
		WHERE d.DischargeDate > @since
		  AND d.EpisodeRef IS NOT NULL
		ORDER BY d.DischargeDate ASC
	`, a.config.DischargeTable)

	rows, err := a.db.QueryContext(ctx, query, sql.Named("since", since))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var episodeRef, patientRef, conditionCode, riskLevel string
		var dischargeDate time.Time
		var diagICD sql.NullString

		if err := rows.Scan(&episodeRef, &patientRef, &conditionCode, &riskLevel, &dischargeDate, &diagICD); err != nil {
			log.Printf("hospitalfeed: scan discharge row: %v", err)
			continue
		}

		episodeID, err := types.ParseID(episodeRef)
		if err != nil {
			log.Printf("hospitalfeed: discharge row with bad episode ref %q", episodeRef)
			continue
		}

		data := map[string]any{
			"episode_id":     episodeID,
			"patient_ref":    patientRef,
			"condition_code": conditionCode,
			"risk_level":     riskLevel,
			"discharge_at":   dischargeDate,
		}
		if diagICD.Valid {
			data["diagnosis_icd"] = diagICD.String
		}

		if err := a.bus.Publish(ctx, events.NewEvent(events.TypePatientDischarged, "hospitalfeed", episodeID, data)); err != nil {
			log.Printf("hospitalfeed: publish discharge for %s: %v", episodeID, err)
		}
	}

	return rows.Err()
}
