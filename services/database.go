package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversion_records (
	batch_id       TEXT NOT NULL,
	file_id        TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	file_name      TEXT NOT NULL,
	job_id         TEXT,
	status         TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT,
	exchange_rate  DOUBLE PRECISION,
	payment_report TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (batch_id, file_id)
)`

// ConversionOutcome is one audited state of a file conversion.
type ConversionOutcome struct {
	BatchID       string
	FileID        string
	UserID        string
	FileName      string
	JobID         string
	Status        string
	Attempts      int
	Error         string
	ExchangeRate  float64
	PaymentReport string
}

type DatabaseService struct {
	db  *sql.DB
	now func() time.Time
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewDatabaseServiceFromDB(db), nil
}

// NewDatabaseServiceFromDB wraps an already opened handle.
func NewDatabaseServiceFromDB(db *sql.DB) *DatabaseService {
	return &DatabaseService{db: db, now: time.Now}
}

func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordOutcome upserts the audited state of a file. A retry of the same
// file overwrites the job id and attempt count of the earlier row.
func (d *DatabaseService) RecordOutcome(ctx context.Context, o ConversionOutcome) error {
	query := `INSERT INTO conversion_records
		(batch_id, file_id, user_id, file_name, job_id, status, attempts, error_message, exchange_rate, payment_report, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (batch_id, file_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			error_message = EXCLUDED.error_message,
			exchange_rate = EXCLUDED.exchange_rate,
			payment_report = EXCLUDED.payment_report,
			updated_at = EXCLUDED.updated_at`

	_, err := d.db.ExecContext(ctx, query,
		o.BatchID, o.FileID, o.UserID, o.FileName,
		nullString(o.JobID), o.Status, o.Attempts, nullString(o.Error),
		o.ExchangeRate, o.PaymentReport, d.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record conversion %s/%s: %w", o.BatchID, o.FileID, err)
	}
	return nil
}

// CountByStatus returns how many files a user converted per final status.
func (d *DatabaseService) CountByStatus(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM conversion_records WHERE user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count conversions: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
