package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cabwire/cabwire/pkg/logger"
)

// ReviewStorage handles finished-call transcripts and their review
// annotations
type ReviewStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewReviewStorage creates a new SQLite review storage
func NewReviewStorage(db *sql.DB, logger *logger.Logger) *ReviewStorage {
	storage := &ReviewStorage{
		db:     db,
		logger: logger.Named("sqlite-reviews"),
	}

	if err := storage.initDB(); err != nil {
		logger.Error("Failed to initialize review storage", Error(err))
	}

	return storage
}

func (s *ReviewStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS call_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			caller_phone TEXT NOT NULL,
			transcript TEXT NOT NULL,
			end_reason TEXT NOT NULL,
			reviewed INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create call_records table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS review_annotations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_record_id INTEGER NOT NULL,
			quality TEXT NOT NULL,
			missed_intents INTEGER NOT NULL DEFAULT 0,
			safety_net_fired INTEGER NOT NULL DEFAULT 0,
			notes TEXT,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (call_record_id) REFERENCES call_records(id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create review_annotations table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_call_records_reviewed ON call_records(reviewed)`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_call_id ON call_records(call_id)`,
	}
	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create review index: %w", err)
		}
	}

	return nil
}

// StoreCallRecord saves a finished call's transcript for later review
func (s *ReviewStorage) StoreCallRecord(record *CallRecord) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO call_records (call_id, caller_phone, transcript, end_reason, reviewed, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		record.CallID,
		record.CallerPhone,
		record.Transcript,
		record.EndReason,
		record.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// GetUnreviewedCalls returns finished calls awaiting review
func (s *ReviewStorage) GetUnreviewedCalls(limit int) ([]*CallRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, call_id, caller_phone, transcript, end_reason, reviewed, created_at
		FROM call_records
		WHERE reviewed = 0
		ORDER BY created_at ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unreviewed calls: %w", err)
	}
	defer rows.Close()

	var records []*CallRecord
	for rows.Next() {
		var record CallRecord
		var createdAt string
		var reviewed int

		if err := rows.Scan(
			&record.ID,
			&record.CallID,
			&record.CallerPhone,
			&record.Transcript,
			&record.EndReason,
			&reviewed,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}

		record.Reviewed = reviewed != 0
		record.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		records = append(records, &record)
	}

	return records, nil
}

// StoreAnnotation saves a review result and marks the call reviewed
func (s *ReviewStorage) StoreAnnotation(annotation *ReviewAnnotation) (int64, error) {
	safetyNet := 0
	if annotation.SafetyNetFired {
		safetyNet = 1
	}

	result, err := s.db.Exec(
		`INSERT INTO review_annotations (call_record_id, quality, missed_intents, safety_net_fired, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		annotation.CallRecordID,
		annotation.Quality,
		annotation.MissedIntents,
		safetyNet,
		annotation.Notes,
		annotation.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert review annotation: %w", err)
	}

	if _, err := s.db.Exec(
		`UPDATE call_records SET reviewed = 1 WHERE id = ?`,
		annotation.CallRecordID,
	); err != nil {
		return 0, fmt.Errorf("failed to mark call reviewed: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// MarkReviewFailed marks a call reviewed without an annotation so a bad
// transcript cannot be retried forever
func (s *ReviewStorage) MarkReviewFailed(callRecordID int64) error {
	if _, err := s.db.Exec(
		`UPDATE call_records SET reviewed = 1 WHERE id = ?`,
		callRecordID,
	); err != nil {
		return fmt.Errorf("failed to mark review failed: %w", err)
	}
	return nil
}

// GetRecentCallRecords returns the most recently finished calls, newest
// first, for the operator console
func (s *ReviewStorage) GetRecentCallRecords(limit int) ([]*CallRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, call_id, caller_phone, transcript, end_reason, reviewed, created_at
		FROM call_records
		ORDER BY created_at DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query call records: %w", err)
	}
	defer rows.Close()

	var records []*CallRecord
	for rows.Next() {
		var record CallRecord
		var createdAt string
		var reviewed int

		if err := rows.Scan(
			&record.ID,
			&record.CallID,
			&record.CallerPhone,
			&record.Transcript,
			&record.EndReason,
			&reviewed,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}

		record.Reviewed = reviewed != 0
		record.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		records = append(records, &record)
	}

	return records, nil
}

// GetAnnotationForCall returns the review annotation for a finished call,
// or nil if the call has not been reviewed yet
func (s *ReviewStorage) GetAnnotationForCall(callRecordID int64) (*ReviewAnnotation, error) {
	row := s.db.QueryRow(
		`SELECT id, call_record_id, quality, missed_intents, safety_net_fired, notes, created_at
		FROM review_annotations
		WHERE call_record_id = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		callRecordID,
	)

	var annotation ReviewAnnotation
	var createdAt string
	var safetyNet int
	var notes sql.NullString

	err := row.Scan(
		&annotation.ID,
		&annotation.CallRecordID,
		&annotation.Quality,
		&annotation.MissedIntents,
		&safetyNet,
		&notes,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan review annotation: %w", err)
	}

	annotation.SafetyNetFired = safetyNet != 0
	annotation.Notes = notes.String
	annotation.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &annotation, nil
}
