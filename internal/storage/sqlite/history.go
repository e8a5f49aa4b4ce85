package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cabwire/cabwire/pkg/logger"
)

// HistoryStorage handles caller history and the completed-booking archive
type HistoryStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewHistoryStorage creates a new SQLite history storage
func NewHistoryStorage(db *sql.DB, logger *logger.Logger) *HistoryStorage {
	storage := &HistoryStorage{
		db:     db,
		logger: logger.Named("sqlite-history"),
	}

	if err := storage.initDB(); err != nil {
		logger.Error("Failed to initialize history storage", Error(err))
	}

	return storage
}

// initDB initializes the database tables
func (s *HistoryStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bookings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reference TEXT NOT NULL,
			call_id TEXT NOT NULL,
			caller_phone TEXT NOT NULL,
			name TEXT,
			pickup TEXT NOT NULL,
			destination TEXT NOT NULL,
			passengers INTEGER NOT NULL,
			pickup_time_raw TEXT,
			payment_method TEXT,
			fare REAL NOT NULL,
			dispatch_journey_id TEXT,
			status TEXT NOT NULL DEFAULT 'dispatched',
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create bookings table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_bookings_phone ON bookings(caller_phone)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_reference ON bookings(reference)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_created_at ON bookings(created_at)`,
	}
	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create booking index: %w", err)
		}
	}

	return nil
}

// StoreBooking archives a completed booking
func (s *HistoryStorage) StoreBooking(record *BookingRecord) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO bookings
		(reference, call_id, caller_phone, name, pickup, destination, passengers, pickup_time_raw, payment_method, fare, dispatch_journey_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Reference,
		record.CallID,
		record.CallerPhone,
		record.Name,
		record.Pickup,
		record.Destination,
		record.Passengers,
		record.PickupTimeRaw,
		record.PaymentMethod,
		record.Fare,
		record.DispatchJourney,
		record.Status,
		record.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert booking: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// UpdateBookingStatus updates the status of an archived booking
func (s *HistoryStorage) UpdateBookingStatus(reference, status string) error {
	_, err := s.db.Exec(
		`UPDATE bookings SET status = ? WHERE reference = ?`,
		status, reference,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	return nil
}

// GetCallerProfile builds the caller's profile from their booking history.
// An unknown number returns an empty profile, not an error.
func (s *HistoryStorage) GetCallerProfile(phone string) (*CallerProfile, error) {
	profile := &CallerProfile{Phone: phone}

	row := s.db.QueryRow(
		`SELECT name, created_at FROM bookings
		WHERE caller_phone = ? AND name != ''
		ORDER BY created_at DESC LIMIT 1`,
		phone,
	)
	var createdAt string
	if err := row.Scan(&profile.Name, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return profile, nil
		}
		return nil, fmt.Errorf("failed to query caller profile: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		profile.LastBookingAt = ts
	}

	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM bookings WHERE caller_phone = ?`, phone,
	).Scan(&profile.BookingCount); err != nil {
		return nil, fmt.Errorf("failed to count bookings: %w", err)
	}

	// Most frequent endpoints, used only to prime the agent's prompt.
	profile.FrequentPickup = s.mostFrequent(phone, "pickup")
	profile.FrequentDestination = s.mostFrequent(phone, "destination")

	return profile, nil
}

func (s *HistoryStorage) mostFrequent(phone, column string) string {
	// column is one of two fixed identifiers, never user input.
	query := fmt.Sprintf(
		`SELECT %s FROM bookings WHERE caller_phone = ?
		GROUP BY %s ORDER BY COUNT(*) DESC LIMIT 1`,
		column, column,
	)
	var value string
	if err := s.db.QueryRow(query, phone).Scan(&value); err != nil {
		return ""
	}
	return value
}

// GetRecentBookings returns recent bookings across all callers
func (s *HistoryStorage) GetRecentBookings(limit int) ([]*BookingRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, reference, call_id, caller_phone, name, pickup, destination, passengers, pickup_time_raw, payment_method, fare, dispatch_journey_id, status, created_at
		FROM bookings
		ORDER BY created_at DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent bookings: %w", err)
	}
	defer rows.Close()

	return s.scanBookingRows(rows)
}

// GetBookingsByPhone returns a caller's booking history, newest first
func (s *HistoryStorage) GetBookingsByPhone(phone string, limit int) ([]*BookingRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, reference, call_id, caller_phone, name, pickup, destination, passengers, pickup_time_raw, payment_method, fare, dispatch_journey_id, status, created_at
		FROM bookings
		WHERE caller_phone = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		phone, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings by phone: %w", err)
	}
	defer rows.Close()

	return s.scanBookingRows(rows)
}

// scanBookingRows scans database rows into BookingRecord structs
func (s *HistoryStorage) scanBookingRows(rows *sql.Rows) ([]*BookingRecord, error) {
	var records []*BookingRecord
	for rows.Next() {
		var record BookingRecord
		var createdAt string
		var paymentMethod, journeyID sql.NullString

		if err := rows.Scan(
			&record.ID,
			&record.Reference,
			&record.CallID,
			&record.CallerPhone,
			&record.Name,
			&record.Pickup,
			&record.Destination,
			&record.Passengers,
			&record.PickupTimeRaw,
			&paymentMethod,
			&record.Fare,
			&journeyID,
			&record.Status,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}

		var err error
		record.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		if paymentMethod.Valid {
			record.PaymentMethod = paymentMethod.String
		}
		if journeyID.Valid {
			record.DispatchJourney = journeyID.String
		}

		records = append(records, &record)
	}

	return records, nil
}
