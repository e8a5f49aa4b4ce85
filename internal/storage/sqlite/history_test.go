package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabwire/cabwire/pkg/logger"
)

func newTestHistory(t *testing.T) *HistoryStorage {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewHistoryStorage(db, log)
}

func booking(phone, name, pickup, destination string, at time.Time) *BookingRecord {
	return &BookingRecord{
		Reference:     "CAB-" + at.Format("150405"),
		CallID:        "call-" + at.Format("150405"),
		CallerPhone:   phone,
		Name:          name,
		Pickup:        pickup,
		Destination:   destination,
		Passengers:    2,
		PickupTimeRaw: "as soon as possible",
		PaymentMethod: "cash",
		Fare:          12.50,
		Status:        "dispatched",
		CreatedAt:     at,
	}
}

func TestStoreAndFetchBookings(t *testing.T) {
	storage := newTestHistory(t)
	now := time.Now().UTC().Truncate(time.Second)

	id, err := storage.StoreBooking(booking("+441603555123", "Dave", "12 Magdalen Street", "Castle Quarter", now))
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	records, err := storage.GetRecentBookings(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Dave", records[0].Name)
	assert.Equal(t, "12 Magdalen Street", records[0].Pickup)
	assert.Equal(t, 12.50, records[0].Fare)
	assert.Equal(t, now, records[0].CreatedAt)
}

func TestGetBookingsByPhoneFiltersAndOrders(t *testing.T) {
	storage := newTestHistory(t)
	base := time.Now().UTC().Truncate(time.Second)

	_, err := storage.StoreBooking(booking("+441603555123", "Dave", "a", "b", base.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = storage.StoreBooking(booking("+441603555123", "Dave", "c", "d", base.Add(-1*time.Hour)))
	require.NoError(t, err)
	_, err = storage.StoreBooking(booking("+447700900999", "Sue", "e", "f", base))
	require.NoError(t, err)

	records, err := storage.GetBookingsByPhone("+441603555123", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Newest first
	assert.Equal(t, "c", records[0].Pickup)
	assert.Equal(t, "a", records[1].Pickup)
}

func TestUpdateBookingStatus(t *testing.T) {
	storage := newTestHistory(t)
	now := time.Now().UTC().Truncate(time.Second)

	record := booking("+441603555123", "Dave", "a", "b", now)
	record.Reference = "CAB-4711"
	_, err := storage.StoreBooking(record)
	require.NoError(t, err)

	require.NoError(t, storage.UpdateBookingStatus("CAB-4711", "cancelled"))

	records, err := storage.GetBookingsByPhone("+441603555123", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "cancelled", records[0].Status)
}

func TestCallerProfileAggregation(t *testing.T) {
	storage := newTestHistory(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i, dest := range []string{"Castle Quarter", "Castle Quarter", "Riverside"} {
		_, err := storage.StoreBooking(booking("+441603555123", "Dave", "12 Magdalen Street", dest, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	profile, err := storage.GetCallerProfile("+441603555123")
	require.NoError(t, err)
	assert.Equal(t, "Dave", profile.Name)
	assert.Equal(t, 3, profile.BookingCount)
	assert.Equal(t, "12 Magdalen Street", profile.FrequentPickup)
	assert.Equal(t, "Castle Quarter", profile.FrequentDestination)
}

func TestCallerProfileUnknownNumber(t *testing.T) {
	storage := newTestHistory(t)

	profile, err := storage.GetCallerProfile("+440000000000")
	require.NoError(t, err)
	assert.Equal(t, "+440000000000", profile.Phone)
	assert.Empty(t, profile.Name)
	assert.Zero(t, profile.BookingCount)
}
