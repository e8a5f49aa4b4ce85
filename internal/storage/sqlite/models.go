package sqlite

import "time"

// BookingRecord is a completed booking as archived at call end
type BookingRecord struct {
	ID              int64     `json:"id"`
	Reference       string    `json:"reference"`
	CallID          string    `json:"call_id"`
	CallerPhone     string    `json:"caller_phone"`
	Name            string    `json:"name"`
	Pickup          string    `json:"pickup"`
	Destination     string    `json:"destination"`
	Passengers      int       `json:"passengers"`
	PickupTimeRaw   string    `json:"pickup_time_raw"`
	PaymentMethod   string    `json:"payment_method,omitempty"`
	Fare            float64   `json:"fare"`
	DispatchJourney string    `json:"dispatch_journey_id,omitempty"`
	Status          string    `json:"status"` // "dispatched", "cancelled"
	CreatedAt       time.Time `json:"created_at"`
}

// CallerProfile is what the history store knows about a phone number at
// call start
type CallerProfile struct {
	Phone               string    `json:"phone"`
	Name                string    `json:"name,omitempty"`
	FrequentPickup      string    `json:"frequent_pickup,omitempty"`
	FrequentDestination string    `json:"frequent_destination,omitempty"`
	BookingCount        int       `json:"booking_count"`
	LastBookingAt       time.Time `json:"last_booking_at"`
}

// CallRecord is the transcript and outcome of one finished call, kept for
// the post-call review pipeline
type CallRecord struct {
	ID          int64     `json:"id"`
	CallID      string    `json:"call_id"`
	CallerPhone string    `json:"caller_phone"`
	Transcript  string    `json:"transcript"`
	EndReason   string    `json:"end_reason"`
	Reviewed    bool      `json:"reviewed"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReviewAnnotation is the structured result of reviewing one call
type ReviewAnnotation struct {
	ID             int64     `json:"id"`
	CallRecordID   int64     `json:"call_record_id"`
	Quality        string    `json:"quality"` // "good", "degraded", "failed"
	MissedIntents  int       `json:"missed_intents"`
	SafetyNetFired bool      `json:"safety_net_fired"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
