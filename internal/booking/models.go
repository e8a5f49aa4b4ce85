package booking

import (
	"time"
)

// Phase is the call state machine's current position in the booking flow
type Phase string

const (
	// Greeting and collection phases, one per required field
	PhaseGreeting              Phase = "greeting"
	PhaseCollectingName        Phase = "collecting_name"
	PhaseCollectingPickup      Phase = "collecting_pickup"
	PhaseCollectingDestination Phase = "collecting_destination"
	PhaseCollectingPassengers  Phase = "collecting_passengers"
	PhaseCollectingTime        Phase = "collecting_time"

	// Fare phases
	PhaseFareCalculating      Phase = "fare_calculating"
	PhaseAwaitingPayment      Phase = "awaiting_payment_choice"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseBookingConfirmed     Phase = "booking_confirmed"

	// Disambiguation phases
	PhasePickupDisambiguation      Phase = "pickup_disambiguation"
	PhaseDestinationDisambiguation Phase = "destination_disambiguation"

	// Guard phases
	PhaseFareSanityCheck    Phase = "fare_sanity_check"
	PhaseAddressDiscrepancy Phase = "address_discrepancy"
	PhaseMissingHouseNumber Phase = "missing_house_number"
	PhaseMissingCity        Phase = "missing_city"

	// Existing-booking management phases
	PhaseManagingBooking       Phase = "managing_booking"
	PhaseAwaitingCancelConfirm Phase = "awaiting_cancel_confirmation"
	PhaseAwaitingAmendment     Phase = "awaiting_amendment"

	// Terminal phases
	PhaseCallEnding   Phase = "call_ending"
	PhaseTransferring Phase = "transferring"
	PhaseEscalated    Phase = "escalated"
)

// Intent is the coarse classification of what the caller wants this turn
type Intent string

const (
	IntentUnknown      Intent = "unknown"
	IntentProvideData  Intent = "provide_data"
	IntentConfirm      Intent = "confirm"
	IntentReject       Intent = "reject"
	IntentSelectOption Intent = "select_option"
	IntentCancel       Intent = "cancel"
	IntentAmend        Intent = "amend"
	IntentCheckStatus  Intent = "check_status"
	IntentNewBooking   Intent = "new_booking"
	IntentGoodbye      Intent = "goodbye"
	IntentEscalate     Intent = "escalate"
)

// GeocodedAddress holds the provider's resolution of a raw spoken address
type GeocodedAddress struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Street      string  `json:"street"`
	HouseNumber string  `json:"house_number"`
	Postcode    string  `json:"postcode"`
	City        string  `json:"city"`
}

// Address is one endpoint of the journey: the caller's raw words plus the
// geocoded resolution once the provider has confirmed it
type Address struct {
	Raw                     string           `json:"raw"`
	Geocoded                *GeocodedAddress `json:"geocoded,omitempty"`
	Resolved                bool             `json:"resolved"`
	PreviousInterpretations []string         `json:"previous_interpretations,omitempty"`
}

// Record is the mutable per-call booking record. It is owned exclusively by
// one session; it is never shared across calls.
type Record struct {
	Name            string    `json:"name"`
	CallerPhone     string    `json:"caller_phone"`
	Pickup          Address   `json:"pickup"`
	Destination     Address   `json:"destination"`
	Passengers      int       `json:"passengers"`
	PickupTimeRaw   string    `json:"pickup_time_raw"`
	PickupTime      time.Time `json:"pickup_time"`
	VehicleType     string    `json:"vehicle_type,omitempty"`
	Luggage         string    `json:"luggage,omitempty"`
	PaymentMethod   string    `json:"payment_method,omitempty"`
	Fare            float64   `json:"fare,omitempty"`
	ETAMinutes      int       `json:"eta_minutes,omitempty"`
	Confirmed       bool      `json:"confirmed"`
	Reference       string    `json:"reference,omitempty"`
	DispatchJourney string    `json:"dispatch_journey_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Reset clears everything except caller identity so a new booking can be
// collected within the same call
func (r *Record) Reset() {
	phone := r.CallerPhone
	name := r.Name
	*r = Record{
		CallerPhone: phone,
		Name:        name,
		CreatedAt:   time.Now().UTC(),
	}
}

// Snapshot is an immutable presence view of the record, built immediately
// before each state machine invocation so decisions never race with ongoing
// mutation
type Snapshot struct {
	HasName        bool
	HasPickup      bool
	HasDestination bool
	HasPassengers  bool
	HasTime        bool
	HasFare        bool
	HasPayment     bool

	PickupResolved      bool
	DestinationResolved bool
	// DestinationOptionsPending is true when the provider returned
	// destination alternatives that are stashed behind the pickup
	// disambiguation
	DestinationOptionsPending bool

	Complete bool
}

// Snapshot builds a presence snapshot from the current record state
func (r *Record) Snapshot() Snapshot {
	s := Snapshot{
		HasName:             r.Name != "",
		HasPickup:           r.Pickup.Raw != "",
		HasDestination:      r.Destination.Raw != "",
		HasPassengers:       r.Passengers > 0,
		HasTime:             r.PickupTimeRaw != "",
		HasFare:             r.Fare > 0,
		HasPayment:          r.PaymentMethod != "",
		PickupResolved:      r.Pickup.Resolved,
		DestinationResolved: r.Destination.Resolved,
	}
	s.Complete = s.HasName && s.HasPickup && s.HasDestination && s.HasPassengers && s.HasTime
	return s
}

// Extraction is the AI's understanding of the current utterance. Purely
// descriptive; it has no behavior.
type Extraction struct {
	Intent         Intent `json:"intent"`
	Name           string `json:"name,omitempty"`
	Pickup         string `json:"pickup,omitempty"`
	Destination    string `json:"destination,omitempty"`
	Passengers     int    `json:"passengers,omitempty"`
	PickupTime     string `json:"pickup_time,omitempty"`
	PaymentMethod  string `json:"payment_method,omitempty"`
	SelectedOption int    `json:"selected_option,omitempty"` // 1-based
	SpokenAddress  string `json:"spoken_address,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Action is the state machine's output: what the AI must say next plus at
// most one side effect the orchestrator should perform. The machine never
// performs an effect itself.
type Action struct {
	Say  string
	Next Phase

	ExecuteBooking     bool
	ExecuteCancel      bool
	RequestFareQuote   bool
	EndCall            bool
	TransferToOperator bool
	SendBookingLink    bool
	CheckStatus        bool

	Blocked     bool
	BlockReason string
}

// EffectCount returns how many effect flags are set. At most one may be
// true per descriptor.
func (a Action) EffectCount() int {
	n := 0
	for _, f := range []bool{
		a.ExecuteBooking, a.ExecuteCancel, a.RequestFareQuote,
		a.EndCall, a.TransferToOperator, a.SendBookingLink, a.CheckStatus,
	} {
		if f {
			n++
		}
	}
	return n
}

// PendingConfirmation records an armed destructive action awaiting the
// caller's explicit yes
type PendingConfirmation struct {
	ActionType  string
	RequestedAt time.Time
}
