package fares

import (
	"github.com/cabwire/cabwire/internal/booking"
)

// QuoteRequest asks the provider to geocode both ends of a journey and
// price it
type QuoteRequest struct {
	Pickup      string `json:"pickup"`
	Destination string `json:"destination"`
	Passengers  int    `json:"passengers"`
	PickupTime  string `json:"pickup_time,omitempty"`
	VehicleType string `json:"vehicle_type,omitempty"`
}

// EndpointResult is the provider's resolution of one address
type EndpointResult struct {
	Geocoded           *booking.GeocodedAddress `json:"geocoded,omitempty"`
	NeedsClarification bool                     `json:"needs_clarification"`
	Alternatives       []Alternative            `json:"alternatives,omitempty"`
	MissingHouseNumber bool                     `json:"missing_house_number"`
	MissingCity        bool                     `json:"missing_city"`
}

// Alternative is one candidate when an address is ambiguous
type Alternative struct {
	Label    string                  `json:"label"`
	Geocoded booking.GeocodedAddress `json:"geocoded"`
}

// Quote is the provider's answer: a priced journey, or a request for
// clarification on one or both endpoints
type Quote struct {
	Fare        float64        `json:"fare"`
	ETAMinutes  int            `json:"eta_minutes"`
	DistanceKm  float64        `json:"distance_km"`
	Currency    string         `json:"currency"`
	Pickup      EndpointResult `json:"pickup"`
	Destination EndpointResult `json:"destination"`
	// Fallback marks a quote produced by the local estimator rather than
	// the provider.
	Fallback bool `json:"fallback"`
}

// Incomplete reports whether this endpoint needs more from the caller
// before it can be priced: an ambiguous match, or a missing house number
// or city.
func (e *EndpointResult) Incomplete() bool {
	return e.NeedsClarification || e.MissingHouseNumber || e.MissingCity
}

// NeedsClarification reports whether either endpoint needs clarifying
// before the quote can be trusted. A quote with a missing house number or
// city carries no usable fare and must never be read to the caller.
func (q *Quote) NeedsClarification() bool {
	return q.Pickup.Incomplete() || q.Destination.Incomplete()
}
