package fares

// FallbackEstimator produces a low-fidelity quote when the provider misses
// its deadline, so a call is never stuck waiting on a fare. The estimate
// is a flat pickup charge plus a per-kilometre rate over an assumed
// in-town distance; dispatch reconciles the real fare later.
type FallbackEstimator struct {
	FlatFare  float64
	PerKmFare float64
	Currency  string
}

// assumedDistanceKm is used when no distance is known at all. Deliberately
// short: a modest quote is easier to correct upward at pickup than a
// scary one is to walk back.
const assumedDistanceKm = 5.0

// Estimate returns a fallback quote for the request. It never fails.
func (e FallbackEstimator) Estimate(req QuoteRequest) *Quote {
	distance := assumedDistanceKm
	fare := e.FlatFare + e.PerKmFare*distance

	return &Quote{
		Fare:       fare,
		ETAMinutes: 15,
		DistanceKm: distance,
		Currency:   e.Currency,
		Fallback:   true,
	}
}
