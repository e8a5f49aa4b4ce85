package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/cabwire/cabwire/internal/booking"
	"github.com/cabwire/cabwire/internal/fares"
	"github.com/cabwire/cabwire/pkg/logger"
)

// triggerFareLookup starts one background quote. The CAS flag
// deduplicates: the machine may request a quote on the same turn the AI
// calls quote_booking explicitly.
func (s *Session) triggerFareLookup() {
	if !s.fareTriggered.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	s.phase = booking.PhaseFareCalculating
	req := fares.QuoteRequest{
		Pickup:      s.record.Pickup.Raw,
		Destination: s.record.Destination.Raw,
		Passengers:  s.record.Passengers,
		PickupTime:  s.record.PickupTimeRaw,
		VehicleType: s.record.VehicleType,
	}
	s.mu.Unlock()

	s.spawn("fare-lookup", func(ctx context.Context) {
		s.runFareLookup(ctx, req)
	})
}

// runFareLookup calls the provider under the quote deadline and falls
// back to the local estimator when it cannot answer in time. The call
// never waits in silence past the deadline.
func (s *Session) runFareLookup(ctx context.Context, req fares.QuoteRequest) {
	qctx, cancel := context.WithTimeout(ctx, s.deps.Config.QuoteDeadline)
	defer cancel()

	quote, err := s.quoteSafely(qctx, req)
	if err != nil {
		s.logger.Warn("Fare provider unavailable, using fallback estimate",
			logger.Error(err))
		s.publish("fare_fallback", map[string]any{"error": err.Error()})
		quote = s.deps.Fallback.Estimate(req)
	}

	s.applyQuote(req, quote)
}

// quoteSafely contains a panicking provider the same way a failing one is
// contained: the caller falls back to the local estimate.
func (s *Session) quoteSafely(ctx context.Context, req fares.QuoteRequest) (quote *fares.Quote, err error) {
	defer func() {
		if r := recover(); r != nil {
			quote = nil
			err = fmt.Errorf("fare provider panic: %v", r)
		}
	}()
	return s.deps.Fares.Quote(ctx, req)
}

// applyQuote folds a quote result back into the session: disambiguation
// first, then the guard checks, then acceptance.
func (s *Session) applyQuote(req fares.QuoteRequest, quote *fares.Quote) {
	s.mu.Lock()

	// Stale check: a material change invalidated the fare while the
	// lookup was in flight. Drop the result; the change re-triggers.
	if !s.fareTriggered.Load() {
		s.mu.Unlock()
		s.logger.Debug("Discarding stale quote")
		return
	}
	if s.record.Pickup.Raw != req.Pickup || s.record.Destination.Raw != req.Destination {
		s.mu.Unlock()
		s.logger.Debug("Discarding quote for superseded addresses")
		return
	}

	if quote.NeedsClarification() {
		say := s.applyClarificationLocked(quote)
		s.mu.Unlock()
		s.instruct(say)
		return
	}

	// Both endpoints resolved: lock in the geocodes.
	if quote.Pickup.Geocoded != nil {
		s.record.Pickup.Geocoded = quote.Pickup.Geocoded
		s.record.Pickup.Resolved = true
	}
	if quote.Destination.Geocoded != nil {
		s.record.Destination.Geocoded = quote.Destination.Geocoded
		s.record.Destination.Resolved = true
	}

	if say, held := s.applyGuardsLocked(quote); held {
		s.mu.Unlock()
		s.instruct(say)
		return
	}

	s.record.Fare = quote.Fare
	s.record.ETAMinutes = quote.ETAMinutes
	s.machine.SetFareAvailable(true)
	s.machine.SetFareRejected(false)

	var say string
	if s.record.PaymentMethod == "" {
		s.phase = booking.PhaseAwaitingPayment
		say = fmt.Sprintf("Tell the caller the fare is %s %s, then ask whether they want to pay cash or card.",
			quote.Currency, fmtFare(quote.Fare))
	} else {
		s.phase = booking.PhaseAwaitingConfirmation
		say = fmt.Sprintf("Tell the caller the fare is %s %s and ask them to confirm the booking.",
			quote.Currency, fmtFare(quote.Fare))
	}
	if quote.Fallback {
		say += " Mention that this is an estimate and the exact fare will be confirmed by text."
	}
	fare := quote.Fare
	s.mu.Unlock()

	s.logger.Info("Fare quoted",
		logger.Float64("fare", fare),
		logger.Bool("fallback", quote.Fallback))
	s.publish("fare_quoted", map[string]any{"fare": fare, "fallback": quote.Fallback})

	s.instruct(say)
}

// applyClarificationLocked routes an ambiguous quote into the
// disambiguation phases. Pickup always resolves first; destination
// options wait stashed until it does. Caller holds s.mu.
func (s *Session) applyClarificationLocked(quote *fares.Quote) string {
	s.fareTriggered.Store(false)

	if quote.Pickup.MissingHouseNumber || quote.Destination.MissingHouseNumber {
		s.phase = booking.PhaseMissingHouseNumber
		field := "pickup address"
		if !quote.Pickup.MissingHouseNumber {
			field = "destination address"
		}
		return fmt.Sprintf("Ask the caller for the house number of the %s.", field)
	}
	if quote.Pickup.MissingCity || quote.Destination.MissingCity {
		s.phase = booking.PhaseMissingCity
		field := "pickup address"
		if !quote.Pickup.MissingCity {
			field = "destination address"
		}
		return fmt.Sprintf("Ask the caller which town or city the %s is in.", field)
	}

	if quote.Destination.NeedsClarification {
		s.destinationOptions = quote.Destination.Alternatives
	}
	if quote.Pickup.NeedsClarification {
		s.pickupOptions = quote.Pickup.Alternatives
		s.phase = booking.PhasePickupDisambiguation
		return disambiguationPrompt("pickup", s.pickupOptions)
	}

	s.phase = booking.PhaseDestinationDisambiguation
	return disambiguationPrompt("destination", s.destinationOptions)
}

// applyGuardsLocked runs the fare-sanity ceiling and the
// address-discrepancy check. Returns (instruction, true) when the quote
// is held back. Caller holds s.mu.
func (s *Session) applyGuardsLocked(quote *fares.Quote) (string, bool) {
	// Sanity ceiling. Bypassed after the caller re-confirms the same
	// destination, or after two alerts: the caller's intent wins over
	// the heuristic.
	if ceiling := s.deps.Config.SanityCeiling; ceiling > 0 && quote.Fare > ceiling {
		sameDest := s.sanityDestination == s.record.Destination.Raw
		bypass := (s.destReconfirmed && sameDest) || (s.sanityAlerts >= 2 && sameDest)

		if !bypass {
			s.sanityAlerts++
			s.sanityDestination = s.record.Destination.Raw
			s.fareTriggered.Store(false)
			s.phase = booking.PhaseFareSanityCheck

			s.logger.Warn("Fare above sanity ceiling",
				logger.Float64("fare", quote.Fare),
				logger.Float64("ceiling", ceiling),
				logger.Int("alerts", s.sanityAlerts))
			s.publish("fare_sanity_alert", map[string]any{
				"fare":   quote.Fare,
				"alerts": s.sanityAlerts,
			})

			return fmt.Sprintf("The fare is unusually high at %s %s. Read the destination back to the caller exactly as understood, and ask them to confirm it is correct.",
				quote.Currency, fmtFare(quote.Fare)), true
		}

		s.logger.Info("Fare sanity ceiling bypassed",
			logger.Float64("fare", quote.Fare),
			logger.Int("alerts", s.sanityAlerts))
		s.publish("fare_sanity_bypassed", map[string]any{
			"fare":   quote.Fare,
			"alerts": s.sanityAlerts,
		})
	}

	// Discrepancy check: the resolved street barely overlaps what the
	// caller said. One read-back, never a block.
	if !s.discrepancyPrompted && quote.Destination.Geocoded != nil {
		resolved := quote.Destination.Geocoded.Street
		if resolved != "" && booking.WordOverlap(s.record.Destination.Raw, resolved) < 0.3 {
			s.discrepancyPrompted = true
			s.fareTriggered.Store(false)
			s.phase = booking.PhaseAddressDiscrepancy

			s.logger.Info("Address discrepancy detected",
				logger.String("spoken", s.record.Destination.Raw),
				logger.String("resolved", resolved))

			return fmt.Sprintf("Read the destination back to the caller as %q and ask them to confirm it is the right place.",
				resolved), true
		}
	}

	return "", false
}

// disambiguationPrompt renders the option list as a speech instruction.
func disambiguationPrompt(field string, options []fares.Alternative) string {
	labels := make([]string, 0, len(options))
	for i, opt := range options {
		labels = append(labels, fmt.Sprintf("%d) %s", i+1, opt.Label))
	}
	return fmt.Sprintf("The %s address is ambiguous. Offer the caller these options and ask which one they mean: %s.",
		field, strings.Join(labels, "; "))
}
