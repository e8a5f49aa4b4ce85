package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cabwire/cabwire/internal/booking"
	"github.com/cabwire/cabwire/internal/fares"
	"github.com/cabwire/cabwire/internal/storage/sqlite"
	"github.com/cabwire/cabwire/pkg/logger"
)

// handleStoreBookingData merges whatever the AI extracted from the
// caller's speech into the record and advances.
func (s *Session) handleStoreBookingData(args map[string]any) map[string]any {
	ext := booking.Extraction{
		Name:          argString(args, "name"),
		Pickup:        argString(args, "pickup"),
		Destination:   argString(args, "destination"),
		Passengers:    argInt(args, "passengers"),
		PickupTime:    argString(args, "pickup_time"),
		PaymentMethod: argString(args, "payment_method"),
		Intent:        booking.Intent(argString(args, "intent")),
	}
	if ext.Intent == "" {
		ext.Intent = booking.IntentProvideData
	}
	return s.processExtraction(ext)
}

// handleResolveAddressOption resolves a disambiguation choice. The caller
// may pick one of the offered options or say a brand-new address; fuzzy
// matching against the offered labels decides which happened.
func (s *Session) handleResolveAddressOption(args map[string]any) map[string]any {
	option := argInt(args, "option")
	spoken := argString(args, "spoken")
	if option <= 0 && spoken == "" {
		return map[string]any{"ok": false, "error": "no option or spoken address given"}
	}

	s.mu.Lock()

	var options []fares.Alternative
	var field string
	switch s.phase {
	case booking.PhasePickupDisambiguation:
		options = s.pickupOptions
		field = "pickup"
	case booking.PhaseDestinationDisambiguation:
		options = s.destinationOptions
		field = "destination"
	default:
		phase := s.phase
		s.mu.Unlock()
		return map[string]any{"ok": false, "error": fmt.Sprintf("no address options pending in phase %s", phase)}
	}

	var chosen *fares.Alternative
	if option >= 1 && option <= len(options) {
		chosen = &options[option-1]
	} else if spoken != "" {
		for i := range options {
			if booking.MatchesOfferedOption(spoken, []string{options[i].Label}) {
				chosen = &options[i]
				break
			}
		}
	}

	if chosen == nil {
		if spoken == "" {
			n := len(options)
			s.mu.Unlock()
			return map[string]any{"ok": false, "error": fmt.Sprintf("option %d out of range, %d offered", option, n)}
		}
		// Not one of the offered options: treat it as a new address and
		// requote from scratch.
		s.logger.Info("Disambiguation answered with new address",
			logger.String("field", field),
			logger.String("spoken", spoken))

		ext := booking.Extraction{Intent: booking.IntentProvideData}
		if field == "pickup" {
			ext.Pickup = spoken
			s.pickupOptions = nil
		} else {
			ext.Destination = spoken
			s.destinationOptions = nil
		}
		booking.MergeExtraction(s.record, ext)
		s.invalidateFareLocked()
		s.mu.Unlock()

		s.triggerFareLookup()
		return map[string]any{"ok": true, "resolved": field, "status": "new address"}
	}

	// Lock in the chosen geocode so the next quote cannot re-ambiguate
	// the same address.
	geo := chosen.Geocoded
	if field == "pickup" {
		s.record.Pickup = booking.Address{Raw: chosen.Label, Geocoded: &geo, Resolved: true}
		s.pickupOptions = nil
	} else {
		s.record.Destination = booking.Address{Raw: chosen.Label, Geocoded: &geo, Resolved: true}
		s.destinationOptions = nil
	}

	// Pickup resolved first; if destination options were stashed while
	// pickup was ambiguous, surface them now.
	if field == "pickup" && len(s.destinationOptions) > 0 {
		s.phase = booking.PhaseDestinationDisambiguation
		say := disambiguationPrompt("destination", s.destinationOptions)
		s.mu.Unlock()
		s.instruct(say)
		return map[string]any{"ok": true, "resolved": field, "next": "destination options pending"}
	}

	s.mu.Unlock()

	// Both endpoints locked in: requote with the resolved geocodes.
	s.triggerFareLookup()
	return map[string]any{"ok": true, "resolved": field}
}

// handleQuoteBooking is the explicit quote request. Normally the machine
// triggers the quote itself when the record completes; this tool covers
// the AI asking for a (re)quote directly.
func (s *Session) handleQuoteBooking(args map[string]any) map[string]any {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if !snap.Complete {
		missing := booking.NextMissing(snap)
		return map[string]any{"ok": false, "error": "booking details incomplete", "missing": string(missing)}
	}

	s.triggerFareLookup()
	return map[string]any{"ok": true, "status": "quote requested"}
}

// handleConfirmBooking dispatches the booking. The gate refuses a confirm
// with no valid fare; the CAS flag makes dispatch exactly-once no matter
// how many times the AI calls this.
func (s *Session) handleConfirmBooking(args map[string]any) map[string]any {
	s.mu.Lock()
	ok, reason := s.machine.GateBookingConfirm()
	ref := s.record.Reference
	s.mu.Unlock()

	if !ok {
		if ref != "" {
			// Idempotent success: already dispatched, return the same
			// reference instead of an error.
			return map[string]any{"ok": true, "reference": ref, "status": "already booked"}
		}
		return map[string]any{"ok": false, "error": reason}
	}

	if !s.dispatched.CompareAndSwap(false, true) {
		s.mu.Lock()
		ref := s.record.Reference
		s.mu.Unlock()
		return map[string]any{"ok": true, "reference": ref, "status": "already booked"}
	}

	s.executeBooking()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record.Reference == "" {
		// Dispatch failed; executeBooking already rolled the flags back
		// and instructed the apology.
		return map[string]any{"ok": false, "error": "dispatch failed"}
	}
	s.phase = booking.PhaseBookingConfirmed
	return map[string]any{"ok": true, "reference": s.record.Reference, "fare": s.record.Fare}
}

// handleCancelBooking is the two-phase destructive gate: the first call
// arms a confirmation, the second (with confirmed=true, within the
// window) executes.
func (s *Session) handleCancelBooking(args map[string]any) map[string]any {
	confirmed := argBool(args, "confirmed")

	s.mu.Lock()
	ok, reason := s.machine.GateCancel(confirmed)
	s.mu.Unlock()
	if !ok {
		if reason == "confirmation required" {
			s.mu.Lock()
			s.phase = booking.PhaseAwaitingCancelConfirm
			s.mu.Unlock()
			s.instruct("Confirm with the caller that they really want to cancel this booking before proceeding.")
			return map[string]any{"ok": false, "status": "confirmation required"}
		}
		return map[string]any{"ok": false, "error": reason}
	}

	s.executeCancel("caller cancelled")
	return map[string]any{"ok": true, "status": "cancelled"}
}

// handleAmendBooking replaces a dispatched booking: cancel the old
// journey, reset the cycle and collect the changed details.
func (s *Session) handleAmendBooking(args map[string]any) map[string]any {
	s.mu.Lock()
	dispatched := s.machine.BookingDispatched()
	s.mu.Unlock()
	if !dispatched {
		return map[string]any{"ok": false, "error": "no booking to amend"}
	}
	if !s.amending.CompareAndSwap(false, true) {
		return map[string]any{"ok": false, "error": "amendment already in progress"}
	}

	s.mu.Lock()
	journeyID := s.record.DispatchJourney
	s.mu.Unlock()

	if journeyID != "" {
		s.spawn("amend-cancel", func(ctx context.Context) {
			sctx, cancel := s.serviceCtx()
			defer cancel()
			if err := s.deps.Dispatcher.Cancel(sctx, journeyID, "amended by caller"); err != nil {
				s.logger.Warn("Failed to cancel journey for amendment", logger.Error(err))
			}
		})
	}

	s.mu.Lock()
	s.record.DispatchJourney = ""
	s.record.Reference = ""
	s.invalidateFareLocked()
	s.machine.ResetBookingCycle()
	s.dispatched.Store(false)
	s.safetyNetFired.Store(false)
	s.machine.SetAmendmentInProgress(true)
	s.phase = booking.PhaseAwaitingAmendment
	s.mu.Unlock()

	s.amending.Store(false)

	s.instruct("Ask the caller what they would like to change about their booking.")
	return map[string]any{"ok": true, "status": "amending"}
}

// handleCheckStatus reads the journey state from dispatch.
func (s *Session) handleCheckStatus(args map[string]any) map[string]any {
	return s.checkStatusResult()
}

func (s *Session) checkStatus() {
	res := s.checkStatusResult()
	if state, ok := res["state"].(string); ok {
		s.instruct("Tell the caller their booking is currently " + state + ".")
	}
}

func (s *Session) checkStatusResult() map[string]any {
	s.mu.Lock()
	journeyID := s.record.DispatchJourney
	ref := s.record.Reference
	s.mu.Unlock()

	if journeyID == "" {
		return map[string]any{"ok": false, "error": "no active booking"}
	}

	sctx, cancel := s.serviceCtx()
	defer cancel()

	status, err := s.deps.Dispatcher.Status(sctx, journeyID)
	if err != nil {
		s.logger.Warn("Status lookup failed", logger.Error(err))
		return map[string]any{"ok": false, "error": "status unavailable"}
	}
	res := map[string]any{"ok": true, "reference": ref, "state": status.State}
	if status.ETAMinutes > 0 {
		res["eta_minutes"] = status.ETAMinutes
	}
	if status.Vehicle != "" {
		res["vehicle"] = status.Vehicle
	}
	return res
}

// handleSendBookingLink texts the booking confirmation to the caller.
// One link per booking.
func (s *Session) handleSendBookingLink(args map[string]any) map[string]any {
	s.mu.Lock()
	ref := s.record.Reference
	s.mu.Unlock()

	if ref == "" {
		return map[string]any{"ok": false, "error": "no booking to link"}
	}
	if !s.linkSent.CompareAndSwap(false, true) {
		return map[string]any{"ok": true, "status": "link already sent"}
	}

	s.sendBookingLink()
	return map[string]any{"ok": true, "status": "link sent"}
}

func (s *Session) sendBookingLink() {
	s.mu.Lock()
	ref := s.record.Reference
	s.mu.Unlock()
	if ref == "" {
		return
	}

	s.spawn("send-booking-link", func(ctx context.Context) {
		sctx, cancel := s.serviceCtx()
		defer cancel()
		if err := s.deps.Dispatcher.SendBookingLink(sctx, s.CallerPhone, ref); err != nil {
			s.logger.Warn("Failed to send booking link", logger.Error(err))
			s.linkSent.Store(false)
			return
		}
		s.logger.Info("Booking link sent", logger.String("reference", ref))
	})
}

// handleTransferOperator hands off to a human.
func (s *Session) handleTransferOperator(args map[string]any) map[string]any {
	s.beginTransfer(argString(args, "reason"))
	return map[string]any{"ok": true, "status": "transferring"}
}

// handleEndCall is the tool-driven hangup. The gate blocks it while a
// valid quote sits unanswered; the AI is told to resolve the quote first.
func (s *Session) handleEndCall(args map[string]any) map[string]any {
	s.mu.Lock()
	ok, reason := s.machine.GateEndCall()
	s.mu.Unlock()
	if !ok {
		s.instruct("Before ending the call, ask the caller whether they want to go ahead with the quoted fare or not.")
		return map[string]any{"ok": false, "error": reason}
	}

	s.mu.Lock()
	s.phase = booking.PhaseCallEnding
	s.mu.Unlock()

	s.beginEndCall("caller ended call", false)
	return map[string]any{"ok": true, "status": "ending"}
}

// executeBooking performs the dispatch. Callers must have won the
// dispatched CAS (or hold the safety-net CAS); this only talks to the
// service and records the result.
func (s *Session) executeBooking() {
	s.dispatched.Store(true)

	s.mu.Lock()
	s.machine.SetBookingDispatched()
	rec := *s.record
	s.mu.Unlock()

	sctx, cancel := s.serviceCtx()
	defer cancel()

	result, err := s.deps.Dispatcher.Create(sctx, &rec)
	if err != nil {
		s.logger.Error("Dispatch failed", logger.Error(err))
		s.dispatched.Store(false)
		s.mu.Lock()
		s.machine.ClearBookingDispatched()
		s.mu.Unlock()
		s.publish("dispatch_failed", map[string]any{"error": err.Error()})
		s.instruct("Apologise to the caller: the booking could not be placed right now. Offer to try again or transfer them to an operator.")
		return
	}

	s.mu.Lock()
	s.record.DispatchJourney = result.JourneyID
	s.record.Reference = result.Reference
	fare := s.record.Fare
	s.mu.Unlock()

	s.logger.Info("Booking dispatched",
		logger.String("journey_id", result.JourneyID),
		logger.String("reference", result.Reference),
		logger.Float64("fare", fare))
	s.publish("booking_dispatched", map[string]any{
		"reference": result.Reference,
		"fare":      fare,
	})

	s.storeBookingRecord("dispatched")
}

// executeCancel cancels the active journey with dispatch.
func (s *Session) executeCancel(reason string) {
	s.mu.Lock()
	journeyID := s.record.DispatchJourney
	ref := s.record.Reference
	s.mu.Unlock()

	if journeyID != "" {
		sctx, cancel := s.serviceCtx()
		defer cancel()
		if err := s.deps.Dispatcher.Cancel(sctx, journeyID, reason); err != nil {
			s.logger.Error("Cancel failed", logger.Error(err))
			s.instruct("Apologise: the cancellation could not be completed. Offer to transfer the caller to an operator.")
			return
		}
		if s.deps.History != nil && ref != "" {
			if err := s.deps.History.UpdateBookingStatus(ref, "cancelled"); err != nil {
				s.logger.Warn("Failed to mark booking cancelled", logger.Error(err))
			}
		}
	}

	s.mu.Lock()
	s.record.Reset()
	s.invalidateFareLocked()
	s.machine.ResetBookingCycle()
	s.dispatched.Store(false)
	s.safetyNetFired.Store(false)
	s.linkSent.Store(false)
	s.phase = booking.PhaseGreeting
	s.mu.Unlock()

	s.logger.Info("Booking cancelled", logger.String("reason", reason))
	s.publish("booking_cancelled", map[string]any{"reason": reason})
	s.instruct("Confirm to the caller that their booking has been cancelled, and ask if there is anything else you can help with.")
}

// storeBookingRecord persists the dispatched booking for caller history.
func (s *Session) storeBookingRecord(status string) {
	if s.deps.History == nil {
		return
	}

	s.mu.Lock()
	rec := &sqlite.BookingRecord{
		Reference:       s.record.Reference,
		CallID:          s.ID,
		CallerPhone:     s.CallerPhone,
		Name:            s.record.Name,
		Pickup:          s.record.Pickup.Raw,
		Destination:     s.record.Destination.Raw,
		Passengers:      s.record.Passengers,
		PickupTimeRaw:   s.record.PickupTimeRaw,
		PaymentMethod:   s.record.PaymentMethod,
		Fare:            s.record.Fare,
		DispatchJourney: s.record.DispatchJourney,
		Status:          status,
		CreatedAt:       time.Now().UTC(),
	}
	s.mu.Unlock()

	if _, err := s.deps.History.StoreBooking(rec); err != nil {
		s.logger.Warn("Failed to store booking record", logger.Error(err))
	}
}
