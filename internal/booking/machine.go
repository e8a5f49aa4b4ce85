package booking

import (
	"time"
)

// StateMachine decides phase transitions for one call. Advance is a pure
// function of (phase, extraction, snapshot) and the machine's small
// derived flags; it describes side effects but never performs one. The
// flags are set by the orchestrator as background work completes, never
// by Advance itself.
type StateMachine struct {
	guard *Guard

	fareAvailable       bool
	bookingDispatched   bool
	fareRejected        bool
	paymentChosen       bool
	amendmentInProgress bool
}

// NewStateMachine creates a state machine with a destructive-action guard
// using the given cancel-confirmation timeout.
func NewStateMachine(confirmTimeout time.Duration) *StateMachine {
	return &StateMachine{
		guard: NewGuard(confirmTimeout),
	}
}

// Guard exposes the destructive-action guard so the orchestrator can use
// it for future irreversible actions beyond cancellation.
func (m *StateMachine) Guard() *Guard { return m.guard }

// SetFareAvailable records whether a fare quote is currently held.
func (m *StateMachine) SetFareAvailable(v bool) { m.fareAvailable = v }

// SetBookingDispatched records that the booking was sent to dispatch.
func (m *StateMachine) SetBookingDispatched() { m.bookingDispatched = true }

// ClearBookingDispatched rolls the flag back after a failed dispatch
// attempt so the caller can retry.
func (m *StateMachine) ClearBookingDispatched() { m.bookingDispatched = false }

// SetFareRejected records that the caller explicitly declined the quote.
func (m *StateMachine) SetFareRejected(v bool) { m.fareRejected = v }

// SetPaymentChosen records that a payment preference was collected.
func (m *StateMachine) SetPaymentChosen(v bool) { m.paymentChosen = v }

// SetAmendmentInProgress records that an amendment sub-flow is active.
func (m *StateMachine) SetAmendmentInProgress(v bool) { m.amendmentInProgress = v }

// FareAvailable reports whether a fare quote is currently held.
func (m *StateMachine) FareAvailable() bool { return m.fareAvailable }

// BookingDispatched reports whether the booking was sent to dispatch.
func (m *StateMachine) BookingDispatched() bool { return m.bookingDispatched }

// ResetBookingCycle clears per-booking flags when a new booking starts
// within the same call.
func (m *StateMachine) ResetBookingCycle() {
	m.fareAvailable = false
	m.bookingDispatched = false
	m.fareRejected = false
	m.paymentChosen = false
	m.amendmentInProgress = false
	m.guard.Clear()
}

// GateCancel is the only legal path to a booking cancellation. The first
// call arms the confirmation; the confirming call validates it, honoring
// the guard's expiry.
func (m *StateMachine) GateCancel(confirmed bool) (bool, string) {
	if !confirmed {
		m.guard.Arm("cancel-booking")
		return false, "confirmation required"
	}
	return m.guard.Validate("cancel-booking")
}

// GateBookingConfirm is the only legal path to dispatching a booking. It
// refuses unless a fare is held and no booking has been dispatched yet,
// independent of what phase the machine nominally believes it is in.
func (m *StateMachine) GateBookingConfirm() (bool, string) {
	if !m.fareAvailable {
		return false, "no fare has been quoted"
	}
	if m.bookingDispatched {
		return false, "booking already dispatched"
	}
	return true, ""
}

// GateEndCall refuses to end the call while a quote is outstanding and
// the caller has neither confirmed nor explicitly rejected it.
func (m *StateMachine) GateEndCall() (bool, string) {
	if m.fareAvailable && !m.bookingDispatched && !m.fareRejected {
		return false, "a fare was quoted but the booking is neither confirmed nor declined"
	}
	return true, ""
}

// collectionOrder is the sequence of required fields.
var collectionOrder = []struct {
	phase Phase
	has   func(Snapshot) bool
}{
	{PhaseCollectingName, func(s Snapshot) bool { return s.HasName }},
	{PhaseCollectingPickup, func(s Snapshot) bool { return s.HasPickup }},
	{PhaseCollectingDestination, func(s Snapshot) bool { return s.HasDestination }},
	{PhaseCollectingPassengers, func(s Snapshot) bool { return s.HasPassengers }},
	{PhaseCollectingTime, func(s Snapshot) bool { return s.HasTime }},
}

// NextMissing returns the first collection phase whose field is still
// absent, or PhaseFareCalculating when the record is complete. Because it
// reads the authoritative snapshot rather than this turn's extraction, a
// compound utterance that fills several fields at once skips every phase
// it satisfied.
func NextMissing(snap Snapshot) Phase {
	for _, step := range collectionOrder {
		if !step.has(snap) {
			return step.phase
		}
	}
	return PhaseFareCalculating
}

// collectionPrompts are the speech instructions for each collection phase.
var collectionPrompts = map[Phase]string{
	PhaseCollectingName:        "Ask the caller for their name.",
	PhaseCollectingPickup:      "Ask the caller for the pickup address.",
	PhaseCollectingDestination: "Ask the caller where they are going.",
	PhaseCollectingPassengers:  "Ask the caller how many passengers are travelling.",
	PhaseCollectingTime:        "Ask the caller when they need the taxi.",
}

// Advance computes the next phase and required side effects for one turn.
// It is deterministic and performs no I/O.
func (m *StateMachine) Advance(phase Phase, ext Extraction, snap Snapshot) Action {
	// Global overrides: escalation and goodbye win regardless of phase.
	if ext.Intent == IntentEscalate {
		return Action{
			Say:                "Tell the caller you are transferring them to an operator now.",
			Next:               PhaseTransferring,
			TransferToOperator: true,
		}
	}
	if ext.Intent == IntentGoodbye {
		return Action{
			Say:     "Thank the caller and say goodbye.",
			Next:    PhaseCallEnding,
			EndCall: true,
		}
	}

	switch phase {
	case PhaseGreeting,
		PhaseCollectingName, PhaseCollectingPickup,
		PhaseCollectingDestination, PhaseCollectingPassengers,
		PhaseCollectingTime:
		return m.advanceCollection(phase, ext, snap)

	case PhaseFareCalculating:
		// The quote is computed on a background task; data provided
		// meanwhile is merged upstream. If an edit removed a required
		// field, fall back to collection.
		if !snap.Complete {
			next := NextMissing(snap)
			return Action{Say: collectionPrompts[next], Next: next}
		}
		return Action{
			Say:  "Tell the caller you are just working out the fare.",
			Next: PhaseFareCalculating,
		}

	case PhaseAwaitingPayment:
		if ext.PaymentMethod != "" {
			return Action{
				Say:  "Repeat the fare and ask the caller to confirm the booking.",
				Next: PhaseAwaitingConfirmation,
			}
		}
		return Action{
			Say:  "Ask whether the caller will pay cash or card.",
			Next: PhaseAwaitingPayment,
		}

	case PhaseAwaitingConfirmation:
		return m.advanceConfirmation(ext, snap)

	case PhasePickupDisambiguation:
		if ext.Intent == IntentSelectOption {
			if snap.DestinationOptionsPending {
				return Action{
					Say:  "Present the destination address options and ask the caller to choose one.",
					Next: PhaseDestinationDisambiguation,
				}
			}
			return Action{
				Say:              "Tell the caller you are working out the fare.",
				Next:             PhaseFareCalculating,
				RequestFareQuote: true,
			}
		}
		return Action{
			Say:  "Re-present the pickup address options and ask the caller to choose one.",
			Next: PhasePickupDisambiguation,
		}

	case PhaseDestinationDisambiguation:
		if ext.Intent == IntentSelectOption {
			return Action{
				Say:              "Tell the caller you are working out the fare.",
				Next:             PhaseFareCalculating,
				RequestFareQuote: true,
			}
		}
		return Action{
			Say:  "Re-present the destination address options and ask the caller to choose one.",
			Next: PhaseDestinationDisambiguation,
		}

	case PhaseFareSanityCheck:
		switch ext.Intent {
		case IntentConfirm:
			// Caller insists the destination is right; requote and let
			// the orchestrator's bypass rule accept it.
			return Action{
				Say:              "Tell the caller you are rechecking the fare.",
				Next:             PhaseFareCalculating,
				RequestFareQuote: true,
			}
		case IntentProvideData:
			// The corrected destination is already merged upstream;
			// requote if the record is still complete.
			if snap.Complete {
				return Action{
					Say:              "Tell the caller you are recalculating the fare.",
					Next:             PhaseFareCalculating,
					RequestFareQuote: true,
				}
			}
			return Action{
				Say:  "Ask the caller for the destination address again.",
				Next: PhaseCollectingDestination,
			}
		case IntentReject:
			return Action{
				Say:  "Ask the caller for the destination address again.",
				Next: PhaseCollectingDestination,
			}
		}
		return Action{
			Say:  "Ask the caller to confirm the destination address.",
			Next: PhaseFareSanityCheck,
		}

	case PhaseAddressDiscrepancy:
		switch ext.Intent {
		case IntentConfirm:
			return Action{
				Say:              "Tell the caller you are working out the fare.",
				Next:             PhaseFareCalculating,
				RequestFareQuote: true,
			}
		case IntentProvideData:
			if snap.Complete {
				return Action{
					Say:              "Tell the caller you are recalculating the fare.",
					Next:             PhaseFareCalculating,
					RequestFareQuote: true,
				}
			}
			return Action{
				Say:  "Ask the caller to repeat the destination address slowly.",
				Next: PhaseCollectingDestination,
			}
		case IntentReject:
			return Action{
				Say:  "Ask the caller to repeat the destination address slowly.",
				Next: PhaseCollectingDestination,
			}
		}
		return Action{
			Say:  "Read back the matched address and ask the caller if it is correct.",
			Next: PhaseAddressDiscrepancy,
		}

	case PhaseMissingHouseNumber:
		if ext.Intent == IntentProvideData || ext.Intent == IntentConfirm {
			return Action{
				Say:              "Tell the caller you are working out the fare.",
				Next:             PhaseFareCalculating,
				RequestFareQuote: true,
			}
		}
		return Action{
			Say:  "Ask the caller for the house number, or whether to go without one.",
			Next: PhaseMissingHouseNumber,
		}

	case PhaseMissingCity:
		if ext.Intent == IntentProvideData || ext.Intent == IntentConfirm {
			return Action{
				Say:              "Tell the caller you are working out the fare.",
				Next:             PhaseFareCalculating,
				RequestFareQuote: true,
			}
		}
		return Action{
			Say:  "Ask the caller which town or city the address is in.",
			Next: PhaseMissingCity,
		}

	case PhaseManagingBooking:
		return m.advanceManaging(ext, snap)

	case PhaseAwaitingCancelConfirm:
		switch ext.Intent {
		case IntentConfirm:
			return Action{
				Say:           "Tell the caller the booking is cancelled and ask if there is anything else.",
				Next:          PhaseManagingBooking,
				ExecuteCancel: true,
			}
		case IntentReject:
			return Action{
				Say:  "Tell the caller the booking is kept and ask if there is anything else.",
				Next: PhaseManagingBooking,
			}
		}
		return Action{
			Say:  "Ask the caller to confirm they want the booking cancelled.",
			Next: PhaseAwaitingCancelConfirm,
		}

	case PhaseAwaitingAmendment:
		switch ext.Intent {
		case IntentProvideData:
			if snap.Complete {
				return Action{
					Say:              "Tell the caller you are recalculating the fare.",
					Next:             PhaseFareCalculating,
					RequestFareQuote: true,
				}
			}
			next := NextMissing(snap)
			return Action{Say: collectionPrompts[next], Next: next}
		case IntentCancel:
			return Action{
				Say:  "Ask the caller to confirm they want the booking cancelled.",
				Next: PhaseAwaitingCancelConfirm,
			}
		}
		return Action{
			Say:  "Ask the caller what they would like to change about the booking.",
			Next: PhaseAwaitingAmendment,
		}

	case PhaseBookingConfirmed:
		return m.advanceConfirmed(ext, snap)

	case PhaseCallEnding, PhaseTransferring, PhaseEscalated:
		// Terminal phases: nothing left to decide.
		return Action{Next: phase}
	}

	return Action{Next: phase}
}

// advanceCollection handles the greeting and collection phases. The target
// phase is always resolved from the authoritative snapshot so a compound
// utterance advances past every field it filled.
func (m *StateMachine) advanceCollection(phase Phase, ext Extraction, snap Snapshot) Action {
	switch ext.Intent {
	case IntentCancel, IntentAmend, IntentCheckStatus:
		// The caller is asking about an existing booking, not making a
		// new one.
		return m.advanceManaging(ext, snap)
	case IntentProvideData, IntentConfirm, IntentUnknown:
		next := NextMissing(snap)
		if next == PhaseFareCalculating {
			return Action{
				Say:              "Tell the caller you are working out the fare.",
				Next:             PhaseFareCalculating,
				RequestFareQuote: true,
			}
		}
		// Either the field for this phase is still missing (stay and
		// re-prompt) or the utterance filled it (move on); both resolve
		// to prompting for the first missing field.
		return Action{Say: collectionPrompts[next], Next: next}
	}
	// Unhandled intent in a collection phase: stay and re-prompt.
	next := NextMissing(snap)
	return Action{Say: collectionPrompts[next], Next: next}
}

// advanceConfirmation handles the awaiting-confirmation phase.
func (m *StateMachine) advanceConfirmation(ext Extraction, snap Snapshot) Action {
	switch ext.Intent {
	case IntentConfirm:
		return Action{
			Say:            "Tell the caller the booking is confirmed and give them the reference.",
			Next:           PhaseBookingConfirmed,
			ExecuteBooking: true,
		}
	case IntentReject:
		// Declined quote: revert to pickup collection so the journey can
		// be re-stated. The orchestrator marks the fare rejected.
		return Action{
			Say:  "Ask the caller to double-check the pickup address with you.",
			Next: PhaseCollectingPickup,
		}
	case IntentProvideData:
		// A correction mid-confirmation invalidates the fare upstream.
		if snap.Complete {
			return Action{
				Say:              "Tell the caller you are recalculating the fare.",
				Next:             PhaseFareCalculating,
				RequestFareQuote: true,
			}
		}
		next := NextMissing(snap)
		return Action{Say: collectionPrompts[next], Next: next}
	case IntentCancel:
		return Action{
			Say:  "Ask the caller to confirm they want to abandon this booking.",
			Next: PhaseAwaitingCancelConfirm,
		}
	}
	return Action{
		Say:  "Repeat the fare and ask the caller to confirm the booking.",
		Next: PhaseAwaitingConfirmation,
	}
}

// advanceManaging dispatches the existing-booking management sub-flows.
func (m *StateMachine) advanceManaging(ext Extraction, snap Snapshot) Action {
	switch ext.Intent {
	case IntentCancel:
		return Action{
			Say:  "Ask the caller to confirm they want the booking cancelled.",
			Next: PhaseAwaitingCancelConfirm,
		}
	case IntentAmend:
		return Action{
			Say:  "Ask the caller what they would like to change about the booking.",
			Next: PhaseAwaitingAmendment,
		}
	case IntentCheckStatus:
		return Action{
			Say:         "Tell the caller you are checking where their taxi is.",
			Next:        PhaseManagingBooking,
			CheckStatus: true,
		}
	case IntentNewBooking:
		next := NextMissing(snap)
		return Action{Say: collectionPrompts[next], Next: next}
	}
	return Action{
		Say:  "Ask whether the caller wants to change, cancel or check their booking.",
		Next: PhaseManagingBooking,
	}
}

// advanceConfirmed handles turns after the booking has been dispatched.
func (m *StateMachine) advanceConfirmed(ext Extraction, snap Snapshot) Action {
	switch ext.Intent {
	case IntentConfirm:
		// Standing offer after dispatch: a text with the booking details.
		return Action{
			Say:             "Tell the caller you are sending them a text with the booking details.",
			Next:            PhaseBookingConfirmed,
			SendBookingLink: true,
		}
	case IntentCancel:
		return Action{
			Say:  "Ask the caller to confirm they want the booking cancelled.",
			Next: PhaseAwaitingCancelConfirm,
		}
	case IntentAmend:
		return Action{
			Say:  "Ask the caller what they would like to change about the booking.",
			Next: PhaseAwaitingAmendment,
		}
	case IntentCheckStatus:
		return Action{
			Say:         "Tell the caller you are checking where their taxi is.",
			Next:        PhaseBookingConfirmed,
			CheckStatus: true,
		}
	case IntentNewBooking:
		next := NextMissing(snap)
		return Action{Say: collectionPrompts[next], Next: next}
	}
	return Action{
		Say:  "Ask the caller if there is anything else you can help with.",
		Next: PhaseBookingConfirmed,
	}
}
