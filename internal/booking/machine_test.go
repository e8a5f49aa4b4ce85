package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMachine(t *testing.T) *StateMachine {
	t.Helper()
	return NewStateMachine(30 * time.Second)
}

func TestAdvanceIsPure(t *testing.T) {
	m := newMachine(t)
	snap := Snapshot{HasName: true, HasPickup: true}
	ext := Extraction{Intent: IntentProvideData, Pickup: "12 High Street"}

	phases := []Phase{
		PhaseGreeting, PhaseCollectingName, PhaseCollectingPickup,
		PhaseCollectingDestination, PhaseFareCalculating,
		PhaseAwaitingPayment, PhaseAwaitingConfirmation,
		PhasePickupDisambiguation, PhaseFareSanityCheck,
		PhaseManagingBooking, PhaseAwaitingCancelConfirm,
		PhaseBookingConfirmed, PhaseCallEnding,
	}
	for _, p := range phases {
		first := m.Advance(p, ext, snap)
		second := m.Advance(p, ext, snap)
		assert.Equal(t, first, second, "Advance must be deterministic in phase %s", p)
	}
}

func TestAdvanceEmitsAtMostOneEffect(t *testing.T) {
	m := newMachine(t)
	m.SetFareAvailable(true)

	intents := []Intent{
		IntentUnknown, IntentProvideData, IntentConfirm, IntentReject,
		IntentSelectOption, IntentCancel, IntentAmend, IntentCheckStatus,
		IntentNewBooking, IntentGoodbye, IntentEscalate,
	}
	phases := []Phase{
		PhaseGreeting, PhaseCollectingName, PhaseCollectingPickup,
		PhaseCollectingDestination, PhaseCollectingPassengers,
		PhaseCollectingTime, PhaseFareCalculating, PhaseAwaitingPayment,
		PhaseAwaitingConfirmation, PhaseBookingConfirmed,
		PhasePickupDisambiguation, PhaseDestinationDisambiguation,
		PhaseFareSanityCheck, PhaseAddressDiscrepancy,
		PhaseMissingHouseNumber, PhaseMissingCity, PhaseManagingBooking,
		PhaseAwaitingCancelConfirm, PhaseAwaitingAmendment,
		PhaseCallEnding, PhaseTransferring, PhaseEscalated,
	}

	for _, p := range phases {
		for _, i := range intents {
			action := m.Advance(p, Extraction{Intent: i}, Snapshot{})
			assert.LessOrEqual(t, action.EffectCount(), 1,
				"phase %s intent %s emitted %d effects", p, i, action.EffectCount())
		}
	}
}

func TestGlobalOverrides(t *testing.T) {
	m := newMachine(t)

	for _, p := range []Phase{PhaseGreeting, PhaseFareCalculating, PhaseAwaitingConfirmation, PhaseManagingBooking} {
		action := m.Advance(p, Extraction{Intent: IntentEscalate}, Snapshot{})
		assert.True(t, action.TransferToOperator, "escalation must transfer from phase %s", p)
		assert.Equal(t, PhaseTransferring, action.Next)

		action = m.Advance(p, Extraction{Intent: IntentGoodbye}, Snapshot{})
		assert.True(t, action.EndCall, "goodbye must end call from phase %s", p)
		assert.Equal(t, PhaseCallEnding, action.Next)
	}
}

func TestCompoundUtteranceSkipsFilledPhases(t *testing.T) {
	m := newMachine(t)

	// One utterance supplied both pickup and destination while the
	// machine was collecting the pickup. The snapshot (built from the
	// authoritative record after the merge) already has both.
	snap := Snapshot{HasName: true, HasPickup: true, HasDestination: true}
	action := m.Advance(PhaseCollectingPickup, Extraction{Intent: IntentProvideData}, snap)

	assert.Equal(t, PhaseCollectingPassengers, action.Next,
		"must land on the first phase still missing a field, not the next in sequence")
}

func TestCollectionCompleteTriggersFareQuote(t *testing.T) {
	m := newMachine(t)

	snap := Snapshot{
		HasName: true, HasPickup: true, HasDestination: true,
		HasPassengers: true, HasTime: true, Complete: true,
	}
	action := m.Advance(PhaseCollectingTime, Extraction{Intent: IntentProvideData}, snap)

	assert.Equal(t, PhaseFareCalculating, action.Next)
	assert.True(t, action.RequestFareQuote)
}

func TestCollectionStaysWhenFieldMissing(t *testing.T) {
	m := newMachine(t)

	snap := Snapshot{HasName: true}
	action := m.Advance(PhaseCollectingPickup, Extraction{Intent: IntentUnknown}, snap)

	assert.Equal(t, PhaseCollectingPickup, action.Next)
	assert.NotEmpty(t, action.Say)
	assert.Zero(t, action.EffectCount())
}

func TestConfirmationExecutesBooking(t *testing.T) {
	m := newMachine(t)
	m.SetFareAvailable(true)

	action := m.Advance(PhaseAwaitingConfirmation, Extraction{Intent: IntentConfirm}, Snapshot{Complete: true, HasFare: true})
	assert.True(t, action.ExecuteBooking)
	assert.Equal(t, PhaseBookingConfirmed, action.Next)
}

func TestConfirmationRejectRevertsToPickup(t *testing.T) {
	m := newMachine(t)
	m.SetFareAvailable(true)

	action := m.Advance(PhaseAwaitingConfirmation, Extraction{Intent: IntentReject}, Snapshot{Complete: true, HasFare: true})
	assert.Equal(t, PhaseCollectingPickup, action.Next)
	assert.Zero(t, action.EffectCount())
}

func TestDisambiguationOnlyAcceptsSelection(t *testing.T) {
	m := newMachine(t)

	// Anything but a selection re-presents the options.
	action := m.Advance(PhasePickupDisambiguation, Extraction{Intent: IntentProvideData}, Snapshot{})
	assert.Equal(t, PhasePickupDisambiguation, action.Next)

	// A selection with destination options stashed moves to destination
	// disambiguation, never straight to the fare.
	action = m.Advance(PhasePickupDisambiguation,
		Extraction{Intent: IntentSelectOption, SelectedOption: 1},
		Snapshot{DestinationOptionsPending: true})
	assert.Equal(t, PhaseDestinationDisambiguation, action.Next)
	assert.False(t, action.RequestFareQuote)

	// With nothing stashed the quote is requested.
	action = m.Advance(PhasePickupDisambiguation,
		Extraction{Intent: IntentSelectOption, SelectedOption: 1},
		Snapshot{})
	assert.Equal(t, PhaseFareCalculating, action.Next)
	assert.True(t, action.RequestFareQuote)
}

func TestGateBookingConfirm(t *testing.T) {
	m := newMachine(t)

	ok, reason := m.GateBookingConfirm()
	require.False(t, ok)
	assert.Contains(t, reason, "no fare")

	m.SetFareAvailable(true)
	ok, _ = m.GateBookingConfirm()
	assert.True(t, ok)

	m.SetBookingDispatched()
	ok, reason = m.GateBookingConfirm()
	require.False(t, ok)
	assert.Contains(t, reason, "already dispatched")
}

func TestGateEndCall(t *testing.T) {
	m := newMachine(t)

	// No fare quoted: free to go.
	ok, _ := m.GateEndCall()
	assert.True(t, ok)

	// Quote outstanding, neither confirmed nor rejected: blocked.
	m.SetFareAvailable(true)
	ok, _ = m.GateEndCall()
	assert.False(t, ok)

	// Explicit rejection unblocks.
	m.SetFareRejected(true)
	ok, _ = m.GateEndCall()
	assert.True(t, ok)

	// So does a dispatched booking.
	m.SetFareRejected(false)
	m.SetBookingDispatched()
	ok, _ = m.GateEndCall()
	assert.True(t, ok)
}

func TestGateCancelArmsThenValidates(t *testing.T) {
	m := newMachine(t)

	ok, reason := m.GateCancel(false)
	require.False(t, ok)
	assert.Contains(t, reason, "confirmation required")

	ok, _ = m.GateCancel(true)
	assert.True(t, ok)

	// Validation is single-shot: a replayed confirm fails without
	// re-arming.
	ok, _ = m.GateCancel(true)
	assert.False(t, ok)
}

func TestResetBookingCycle(t *testing.T) {
	m := newMachine(t)
	m.SetFareAvailable(true)
	m.SetBookingDispatched()
	m.SetFareRejected(true)

	m.ResetBookingCycle()

	assert.False(t, m.FareAvailable())
	assert.False(t, m.BookingDispatched())
	ok, _ := m.GateEndCall()
	assert.True(t, ok)
}

func TestNextMissingOrder(t *testing.T) {
	assert.Equal(t, PhaseCollectingName, NextMissing(Snapshot{}))
	assert.Equal(t, PhaseCollectingPickup, NextMissing(Snapshot{HasName: true}))
	assert.Equal(t, PhaseCollectingTime, NextMissing(Snapshot{
		HasName: true, HasPickup: true, HasDestination: true, HasPassengers: true,
	}))
	assert.Equal(t, PhaseFareCalculating, NextMissing(Snapshot{
		HasName: true, HasPickup: true, HasDestination: true,
		HasPassengers: true, HasTime: true,
	}))
}
