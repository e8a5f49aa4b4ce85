package booking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyIntentConfirmations(t *testing.T) {
	cases := []struct {
		phase      Phase
		transcript string
		want       Intent
	}{
		{PhaseAwaitingConfirmation, "yes please", IntentConfirm},
		{PhaseAwaitingConfirmation, "Yeah, book it", IntentConfirm},
		{PhaseAwaitingConfirmation, "no, that's wrong", IntentReject},
		{PhaseAwaitingCancelConfirm, "yes", IntentConfirm},
		{PhaseFareSanityCheck, "that's right", IntentConfirm},
		// A bare yes outside a confirmation phase is not actionable.
		{PhaseCollectingPickup, "yes", IntentUnknown},
		{PhaseGreeting, "no", IntentUnknown},
	}

	for _, tc := range cases {
		got := ClassifyIntent(tc.phase, tc.transcript)
		assert.Equal(t, tc.want, got, "phase %s transcript %q", tc.phase, tc.transcript)
	}
}

func TestClassifyIntentRequests(t *testing.T) {
	cases := []struct {
		transcript string
		want       Intent
	}{
		{"I want to cancel my booking", IntentCancel},
		{"can you change the time please", IntentAmend},
		{"where is my taxi", IntentCheckStatus},
		{"I'd like to talk to a human", IntentEscalate},
		{"ok thanks, bye", IntentGoodbye},
		{"that's all for now", IntentGoodbye},
		{"", IntentUnknown},
		{"I'd like to go to the station", IntentUnknown},
	}

	for _, tc := range cases {
		got := ClassifyIntent(PhaseCollectingPickup, tc.transcript)
		assert.Equal(t, tc.want, got, "transcript %q", tc.transcript)
	}
}

func TestClassifyIntentEscalationBeatsReject(t *testing.T) {
	// "no, I want to speak to a person" is an escalation, not a reject,
	// even inside a confirmation phase.
	got := ClassifyIntent(PhaseAwaitingConfirmation, "no, I want to speak to a person")
	assert.Equal(t, IntentEscalate, got)
}

func TestClassifyIntentLongUtteranceNotConfirm(t *testing.T) {
	long := "yes well I was thinking maybe we could possibly change the destination to somewhere else entirely if that works"
	got := ClassifyIntent(PhaseAwaitingConfirmation, long)
	assert.NotEqual(t, IntentConfirm, got, "a yes buried in a long sentence is too ambiguous to act on")
}

func TestClassifyIntentIsStateless(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, IntentCancel, ClassifyIntent(PhaseManagingBooking, "cancel it"))
	}
}
