package booking

import "strings"

// Phrase tables for the backstop classifier. These are intentionally dumb:
// the primary intent path is the AI's structured extraction, and this
// classifier only exists to catch turns where the caller clearly said
// something actionable but the matching tool call never arrived.
var (
	confirmPhrases = []string{
		"yes", "yeah", "yep", "yup", "correct", "that's right",
		"that is right", "confirm", "go ahead", "book it", "please do",
		"sounds good", "perfect", "that's fine", "ok", "okay",
	}
	rejectPhrases = []string{
		"no", "nope", "not right", "that's wrong", "incorrect",
		"don't", "do not", "hold on", "wait",
	}
	cancelPhrases = []string{
		"cancel my booking", "cancel the booking", "cancel my taxi",
		"cancel the taxi", "cancel it", "cancel that", "cancel",
	}
	amendPhrases = []string{
		"change my booking", "amend my booking", "change the booking",
		"move my pickup", "change the time", "reschedule",
	}
	statusPhrases = []string{
		"where is my taxi", "where's my taxi", "how long will it be",
		"is the taxi on its way", "check my booking", "status of my",
	}
	goodbyePhrases = []string{
		"goodbye", "bye bye", "bye", "that's all", "that is all",
		"nothing else", "that's everything", "have a good",
	}
	escalatePhrases = []string{
		"speak to a person", "speak to someone", "talk to a human",
		"real person", "operator", "an agent", "your manager",
		"a human",
	}
)

// confirmationPhases are the phases in which a bare yes/no is meaningful.
// Outside these, "yes" is usually the caller agreeing with themselves
// mid-sentence and must not be treated as a confirmation.
var confirmationPhases = map[Phase]bool{
	PhaseAwaitingConfirmation:  true,
	PhaseAwaitingCancelConfirm: true,
	PhaseFareSanityCheck:       true,
	PhaseAddressDiscrepancy:    true,
	PhaseMissingHouseNumber:    true,
	PhaseMissingCity:           true,
}

// ClassifyIntent is the intent backstop: a pure keyword classification of
// the caller's last transcript, conditioned on the current phase. It
// returns IntentUnknown whenever the transcript is not clearly one of the
// coarse intents; the caller of this function must treat unknown as
// "do nothing".
func ClassifyIntent(phase Phase, transcript string) Intent {
	text := strings.ToLower(strings.TrimSpace(transcript))
	if text == "" {
		return IntentUnknown
	}

	// Escalation and cancellation requests win over everything else:
	// "no, I want to speak to a person" is an escalation, not a reject.
	if containsAny(text, escalatePhrases) {
		return IntentEscalate
	}
	if containsAny(text, cancelPhrases) {
		return IntentCancel
	}
	if containsAny(text, amendPhrases) {
		return IntentAmend
	}
	if containsAny(text, statusPhrases) {
		return IntentCheckStatus
	}
	if containsAny(text, goodbyePhrases) {
		return IntentGoodbye
	}

	if confirmationPhases[phase] {
		// Rejects before confirms: "no that's not right, yes I know"
		// should read as a reject.
		if matchesShortPhrase(text, rejectPhrases) {
			return IntentReject
		}
		if matchesShortPhrase(text, confirmPhrases) {
			return IntentConfirm
		}
	}

	return IntentUnknown
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// matchesShortPhrase requires the phrase to appear near the start of a
// short utterance. A yes buried in a long sentence is too ambiguous for a
// backstop to act on.
func matchesShortPhrase(text string, phrases []string) bool {
	words := strings.Fields(text)
	if len(words) > 8 {
		return false
	}
	for _, p := range phrases {
		if text == p || strings.HasPrefix(text, p+" ") || strings.HasPrefix(text, p+",") || strings.HasPrefix(text, p+".") {
			return true
		}
	}
	return false
}
