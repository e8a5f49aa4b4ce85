package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cabwire/cabwire/internal/agent"
	"github.com/cabwire/cabwire/internal/booking"
	"github.com/cabwire/cabwire/internal/fares"
	"github.com/cabwire/cabwire/internal/storage/sqlite"
	"github.com/cabwire/cabwire/pkg/logger"
)

// Session binds one call's AI tool-call stream to the state machine, the
// guards, and the downstream services. All tool handlers run on the
// call's sequential event path (the agent connection's read loop);
// background continuations synchronize through s.mu and the atomic
// flags.
type Session struct {
	ID          string
	CallerPhone string
	StartedAt   time.Time

	deps   Deps
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	connMu sync.RWMutex
	conn   AgentConn

	// mu protects the record, phase and disambiguation state against
	// races between the event path and background continuations.
	mu      sync.Mutex
	record  *booking.Record
	machine *booking.StateMachine
	phase   booking.Phase

	pickupOptions      []fares.Alternative
	destinationOptions []fares.Alternative

	sanityAlerts        int
	sanityDestination   string
	destReconfirmed     bool
	discrepancyPrompted bool

	lastTranscript string
	turnHandled    bool
	transcript     []string

	// Cross-cutting "already happened" checks are atomic compare-and-set
	// flags, never locks: handlers run on the event path while their
	// continuations run on background tasks.
	fareTriggered   atomic.Bool
	dispatched      atomic.Bool
	amending        atomic.Bool
	linkSent        atomic.Bool
	safetyNetFired  atomic.Bool
	backstopRunning atomic.Bool
	ending          atomic.Bool

	endReason string
	onEnd     func(id, reason string)
}

var _ agent.Events = (*Session)(nil)

// newSession is called by the Registry only.
func newSession(id, callerPhone string, deps Deps, onEnd func(id, reason string)) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ID:          id,
		CallerPhone: callerPhone,
		StartedAt:   time.Now().UTC(),
		deps:        deps,
		logger:      deps.Logger.Named("session").With(logger.String("call_id", id)),
		ctx:         ctx,
		cancel:      cancel,
		record: &booking.Record{
			CallerPhone: callerPhone,
			CreatedAt:   time.Now().UTC(),
		},
		machine: booking.NewStateMachine(deps.Config.CancelConfirmTimeout),
		phase:   booking.PhaseGreeting,
		onEnd:   onEnd,
	}

	return s
}

// Bind attaches the realtime AI connection once it is established.
func (s *Session) Bind(conn AgentConn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

// PreloadHistory fetches the caller's profile so the greeting can use
// their name. Collected data is never pre-filled from history: everything
// must be re-confirmed by the caller.
func (s *Session) PreloadHistory(ctx context.Context) *sqlite.CallerProfile {
	if s.deps.History == nil {
		return nil
	}
	profile, err := s.deps.History.GetCallerProfile(s.CallerPhone)
	if err != nil {
		s.logger.Warn("Failed to load caller history", logger.Error(err))
		return nil
	}
	if profile.Name != "" {
		s.logger.Info("Returning caller",
			logger.String("name", profile.Name),
			logger.Int("booking_count", profile.BookingCount))
	}
	return profile
}

// Info returns the read-only API view of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.ID,
		CallerPhone: s.CallerPhone,
		Phase:       s.phase,
		StartedAt:   s.StartedAt,
		Fare:        s.record.Fare,
		Reference:   s.record.Reference,
	}
}

// Phase returns the current phase.
func (s *Session) Phase() booking.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// OnCallerTranscript implements agent.Events.
func (s *Session) OnCallerTranscript(text string) {
	s.mu.Lock()
	s.lastTranscript = text
	s.turnHandled = false
	s.transcript = append(s.transcript, "caller: "+text)
	s.mu.Unlock()

	s.logger.Debug("Caller transcript", logger.String("text", text))
}

// OnToolCall implements agent.Events: the single entry point for every
// tool call the AI emits.
func (s *Session) OnToolCall(call agent.ToolCall) map[string]any {
	if s.ending.Load() && call.Name != ToolEndCall {
		return map[string]any{"ok": false, "error": "call is ending"}
	}

	s.mu.Lock()
	s.turnHandled = true
	s.mu.Unlock()

	s.logger.Debug("Handling tool call", logger.String("tool", call.Name))

	switch call.Name {
	case ToolStoreBookingData:
		return s.handleStoreBookingData(call.Arguments)
	case ToolResolveAddressOption:
		return s.handleResolveAddressOption(call.Arguments)
	case ToolQuoteBooking:
		return s.handleQuoteBooking(call.Arguments)
	case ToolConfirmBooking:
		return s.handleConfirmBooking(call.Arguments)
	case ToolCancelBooking:
		return s.handleCancelBooking(call.Arguments)
	case ToolAmendBooking:
		return s.handleAmendBooking(call.Arguments)
	case ToolCheckStatus:
		return s.handleCheckStatus(call.Arguments)
	case ToolSendBookingLink:
		return s.handleSendBookingLink(call.Arguments)
	case ToolTransferOperator:
		return s.handleTransferOperator(call.Arguments)
	case ToolEndCall:
		return s.handleEndCall(call.Arguments)
	}

	s.logger.Warn("Unknown tool call", logger.String("tool", call.Name))
	return map[string]any{"ok": false, "error": "unknown tool"}
}

// OnAgentTurnDone implements agent.Events: the intent backstop. After
// every AI speech turn, classify the caller's last transcript against the
// phase; if it resolves an intent that should have produced a tool call
// but didn't, perform the corresponding action ourselves.
func (s *Session) OnAgentTurnDone() {
	if s.ending.Load() {
		return
	}
	// Re-entrancy flag: backstop-driven actions produce agent turns of
	// their own and must never double-fire.
	if !s.backstopRunning.CompareAndSwap(false, true) {
		return
	}
	defer s.backstopRunning.Store(false)

	s.mu.Lock()
	transcript := s.lastTranscript
	handled := s.turnHandled
	phase := s.phase
	s.mu.Unlock()

	if handled || transcript == "" {
		return
	}

	intent := booking.ClassifyIntent(phase, transcript)
	if intent == booking.IntentUnknown {
		return
	}

	s.logger.Info("Intent backstop fired",
		logger.String("phase", string(phase)),
		logger.String("intent", string(intent)),
		logger.String("transcript", transcript))
	s.publish("intent_backstop", map[string]any{
		"phase":  string(phase),
		"intent": string(intent),
	})

	s.mu.Lock()
	s.turnHandled = true
	s.mu.Unlock()

	s.processExtraction(booking.Extraction{Intent: intent})
}

// OnConnClosed implements agent.Events.
func (s *Session) OnConnClosed(err error) {
	reason := "connection closed"
	if err != nil {
		reason = "connection error"
	}
	s.Shutdown(reason)
}

// processExtraction merges an extraction into the record, advances the
// state machine against a fresh snapshot, and applies the resulting
// action. The core loop every handler funnels through.
func (s *Session) processExtraction(ext booking.Extraction) map[string]any {
	s.mu.Lock()

	changes := booking.MergeExtraction(s.record, ext)
	if booking.AffectsFare(changes) {
		s.invalidateFareLocked()
	}
	if ext.PaymentMethod != "" {
		s.machine.SetPaymentChosen(true)
	}

	snap := s.snapshotLocked()
	action := s.machine.Advance(s.phase, ext, snap)
	s.mu.Unlock()

	s.applyAction(action, ext)

	stored := make([]string, 0, len(changes))
	for _, c := range changes {
		stored = append(stored, c.Field)
	}
	result := map[string]any{"ok": true}
	if len(stored) > 0 {
		result["stored"] = strings.Join(stored, ",")
	}
	return result
}

// snapshotLocked builds the presence snapshot. Caller holds s.mu.
func (s *Session) snapshotLocked() booking.Snapshot {
	snap := s.record.Snapshot()
	snap.DestinationOptionsPending = len(s.destinationOptions) > 0
	return snap
}

// invalidateFareLocked clears a stale fare after a material change.
// Caller holds s.mu.
func (s *Session) invalidateFareLocked() {
	if s.record.Fare > 0 || s.fareTriggered.Load() {
		s.logger.Debug("Invalidating fare after booking change")
	}
	s.record.Fare = 0
	s.record.ETAMinutes = 0
	s.machine.SetFareAvailable(false)
	s.fareTriggered.Store(false)
	s.sanityAlerts = 0
	s.sanityDestination = ""
	s.destReconfirmed = false
	s.discrepancyPrompted = false
}

// applyAction performs the side effects an ActionDescriptor asks for and
// moves the phase. The state machine described the effect; this is the
// only place it is executed.
func (s *Session) applyAction(action booking.Action, ext booking.Extraction) {
	if action.Blocked {
		s.logger.Warn("Action blocked", logger.String("reason", action.BlockReason))
		return
	}

	s.mu.Lock()
	// Reject in a confirmation phase marks the quote as explicitly
	// declined, unblocking end-call.
	if s.phase == booking.PhaseAwaitingConfirmation && ext.Intent == booking.IntentReject {
		s.machine.SetFareRejected(true)
	}
	// A re-confirmation during the sanity check bypasses the next alert
	// for the same destination.
	if s.phase == booking.PhaseFareSanityCheck && ext.Intent == booking.IntentConfirm {
		s.destReconfirmed = true
	}
	if s.phase == booking.PhaseAwaitingAmendment || action.Next == booking.PhaseAwaitingAmendment {
		s.machine.SetAmendmentInProgress(action.Next == booking.PhaseAwaitingAmendment)
	}
	// Entering cancel confirmation arms the destructive-action guard so
	// the caller's confirming turn validates on the first try.
	if action.Next == booking.PhaseAwaitingCancelConfirm && s.phase != booking.PhaseAwaitingCancelConfirm {
		s.machine.GateCancel(false)
	}
	s.phase = action.Next
	s.mu.Unlock()

	switch {
	case action.RequestFareQuote:
		s.triggerFareLookup()
	case action.ExecuteBooking:
		// Same gate and CAS as the confirm_booking tool: a backstop
		// confirm must not double-dispatch behind a racing tool call.
		s.mu.Lock()
		ok, _ := s.machine.GateBookingConfirm()
		s.mu.Unlock()
		if ok && s.dispatched.CompareAndSwap(false, true) {
			s.executeBooking()
		}
	case action.ExecuteCancel:
		s.mu.Lock()
		ok, reason := s.machine.GateCancel(true)
		if !ok {
			// Expired or missing confirmation: re-arm and ask again.
			s.machine.GateCancel(false)
			s.phase = booking.PhaseAwaitingCancelConfirm
		}
		s.mu.Unlock()
		if !ok {
			s.logger.Warn("Cancellation not executed", logger.String("reason", reason))
			s.instruct("Ask the caller again to confirm they want the booking cancelled.")
			return
		}
		s.executeCancel("caller confirmed cancellation")
	case action.EndCall:
		s.beginEndCall("caller said goodbye", true)
	case action.TransferToOperator:
		s.beginTransfer(ext.Reason)
	case action.SendBookingLink:
		s.sendBookingLink()
	case action.CheckStatus:
		s.checkStatus()
	}

	s.instruct(action.Say)
}

// instruct pushes a speech instruction to the AI.
func (s *Session) instruct(text string) {
	if text == "" {
		return
	}
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return
	}

	s.mu.Lock()
	s.transcript = append(s.transcript, "instruction: "+text)
	s.mu.Unlock()

	if err := conn.Instruct(s.ctx, text); err != nil {
		s.logger.Warn("Failed to send instruction", logger.Error(err))
	}
}

// publish emits an observability event.
func (s *Session) publish(event string, data map[string]any) {
	if s.deps.Events == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["call_id"] = s.ID
	s.deps.Events.Publish(event, data)
}

// spawn runs fn on a background task. Errors and panics are contained at
// the task boundary: one provider outage never aborts the call.
func (s *Session) spawn(name string, fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic in background task",
					logger.String("task", name),
					logger.Any("panic", r))
			}
		}()
		fn(s.ctx)
	}()
}

// beginEndCall starts call termination. autoDispatch engages the goodbye
// safety net: a valid, unanswered fare is dispatched before the line
// drops rather than lost.
func (s *Session) beginEndCall(reason string, autoDispatch bool) {
	// Goodbye safety net: a valid quote the caller neither confirmed nor
	// declined is dispatched before the line drops, never lost. GateEndCall
	// refuses in exactly that state; the dispatch CAS keeps this
	// exactly-once against a racing confirm_booking.
	s.mu.Lock()
	endOK, _ := s.machine.GateEndCall()
	s.mu.Unlock()

	if autoDispatch && !endOK && s.dispatched.CompareAndSwap(false, true) {
		s.safetyNetFired.Store(true)
		s.logger.Info("Safety net: dispatching booking before goodbye")
		s.publish("safety_net_dispatch", nil)
		s.executeBooking()
	}

	if !s.ending.CompareAndSwap(false, true) {
		return
	}
	s.endReason = reason

	s.spawn("drain-and-close", func(ctx context.Context) {
		s.drainAndClose(reason)
	})
}

// drainAndClose is the bounded multi-stage drain: wait for the in-flight
// response, then the first audio frame, then the queue to empty, so the
// caller hears the full closing line before the line drops.
func (s *Session) drainAndClose(reason string) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn != nil {
		if !conn.WaitResponseIdle(s.deps.Config.ResponseDrainTimeout) {
			s.logger.Warn("Drain: response still active at timeout")
		}
		if !conn.WaitFirstAudio(s.deps.Config.FirstAudioTimeout) {
			s.logger.Debug("Drain: no audio frame observed")
		}
		if !conn.WaitAudioDrained(s.deps.Config.AudioDrainTimeout) {
			s.logger.Warn("Drain: audio queue not empty at timeout")
		}
		conn.Close()
	}

	s.finish(reason)
}

// beginTransfer hands the caller to an operator.
func (s *Session) beginTransfer(reason string) {
	if reason == "" {
		reason = "caller requested operator"
	}
	s.logger.Info("Transferring to operator", logger.String("reason", reason))
	s.publish("transfer", map[string]any{"reason": reason})

	if s.ending.CompareAndSwap(false, true) {
		s.endReason = "transferred: " + reason
		s.spawn("transfer-drain", func(ctx context.Context) {
			s.drainAndClose("transferred: " + reason)
		})
	}
}

// Shutdown ends the session immediately with a reason. Idempotent: both
// a normal hangup and a forced shutdown may race here.
func (s *Session) Shutdown(reason string) {
	if !s.ending.CompareAndSwap(false, true) {
		return
	}
	s.endReason = reason

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn != nil {
		conn.Close()
	}

	s.finish(reason)
}

// finish archives the call, cancels background work and notifies the
// registry. Runs exactly once per session.
func (s *Session) finish(reason string) {
	s.mu.Lock()
	transcript := strings.Join(s.transcript, "\n")
	s.mu.Unlock()

	if s.deps.Archive != nil && transcript != "" {
		if _, err := s.deps.Archive.StoreCallRecord(&sqlite.CallRecord{
			CallID:      s.ID,
			CallerPhone: s.CallerPhone,
			Transcript:  transcript,
			EndReason:   reason,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			s.logger.Warn("Failed to archive call record", logger.Error(err))
		}
	}

	s.cancel()

	s.logger.Info("Session finished",
		logger.String("reason", reason),
		logger.Duration("duration", time.Since(s.StartedAt)))

	if s.onEnd != nil {
		s.onEnd(s.ID, reason)
	}
}

// serviceCtx returns a bounded context for one downstream service call.
func (s *Session) serviceCtx() (context.Context, context.CancelFunc) {
	timeout := s.deps.Config.ServiceTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	// Detached from s.ctx on purpose: an end-of-call dispatch must
	// survive session teardown.
	return context.WithTimeout(context.Background(), timeout)
}

// fmtFare renders a fare for a speech instruction.
func fmtFare(fare float64) string {
	return fmt.Sprintf("%.2f", fare)
}
