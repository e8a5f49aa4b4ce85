package session

import (
	"context"
	"time"

	"github.com/cabwire/cabwire/internal/agent"
	"github.com/cabwire/cabwire/internal/booking"
	"github.com/cabwire/cabwire/internal/dispatch"
	"github.com/cabwire/cabwire/internal/fares"
	"github.com/cabwire/cabwire/internal/storage/sqlite"
	"github.com/cabwire/cabwire/pkg/logger"
)

// AgentConn is the session's view of the realtime AI connection. Satisfied
// by *agent.Conn; faked in tests.
type AgentConn interface {
	Instruct(ctx context.Context, instruction string) error
	UpdateInstructions(ctx context.Context, instructions string) error
	WaitResponseIdle(timeout time.Duration) bool
	WaitFirstAudio(timeout time.Duration) bool
	WaitAudioDrained(timeout time.Duration) bool
	Close() error
}

var _ AgentConn = (*agent.Conn)(nil)

// HistoryStore is the caller-history boundary: prior bookings in at call
// start, the confirmed booking out at call end.
type HistoryStore interface {
	GetCallerProfile(phone string) (*sqlite.CallerProfile, error)
	StoreBooking(record *sqlite.BookingRecord) (int64, error)
	UpdateBookingStatus(reference, status string) error
}

// CallArchive persists finished-call transcripts for the review pipeline.
type CallArchive interface {
	StoreCallRecord(record *sqlite.CallRecord) (int64, error)
}

// EventSink receives observability events: session lifecycle, dispatches,
// sanity bypasses. Wired to the operator websocket feed.
type EventSink interface {
	Publish(event string, data map[string]any)
}

// Config holds the per-session tunables.
type Config struct {
	QuoteDeadline        time.Duration
	SanityCeiling        float64
	CancelConfirmTimeout time.Duration
	ResponseDrainTimeout time.Duration
	FirstAudioTimeout    time.Duration
	AudioDrainTimeout    time.Duration
	ServiceTimeout       time.Duration
	CompanyName          string
}

// Deps bundles the downstream collaborators a session needs.
type Deps struct {
	Fares      fares.Provider
	Fallback   fares.FallbackEstimator
	Dispatcher dispatch.Dispatcher
	History    HistoryStore
	Archive    CallArchive
	Events     EventSink
	Config     Config
	Logger     *logger.Logger
}

// Info is the read-only view of a session exposed over the API.
type Info struct {
	ID          string        `json:"id"`
	CallerPhone string        `json:"caller_phone"`
	Phase       booking.Phase `json:"phase"`
	StartedAt   time.Time     `json:"started_at"`
	Fare        float64       `json:"fare,omitempty"`
	Reference   string        `json:"reference,omitempty"`
}

// Tool names consumed from the AI engine.
const (
	ToolStoreBookingData     = "store_booking_data"
	ToolResolveAddressOption = "resolve_address_option"
	ToolQuoteBooking         = "quote_booking"
	ToolConfirmBooking       = "confirm_booking"
	ToolCancelBooking        = "cancel_booking"
	ToolAmendBooking         = "amend_booking"
	ToolCheckStatus          = "check_status"
	ToolSendBookingLink      = "send_booking_link"
	ToolTransferOperator     = "transfer_operator"
	ToolEndCall              = "end_call"
)

// ToolDefinitions returns the tool surface exposed to the AI engine. The
// schemas are deliberately loose: handlers tolerate missing and malformed
// arguments rather than trusting the AI to respect the contract.
func ToolDefinitions() []agent.ToolDefinition {
	str := map[string]any{"type": "string"}
	integer := map[string]any{"type": "integer"}
	boolean := map[string]any{"type": "boolean"}

	obj := func(props map[string]any) map[string]any {
		return map[string]any{"type": "object", "properties": props}
	}

	return []agent.ToolDefinition{
		{
			Type:        "function",
			Name:        ToolStoreBookingData,
			Description: "Store booking details the caller just provided. Call this every time the caller gives or corrects their name, pickup address, destination, passenger count, pickup time or payment preference.",
			Parameters: obj(map[string]any{
				"name":           str,
				"pickup":         str,
				"destination":    str,
				"passengers":     integer,
				"pickup_time":    str,
				"payment_method": str,
				"intent": map[string]any{
					"type":        "string",
					"description": "What the caller wants this turn: provide_data, confirm, reject, cancel, amend, check_status, goodbye or escalate.",
				},
			}),
		},
		{
			Type:        "function",
			Name:        ToolResolveAddressOption,
			Description: "Record which of the offered address options the caller chose, or pass their exact words if they said something else instead of choosing.",
			Parameters: obj(map[string]any{
				"option": integer,
				"spoken": str,
			}),
		},
		{
			Type:        "function",
			Name:        ToolQuoteBooking,
			Description: "Fetch the current fare quote for the booking being collected.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Type:        "function",
			Name:        ToolConfirmBooking,
			Description: "Confirm the booking after the caller has explicitly agreed to the quoted fare. Never call this before the caller has said yes to the fare.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Type:        "function",
			Name:        ToolCancelBooking,
			Description: "Cancel the booking. First call asks for confirmation; call again with confirmed=true after the caller explicitly confirms.",
			Parameters: obj(map[string]any{
				"confirmed": boolean,
				"reason":    str,
			}),
		},
		{
			Type:        "function",
			Name:        ToolAmendBooking,
			Description: "Change details of an already confirmed booking.",
			Parameters: obj(map[string]any{
				"pickup":      str,
				"destination": str,
				"passengers":  integer,
				"pickup_time": str,
			}),
		},
		{
			Type:        "function",
			Name:        ToolCheckStatus,
			Description: "Check where the caller's taxi is.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Type:        "function",
			Name:        ToolSendBookingLink,
			Description: "Text the caller a link with their booking details.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Type:        "function",
			Name:        ToolTransferOperator,
			Description: "Transfer the caller to a human operator.",
			Parameters: obj(map[string]any{
				"reason": str,
			}),
		},
		{
			Type:        "function",
			Name:        ToolEndCall,
			Description: "End the call once the caller has finished. Never call this while a quoted fare is still unanswered.",
			Parameters: obj(map[string]any{
				"reason": str,
			}),
		},
	}
}

// Loose argument readers: tool-call field bags arrive untyped and
// occasionally malformed.

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		// "2" instead of 2 happens often enough to tolerate.
		var n int
		for _, r := range v {
			if r < '0' || r > '9' {
				return 0
			}
			n = n*10 + int(r-'0')
		}
		return n
	}
	return 0
}

func argBool(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "yes"
	}
	return false
}
