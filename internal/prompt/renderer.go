package prompt

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cabwire/cabwire/internal/storage/sqlite"
	"github.com/cabwire/cabwire/pkg/logger"
)

// Context is the data rendered into the agent's system prompt at call
// start.
type Context struct {
	CompanyName string
	Currency    string
	LocalTime   string
	CallerPhone string
	CallerNotes string
	Tools       []string
}

// Renderer builds the per-call system prompt for the voice agent.
type Renderer struct {
	companyName string
	currency    string
	tmpl        *template.Template
	logger      *logger.Logger
}

const systemPromptTemplate = `You are the telephone booking assistant for {{.CompanyName}}, a taxi company. The local time is {{.LocalTime}}.

You are speaking with a caller on a live phone line. Keep every reply short, natural and spoken-word: one or two sentences, no lists, no formatting.

Your ONLY job is collecting booking details and relaying what the booking system tells you. You never decide fares, never promise availability and never confirm a booking yourself: the booking system does all of that through the tools.

Rules:
- Use the tools for everything the caller tells you. Call store_booking_data every time the caller gives or changes any booking detail.
- When a tool result tells you what to say or ask next, follow it exactly.
- Read fares in {{.Currency}} and always repeat the fare back before asking the caller to confirm.
- Never invent addresses, prices or booking references.
- If the caller asks for anything outside taxi bookings, politely steer back or offer to transfer them to an operator.
{{- if .CallerNotes}}

About this caller:
{{.CallerNotes}}
Greet them by name if known, but re-confirm every booking detail: never assume this trip matches a previous one.
{{- end}}`

// NewRenderer creates a prompt renderer. The template is parsed once at
// startup; a malformed template is a programming error.
func NewRenderer(companyName, currency string, log *logger.Logger) (*Renderer, error) {
	tmpl, err := template.New("system-prompt").Parse(systemPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse system prompt template: %w", err)
	}
	return &Renderer{
		companyName: companyName,
		currency:    currency,
		tmpl:        tmpl,
		logger:      log.Named("prompt"),
	}, nil
}

// Render produces the system prompt for one call. The profile may be nil
// for unknown callers.
func (r *Renderer) Render(callerPhone string, profile *sqlite.CallerProfile, now time.Time) (string, error) {
	ctx := Context{
		CompanyName: r.companyName,
		Currency:    r.currency,
		LocalTime:   now.Format("Monday 15:04"),
		CallerPhone: callerPhone,
		CallerNotes: formatCallerNotes(profile),
	}

	var sb strings.Builder
	if err := r.tmpl.Execute(&sb, ctx); err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}

	r.logger.Debug("Rendered system prompt",
		logger.String("caller_phone", callerPhone),
		logger.Int("length", sb.Len()))

	return sb.String(), nil
}

// formatCallerNotes turns the history profile into prompt lines. Only
// soft context goes in: names and frequent places, never pre-filled
// booking data.
func formatCallerNotes(profile *sqlite.CallerProfile) string {
	if profile == nil {
		return ""
	}

	var lines []string
	if profile.Name != "" {
		lines = append(lines, fmt.Sprintf("- Their name is %s.", profile.Name))
	}
	if profile.BookingCount > 0 {
		lines = append(lines, fmt.Sprintf("- They have booked with us %d times before.", profile.BookingCount))
	}
	if profile.FrequentPickup != "" {
		lines = append(lines, fmt.Sprintf("- They are often picked up from %s.", profile.FrequentPickup))
	}
	if profile.FrequentDestination != "" {
		lines = append(lines, fmt.Sprintf("- They often travel to %s.", profile.FrequentDestination))
	}
	return strings.Join(lines, "\n")
}
