package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cabwire/cabwire/internal/storage/sqlite"
	"github.com/cabwire/cabwire/pkg/logger"
)

// Config holds the review pipeline settings.
type Config struct {
	Enabled         bool
	Model           string
	IntervalSeconds int
	BatchSize       int
	TimeoutSeconds  int
}

// Store is the storage boundary the processor needs.
type Store interface {
	GetUnreviewedCalls(limit int) ([]*sqlite.CallRecord, error)
	StoreAnnotation(annotation *sqlite.ReviewAnnotation) (int64, error)
	MarkReviewFailed(callRecordID int64) error
}

// Reviewer produces one structured annotation for a call transcript.
type Reviewer interface {
	Review(ctx context.Context, model, systemPrompt, transcript string) (string, error)
}

// EventSink receives a call_reviewed event per stored annotation. May be
// nil.
type EventSink interface {
	Publish(event string, data map[string]any)
}

// result is the JSON shape the model is asked to produce.
type result struct {
	Quality        string `json:"quality"`
	MissedIntents  int    `json:"missed_intents"`
	SafetyNetFired bool   `json:"safety_net_fired"`
	Notes          string `json:"notes"`
}

const reviewSystemPrompt = `You review finished taxi-booking phone calls. The transcript interleaves caller speech ("caller:") with backend instructions to the agent ("instruction:").

Return ONLY a JSON object with these fields:
- "quality": "good" if the call flowed cleanly, "degraded" if the caller had to repeat themselves or was misunderstood, "failed" if the call ended without achieving what the caller wanted.
- "missed_intents": how many caller turns expressed a clear request that got no reaction.
- "safety_net_fired": true if the booking was dispatched only because the caller hung up on an unanswered quote.
- "notes": one short sentence on the most important problem, or an empty string.`

// Processor reviews finished calls on a background loop: it batches
// unreviewed transcripts through the LLM and stores the structured
// annotations for the ops dashboard.
type Processor struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    Store
	reviewer Reviewer
	events   EventSink
	config   Config
	logger   *logger.Logger
	wg       sync.WaitGroup
}

// NewProcessor creates a review processor.
func NewProcessor(ctx context.Context, store Store, reviewer Reviewer, events EventSink, config Config, log *logger.Logger) *Processor {
	procCtx, procCancel := context.WithCancel(ctx)
	return &Processor{
		ctx:      procCtx,
		cancel:   procCancel,
		store:    store,
		reviewer: reviewer,
		events:   events,
		config:   config,
		logger:   log.Named("review"),
	}
}

// Start begins the review loop.
func (p *Processor) Start() error {
	if !p.config.Enabled {
		p.logger.Info("Call review is disabled, not starting")
		return nil
	}

	p.logger.Info("Starting call review loop",
		logger.Int("interval_seconds", p.config.IntervalSeconds),
		logger.Int("batch_size", p.config.BatchSize))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(time.Duration(p.config.IntervalSeconds) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				p.logger.Info("Call review loop stopped")
				return
			case <-ticker.C:
				if err := p.processNextBatch(); err != nil {
					p.logger.Error("Error processing review batch", logger.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop stops the review loop and waits for the in-flight batch.
func (p *Processor) Stop() error {
	p.logger.Info("Stopping call review loop")
	p.cancel()
	p.wg.Wait()
	return nil
}

// processNextBatch reviews the next batch of unreviewed calls. Each call
// is reviewed independently: one bad transcript never blocks the rest.
func (p *Processor) processNextBatch() error {
	records, err := p.store.GetUnreviewedCalls(p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to get unreviewed calls: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	p.logger.Debug("Reviewing batch of calls", logger.Int("count", len(records)))

	for _, record := range records {
		if err := p.reviewOne(record); err != nil {
			p.logger.Error("Failed to review call",
				logger.Int64("id", record.ID),
				logger.String("call_id", record.CallID),
				logger.Error(err))
			if markErr := p.store.MarkReviewFailed(record.ID); markErr != nil {
				p.logger.Error("Failed to mark review as failed",
					logger.Int64("id", record.ID),
					logger.Error(markErr))
			}
		}
	}
	return nil
}

func (p *Processor) reviewOne(record *sqlite.CallRecord) error {
	timeout := time.Duration(p.config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	transcript := fmt.Sprintf("End reason: %s\n\n%s", record.EndReason, record.Transcript)

	raw, err := p.reviewer.Review(ctx, p.config.Model, reviewSystemPrompt, transcript)
	if err != nil {
		return fmt.Errorf("review request failed: %w", err)
	}

	res, err := parseResult(raw)
	if err != nil {
		return fmt.Errorf("failed to parse review result: %w", err)
	}

	annotation := &sqlite.ReviewAnnotation{
		CallRecordID:   record.ID,
		Quality:        res.Quality,
		MissedIntents:  res.MissedIntents,
		SafetyNetFired: res.SafetyNetFired,
		Notes:          res.Notes,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := p.store.StoreAnnotation(annotation); err != nil {
		return fmt.Errorf("failed to store annotation: %w", err)
	}

	p.logger.Info("Call reviewed",
		logger.String("call_id", record.CallID),
		logger.String("quality", res.Quality),
		logger.Int("missed_intents", res.MissedIntents))

	if p.events != nil {
		p.events.Publish("call_reviewed", map[string]any{
			"call_id":          record.CallID,
			"quality":          res.Quality,
			"missed_intents":   res.MissedIntents,
			"safety_net_fired": res.SafetyNetFired,
		})
	}

	return nil
}

// parseResult decodes the model's JSON, tolerating markdown fences around
// the object.
func parseResult(raw string) (*result, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var res result
	if err := json.Unmarshal([]byte(cleaned), &res); err != nil {
		return nil, err
	}

	switch res.Quality {
	case "good", "degraded", "failed":
	default:
		return nil, fmt.Errorf("unexpected quality %q", res.Quality)
	}
	return &res, nil
}
