package billing

import "time"

// EventMeta carries the envelope fields every handler needs.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

// Outcome describes what a delivery did to local state.
type Outcome string

const (
	// OutcomeApplied means the subscription record was written.
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the event type is not handled.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeNoop means the event referenced nothing known locally.
	OutcomeNoop Outcome = "noop"
	// OutcomeStale means a newer event already updated the record.
	OutcomeStale Outcome = "stale"
	// OutcomeDuplicate means the event was processed successfully before.
	OutcomeDuplicate Outcome = "duplicate"
)

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
}
