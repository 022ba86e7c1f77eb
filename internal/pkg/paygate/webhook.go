package paygate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventTypePaymentConfirmed is the only event type the reconciliation
// processor applies to the ledger.
const EventTypePaymentConfirmed = "payment.confirmed"

// Event represents a processor-signed payment event.
// EventID is assigned by the processor and doubles as the ledger
// idempotency key, so at-least-once redelivery is a no-op.
type Event struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	UserID     uuid.UUID `json:"user_id"`
	Credits    int64     `json:"credits"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ParseEvent decodes and structurally validates a webhook body.
// It does NOT verify authenticity; callers must check the signature
// against the raw body first.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	if strings.TrimSpace(ev.EventID) == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("type is required")
	}
	if ev.UserID == uuid.Nil {
		return nil, fmt.Errorf("user_id is required")
	}
	if ev.Credits <= 0 {
		return nil, fmt.Errorf("credits must be positive")
	}
	return &ev, nil
}
