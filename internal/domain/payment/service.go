package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/agentdeck-api/internal/domain/ledger"
	"github.com/agentdeck/agentdeck-api/internal/pkg/paygate"
)

// LedgerApplier is the single write path into the credit ledger.
type LedgerApplier interface {
	Apply(ctx context.Context, userID uuid.UUID, delta int64, reason ledger.Reason, idempotencyKey string, ref ledger.TxRef) (ledger.ApplyResult, error)
}

// Outcome of applying one webhook event.
type Outcome struct {
	Applied bool  `json:"applied"`
	Balance int64 `json:"balance"`
}

// Service reconciles verified payment events into the ledger. The
// processor's event ID keys the ledger entry, so at-least-once webhook
// delivery credits each payment exactly once.
type Service struct {
	credits LedgerApplier
}

// NewService creates payment service
func NewService(credits LedgerApplier) *Service {
	return &Service{credits: credits}
}

// ApplyEvent credits the event amount to the user's balance. Replays of
// an already-applied event return Applied=false with no ledger change.
func (s *Service) ApplyEvent(ctx context.Context, ev *paygate.Event) (*Outcome, error) {
	result, err := s.credits.Apply(ctx, ev.UserID, ev.Credits, ledger.ReasonPaymentCredit,
		"payment:"+ev.EventID, ledger.TxRef{Type: "payment_event", ID: ev.EventID})
	if err != nil {
		return nil, err
	}

	if result.Applied {
		log.Info().
			Str("event_id", ev.EventID).
			Str("user_id", ev.UserID.String()).
			Int64("credits", ev.Credits).
			Int64("balance", result.Balance).
			Msg("Payment credited")
	} else {
		log.Info().
			Str("event_id", ev.EventID).
			Msg("Payment event already applied, skipping")
	}

	return &Outcome{Applied: result.Applied, Balance: result.Balance}, nil
}
