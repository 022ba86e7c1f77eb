package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-api/internal/domain/ledger"
	"github.com/agentdeck/agentdeck-api/internal/domain/payment"
	"github.com/agentdeck/agentdeck-api/internal/pkg/paygate"
)

const testSecret = "whsec_test"

type memoryLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	byKey    map[string]int64
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		balances: make(map[uuid.UUID]int64),
		byKey:    make(map[string]int64),
	}
}

func (m *memoryLedger) Apply(ctx context.Context, userID uuid.UUID, delta int64, reason ledger.Reason, key string, ref ledger.TxRef) (ledger.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, seen := m.byKey[key]; seen {
		if prev != delta {
			return ledger.ApplyResult{}, ledger.ErrIdempotencyConflict
		}
		return ledger.ApplyResult{Applied: false, Balance: m.balances[userID]}, nil
	}
	m.byKey[key] = delta
	m.balances[userID] += delta
	return ledger.ApplyResult{Applied: true, Balance: m.balances[userID]}, nil
}

func (m *memoryLedger) balance(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func signedRequest(t *testing.T, body []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(paygate.SignatureHeader, paygate.Sign(body, secret))
	return req
}

func eventBody(t *testing.T, eventID string, userID uuid.UUID, credits int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"event_id": eventID,
		"type":     paygate.EventTypePaymentConfirmed,
		"user_id":  userID.String(),
		"credits":  credits,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestWebhookAppliesOnce(t *testing.T) {
	credits := newMemoryLedger()
	handler := payment.NewHandler(payment.NewService(credits), testSecret)
	userID := uuid.New()
	body := eventBody(t, "evt_123", userID, 500)

	// First delivery credits the balance.
	rec := httptest.NewRecorder()
	handler.Webhook(rec, signedRequest(t, body, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := credits.balance(userID); got != 500 {
		t.Fatalf("expected balance 500, got %d", got)
	}

	// Redelivery of the same event changes nothing and still returns 200.
	rec = httptest.NewRecorder()
	handler.Webhook(rec, signedRequest(t, body, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on redelivery, got %d", rec.Code)
	}
	if got := credits.balance(userID); got != 500 {
		t.Fatalf("redelivery must not double-credit, got %d", got)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	credits := newMemoryLedger()
	handler := payment.NewHandler(payment.NewService(credits), testSecret)
	userID := uuid.New()
	body := eventBody(t, "evt_bad", userID, 500)

	rec := httptest.NewRecorder()
	handler.Webhook(rec, signedRequest(t, body, "wrong-secret"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := credits.balance(userID); got != 0 {
		t.Fatalf("unverified event must not touch the ledger, got %d", got)
	}
}

func TestWebhookRejectsMalformedEvent(t *testing.T) {
	handler := payment.NewHandler(payment.NewService(newMemoryLedger()), testSecret)
	body := []byte(`{"type":"payment.confirmed"}`)

	rec := httptest.NewRecorder()
	handler.Webhook(rec, signedRequest(t, body, testSecret))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookIgnoresUnknownEventType(t *testing.T) {
	handler := payment.NewHandler(payment.NewService(newMemoryLedger()), testSecret)
	body, _ := json.Marshal(map[string]interface{}{
		"event_id": "evt_refund",
		"type":     "payment.refunded",
		"user_id":  uuid.New().String(),
		"credits":  100,
	})

	rec := httptest.NewRecorder()
	handler.Webhook(rec, signedRequest(t, body, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for ignored event, got %d", rec.Code)
	}
}

func TestWebhookConflictingAmount(t *testing.T) {
	credits := newMemoryLedger()
	handler := payment.NewHandler(payment.NewService(credits), testSecret)
	userID := uuid.New()

	rec := httptest.NewRecorder()
	handler.Webhook(rec, signedRequest(t, eventBody(t, "evt_dup", userID, 500), testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.Webhook(rec, signedRequest(t, eventBody(t, "evt_dup", userID, 900), testSecret))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for conflicting amount, got %d", rec.Code)
	}
	if got := credits.balance(userID); got != 500 {
		t.Fatalf("conflicting event must not change balance, got %d", got)
	}
}
