package execution_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentdeck/agentdeck-api/internal/domain/execution"
)

func passthrough(next http.Handler) http.Handler { return next }

func TestExecuteRejectsOversizedBody(t *testing.T) {
	g := newGate(t, false)
	router := execution.NewHandler(g.svc).Routes(passthrough, passthrough)

	body := `{"input":"` + strings.Repeat("a", 70*1024) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/execute/"+g.trialA.ID.String(), strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rr.Code, rr.Body.String())
	}
	if g.runner.callCount() != 0 {
		t.Fatalf("oversized request must not reach the executor, got %d calls", g.runner.callCount())
	}
}

func TestExecuteAcceptsSmallBody(t *testing.T) {
	g := newGate(t, false)
	router := execution.NewHandler(g.svc).Routes(passthrough, passthrough)

	req := httptest.NewRequest(http.MethodPost, "/execute/"+g.trialA.ID.String(), strings.NewReader(`{"input":{"q":"hi"}}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if g.runner.callCount() != 1 {
		t.Fatalf("expected one executor call, got %d", g.runner.callCount())
	}
}
