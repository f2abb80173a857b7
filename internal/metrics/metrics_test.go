package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilGroupsAreNoops(t *testing.T) {
	var b *BridgeMetrics
	b.ObserveCall("engine", "get_balance", OutcomeOK, time.Millisecond)
	b.WorkerStarted("engine")
	b.SetReady("engine", true)

	var a *APIMetrics
	a.ObserveRequest("/health", 200, time.Millisecond)
	a.RateLimited()

	var c *ChainMetrics
	c.SetHeight(1)
	c.SyncRun("ok")

	var s *SecurityMetrics
	s.Event("login")
	s.Rotation()

	if NewBridgeMetrics(nil) != nil {
		t.Error("NewBridgeMetrics(nil) should be nil")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := NewRegistry()
	b := NewBridgeMetrics(reg)
	b.ObserveCall("wallet", "create_wallet", OutcomeTimeout, time.Second)
	NewChainMetrics(reg).SetHeight(7)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`orignode_bridge_calls_total{bridge="wallet",op="create_wallet",outcome="timeout"} 1`,
		`orignode_chain_height 7`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
