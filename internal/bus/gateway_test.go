package bus

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"riskpipe/internal/config"
)

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		// reserved port, nothing listens there
		Brokers:        []string{"127.0.0.1:1"},
		GroupID:        "riskpipe-test",
		ConnectRetries: 2,
		ConnectDelay:   10 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		Prefetch:       10,
		Topics: config.TopicsConfig{
			Transactions:    "transactions.raw",
			Scores:          "fraud.scores",
			Alerts:          "alerts.high_risk",
			Recommendations: "analyst.recommendations",
		},
	}
}

func TestConnectExhaustsRetriesAndIsFatal(t *testing.T) {
	g := NewGateway(testBusConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.Connect(ctx); err == nil {
		t.Fatalf("expected connect error with no broker")
	}
	if g.State() != StateFatalDisconnected {
		t.Fatalf("state=%s want=%s", g.State(), StateFatalDisconnected)
	}
}

func TestSetStateFlagsIllegalTransition(t *testing.T) {
	var buf bytes.Buffer
	g := NewGateway(testBusConfig(), slog.New(slog.NewTextHandler(&buf, nil)))
	// disconnected -> connected skips connecting
	g.setState(StateConnected)
	if !strings.Contains(buf.String(), "unexpected bus state transition") {
		t.Fatalf("illegal transition not flagged: %q", buf.String())
	}
	buf.Reset()
	g.setState(StateReconnecting)
	if !strings.Contains(buf.String(), "bus state change") {
		t.Fatalf("legal transition not logged: %q", buf.String())
	}
}

func TestConnectHonorsCancellation(t *testing.T) {
	cfg := testBusConfig()
	cfg.ConnectRetries = 1000
	cfg.ConnectDelay = time.Hour
	g := NewGateway(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	done := make(chan error, 1)
	go func() { done <- g.Connect(ctx) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("connect did not stop on cancellation")
	}
}
