package device

import (
	"context"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestWorkerIdleUntilConnect(t *testing.T) {
	board := newFakeBoard(t, "ss")
	c := newTestController(t, board, nil)
	c.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	if n := board.count(">S#"); n != 0 {
		t.Fatalf("poller issued %d status commands while disconnected", n)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	// one status from the connect sequence, then at least two polls
	if !waitFor(t, time.Second, func() bool { return board.count(">S#") >= 3 }) {
		t.Fatalf("poller did not resume after Connect, status commands = %d", board.count(">S#"))
	}
}

func TestWorkerStopsAfterLastDisconnect(t *testing.T) {
	board := newFakeBoard(t, "ss")
	c := newTestController(t, board, nil)
	c.Start(context.Background())
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return board.count(">S#") >= 2 }) {
		t.Fatal("poller never ran")
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	after := board.count(">S#")
	time.Sleep(100 * time.Millisecond)
	if n := board.count(">S#"); n != after {
		t.Fatalf("status commands after Disconnect: %d, want %d", n, after)
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return board.count(">S#") >= after+2 }) {
		t.Fatal("poller did not resume after reconnect")
	}
}

func TestWorkerSurvivesRefreshErrors(t *testing.T) {
	c, board := connectTestController(t, "ss")
	rec := &eventRecorder{}
	c.Subscribe(rec.record)

	board.mu.Lock()
	board.statusReply = "S:garbage"
	board.mu.Unlock()

	c.Start(context.Background())
	if !waitFor(t, time.Second, func() bool { return board.count(">S#") >= 4 }) {
		t.Fatal("poller stopped after a failed refresh")
	}
	if !c.IsConnected() {
		t.Fatal("failed refresh dropped the connection")
	}

	board.mu.Lock()
	board.statusReply = ""
	board.mu.Unlock()

	refreshed := func() bool {
		for _, typ := range rec.types() {
			if typ == EventRefreshed {
				return true
			}
		}
		return false
	}
	if !waitFor(t, time.Second, refreshed) {
		t.Fatal("no refresh event after the board recovered")
	}
}

func TestRefreshPicksUpBoardChanges(t *testing.T) {
	c, board := connectTestController(t, "ssf")
	board.setSensor(2, 2.5) // port 1 current
	board.setSensor(7, 42)  // env humidity

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if v, _ := c.GetValue(2); v != 2.5 {
		t.Errorf("current = %g, want 2.5", v)
	}
	if v, _ := c.GetValue(7); v != 42 {
		t.Errorf("humidity = %g, want 42", v)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, board := connectTestController(t, "ss")
	c.Start(context.Background())

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if board.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", board.closeCount())
	}
	if c.State() != StateDisconnected || c.RefCount() != 0 {
		t.Errorf("State() = %s refcount = %d", c.State(), c.RefCount())
	}
}
