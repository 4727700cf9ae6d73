package relay

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/poastlabs/oauth-relay/internal/testutil"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DefaultTimeout = time.Second
	c, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	return c
}

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server
}

func TestCoordinator_DeliverUnmatched(t *testing.T) {
	c := newTestCoordinator(t)

	outcome := c.Deliver(context.Background(), "nobody-waiting", "abc", nil)
	if outcome != OutcomeUnmatched {
		t.Errorf("Deliver() = %v, want %v", outcome, OutcomeUnmatched)
	}
}

func TestCoordinator_DeliverMatched(t *testing.T) {
	c := newTestCoordinator(t)

	pw, err := c.register("s-1", time.Now().Add(time.Second), pipeConn(t))
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if got := c.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1", got)
	}

	outcome := c.Deliver(context.Background(), "s-1", "abc123", nil)
	if outcome != OutcomeMatched {
		t.Fatalf("Deliver() = %v, want %v", outcome, OutcomeMatched)
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() after delivery = %d, want 0", got)
	}

	select {
	case msg := <-pw.done:
		if msg.Type != MessageTypeDeliver || !msg.Success || msg.Code != "abc123" {
			t.Errorf("resolution = %+v", msg)
		}
	default:
		t.Fatal("no resolution on done channel")
	}
}

func TestCoordinator_DeliverReplayIsUnmatched(t *testing.T) {
	c := newTestCoordinator(t)

	if _, err := c.register("s-1", time.Now().Add(time.Second), pipeConn(t)); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if outcome := c.Deliver(context.Background(), "s-1", "abc", nil); outcome != OutcomeMatched {
		t.Fatalf("first Deliver() = %v", outcome)
	}
	if outcome := c.Deliver(context.Background(), "s-1", "abc", nil); outcome != OutcomeUnmatched {
		t.Errorf("replayed Deliver() = %v, want %v", outcome, OutcomeUnmatched)
	}
}

func TestCoordinator_DeliverErrorPayload(t *testing.T) {
	c := newTestCoordinator(t)

	pw, err := c.register("s-1", time.Now().Add(time.Second), pipeConn(t))
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}

	raw := Payload{"error": "access_denied", "error_description": "user said no"}
	if outcome := c.Deliver(context.Background(), "s-1", "", raw); outcome != OutcomeMatched {
		t.Fatalf("Deliver() = %v, want matched", outcome)
	}

	msg := <-pw.done
	if msg.Success {
		t.Error("delivery without a code should not be successful")
	}
	if msg.Raw["error"] != "access_denied" {
		t.Errorf("Raw = %v, want original payload", msg.Raw)
	}
}

func TestCoordinator_EmptyStateUsesSingleSlot(t *testing.T) {
	c := newTestCoordinator(t)

	pw, err := c.register(DefaultKey, time.Now().Add(time.Second), pipeConn(t))
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}

	if outcome := c.Deliver(context.Background(), "", "abc", nil); outcome != OutcomeMatched {
		t.Fatalf("Deliver() with empty state = %v, want matched via single slot", outcome)
	}
	msg := <-pw.done
	if msg.Code != "abc" {
		t.Errorf("Code = %q", msg.Code)
	}
}

func TestCoordinator_SingleSlotSupersede(t *testing.T) {
	c := newTestCoordinator(t)

	first, err := c.register(DefaultKey, time.Now().Add(time.Second), pipeConn(t))
	if err != nil {
		t.Fatalf("first register() error = %v", err)
	}
	second, err := c.register(DefaultKey, time.Now().Add(time.Second), pipeConn(t))
	if err != nil {
		t.Fatalf("second register() error = %v", err)
	}

	select {
	case msg := <-first.done:
		if msg.Success || msg.Reason != ReasonSuperseded {
			t.Errorf("superseded resolution = %+v", msg)
		}
	default:
		t.Fatal("first waiter should have been resolved as superseded")
	}

	if got := c.PendingCount(); got != 1 {
		t.Errorf("PendingCount() = %d, want only the new waiter", got)
	}
	if outcome := c.Deliver(context.Background(), "", "late-code", nil); outcome != OutcomeMatched {
		t.Fatalf("Deliver() = %v", outcome)
	}
	if msg := <-second.done; msg.Code != "late-code" {
		t.Errorf("surviving waiter got %+v", msg)
	}
}

func TestCoordinator_ExplicitStateDuplicateRejected(t *testing.T) {
	c := newTestCoordinator(t)

	first, err := c.register("s-1", time.Now().Add(time.Second), pipeConn(t))
	if err != nil {
		t.Fatalf("first register() error = %v", err)
	}
	if _, err := c.register("s-1", time.Now().Add(time.Second), pipeConn(t)); !IsStateInUse(err) {
		t.Fatalf("duplicate register() error = %v, want state_in_use", err)
	}

	// The original wait must be untouched by the rejected attempt.
	if got := c.PendingCount(); got != 1 {
		t.Errorf("PendingCount() = %d, want 1", got)
	}
	if outcome := c.Deliver(context.Background(), "s-1", "abc", nil); outcome != OutcomeMatched {
		t.Fatalf("Deliver() = %v", outcome)
	}
	if msg := <-first.done; msg.Code != "abc" {
		t.Errorf("original waiter got %+v", msg)
	}
}

func TestCoordinator_Expiry(t *testing.T) {
	c := newTestCoordinator(t)

	pw, err := c.register("s-1", time.Now().Add(50*time.Millisecond), pipeConn(t))
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}

	select {
	case msg := <-pw.done:
		if msg.Success || msg.Reason != ReasonTimeout {
			t.Errorf("expiry resolution = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not expire")
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() after expiry = %d, want 0", got)
	}

	// A late callback for the expired state finds nothing.
	if outcome := c.Deliver(context.Background(), "s-1", "too-late", nil); outcome != OutcomeUnmatched {
		t.Errorf("Deliver() after expiry = %v, want unmatched", outcome)
	}
}

func TestCoordinator_CancelIdempotentWithDeliver(t *testing.T) {
	c := newTestCoordinator(t)

	pw, err := c.register("s-1", time.Now().Add(time.Second), pipeConn(t))
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}

	if outcome := c.Deliver(context.Background(), "s-1", "abc", nil); outcome != OutcomeMatched {
		t.Fatalf("Deliver() = %v", outcome)
	}

	// Cancel after delivery must not send a second resolution.
	c.cancel(pw, waitOutcomeUnregistered)
	c.expire(pw)

	msg := <-pw.done
	if msg.Code != "abc" {
		t.Errorf("resolution = %+v, want the delivery", msg)
	}
	select {
	case extra := <-pw.done:
		t.Errorf("unexpected second resolution: %+v", extra)
	default:
	}
}

func TestCoordinator_ConcurrentDistinctStates(t *testing.T) {
	c := newTestCoordinator(t)

	const n = 20
	waits := make([]*pendingWait, n)
	for i := range waits {
		pw, err := c.register(string(rune('a'+i)), time.Now().Add(time.Second), pipeConn(t))
		if err != nil {
			t.Fatalf("register(%d) error = %v", i, err)
		}
		waits[i] = pw
	}
	if got := c.PendingCount(); got != n {
		t.Fatalf("PendingCount() = %d, want %d", got, n)
	}

	for i, pw := range waits {
		state := string(rune('a' + i))
		if outcome := c.Deliver(context.Background(), state, "code-"+state, nil); outcome != OutcomeMatched {
			t.Fatalf("Deliver(%q) = %v", state, outcome)
		}
		if msg := <-pw.done; msg.Code != "code-"+state {
			t.Errorf("waiter %q got %+v", state, msg)
		}
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

// startTestCoordinator brings up a coordinator on a fresh unix socket for
// tests that need to drive the wire protocol directly.
func startTestCoordinator(t *testing.T) (Config, *Coordinator) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SocketPath = testutil.SocketPath(t)
	cfg.DefaultTimeout = time.Second
	c, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Stop(ctx)
	})
	return cfg, c
}

func dialCoordinator(t *testing.T, cfg Config) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial coordinator: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectClosed asserts the coordinator closed the connection without
// writing anything back.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if line, err := bufio.NewReader(conn).ReadBytes('\n'); err == nil {
		t.Errorf("connection should be closed, got reply %q", line)
	}
}

func TestCoordinator_MalformedFirstFrameClosesOnlyThatConnection(t *testing.T) {
	cfg, c := startTestCoordinator(t)

	healthy := dialCoordinator(t, cfg)
	if err := writeFrame(healthy, Message{Type: MessageTypeRegister, State: "s-1"}); err != nil {
		t.Fatalf("register healthy waiter: %v", err)
	}
	testutil.Eventually(t, time.Second, func() bool {
		return c.PendingCount() == 1
	}, "healthy waiter should register")

	bad := dialCoordinator(t, cfg)
	if _, err := bad.Write([]byte("not json at all\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	expectClosed(t, bad)

	// The healthy waiter is untouched and still resolvable.
	if got := c.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1 after dropping the bad connection", got)
	}
	if outcome := c.Deliver(context.Background(), "s-1", "abc", nil); outcome != OutcomeMatched {
		t.Fatalf("Deliver() = %v", outcome)
	}
	_ = healthy.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(healthy).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read delivery: %v", err)
	}
	msg, err := decodeMessage(line)
	if err != nil || msg.Code != "abc" {
		t.Errorf("healthy waiter got (%+v, %v)", msg, err)
	}
}

func TestCoordinator_FirstFrameMustBeRegister(t *testing.T) {
	cfg, c := startTestCoordinator(t)

	conn := dialCoordinator(t, cfg)
	if err := writeFrame(conn, Message{Type: MessageTypeUnregister}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	expectClosed(t, conn)

	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestCoordinator_MalformedFrameAfterRegisterCancelsWait(t *testing.T) {
	cfg, c := startTestCoordinator(t)

	conn := dialCoordinator(t, cfg)
	if err := writeFrame(conn, Message{Type: MessageTypeRegister, State: "s-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	testutil.Eventually(t, time.Second, func() bool {
		return c.PendingCount() == 1
	}, "waiter should register")

	if _, err := conn.Write([]byte("garbage\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	testutil.Eventually(t, time.Second, func() bool {
		return c.PendingCount() == 0
	}, "malformed frame should cancel the registration")
	expectClosed(t, conn)
}

func TestCoordinator_RegisterAfterStopRejected(t *testing.T) {
	c := newTestCoordinator(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	_, err := c.register("s-1", time.Now().Add(time.Minute), pipeConn(t))
	if !IsConnection(err) {
		t.Errorf("register() after Stop error = %v, want connection error", err)
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestCoordinator_StopCancelsPending(t *testing.T) {
	c := newTestCoordinator(t)

	pw, err := c.register("s-1", time.Now().Add(time.Minute), pipeConn(t))
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	msg := <-pw.done
	if msg.Type != "" {
		t.Errorf("shutdown resolution = %+v, want cancellation", msg)
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() after Stop = %d, want 0", got)
	}
}
