package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/poastlabs/oauth-relay/instrumentation"
	"github.com/poastlabs/oauth-relay/internal/util"
)

const (
	// registerReadTimeout bounds how long an accepted connection may take
	// to send its register frame before being dropped.
	registerReadTimeout = 10 * time.Second

	// resultWriteTimeout bounds the delivery write to a waiter connection.
	resultWriteTimeout = 5 * time.Second

	// stateLogLength is the number of state characters included in logs.
	// Enough to correlate flows without spilling the full opaque value.
	stateLogLength = 16
)

// Wait resolution labels used for logs and metrics.
const (
	waitOutcomeDelivered    = "delivered"
	waitOutcomeSuperseded   = "superseded"
	waitOutcomeTimedOut     = "timed_out"
	waitOutcomeUnregistered = "unregistered"
	waitOutcomeConnLost     = "connection_lost"
)

// pendingWait is one registered waiter. Owned exclusively by the
// coordinator's wait table: created on register, removed on its single
// terminal transition (deliver, supersede, expiry or cancellation).
type pendingWait struct {
	key       string
	createdAt time.Time
	deadline  time.Time
	conn      net.Conn
	timer     *time.Timer

	// done carries the resolution. Capacity 1; only the goroutine that
	// removed the entry from the table sends on it, so the send never
	// blocks and happens exactly once. A zero Message means the wait was
	// cancelled and there is nothing to write back.
	done chan Message
}

// Coordinator owns the table of pending waits and the local socket server
// waiters register over. All table mutations are serialized under one mutex
// held only for the O(1) map operation, never across socket I/O.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingWait

	listener net.Listener
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup

	tracer  trace.Tracer
	metrics *instrumentation.Metrics

	pendingCount atomic.Int64
}

// NewCoordinator creates a coordinator. Call Start to open the transport.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}

	c := &Coordinator{
		cfg:     cfg,
		logger:  cfg.logger(),
		pending: make(map[string]*pendingWait),
		stopped: make(chan struct{}),
	}

	if inst := cfg.Instrumentation; inst != nil {
		c.tracer = inst.Tracer("coordinator")
		c.metrics = inst.Metrics()
		if err := inst.RegisterPendingWaitsCallback(c.pendingCount.Load); err != nil {
			return nil, fmt.Errorf("register pending waits gauge: %w", err)
		}
	}

	return c, nil
}

// Start opens the local socket (unix by default, loopback TCP in fallback
// mode) and begins accepting waiter connections. It does not block.
func (c *Coordinator) Start(ctx context.Context) error {
	network, address := c.cfg.listenNetwork()
	if network == "unix" {
		// A previous run may have left the socket file behind.
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket %s: %w", address, err)
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	c.listener = ln
	c.logger.Info("OAuth relay coordinator listening",
		"network", network,
		"address", ln.Addr().String())

	c.wg.Add(1)
	go c.acceptLoop(ln)
	return nil
}

// Addr returns the transport address, or nil before Start.
func (c *Coordinator) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// PendingCount reports the number of outstanding waits.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop closes the listener and cancels every outstanding wait. Waiter
// connections are closed without a result; their WaitForCode calls observe a
// connection error. Blocks until connection goroutines exit or ctx is done.
func (c *Coordinator) Stop(ctx context.Context) error {
	var closeErr error
	c.stopOnce.Do(func() {
		close(c.stopped)
		if c.listener != nil {
			closeErr = c.listener.Close()
		}

		c.mu.Lock()
		waiting := make([]*pendingWait, 0, len(c.pending))
		for _, pw := range c.pending {
			waiting = append(waiting, pw)
		}
		c.pending = make(map[string]*pendingWait)
		c.pendingCount.Store(0)
		c.mu.Unlock()

		for _, pw := range waiting {
			pw.timer.Stop()
			pw.done <- Message{}
			pw.conn.Close()
			c.logger.Info("cancelled pending registration on shutdown",
				"state", util.SafeTruncate(pw.key, stateLogLength))
		}
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	c.logger.Info("OAuth relay coordinator stopped")
	return nil
}

// Deliver hands a provider callback to the waiter registered under state.
// An empty state falls back to the single-slot key; a state that matches no
// entry reports OutcomeUnmatched without touching anything else, which also
// covers replays of already-resolved callbacks. The entry is removed in the
// same serialized step as the lookup.
func (c *Coordinator) Deliver(ctx context.Context, state, code string, raw Payload) DeliveryOutcome {
	key := state
	if key == "" {
		key = DefaultKey
	}

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "relay.deliver")
		defer span.End()
		instrumentation.SetSpanAttributes(span,
			attribute.Bool(instrumentation.AttrStatePresent, state != ""),
			attribute.Bool(instrumentation.AttrCodePresent, code != ""),
		)
	}

	c.mu.Lock()
	pw, ok := c.pending[key]
	if !ok {
		c.mu.Unlock()
		if c.cfg.LogUnmatched {
			c.logger.Warn("no waiter for callback state, dropping",
				"state", util.SafeTruncate(key, stateLogLength))
		}
		if c.metrics != nil {
			c.metrics.RecordDelivery(ctx, string(OutcomeUnmatched), code != "")
		}
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrDeliveryOutcome, string(OutcomeUnmatched)))
		instrumentation.SetSpanSuccess(span)
		return OutcomeUnmatched
	}
	delete(c.pending, key)
	c.pendingCount.Store(int64(len(c.pending)))
	c.mu.Unlock()

	pw.timer.Stop()

	msg := Message{Type: MessageTypeDeliver, Success: code != "", Code: code}
	if code == "" {
		msg.Raw = raw
	}
	pw.done <- msg

	c.logger.Info("OAuth callback delivered to waiter",
		"state", util.SafeTruncate(key, stateLogLength),
		"code_present", code != "")
	if c.metrics != nil {
		c.metrics.RecordDelivery(ctx, string(OutcomeMatched), code != "")
		c.metrics.RecordWaitDuration(ctx, waitOutcomeDelivered,
			float64(time.Since(pw.createdAt).Milliseconds()))
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrDeliveryOutcome, string(OutcomeMatched)))
	instrumentation.SetSpanSuccess(span)
	return OutcomeMatched
}

// register installs a pending wait for key. In single-slot mode an existing
// wait is superseded; an occupied explicit state is rejected instead, since
// silently replacing it could hand one caller's code to another.
func (c *Coordinator) register(key string, deadline time.Time, conn net.Conn) (*pendingWait, error) {
	pw := &pendingWait{
		key:       key,
		createdAt: time.Now(),
		deadline:  deadline,
		conn:      conn,
		done:      make(chan Message, 1),
	}

	var superseded *pendingWait
	c.mu.Lock()
	select {
	case <-c.stopped:
		// Stop already swept the table; a wait installed now would linger
		// until its timer fired and hold up the shutdown wait group.
		c.mu.Unlock()
		return nil, NewError(ErrorCodeConnection, "coordinator is shutting down")
	default:
	}
	if old, ok := c.pending[key]; ok {
		if key != DefaultKey {
			c.mu.Unlock()
			return nil, NewError(ErrorCodeStateInUse,
				fmt.Sprintf("a waiter is already registered for state %q", util.SafeTruncate(key, stateLogLength)))
		}
		delete(c.pending, key)
		superseded = old
	}
	pw.timer = time.AfterFunc(time.Until(deadline), func() { c.expire(pw) })
	c.pending[key] = pw
	c.pendingCount.Store(int64(len(c.pending)))
	c.mu.Unlock()

	if superseded != nil {
		superseded.timer.Stop()
		superseded.done <- Message{Type: MessageTypeDeliver, Success: false, Reason: ReasonSuperseded}
		c.logger.Info("superseded previous single-slot registration")
		if c.metrics != nil {
			c.metrics.RecordSupersede(context.Background())
			c.metrics.RecordWaitDuration(context.Background(), waitOutcomeSuperseded,
				float64(time.Since(superseded.createdAt).Milliseconds()))
		}
	}

	mode := "keyed"
	if key == DefaultKey {
		mode = "single_slot"
	}
	if c.metrics != nil {
		c.metrics.RecordRegistration(context.Background(), mode)
	}
	return pw, nil
}

// expire resolves a wait whose deadline passed with no delivery. Idempotent
// with a concurrent Deliver: whichever removes the table entry first wins.
func (c *Coordinator) expire(pw *pendingWait) {
	c.mu.Lock()
	cur, ok := c.pending[pw.key]
	if !ok || cur != pw {
		c.mu.Unlock()
		return
	}
	delete(c.pending, pw.key)
	c.pendingCount.Store(int64(len(c.pending)))
	c.mu.Unlock()

	pw.done <- Message{Type: MessageTypeDeliver, Success: false, Reason: ReasonTimeout}
	c.logger.Warn("OAuth callback timeout",
		"state", util.SafeTruncate(pw.key, stateLogLength),
		"waited", time.Since(pw.createdAt).Round(time.Millisecond))
	if c.metrics != nil {
		c.metrics.RecordExpiry(context.Background())
		c.metrics.RecordWaitDuration(context.Background(), waitOutcomeTimedOut,
			float64(time.Since(pw.createdAt).Milliseconds()))
	}
}

// cancel removes a wait without delivering anything, after the waiter sent
// an unregister frame or dropped its connection. Same idempotence as expire.
func (c *Coordinator) cancel(pw *pendingWait, reason string) {
	c.mu.Lock()
	cur, ok := c.pending[pw.key]
	if !ok || cur != pw {
		c.mu.Unlock()
		return
	}
	delete(c.pending, pw.key)
	c.pendingCount.Store(int64(len(c.pending)))
	c.mu.Unlock()

	pw.timer.Stop()
	pw.done <- Message{}
	c.logger.Info("registration cancelled",
		"state", util.SafeTruncate(pw.key, stateLogLength),
		"reason", reason)
	if c.metrics != nil {
		c.metrics.RecordCancellation(context.Background(), reason)
	}
}

func (c *Coordinator) acceptLoop(ln net.Listener) {
	defer c.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-c.stopped:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("accept failed", "error", err)
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(conn)
		}()
	}
}

// handleConn services one waiter connection: read the register frame, park
// the wait in the table, then write back whatever resolution wins. A
// malformed frame closes only this connection.
func (c *Coordinator) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(registerReadTimeout))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		c.logger.Warn("waiter closed connection before registering", "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := decodeMessage(line)
	if err != nil {
		c.logger.Warn("malformed frame from waiter, closing connection", "error", err)
		return
	}
	if msg.Type != MessageTypeRegister {
		c.logger.Warn("first frame was not register, closing connection",
			"type", string(msg.Type))
		return
	}

	key := msg.State
	if key == "" {
		key = DefaultKey
	}
	deadline := time.Now().Add(c.cfg.DefaultTimeout)

	pw, err := c.register(key, deadline, conn)
	if err != nil {
		var re *Error
		reply := Message{Type: MessageTypeError, Error: err.Error()}
		if errors.As(err, &re) {
			reply.Reason = re.Code
			reply.Error = re.Description
		}
		if werr := c.writeMessage(conn, reply); werr != nil {
			c.logger.Debug("failed to report rejected registration", "error", werr)
		}
		return
	}
	c.logger.Info("waiter registered",
		"state", util.SafeTruncate(key, stateLogLength),
		"deadline", deadline.Round(time.Millisecond))

	// Reads continue on a separate goroutine so an unregister frame or a
	// dropped connection releases the table entry before the deadline.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchConn(reader, pw)
	}()

	res := <-pw.done
	if res.Type == "" {
		// Cancelled: nothing to write back.
		return
	}
	if err := c.writeMessage(conn, res); err != nil {
		c.logger.Warn("failed to write result to waiter",
			"state", util.SafeTruncate(key, stateLogLength),
			"error", err)
	}
}

// watchConn consumes frames from a registered waiter until its wait
// resolves or the connection dies.
func (c *Coordinator) watchConn(reader *bufio.Reader, pw *pendingWait) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.cancel(pw, waitOutcomeConnLost)
			return
		}
		msg, err := decodeMessage(line)
		if err != nil {
			c.logger.Warn("malformed frame from registered waiter, closing connection", "error", err)
			c.cancel(pw, waitOutcomeConnLost)
			pw.conn.Close()
			return
		}
		switch msg.Type {
		case MessageTypeUnregister:
			c.cancel(pw, waitOutcomeUnregistered)
			pw.conn.Close()
			return
		default:
			c.logger.Warn("unexpected frame from registered waiter, ignoring",
				"type", string(msg.Type))
		}
	}
}

func (c *Coordinator) writeMessage(conn net.Conn, msg Message) error {
	frame, err := msg.encode()
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(resultWriteTimeout))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Type, err)
	}
	return nil
}
