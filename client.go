package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// dialTimeout bounds the connection attempt to the coordinator.
const dialTimeout = 10 * time.Second

// unregisterWriteTimeout bounds the best-effort unregister frame a waiter
// sends when it gives up.
const unregisterWriteTimeout = 2 * time.Second

// NewState returns a fresh opaque correlation key suitable for the OAuth
// state parameter of a keyed flow.
func NewState() string {
	return uuid.NewString()
}

// WaitForCode connects to the local relay coordinator, registers under state
// and blocks until the authorization callback is delivered, the timeout
// elapses or ctx is cancelled. An empty state selects single-slot mode; a
// timeout of zero uses cfg.DefaultTimeout.
//
// On timeout or cancellation the waiter unregisters before returning, so the
// coordinator's table entry is released even when a late callback and the
// deadline race. Failures are *Error values distinguishable with IsTimeout,
// IsConnection, IsSuperseded and IsStateInUse.
func WaitForCode(ctx context.Context, cfg Config, state string, timeout time.Duration) (*RelayResult, error) {
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	network, address := cfg.dialNetwork()

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, wrapError(ErrorCodeConnection,
			fmt.Sprintf("cannot connect to relay coordinator on %s %s (is the relay server running?)", network, address),
			err)
	}
	defer conn.Close()

	if err := writeFrame(conn, Message{Type: MessageTypeRegister, State: state}); err != nil {
		return nil, wrapError(ErrorCodeConnection, "send register", err)
	}

	// Caller cancellation unblocks the read below by closing the
	// connection, after a best-effort unregister.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			sendUnregister(conn)
			conn.Close()
		case <-finished:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, wrapError(ErrorCodeConnection, "wait cancelled", ctx.Err())
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			sendUnregister(conn)
			return nil, NewError(ErrorCodeTimeout,
				fmt.Sprintf("no OAuth callback within %s", timeout))
		}
		return nil, wrapError(ErrorCodeConnection,
			"coordinator closed connection without sending a result", err)
	}

	msg, err := decodeMessage(line)
	if err != nil {
		return nil, wrapError(ErrorCodeProtocol, "malformed frame from coordinator", err)
	}

	switch msg.Type {
	case MessageTypeDeliver:
		switch {
		case msg.Success:
			return &RelayResult{Code: msg.Code}, nil
		case msg.Reason == ReasonSuperseded:
			return nil, NewError(ErrorCodeSuperseded,
				"registration displaced by a newer single-slot waiter")
		case msg.Reason == ReasonTimeout:
			return nil, NewError(ErrorCodeTimeout, "coordinator expired the registration")
		default:
			return &RelayResult{Raw: msg.Raw}, nil
		}
	case MessageTypeError:
		code := msg.Reason
		if code == "" {
			code = ErrorCodeProtocol
		}
		return nil, NewError(code, msg.Error)
	default:
		return nil, NewError(ErrorCodeProtocol,
			fmt.Sprintf("unexpected message type %q", msg.Type))
	}
}

func writeFrame(conn net.Conn, msg Message) error {
	frame, err := msg.encode()
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

// sendUnregister tells the coordinator to drop the registration. Best
// effort: the coordinator also cancels on connection loss.
func sendUnregister(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(unregisterWriteTimeout))
	_ = writeFrame(conn, Message{Type: MessageTypeUnregister})
}
