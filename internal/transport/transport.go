// Package transport owns the two UDP sockets of the bridge: the high-rate
// data socket whose datagrams land in pool-provided device-addressable
// staging buffers, and the host-memory control socket used by the control
// protocol engine. Socket faults never stop the stream; they are counted and
// absorbed by a reconnect/backoff policy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/corvusworks/sensorbridge/internal/monitoring"
	"github.com/corvusworks/sensorbridge/internal/telemetry"
)

const (
	readDeadline     = 1 * time.Second
	reconnectBase    = 250 * time.Millisecond
	reconnectCap     = 5 * time.Second
	errorsBeforeDrop = 8 // consecutive socket errors before reconnecting
)

// BufferSource supplies the destination for each receive call. The pool's
// packet staging ring implements it, so payloads land in device-addressable
// memory straight off the socket.
type BufferSource interface {
	NextPacketBuffer() []byte
}

// DataListenerConfig configures the data-plane receive loop.
type DataListenerConfig struct {
	Address  string
	RcvBuf   int // kernel receive buffer size; some OSes clamp it
	Buffers  BufferSource
	Counters *telemetry.Counters

	// Handler processes one datagram. The slice aliases a staging buffer
	// and must be consumed before the handler returns.
	Handler func(datagram []byte)

	// OnListen, if set, is invoked with the bound local address each time
	// the socket (re)opens. Lets callers bind to port 0.
	OnListen func(addr net.Addr)
}

// DataListener receives bridge packets from UDP and hands them to the
// reassembly path.
type DataListener struct {
	cfg DataListenerConfig
}

// NewDataListener creates a data listener with the provided configuration.
func NewDataListener(cfg DataListenerConfig) *DataListener {
	return &DataListener{cfg: cfg}
}

// Run listens for datagrams until the context is cancelled. Socket errors
// are counted as transport faults; after a burst of consecutive errors the
// socket is torn down and re-opened with capped exponential backoff.
func (l *DataListener) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := l.listen()
		if err != nil {
			l.cfg.Counters.AddTransportFault()
			monitoring.Logf("data socket open failed: %v (retrying in %v)", err, backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectBase

		err = l.receiveLoop(ctx, conn)
		conn.Close()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Socket went bad; fall through to reconnect.
		monitoring.Logf("data socket fault: %v (reconnecting)", err)
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func (l *DataListener) listen() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on data socket: %w", err)
	}
	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer to %d bytes: %v (some OSes clamp buffer sizes)",
				l.cfg.RcvBuf, err)
		}
	}
	monitoring.Logf("Listening for bridge packets on %s", conn.LocalAddr())
	if l.cfg.OnListen != nil {
		l.cfg.OnListen(conn.LocalAddr())
	}
	return conn, nil
}

// receiveLoop reads datagrams into staging buffers until cancellation or a
// burst of socket errors. Returns the context error on cancellation.
func (l *DataListener) receiveLoop(ctx context.Context, conn *net.UDPConn) error {
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("data listener shutting down")
			return ctx.Err()
		default:
		}

		// A short read deadline keeps the loop responsive to cancellation.
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
		buf := l.cfg.Buffers.NextPacketBuffer()
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.cfg.Counters.AddTransportFault()
			consecutiveErrors++
			if consecutiveErrors >= errorsBeforeDrop {
				return fmt.Errorf("giving up on socket after %d consecutive errors: %w",
					consecutiveErrors, err)
			}
			continue
		}
		consecutiveErrors = 0
		l.cfg.Counters.AddPacket(n)
		l.cfg.Handler(buf[:n])
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ControlConn is the host-memory control socket, connected to the FPGA's
// control endpoint. It is used exclusively by the control protocol engine
// and never touches the data path.
type ControlConn struct {
	conn *net.UDPConn
}

// DialControl connects to the FPGA control endpoint.
func DialControl(address string) (*ControlConn, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve control address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control socket: %w", err)
	}
	return &ControlConn{conn: conn}, nil
}

// Send transmits one control datagram.
func (c *ControlConn) Send(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

// Receive reads one control datagram into b, waiting at most timeout.
// Returns net timeout errors unchanged so callers can poll.
func (c *ControlConn) Receive(b []byte, timeout time.Duration) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(b)
	return n, err
}

// Close tears down the control socket.
func (c *ControlConn) Close() error {
	return c.conn.Close()
}
