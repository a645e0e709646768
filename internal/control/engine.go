// Package control implements the register access protocol spoken over the
// control socket: blocking read/write transactions with retransmission,
// transaction ID matching, and stale-response rejection.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corvusworks/sensorbridge/internal/monitoring"
	"github.com/corvusworks/sensorbridge/internal/telemetry"
	"github.com/corvusworks/sensorbridge/internal/wire"
)

const (
	defaultTimeout = 100 * time.Millisecond // per-attempt response timeout
	defaultBackoff = 50 * time.Millisecond  // doubles per retry, capped
	backoffCap     = 1 * time.Second
	receivePoll    = 50 * time.Millisecond // dispatch loop read timeout
)

var (
	// ErrTimeout reports a transaction that exhausted all retransmissions
	// without a response.
	ErrTimeout = errors.New("control transaction timed out")

	// ErrShutdown reports a transaction aborted because the engine closed.
	ErrShutdown = errors.New("control engine shut down")
)

// StatusError reports a response the FPGA answered with a non-OK status.
type StatusError struct {
	Op      uint8
	Address uint32
	Status  uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control op 0x%02X addr 0x%08X rejected with status 0x%02X",
		e.Op, e.Address, e.Status)
}

// Transport is the datagram connection the engine drives. Satisfied by
// transport.ControlConn; tests substitute in-memory or loopback fakes.
type Transport interface {
	Send(b []byte) error
	Receive(b []byte, timeout time.Duration) (int, error)
	Close() error
}

// RegisterWrite is one entry of a sensor init sequence.
type RegisterWrite struct {
	Address uint32 `yaml:"address"`
	Value   uint32 `yaml:"value"`
}

// Config tunes the engine's retry policy. Zero durations take defaults.
// MaxRetries counts retransmissions after the initial send; zero means a
// single attempt per transaction, negative values are clamped to zero.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
}

// Engine serializes register transactions over one control connection.
// Concurrent Request calls are safe; responses are matched to callers by
// transaction ID.
type Engine struct {
	conn     Transport
	cfg      Config
	counters *telemetry.Counters

	mu      sync.Mutex
	nextTxn uint16
	pending map[uint16]chan wire.ControlResponse
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine starts an engine over conn and launches its response dispatcher.
func NewEngine(conn Transport, cfg Config, counters *telemetry.Counters) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		conn:     conn,
		cfg:      cfg,
		counters: counters,
		pending:  make(map[uint16]chan wire.ControlResponse),
		done:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.dispatch()
	return e
}

// dispatch reads responses off the socket and routes each to the pending
// transaction it answers. Responses that match nothing (duplicates from a
// retransmitted request, or answers to transactions that already timed out)
// are counted and discarded.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	buf := make([]byte, wire.ControlMessageSize*2)
	for {
		select {
		case <-e.done:
			return
		default:
		}

		n, err := e.conn.Receive(buf, receivePoll)
		if err != nil {
			continue
		}
		resp, err := wire.DecodeControlResponse(buf[:n])
		if err != nil {
			monitoring.Logf("discarding control datagram: %v", err)
			continue
		}

		e.mu.Lock()
		ch, ok := e.pending[resp.TransactionID]
		if ok {
			delete(e.pending, resp.TransactionID)
		}
		e.mu.Unlock()

		if !ok {
			e.counters.AddStaleResponse()
			continue
		}
		ch <- resp
	}
}

// register assigns a fresh transaction ID, unique among pending transactions,
// and installs the response channel for it.
func (e *Engine) register() (uint16, chan wire.ControlResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, nil, ErrShutdown
	}
	if len(e.pending) >= 1<<16 {
		return 0, nil, fmt.Errorf("transaction ID space exhausted")
	}
	for {
		txn := e.nextTxn
		e.nextTxn++ // wraps at 65535
		if _, busy := e.pending[txn]; busy {
			continue
		}
		ch := make(chan wire.ControlResponse, 1)
		e.pending[txn] = ch
		return txn, ch, nil
	}
}

func (e *Engine) unregister(txn uint16) {
	e.mu.Lock()
	delete(e.pending, txn)
	e.mu.Unlock()
}

// Request performs one register transaction, blocking until a matching
// response arrives, retries are exhausted, or ctx is cancelled. A late
// response to a retransmitted request is handled by the dispatcher as stale.
func (e *Engine) Request(ctx context.Context, op uint8, address, value uint32) (wire.ControlResponse, error) {
	var zero wire.ControlResponse

	txn, ch, err := e.register()
	if err != nil {
		return zero, err
	}
	defer e.unregister(txn)

	datagram := wire.EncodeControlRequest(wire.ControlRequest{
		Op:            op,
		TransactionID: txn,
		Address:       address,
		Value:         value,
	})

	backoff := e.cfg.Backoff
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.counters.AddControlRetry()
			if !sleepCtx(ctx, backoff) {
				return zero, ctx.Err()
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}
		if err := e.conn.Send(datagram); err != nil {
			monitoring.Logf("control send failed (txn %d, attempt %d): %v", txn, attempt+1, err)
			continue
		}

		timer := time.NewTimer(e.cfg.Timeout)
		select {
		case resp := <-ch:
			timer.Stop()
			if resp.Status != wire.StatusOK {
				e.counters.AddControlFailed()
				return zero, &StatusError{Op: op, Address: address, Status: resp.Status}
			}
			return resp, nil
		case <-timer.C:
			// Retransmit. The dispatcher removed nothing; the pending
			// entry stays live so a slow response can still land on a
			// later attempt.
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-e.done:
			timer.Stop()
			return zero, ErrShutdown
		}
	}

	e.counters.AddControlFailed()
	return zero, fmt.Errorf("txn %d op 0x%02X addr 0x%08X: %w after %d attempts",
		txn, op, address, ErrTimeout, e.cfg.MaxRetries+1)
}

// ReadRegister reads one 32-bit register.
func (e *Engine) ReadRegister(ctx context.Context, address uint32) (uint32, error) {
	resp, err := e.Request(ctx, wire.OpRead, address, 0)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// WriteRegister writes one 32-bit register.
func (e *Engine) WriteRegister(ctx context.Context, address, value uint32) error {
	_, err := e.Request(ctx, wire.OpWrite, address, value)
	return err
}

// ApplyInitSequence writes a sensor init sequence in order, stopping at the
// first failure. Sensors require their registers programmed sequentially.
func (e *Engine) ApplyInitSequence(ctx context.Context, seq []RegisterWrite) error {
	for i, w := range seq {
		if err := e.WriteRegister(ctx, w.Address, w.Value); err != nil {
			return fmt.Errorf("init sequence step %d/%d (addr 0x%08X): %w",
				i+1, len(seq), w.Address, err)
		}
	}
	return nil
}

// Close stops the dispatcher, fails all pending transactions with
// ErrShutdown, and closes the underlying connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// Blocked Request calls observe e.done and return ErrShutdown; their
	// deferred unregister clears the pending map.
	close(e.done)
	e.wg.Wait()

	return e.conn.Close()
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
