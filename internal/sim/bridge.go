package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// maxFrame bounds a single response body.
const maxFrame = 16 << 20

// Bridge operations.
const (
	OpStart     = "start"
	OpSetSignal = "set_signal"
	OpStep      = "step"
	OpLane      = "lane"
	OpVehicles  = "vehicles"
	OpClose     = "close"
)

// Request is one frame sent to the external simulator.
type Request struct {
	Op       string `msgpack:"op"`
	Seed     int64  `msgpack:"seed,omitempty"`
	State    string `msgpack:"state,omitempty"`
	Lane     string `msgpack:"lane,omitempty"`
	Approach string `msgpack:"approach,omitempty"`
}

// Response is the simulator's reply. Body is decoded according to Op.
type Response struct {
	Error   string             `msgpack:"error,omitempty"`
	Unknown bool               `msgpack:"unknown,omitempty"`
	Body    msgpack.RawMessage `msgpack:"body,omitempty"`
}

// RemoteError is a failure reported by the simulator process.
type RemoteError struct {
	Op  string
	Msg string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("simulator %s: %s", e.Op, e.Msg) }

// Bridge talks to an external simulator over a stream connection using
// 4-byte big-endian length-prefixed msgpack frames. It owns the connection.
type Bridge struct {
	mu     sync.Mutex
	conn   net.Conn
	logger zerolog.Logger
}

// DialBridge connects to a simulator at network/address, e.g. "tcp" and
// "127.0.0.1:8813" or "unix" and a socket path.
func DialBridge(ctx context.Context, network, address string, logger zerolog.Logger) (*Bridge, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial simulator %s://%s: %w", network, address, err)
	}
	logger.Info().Str("network", network).Str("address", address).Msg("connected to simulator")
	return NewBridge(conn, logger), nil
}

// NewBridge wraps an established connection.
func NewBridge(conn net.Conn, logger zerolog.Logger) *Bridge {
	return &Bridge{conn: conn, logger: logger}
}

func (b *Bridge) Start(ctx context.Context, seed int64) error {
	return b.call(ctx, Request{Op: OpStart, Seed: seed}, nil)
}

func (b *Bridge) SetSignal(ctx context.Context, state string) error {
	return b.call(ctx, Request{Op: OpSetSignal, State: state}, nil)
}

func (b *Bridge) Step(ctx context.Context) (StepReport, error) {
	var r StepReport
	err := b.call(ctx, Request{Op: OpStep}, &r)
	return r, err
}

func (b *Bridge) Lane(ctx context.Context, laneID string) (LaneMetrics, error) {
	var m LaneMetrics
	err := b.call(ctx, Request{Op: OpLane, Lane: laneID}, &m)
	return m, err
}

func (b *Bridge) Vehicles(ctx context.Context, approach string) ([]Vehicle, error) {
	var vs []Vehicle
	err := b.call(ctx, Request{Op: OpVehicles, Approach: approach}, &vs)
	return vs, err
}

// Close asks the simulator to shut down and closes the connection.
func (b *Bridge) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	callErr := b.call(ctx, Request{Op: OpClose}, nil)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	if callErr != nil && !errors.Is(callErr, ErrNotRunning) {
		b.logger.Debug().Err(callErr).Msg("simulator close request failed")
	}
	return err
}

func (b *Bridge) call(ctx context.Context, req Request, out interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ErrNotRunning
	}

	deadline, _ := ctx.Deadline()
	if err := b.conn.SetDeadline(deadline); err != nil {
		return b.broken(ctx, fmt.Errorf("set deadline: %w", err))
	}
	// A cancel without a deadline must still unblock a silent simulator.
	stop := context.AfterFunc(ctx, func() { _ = b.conn.SetDeadline(time.Now()) })
	defer stop()

	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	if err := writeFrame(b.conn, payload); err != nil {
		return b.broken(ctx, fmt.Errorf("send %s request: %w", req.Op, err))
	}
	body, err := readFrame(b.conn)
	if err != nil {
		return b.broken(ctx, fmt.Errorf("read %s response: %w", req.Op, err))
	}

	var resp Response
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Op, err)
	}
	if resp.Unknown {
		return fmt.Errorf("%w: %s", ErrUnknownLane, req.Lane)
	}
	if resp.Error != "" {
		return &RemoteError{Op: req.Op, Msg: resp.Error}
	}
	if out != nil && len(resp.Body) > 0 {
		if err := msgpack.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("decode %s body: %w", req.Op, err)
		}
	}
	return nil
}

// broken drops a connection whose stream position is unknown after a
// transport error; later calls fail with ErrNotRunning. Caller holds b.mu.
func (b *Bridge) broken(ctx context.Context, err error) error {
	_ = b.conn.Close()
	b.conn = nil
	b.logger.Warn().Err(err).Msg("simulator connection dropped")
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
