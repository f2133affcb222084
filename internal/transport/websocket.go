package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/lxzan/gws"
	"github.com/rs/zerolog"

	"rategate/pkg/throttler"
)

// ErrNotConnected is returned when sending on a websocket that has no
// active connection.
var ErrNotConnected = errors.New("websocket not connected")

// ConnState represents the current connection state of a websocket.
type ConnState int32

// Connection states for websocket lifecycle management.
const (
	// StateDisconnected indicates the websocket is not connected.
	StateDisconnected ConnState = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateConnected indicates the websocket has an active connection.
	StateConnected
	// StateReconnecting indicates a reconnect attempt after a disconnect.
	StateReconnecting
	// StateClosed indicates the websocket has been permanently closed.
	StateClosed
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	return [...]string{
		"disconnected",
		"connecting",
		"connected",
		"reconnecting",
		"closed",
	}[s]
}

// WSConfig holds configuration for a throttled websocket sender.
type WSConfig struct {
	// URL is the websocket server endpoint to connect to.
	URL string
	// ReconnectEnabled determines whether automatic reconnection is enabled.
	ReconnectEnabled bool
	// ReconnectBaseWait is the wait before the first reconnection attempt.
	ReconnectBaseWait time.Duration
	// ReconnectMaxWait caps the wait between reconnection attempts.
	ReconnectMaxWait time.Duration
	// PingInterval is the duration between keepalive pings.
	PingInterval time.Duration
	// PongWait is how long to wait for a pong before the connection is
	// considered dead.
	PongWait time.Duration
}

// WSConn is a websocket connection whose outbound messages acquire
// throttler admission before being written. Exchanges rate-limit
// subscription and order messages the same way they limit REST calls, so
// senders name the limit each message consumes.
type WSConn struct {
	config    WSConfig
	throttler *throttler.Throttler
	logger    zerolog.Logger
	handler   *wsEventHandler
	onMessage func([]byte)

	state atomic.Int32

	mu                sync.Mutex
	conn              *gws.Conn
	connectedChan     chan struct{}
	stopChan          chan struct{}
	wg                sync.WaitGroup
	reconnectAttempts int
}

type wsEventHandler struct {
	conn *WSConn
}

// NewWSConn creates a throttled websocket sender. Default values are
// applied for any zero-valued configuration fields. The throttler may be
// nil, in which case sends go out unthrottled.
func NewWSConn(config WSConfig, th *throttler.Throttler, logger zerolog.Logger) *WSConn {
	if config.ReconnectBaseWait == 0 {
		config.ReconnectBaseWait = 1 * time.Second
	}
	if config.ReconnectMaxWait == 0 {
		config.ReconnectMaxWait = 30 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 10 * time.Second
	}
	if config.PongWait == 0 {
		config.PongWait = 20 * time.Second
	}

	c := &WSConn{
		config:        config,
		throttler:     th,
		logger:        logger,
		connectedChan: make(chan struct{}),
		stopChan:      make(chan struct{}),
	}
	c.state.Store(int32(StateDisconnected))
	c.handler = &wsEventHandler{conn: c}
	return c
}

// OnMessage registers the callback invoked for every inbound frame.
// Inbound traffic is never throttled.
func (c *WSConn) OnMessage(fn func([]byte)) {
	c.onMessage = fn
}

func (h *wsEventHandler) OnOpen(socket *gws.Conn) {
	h.conn.state.Store(int32(StateConnected))

	h.conn.mu.Lock()
	h.conn.reconnectAttempts = 0
	select {
	case <-h.conn.connectedChan:
	default:
		close(h.conn.connectedChan)
	}
	h.conn.mu.Unlock()

	h.conn.logger.Info().
		Str("url", h.conn.config.URL).
		Msg("websocket connected")

	_ = socket.SetDeadline(time.Now().Add(h.conn.config.PingInterval + h.conn.config.PongWait))
}

func (h *wsEventHandler) OnClose(socket *gws.Conn, err error) {
	h.conn.state.Store(int32(StateDisconnected))

	h.conn.mu.Lock()
	h.conn.connectedChan = make(chan struct{})
	h.conn.mu.Unlock()

	h.conn.logger.Warn().
		Err(err).
		Str("url", h.conn.config.URL).
		Msg("websocket disconnected")

	if h.conn.config.ReconnectEnabled {
		select {
		case <-h.conn.stopChan:
		default:
			go h.conn.attemptReconnect()
		}
	}
}

func (h *wsEventHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.SetDeadline(time.Now().Add(h.conn.config.PingInterval + h.conn.config.PongWait))
	_ = socket.WritePong(nil)
}

func (h *wsEventHandler) OnPong(socket *gws.Conn, payload []byte) {
	_ = socket.SetDeadline(time.Now().Add(h.conn.config.PingInterval + h.conn.config.PongWait))
}

func (h *wsEventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	data := message.Bytes()
	if len(data) == 0 {
		return
	}
	if h.conn.onMessage != nil {
		h.conn.onMessage(data)
	}
}

// Connect establishes the websocket connection.
func (c *WSConn) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		current := ConnState(c.state.Load())
		if current == StateConnected {
			return nil
		}
		return fmt.Errorf("invalid state for connect: %s", current)
	}

	socket, _, err := gws.NewClient(c.handler, &gws.ClientOption{
		Addr: c.config.URL,
	})
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("connect websocket: %w", err)
	}

	c.mu.Lock()
	c.conn = socket
	connected := c.connectedChan
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		socket.ReadLoop()
	}()

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		_ = socket.NetConn().Close()
		c.state.Store(int32(StateDisconnected))
		return ctx.Err()
	case <-c.stopChan:
		_ = socket.NetConn().Close()
		c.state.Store(int32(StateClosed))
		return errors.New("connection stopped")
	}
}

// Send acquires admission for limitID, marshals v to JSON, and writes it
// as a text frame. Cancellation while waiting for capacity aborts the send
// before anything is written.
func (c *WSConn) Send(ctx context.Context, limitID string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return c.SendRaw(ctx, limitID, data)
}

// SendRaw is Send without the JSON marshaling step.
func (c *WSConn) SendRaw(ctx context.Context, limitID string, data []byte) error {
	if c.throttler != nil && limitID != "" {
		if err := c.throttler.Acquire(ctx, limitID); err != nil {
			return fmt.Errorf("acquire %s: %w", limitID, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || ConnState(c.state.Load()) != StateConnected {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(gws.OpcodeText, data)
}

// Ping sends a ping frame to keep the connection alive. Pings are not
// subject to rate limiting.
func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || ConnState(c.state.Load()) != StateConnected {
		return ErrNotConnected
	}
	return c.conn.WritePing(nil)
}

// State returns the current connection state.
func (c *WSConn) State() ConnState {
	return ConnState(c.state.Load())
}

// IsConnected returns true if the websocket has an active connection.
func (c *WSConn) IsConnected() bool {
	return c.State() == StateConnected
}

// Close permanently shuts down the websocket and releases its resources.
func (c *WSConn) Close() error {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateClosed)) &&
		!c.state.CompareAndSwap(int32(StateConnecting), int32(StateClosed)) &&
		!c.state.CompareAndSwap(int32(StateReconnecting), int32(StateClosed)) &&
		!c.state.CompareAndSwap(int32(StateDisconnected), int32(StateClosed)) {
		return nil
	}

	close(c.stopChan)

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.NetConn().Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *WSConn) attemptReconnect() {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateReconnecting)) {
		return
	}

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		c.mu.Lock()
		attempts := c.reconnectAttempts
		c.reconnectAttempts++
		c.mu.Unlock()

		wait := c.backoff(attempts)
		c.logger.Info().
			Dur("wait", wait).
			Int("attempt", attempts+1).
			Msg("attempting reconnect")

		select {
		case <-time.After(wait):
		case <-c.stopChan:
			return
		}

		c.state.Store(int32(StateDisconnected))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err != nil {
			c.logger.Error().Err(err).
				Int("attempt", attempts+1).
				Msg("reconnect failed")
			continue
		}

		c.logger.Info().Msg("reconnected")
		return
	}
}

func (c *WSConn) backoff(attempts int) time.Duration {
	if attempts > 20 {
		return c.config.ReconnectMaxWait
	}
	return min(c.config.ReconnectBaseWait*time.Duration(1<<uint(attempts)), c.config.ReconnectMaxWait)
}
