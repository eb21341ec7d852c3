// Package client connects a device to the collector over the relay wire
// protocol.
//
// The client dials lazily: the first request after a failure opens a new
// connection and sends Hello. Any transport failure drops the connection, so
// the relay coordinator's next attempt reconnects from scratch. Replies are
// matched to requests by envelope ID.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/trucklog/config"
	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/logging"
	"github.com/xtxerr/trucklog/internal/relay"
	"github.com/xtxerr/trucklog/internal/telemetry"
	"github.com/xtxerr/trucklog/internal/wire"
)

var log = logging.Component("client")

// =============================================================================
// State
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds client configuration.
type Config struct {
	Addr   string
	Token  string
	Device telemetry.DeviceID

	// Version is announced in Hello.
	Version string

	TLS           bool
	TLSSkipVerify bool

	ConnectTimeout time.Duration

	// CompressAbove is the frame body size above which frames are zstd
	// compressed. Zero disables compression.
	CompressAbove int
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           config.DefaultRelayAddress,
		ConnectTimeout: config.DefaultRelayConnectTimeoutMs * time.Millisecond,
		CompressAbove:  config.DefaultCompressAbove,
	}
}

// =============================================================================
// Client
// =============================================================================

// Client is a relay.Client speaking the wire protocol over TCP.
type Client struct {
	cfg       Config
	tlsConfig *tls.Config

	mu   sync.Mutex
	sess *session

	state     atomic.Int32
	requestID atomic.Uint64
}

var _ relay.Client = (*Client)(nil)

// New creates a client. It does not connect until the first request.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{cfg: *cfg}
	if c.cfg.ConnectTimeout <= 0 {
		c.cfg.ConnectTimeout = config.DefaultRelayConnectTimeoutMs * time.Millisecond
	}

	if cfg.TLS {
		c.tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}
	return c
}

// session is one authenticated connection.
type session struct {
	conn net.Conn
	wire *wire.Conn

	pendingMu sync.Mutex
	pending   map[uint64]chan *wire.Envelope

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func (s *session) fail(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		s.conn.Close()
	})
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// IsConnected returns true if a session is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Close drops the connection. Further requests fail with ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Store(int32(StateClosed))
	if c.sess != nil {
		c.sess.fail(errors.ErrNotConnected)
		c.sess = nil
	}
	return nil
}

// =============================================================================
// Connection management
// =============================================================================

// Connect opens a session now instead of on the first request.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

func (c *Client) session(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateClosed {
		return nil, fmt.Errorf("client closed: %w", errors.ErrNotConnected)
	}
	if c.sess != nil {
		return c.sess, nil
	}

	c.state.Store(int32(StateConnecting))
	sess, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return nil, err
	}

	c.sess = sess
	c.state.Store(int32(StateConnected))
	go c.readLoop(sess)

	log.Info("connected to collector", "addr", c.cfg.Addr)
	return sess, nil
}

func (c *Client) dial(ctx context.Context) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var conn net.Conn
	var err error

	dialer := &net.Dialer{}
	if c.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: c.tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", c.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("dial %s: %w", c.cfg.Addr, err), errors.ErrNotConnected)
	}

	sess := &session{
		conn:    conn,
		wire:    wire.NewConn(conn),
		pending: make(map[uint64]chan *wire.Envelope),
		done:    make(chan struct{}),
	}
	sess.wire.SetCompressAbove(c.cfg.CompressAbove)

	if err := c.hello(ctx, sess); err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

func (c *Client) hello(ctx context.Context, sess *session) error {
	id := c.requestID.Add(1)
	if err := sess.wire.Write(&wire.Envelope{
		ID: id,
		Hello: &wire.Hello{
			Token:   c.cfg.Token,
			Device:  c.cfg.Device,
			Version: c.cfg.Version,
		},
	}); err != nil {
		return errors.Mark(fmt.Errorf("send hello: %w", err), errors.ErrRelayTransport)
	}

	if deadline, ok := ctx.Deadline(); ok {
		sess.conn.SetReadDeadline(deadline)
	}
	defer sess.conn.SetReadDeadline(time.Time{})

	env, err := sess.wire.Read()
	if err != nil {
		return errors.Mark(fmt.Errorf("read hello reply: %w", err), errors.ErrRelayTransport)
	}
	if env.Error != nil {
		return fmt.Errorf("hello rejected: %w", env.Error.Err())
	}
	if env.Hello == nil {
		return fmt.Errorf("unexpected hello reply: %w", errors.ErrProtocol)
	}
	return nil
}

// drop closes sess and forgets it if it is still current.
func (c *Client) drop(sess *session, err error) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
		if c.State() == StateConnected {
			c.state.Store(int32(StateDisconnected))
		}
	}
	c.mu.Unlock()

	sess.fail(err)
}

// =============================================================================
// Read loop
// =============================================================================

func (c *Client) readLoop(sess *session) {
	for {
		env, err := sess.wire.Read()
		if err != nil {
			select {
			case <-sess.done:
			default:
				log.Warn("collector connection lost", "error", err)
			}
			c.drop(sess, err)
			return
		}

		sess.pendingMu.Lock()
		ch, ok := sess.pending[env.ID]
		sess.pendingMu.Unlock()

		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	}
}

// =============================================================================
// Request/Response
// =============================================================================

func (c *Client) request(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	id := c.requestID.Add(1)
	env.ID = id

	ch := make(chan *wire.Envelope, 1)

	sess.pendingMu.Lock()
	sess.pending[id] = ch
	sess.pendingMu.Unlock()

	defer func() {
		sess.pendingMu.Lock()
		delete(sess.pending, id)
		sess.pendingMu.Unlock()
	}()

	if deadline, ok := ctx.Deadline(); ok {
		sess.conn.SetWriteDeadline(deadline)
	}
	err = sess.wire.Write(env)
	sess.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		c.drop(sess, err)
		return nil, errors.Mark(fmt.Errorf("write request: %w", err), errors.ErrRelayTransport)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error.Err()
		}
		return resp, nil

	case <-ctx.Done():
		// The reply, if it ever comes, is discarded. The connection stays.
		return nil, errors.Mark(ctx.Err(), errors.ErrTimeout)

	case <-sess.done:
		return nil, errors.Mark(fmt.Errorf("connection closed: %w", sess.err), errors.ErrRelayTransport)
	}
}

// SendBatch submits rows and returns the collector's acknowledgment.
func (c *Client) SendBatch(ctx context.Context, kind telemetry.Kind, rows []telemetry.Record) (relay.Ack, error) {
	resp, err := c.request(ctx, &wire.Envelope{Batch: &wire.Batch{Kind: kind, Rows: rows}})
	if err != nil {
		return relay.Ack{}, err
	}
	if resp.Ack == nil {
		return relay.Ack{}, fmt.Errorf("batch answered without ack: %w", errors.ErrProtocol)
	}
	return relay.Ack{Accepted: resp.Ack.Accepted, Confirmed: resp.Ack.Confirmed}, nil
}

// Confirm asks which keys the collector has made durable.
func (c *Client) Confirm(ctx context.Context, kind telemetry.Kind, keys []telemetry.RowKey) ([]telemetry.RowKey, error) {
	resp, err := c.request(ctx, &wire.Envelope{Confirm: &wire.Confirm{Kind: kind, Keys: keys}})
	if err != nil {
		return nil, err
	}
	if resp.Confirmed == nil {
		return nil, fmt.Errorf("confirm answered without keys: %w", errors.ErrProtocol)
	}
	return resp.Confirmed.Keys, nil
}
