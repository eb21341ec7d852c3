// Package server provides the reference collector.
//
// The collector accepts device connections, checks the Hello token, and
// answers Batch and Confirm requests from a Sink. It is what the relay
// talks to in tests and bench setups; a production collector only has to
// speak the same wire protocol.
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/trucklog/config"
	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/logging"
	"github.com/xtxerr/trucklog/internal/telemetry"
	"github.com/xtxerr/trucklog/internal/wire"
)

var log = logging.Component("server")

// =============================================================================
// Rate Limiter for Failed Hellos
// =============================================================================

// RateLimiter limits FAILED hello attempts per IP address per time window.
// Successful hellos are NOT counted and reset the failure counter.
//
// Flow:
//  1. Device connects
//  2. Check IsBlocked() - if true, reject immediately
//  3. Read Hello and check the token
//  4. If the check FAILS: call RecordFailure()
//  5. If it SUCCEEDS: call Reset() to clear the failure count
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*rateLimitEntry
	limit    int
	window   time.Duration

	stop chan struct{}
	once sync.Once
}

type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

// NewRateLimiter creates a rate limiter that blocks an IP after limit
// failures within window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		failures: make(map[string]*rateLimitEntry),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// IsBlocked returns true if the IP has exceeded the failure limit.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok || time.Now().After(entry.resetTime) {
		return false
	}
	return entry.count >= rl.limit
}

// RecordFailure records a failed hello.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.failures[ip]
	if !ok || now.After(entry.resetTime) {
		rl.failures[ip] = &rateLimitEntry{count: 1, resetTime: now.Add(rl.window)}
		return
	}
	entry.count++
}

// Reset clears the failure count for an IP.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// GetFailureCount returns the current failure count for an IP.
func (rl *RateLimiter) GetFailureCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok || time.Now().After(entry.resetTime) {
		return 0
	}
	return entry.count
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, entry := range rl.failures {
		if now.After(entry.resetTime) {
			delete(rl.failures, ip)
		}
	}
}

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds collector configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:50051").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// Tokens accepted in Hello. Empty accepts any token.
	Tokens []string

	HelloTimeout           time.Duration
	HelloFailuresPerMinute int

	// MaxAcceptPerBatch caps the accepted count of every batch. Zero
	// accepts whole batches. Only useful to exercise partial acks.
	MaxAcceptPerBatch int

	// ConfirmOnAck returns durable keys in every Ack, saving the device a
	// separate confirmation round trip.
	ConfirmOnAck bool

	// Version is announced in the Hello reply.
	Version string
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Listen == "" {
		out.Listen = config.DefaultCollectorListen
	}
	if out.HelloTimeout <= 0 {
		out.HelloTimeout = config.DefaultHelloTimeoutSec * time.Second
	}
	if out.HelloFailuresPerMinute <= 0 {
		out.HelloFailuresPerMinute = config.DefaultHelloFailuresPerMinute
	}
	return &out
}

// =============================================================================
// Server
// =============================================================================

// Stats holds collector counters.
type Stats struct {
	Connections   atomic.Int64
	HelloFailures atomic.Int64
	Batches       atomic.Int64
	RowsReceived  atomic.Int64
	RowsAccepted  atomic.Int64
}

// Server is the reference collector.
type Server struct {
	cfg      *Config
	sink     Sink
	listener net.Listener

	helloLimiter *RateLimiter
	stats        Stats

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// New creates a collector writing to sink.
func New(cfg *Config, sink Sink) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:          cfg,
		sink:         sink,
		helloLimiter: NewRateLimiter(cfg.HelloFailuresPerMinute, time.Minute),
		conns:        make(map[net.Conn]struct{}),
		shutdown:     make(chan struct{}),
	}
}

// Stats returns the collector counters.
func (s *Server) Stats() *Stats {
	return &s.stats
}

// Listen binds the listen address.
func (s *Server) Listen() error {
	var ln net.Listener
	var err error

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", ln.Addr().String())
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", ln.Addr().String())
	}

	s.listener = ln
	return nil
}

// Addr returns the bound address. Listen must have succeeded.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until Shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				log.Error("accept error", "error", err)
				continue
			}
		}

		s.mu.Lock()
		select {
		case <-s.shutdown:
			s.mu.Unlock()
			conn.Close()
			return nil
		default:
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConn(conn)

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Run listens and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()
	return s.Serve()
}

// Shutdown closes the listener and every connection, then waits for the
// connection handlers.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		log.Info("shutting down")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.helloLimiter.Stop()
		log.Info("shutdown complete")
	})
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	s.stats.Connections.Add(1)

	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)

	if s.helloLimiter.IsBlocked(remoteIP) {
		log.Warn("blocked due to too many failed hellos", "remote", remote)
		return
	}

	w := wire.NewConn(conn)

	conn.SetDeadline(time.Now().Add(s.cfg.HelloTimeout))

	env, err := w.Read()
	if err != nil {
		log.Debug("hello read error", "remote", remote, "error", err)
		return
	}

	if env.Hello == nil {
		s.rejectHello(w, env.ID, remoteIP, "first message must be hello")
		return
	}
	if !s.validToken(env.Hello.Token) {
		s.rejectHello(w, env.ID, remoteIP, "invalid token")
		log.Warn("hello failed", "remote", remote,
			"failure_count", s.helloLimiter.GetFailureCount(remoteIP))
		return
	}
	s.helloLimiter.Reset(remoteIP)

	if err := w.Write(&wire.Envelope{ID: env.ID, Hello: &wire.Hello{Version: s.cfg.Version}}); err != nil {
		log.Debug("hello reply failed", "remote", remote, "error", err)
		return
	}
	conn.SetDeadline(time.Time{})

	device := env.Hello.Device
	log.Info("device connected", "device", device.String(), "remote", remote, "version", env.Hello.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		env, err := w.Read()
		if err != nil {
			break
		}
		if err := w.Write(s.handleMessage(ctx, env)); err != nil {
			log.Debug("write failed, closing connection", "device", device.String(), "error", err)
			break
		}
	}

	log.Info("device disconnected", "device", device.String())
}

func (s *Server) rejectHello(w *wire.Conn, id uint64, ip, msg string) {
	s.stats.HelloFailures.Add(1)
	s.helloLimiter.RecordFailure(ip)
	w.Write(wire.NewError(id, errors.CodeNotAuthenticated, msg))
}

func (s *Server) validToken(token string) bool {
	if len(s.cfg.Tokens) == 0 {
		return true
	}
	for _, t := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// =============================================================================
// Message Handling
// =============================================================================

func (s *Server) handleMessage(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	switch {
	case env.Batch != nil:
		ack, err := s.handleBatch(ctx, env.Batch)
		if err != nil {
			return wire.NewErrorFromErr(env.ID, err)
		}
		return &wire.Envelope{ID: env.ID, Ack: ack}

	case env.Confirm != nil:
		keys, err := s.sink.Durable(ctx, env.Confirm.Keys)
		if err != nil {
			return wire.NewErrorFromErr(env.ID, err)
		}
		return &wire.Envelope{ID: env.ID, Confirmed: &wire.Confirmed{Keys: keys}}

	default:
		return wire.NewErrorf(env.ID, errors.CodeProtocol, "unexpected message")
	}
}

func (s *Server) handleBatch(ctx context.Context, b *wire.Batch) (*wire.Ack, error) {
	for i := range b.Rows {
		if b.Rows[i].Kind != b.Kind {
			return nil, fmt.Errorf("row %d is %s in a %s batch: %w",
				i, b.Rows[i].Kind, b.Kind, errors.ErrPayloadMismatch)
		}
	}

	s.stats.Batches.Add(1)
	s.stats.RowsReceived.Add(int64(len(b.Rows)))

	rows := b.Rows
	if s.cfg.MaxAcceptPerBatch > 0 && len(rows) > s.cfg.MaxAcceptPerBatch {
		rows = rows[:s.cfg.MaxAcceptPerBatch]
	}

	accepted, err := s.sink.Accept(ctx, b.Kind, rows)
	if err != nil {
		return nil, err
	}
	s.stats.RowsAccepted.Add(int64(accepted))
	log.Debug("lines received", "kind", b.Kind.String(), "rows", len(b.Rows), "accepted", accepted)

	ack := &wire.Ack{Accepted: uint32(accepted)}
	if s.cfg.ConfirmOnAck && accepted > 0 {
		keys := make([]telemetry.RowKey, accepted)
		for i := range keys {
			keys[i] = rows[i].Key()
		}
		durable, err := s.sink.Durable(ctx, keys)
		if err != nil {
			return nil, err
		}
		ack.Confirmed = durable
	}
	return ack, nil
}
