package ipc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send while the bus connection is down.
// Senders treat it as transient.
var ErrNotConnected = errors.New("not connected to the message bus")

// Transport is the send capability the flow table consumes. Submission is
// fire-and-forget, a nil return means the message left the process.
type Transport interface {
	Send(channel, to string, msg Message) error
}

// Handler consumes bus messages addressed to this agent. The return value
// reports whether the message was recognized.
type Handler interface {
	Process(from string, msg Message) bool
}

// Option is a function that configures the client.
type Option func(*options)

// WithLog configures the client with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithOnConnect configures a callback invoked after every successful
// (re)connection, used to replay registration messages.
func WithOnConnect(fn func()) Option {
	return func(o *options) {
		o.OnConnect = fn
	}
}

type options struct {
	Log       *zap.SugaredLogger
	OnConnect func()
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Client is a reconnecting bus client. Send is safe for concurrent use;
// Run must be started for messages to flow in either direction.
type Client struct {
	addr      string
	id        string
	onConnect func()

	mu   sync.Mutex
	conn net.Conn

	log *zap.SugaredLogger
}

// NewClient creates a bus client for the given endpoint. The endpoint is a
// TCP address, or a unix socket path prefixed with "unix://".
func NewClient(addr, id string, options ...Option) *Client {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Client{
		addr:      addr,
		id:        id,
		onConnect: opts.OnConnect,
		log:       opts.Log,
	}
}

// Send encodes and submits a message. It fails with ErrNotConnected while
// the connection is being re-established.
func (m *Client) Send(channel, to string, msg Message) error {
	body, err := encodeEnvelope(channel, to, m.id, msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return ErrNotConnected
	}
	if err := writeFrame(m.conn, body); err != nil {
		// The read loop will notice and reconnect; fail this send only.
		m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}

// Run maintains the bus connection until the context is canceled,
// dispatching inbound messages to the handler.
func (m *Client) Run(ctx context.Context, handler Handler) error {
	runBackoff := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Minute,
	}
	runBackoff.Reset()
	backoffResetTimeout := 10 * time.Minute

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connectedAt := time.Now()
		if err := m.runConn(ctx, handler); err != nil {
			m.log.Warnw("bus connection failed", zap.Error(err))
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Since(connectedAt) > backoffResetTimeout {
			runBackoff.Reset()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(runBackoff.NextBackOff()):
		}
	}
}

func (m *Client) runConn(ctx context.Context, handler Handler) error {
	network, addr := "tcp", m.addr
	if path, ok := strings.CutPrefix(m.addr, "unix://"); ok {
		network, addr = "unix", path
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		conn.Close()
	}()

	m.log.Infow("connected to the message bus", zap.String("addr", m.addr))
	if m.onConnect != nil {
		go m.onConnect()
	}

	reader := bufio.NewReader(conn)
	for {
		body, err := readFrame(reader)
		if err != nil {
			return err
		}

		from, msg, err := decodeEnvelope(body)
		if err != nil {
			m.log.Warnw("dropping malformed bus message", zap.Error(err))
			continue
		}
		if !handler.Process(from, msg) {
			m.log.Warnw("unrecognized bus message",
				zap.String("from", from),
				zap.Uint8("type", uint8(msg.MessageType())),
			)
		}
	}
}
