package fpm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/gizmoguy/RouteFlow/internal/flowtable"
)

// Option is a function that configures the server.
type Option func(*options)

// WithLog configures the server with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Server accepts the forwarding-plane route feed and pushes its updates
// into the flow table, one connection at a time.
type Server struct {
	cfg *Config
	ft  *flowtable.FlowTable
	log *zap.SugaredLogger
}

// NewServer creates a feed server.
func NewServer(cfg *Config, ft *flowtable.FlowTable, options ...Option) *Server {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Server{
		cfg: cfg,
		ft:  ft,
		log: opts.Log,
	}
}

// Run serves the feed until the context is canceled.
func (m *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", m.cfg.Listen, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	m.log.Infow("listening for route feed", zap.String("addr", m.cfg.Listen))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		m.log.Infow("route feed connected", zap.Stringer("peer", conn.RemoteAddr()))
		m.serveConn(ctx, conn)
	}
}

func (m *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	parser := NewParser(bufio.NewReader(conn), int(m.cfg.ParserBufSize.Bytes()))
	for {
		update, err := parser.Next()
		if err != nil {
			if errors.Is(err, ErrUnsupportedOp) {
				m.log.Warnw("skipping route feed record", zap.Error(err))
				continue
			}
			m.log.Infow("route feed disconnected", zap.Error(err))
			return
		}

		m.ft.IngestRoute(update.Mod, update.Dst, update.Gw, update.IfIndex)
	}
}
