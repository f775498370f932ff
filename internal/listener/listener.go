package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"

	"github.com/NodePath81/fbpace/internal/config"
	"github.com/NodePath81/fbpace/internal/transfer"
	"github.com/NodePath81/fbpace/internal/util"
)

const acceptErrorBackoff = 50 * time.Millisecond

// Handler runs one accepted connection to completion.
type Handler interface {
	Serve(ctx context.Context, conn transfer.Conn) transfer.Report
}

// TCPListener accepts connections and hands each one to a Handler, up to
// MaxConnections at a time. Connections over the limit are closed at once.
type TCPListener struct {
	cfg     config.ListenConfig
	handler Handler
	sem     chan struct{}
	logger  util.Logger

	mu       sync.Mutex
	listener net.Listener
}

func NewTCPListener(cfg config.ListenConfig, handler Handler, logger util.Logger) *TCPListener {
	if logger == nil {
		logger = util.NopLogger()
	}
	limit := cfg.MaxConnections
	if limit <= 0 {
		limit = 1
	}
	return &TCPListener{
		cfg:     cfg,
		handler: handler,
		sem:     make(chan struct{}, limit),
		logger:  logger,
	}
}

// Start binds the listen address and accepts in the background. Accept and
// connection goroutines are tracked by wg.
func (l *TCPListener) Start(ctx context.Context, wg *sync.WaitGroup) error {
	addr := util.NetJoin(l.cfg.BindAddr, l.cfg.BindPort)
	var ln net.Listener
	var err error
	if l.cfg.ReusePort {
		ln, err = reuseport.Listen("tcp", addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	l.logger.Info("tcp listener started", "addr", ln.Addr().String(), "reuse_port", l.cfg.ReusePort, "max_connections", cap(l.sem))

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return
				}
				l.logger.Error("tcp accept error", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(acceptErrorBackoff):
				}
				continue
			}
			tcpConn, ok := conn.(*net.TCPConn)
			if !ok {
				_ = conn.Close()
				continue
			}
			select {
			case l.sem <- struct{}{}:
				wg.Add(1)
				go func() {
					defer wg.Done()
					l.handleConn(ctx, tcpConn)
				}()
			default:
				l.logger.Warn("connection limit reached, closing connection", "peer", conn.RemoteAddr().String())
				_ = conn.Close()
			}
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *TCPListener) Close() error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	if err == nil {
		l.logger.Info("tcp listener stopped", "addr", ln.Addr().String())
	} else if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (l *TCPListener) handleConn(ctx context.Context, conn *net.TCPConn) {
	defer func() { <-l.sem }()
	applyTCPOptions(conn)
	l.handler.Serve(ctx, conn)
}

func applyTCPOptions(conn *net.TCPConn) {
	_ = conn.SetNoDelay(true)
	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(30 * time.Second)
}
