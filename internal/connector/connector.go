package connector

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NodePath81/fbpace/internal/config"
	"github.com/NodePath81/fbpace/internal/transfer"
	"github.com/NodePath81/fbpace/internal/util"
)

// Handler runs one dialed connection to completion.
type Handler interface {
	Serve(ctx context.Context, conn transfer.Conn) transfer.Report
}

// Connector dials a fixed number of connections to one peer and runs a
// worker on each until all of them finish.
type Connector struct {
	cfg     config.ConnectConfig
	handler Handler
	logger  util.Logger
}

func NewConnector(cfg config.ConnectConfig, handler Handler, logger util.Logger) *Connector {
	if logger == nil {
		logger = util.NopLogger()
	}
	return &Connector{cfg: cfg, handler: handler, logger: logger}
}

// Run blocks until every connection has finished. A dial failure cancels the
// remaining connections and is returned; worker outcomes are in the reports.
func (c *Connector) Run(ctx context.Context) ([]transfer.Report, error) {
	addr := util.NetJoin(c.cfg.Host, c.cfg.Port)
	n := c.cfg.Connections
	if n < 1 {
		n = 1
	}
	reports := make([]transfer.Report, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			conn, err := dialTCPWithRetry(gctx, addr, c.cfg.DialAttempts, c.cfg.DialTimeout.Duration(), c.cfg.DialBackoff.Duration())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("dial %s (connection %d): %w", addr, i+1, err)
			}
			c.logger.Debug("connected", "addr", addr, "local", conn.LocalAddr().String(), "index", i+1)
			reports[i] = c.handler.Serve(gctx, conn)
			return nil
		})
	}
	err := g.Wait()
	return reports, err
}

func dialTCPWithRetry(ctx context.Context, addr string, attempts int, timeout, backoff time.Duration) (*net.TCPConn, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			tcpConn, ok := conn.(*net.TCPConn)
			if !ok {
				_ = conn.Close()
				return nil, fmt.Errorf("unexpected connection type %T", conn)
			}
			applyTCPOptions(tcpConn)
			return tcpConn, nil
		}
		lastErr = err
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}

func applyTCPOptions(conn *net.TCPConn) {
	_ = conn.SetNoDelay(true)
	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(30 * time.Second)
}
