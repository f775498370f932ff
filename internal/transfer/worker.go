package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/NodePath81/fbpace/internal/pacing"
	"github.com/NodePath81/fbpace/internal/util"
)

// DefaultSocketBuffer keeps small kernel buffers from starving the pacer.
const DefaultSocketBuffer = 256 * 1024

// Conn is the socket a worker drives. *net.TCPConn satisfies it.
type Conn interface {
	net.Conn
	CloseRead() error
	CloseWrite() error
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// Budgeter hands out byte allowances. *pacing.Budget implements it.
type Budgeter interface {
	Acquire(ctx context.Context) (uint32, error)
}

// Tracker observes worker progress. Implementations must be safe for concurrent use.
type Tracker interface {
	Started(id, peer string, dir Direction)
	Progress(id string, dir Direction, n int)
	Finished(r Report)
}

// Trackers fans every event out to each non-nil tracker in order.
type Trackers []Tracker

func (ts Trackers) Started(id, peer string, dir Direction) {
	for _, t := range ts {
		if t != nil {
			t.Started(id, peer, dir)
		}
	}
}

func (ts Trackers) Progress(id string, dir Direction, n int) {
	for _, t := range ts {
		if t != nil {
			t.Progress(id, dir, n)
		}
	}
}

func (ts Trackers) Finished(r Report) {
	for _, t := range ts {
		if t != nil {
			t.Finished(r)
		}
	}
}

type WorkerConfig struct {
	ID           string
	Direction    Direction
	SocketBuffer int
	DSCP         int
	Pacing       pacing.Config
	Registry     *pacing.Registry
	// Budget overrides the budget built from Pacing and Registry.
	Budget Budgeter
	// Bulk is required for senders.
	Bulk    BulkTransfer
	Tracker Tracker
	Logger  util.Logger
}

// Worker moves data on a single connection until the peer closes, an I/O
// error occurs, or its context is cancelled.
type Worker struct {
	id       string
	conn     Conn
	dir      Direction
	sockBuf  int
	dscp     int
	registry *pacing.Registry
	budget   Budgeter
	bulk     BulkTransfer
	tracker  Tracker
	logger   util.Logger

	buf      []byte
	leftover uint32
	total    uint64
	grants   uint64

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

func NewWorker(conn Conn, cfg WorkerConfig) (*Worker, error) {
	if conn == nil {
		return nil, errors.New("nil connection")
	}
	if cfg.Registry == nil {
		return nil, errors.New("nil registry")
	}
	if cfg.Direction == Send && cfg.Bulk == nil {
		return nil, errors.New("sender requires a bulk transfer")
	}
	pc := cfg.Pacing.WithDefaults()
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	w := &Worker{
		id:       cfg.ID,
		conn:     conn,
		dir:      cfg.Direction,
		sockBuf:  cfg.SocketBuffer,
		dscp:     cfg.DSCP,
		registry: cfg.Registry,
		budget:   cfg.Budget,
		bulk:     cfg.Bulk,
		tracker:  cfg.Tracker,
		logger:   cfg.Logger,
	}
	if w.sockBuf <= 0 {
		w.sockBuf = DefaultSocketBuffer
	}
	if w.budget == nil {
		w.budget = pacing.NewBudget(pc, cfg.Registry)
	}
	if w.logger == nil {
		w.logger = util.NopLogger()
	}
	if w.dir == Receive {
		w.buf = make([]byte, pc.MaxChunk)
	}
	return w, nil
}

func (w *Worker) ID() string {
	return w.id
}

// Close shuts the connection once. A running loop stops with ReasonClosed.
func (w *Worker) Close() error {
	w.closed.Store(true)
	return w.closeConn()
}

func (w *Worker) closeConn() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// Run drives the connection to completion. It registers the worker for the
// duration of the call and always closes the connection before returning.
func (w *Worker) Run(ctx context.Context) Report {
	start := time.Now()
	report := Report{
		ID:        w.id,
		Direction: w.dir,
	}
	if addr := w.conn.RemoteAddr(); addr != nil {
		report.Peer = addr.String()
	}

	w.registry.Register()
	stopWatch := context.AfterFunc(ctx, func() { _ = w.closeConn() })
	teardown := sync.OnceFunc(func() {
		stopWatch()
		w.registry.Deregister()
		_ = w.closeConn()
	})
	defer teardown()

	w.logger.Debug("connection started", "id", w.id, "peer", report.Peer, "direction", w.dir.String())
	if w.tracker != nil {
		w.tracker.Started(w.id, report.Peer, w.dir)
	}
	if err := w.setup(); err != nil {
		report.Reason, report.Err = ReasonSetupError, err
	} else {
		report.Reason, report.Err = w.loop(ctx)
	}

	teardown()

	report.Bytes = w.total
	report.Elapsed = time.Since(start)
	report.Grants = w.grants
	if b, ok := w.budget.(interface{ Backoffs() uint64 }); ok {
		report.Backoffs = b.Backoffs()
	}
	w.finish(report)
	return report
}

func (w *Worker) setup() error {
	switch w.dir {
	case Receive:
		if err := w.conn.CloseWrite(); err != nil {
			return fmt.Errorf("half-close write side: %w", err)
		}
		if err := w.conn.SetReadBuffer(w.sockBuf); err != nil {
			return fmt.Errorf("set receive buffer: %w", err)
		}
	default:
		if err := w.conn.CloseRead(); err != nil {
			return fmt.Errorf("half-close read side: %w", err)
		}
		if err := w.conn.SetWriteBuffer(w.sockBuf); err != nil {
			return fmt.Errorf("set send buffer: %w", err)
		}
	}
	if err := applyDSCP(w.conn, w.dscp); err != nil {
		w.logger.Warn("dscp marking failed", "id", w.id, "dscp", w.dscp, "error", err)
	}
	return nil
}

func (w *Worker) loop(ctx context.Context) (Reason, error) {
	for {
		if ctx.Err() != nil {
			return ReasonCancelled, nil
		}
		// A short transfer leaves part of the grant unused; spend it before
		// asking for more so partial I/O cannot inflate the rate.
		if w.leftover == 0 {
			grant, err := w.budget.Acquire(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ReasonCancelled, nil
				}
				return ReasonTransferError, fmt.Errorf("acquire budget: %w", err)
			}
			if grant == 0 {
				continue
			}
			w.leftover = grant
			w.grants++
		}

		n, err := w.step(int(w.leftover))
		if n > 0 {
			if uint32(n) > w.leftover {
				n = int(w.leftover)
			}
			w.leftover -= uint32(n)
			w.total += uint64(n)
			if w.tracker != nil {
				w.tracker.Progress(w.id, w.dir, n)
			}
		}
		if err != nil {
			return w.classify(ctx, err)
		}
		if n <= 0 {
			return ReasonPeerClosed, nil
		}
	}
}

func (w *Worker) step(limit int) (int, error) {
	if w.dir == Receive {
		if limit > len(w.buf) {
			limit = len(w.buf)
		}
		return w.conn.Read(w.buf[:limit])
	}
	return w.bulk.Transfer(w.conn, limit)
}

func (w *Worker) classify(ctx context.Context, err error) (Reason, error) {
	switch {
	case ctx.Err() != nil:
		return ReasonCancelled, nil
	case w.closed.Load():
		return ReasonClosed, nil
	case errors.Is(err, io.EOF):
		return ReasonPeerClosed, nil
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return ReasonPeerClosed, err
	default:
		return ReasonTransferError, err
	}
}

func (w *Worker) finish(report Report) {
	attrs := []any{
		"id", report.ID,
		"peer", report.Peer,
		"direction", report.Direction.String(),
		"bytes", report.Bytes,
		"reason", string(report.Reason),
		"summary", report.Summary(),
	}
	if report.Failed() {
		w.logger.Error("connection failed", append(attrs, "error", report.Err)...)
	} else {
		w.logger.Info("connection finished", attrs...)
	}
	if w.tracker != nil {
		w.tracker.Finished(report)
	}
}
