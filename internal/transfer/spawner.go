package transfer

import (
	"context"

	"github.com/google/uuid"
)

// Attacher is told how to close each connection before it starts running.
type Attacher interface {
	Attach(id string, closer func())
}

// Spawner turns accepted or dialed connections into running workers that all
// share one template configuration.
type Spawner struct {
	template WorkerConfig
	attacher Attacher
	onConn   func(id string, conn Conn)
}

type SpawnerOption func(*Spawner)

func WithAttacher(a Attacher) SpawnerOption {
	return func(s *Spawner) { s.attacher = a }
}

// WithConnHook runs fn for each connection before its worker is created.
func WithConnHook(fn func(id string, conn Conn)) SpawnerOption {
	return func(s *Spawner) { s.onConn = fn }
}

func NewSpawner(template WorkerConfig, opts ...SpawnerOption) *Spawner {
	s := &Spawner{template: template}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs one worker on conn and blocks until it finishes. The connection
// is always closed on return.
func (s *Spawner) Serve(ctx context.Context, conn Conn) Report {
	cfg := s.template
	cfg.ID = uuid.NewString()
	// The hook may block (route lookups); it runs before the worker exists so
	// its duration never counts towards the first grant.
	if s.onConn != nil {
		s.onConn(cfg.ID, conn)
	}
	w, err := NewWorker(conn, cfg)
	if err != nil {
		_ = conn.Close()
		report := Report{ID: cfg.ID, Direction: cfg.Direction, Reason: ReasonSetupError, Err: err}
		if addr := conn.RemoteAddr(); addr != nil {
			report.Peer = addr.String()
		}
		if cfg.Logger != nil {
			cfg.Logger.Error("connection failed", "id", cfg.ID, "peer", report.Peer, "error", err)
		}
		return report
	}
	if s.attacher != nil {
		s.attacher.Attach(cfg.ID, func() { _ = w.Close() })
	}
	return w.Run(ctx)
}
