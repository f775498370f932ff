package app

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/NodePath81/fbpace/internal/config"
	"github.com/NodePath81/fbpace/internal/connector"
	"github.com/NodePath81/fbpace/internal/control"
	"github.com/NodePath81/fbpace/internal/listener"
	"github.com/NodePath81/fbpace/internal/metrics"
	"github.com/NodePath81/fbpace/internal/netinfo"
	"github.com/NodePath81/fbpace/internal/pacing"
	"github.com/NodePath81/fbpace/internal/transfer"
	"github.com/NodePath81/fbpace/internal/util"
)

// Runtime owns everything one configuration needs: the shared registry, the
// zero source, the listener or connector, and the optional control plane.
type Runtime struct {
	cfg      config.Config
	ctx      context.Context
	cancel   context.CancelFunc
	logger   util.Logger
	registry *pacing.Registry
	source   *transfer.ZeroSource
	metrics  *metrics.Metrics
	status   *control.StatusStore
	control  *control.ControlServer
	spawner  *transfer.Spawner
	listener *listener.TCPListener
	wg       sync.WaitGroup

	stopOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	if logger == nil {
		logger = util.NopLogger()
	}
	pc := cfg.Pacing()
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	dir := cfg.TransferDirection()

	var source *transfer.ZeroSource
	if dir == transfer.Send {
		method, err := transfer.ParseMethod(cfg.Transfer.Method)
		if err != nil {
			return nil, err
		}
		source, err = transfer.NewZeroSource(int(pc.MaxChunk), method)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.NewMetrics(cfg.Hostname)
	m.SetTargetRate(cfg.RateBits)
	statusHub := control.NewStatusHub(ctx.Done())
	status := control.NewStatusStore(statusHub)
	registry := pacing.NewRegistry()

	rt := &Runtime{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		registry: registry,
		source:   source,
		metrics:  m,
		status:   status,
		done:     make(chan struct{}),
	}

	template := transfer.WorkerConfig{
		Direction:    dir,
		SocketBuffer: int(cfg.Transfer.SocketBuffer),
		DSCP:         cfg.Transfer.DSCP,
		Pacing:       pc,
		Registry:     registry,
		Tracker:      transfer.Trackers{m, status},
		Logger:       logger,
	}
	if source != nil {
		template.Bulk = source.Bulk()
	}
	rt.spawner = transfer.NewSpawner(template,
		transfer.WithAttacher(status),
		transfer.WithConnHook(rt.describePeer),
	)

	if cfg.Control.Enabled {
		rt.control = control.NewControlServer(cfg, m, status, restartFn, logger)
	}
	m.Start(ctx.Done())
	return rt, nil
}

func (r *Runtime) Start() error {
	rate := "unlimited"
	if r.cfg.RateBits > 0 {
		rate = util.FormatBitsPerSecond(float64(r.cfg.RateBits))
	}
	attrs := []any{"mode", r.cfg.Mode, "direction", r.cfg.Direction, "rate", rate}
	if r.source != nil {
		attrs = append(attrs, "method", string(r.source.Bulk().Method()))
	}
	r.logger.Info("runtime starting", attrs...)

	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			return err
		}
	}

	switch r.cfg.Mode {
	case config.ModeConnect:
		r.startConnector()
	default:
		r.listener = listener.NewTCPListener(r.cfg.Listen, r.spawner, r.logger)
		if err := r.listener.Start(r.ctx, &r.wg); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) startConnector() {
	conn := connector.NewConnector(r.cfg.Connect, r.spawner, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		start := time.Now()
		reports, err := conn.Run(r.ctx)
		r.summarize(reports, time.Since(start))
		if err != nil {
			r.logger.Error("connect failed", "addr", r.cfg.ConnectAddr(), "error", err)
		}
		r.finish(err)
	}()
}

func (r *Runtime) summarize(reports []transfer.Report, elapsed time.Duration) {
	var total uint64
	var failed int
	for _, rep := range reports {
		total += rep.Bytes
		if rep.Failed() {
			failed++
		}
	}
	r.logger.Info("transfer complete",
		"connections", len(reports),
		"failed", failed,
		"bytes", total,
		"total", util.FormatBytes(total),
		"elapsed", elapsed.Round(time.Millisecond).String(),
		"avg_rate", util.FormatBitsPerSecond(util.AverageBitsPerSecond(total, elapsed)))
}

// describePeer logs the egress route towards a new peer.
func (r *Runtime) describePeer(id string, conn transfer.Conn) {
	peer := conn.RemoteAddr()
	ip := netinfo.PeerIP(peer)
	if ip == nil {
		return
	}
	eg, err := netinfo.Lookup(ip)
	if err != nil {
		if !errors.Is(err, netinfo.ErrUnsupported) {
			r.logger.Debug("egress lookup failed", "id", id, "peer", peer.String(), "error", err)
		}
		return
	}
	r.logger.Info("connection opened", append([]any{"id", id, "peer", peer.String()}, eg.LogAttrs()...)...)
}

func (r *Runtime) finish(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	r.stopOnce.Do(func() { close(r.done) })
}

// Done is closed once the runtime has nothing left to do: the connector
// finished or Stop was called.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

func (r *Runtime) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// ListenAddr is the bound data address in listen mode.
func (r *Runtime) ListenAddr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Runtime) ControlAddr() net.Addr {
	if r.control == nil {
		return nil
	}
	return r.control.Addr()
}

func (r *Runtime) Stop() {
	r.cancel()
	r.status.CloseAll()
	if r.listener != nil {
		_ = r.listener.Close()
	}
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	r.wg.Wait()
	if r.source != nil {
		_ = r.source.Close()
	}
	r.finish(nil)
	r.logger.Info("runtime stopped", "active", r.registry.Count())
}
