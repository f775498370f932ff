package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NodePath81/fbpace/internal/config"
	"github.com/NodePath81/fbpace/internal/metrics"
	"github.com/NodePath81/fbpace/internal/util"
)

const (
	maxRPCBodyBytes   = 1 << 20
	rpcRatePerSecond  = 5
	rpcRateBurst      = 10
	rpcLimiterTTL     = 5 * time.Minute
	wsTokenPrefix     = "fbpace-token."
	wsPrimaryProtocol = "fbpace"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

type ControlServer struct {
	fullCfg   config.Config
	cfg       config.ControlConfig
	hostname  string
	metrics   *metrics.Metrics
	status    *StatusStore
	restartFn func() error
	logger    util.Logger
	limiter   *rateLimiter
	auth      authenticator

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

func NewControlServer(cfg config.Config, metrics *metrics.Metrics, status *StatusStore, restartFn func() error, logger util.Logger) *ControlServer {
	if logger == nil {
		logger = util.NopLogger()
	}
	return &ControlServer{
		fullCfg:   cfg,
		cfg:       cfg.Control,
		hostname:  cfg.Hostname,
		metrics:   metrics,
		status:    status,
		restartFn: restartFn,
		logger:    logger,
		limiter:   newRateLimiter(rpcRatePerSecond, rpcRateBurst, rpcLimiterTTL),
		auth:      newAuthenticator(cfg.Control.AuthToken),
	}
}

// Handler returns the control plane routes.
func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.cfg.Metrics.IsEnabled() && c.metrics != nil {
		mux.HandleFunc("/metrics", c.handleMetrics)
	}
	mux.HandleFunc("/rpc", c.handleRPC)
	mux.HandleFunc("/status", c.handleStatus)
	mux.HandleFunc("/identity", c.handleIdentity)
	return mux
}

// Start binds the control address and serves until ctx is done. Bind errors
// are returned synchronously.
func (c *ControlServer) Start(ctx context.Context) error {
	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.mu.Lock()
	c.server = server
	c.addr = ln.Addr()
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, or nil before Start.
func (c *ControlServer) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type closeConnectionParams struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Hostname    string          `json:"hostname"`
	Mode        string          `json:"mode"`
	Direction   string          `json:"direction"`
	Rate        string          `json:"rate"`
	Totals      *metrics.Totals `json:"totals,omitempty"`
	Connections []StatusEntry   `json:"connections"`
}

func (c *ControlServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(remoteHost(r)) {
		writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
		return
	}
	if !c.auth.allow(r, false) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	switch req.Method {
	case "list_connections":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.status.Snapshot()})
	case "close_connection":
		var params closeConnectionParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid params"})
			return
		}
		id := strings.TrimSpace(params.ID)
		if id == "" {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "id must not be empty"})
			return
		}
		if !c.status.Close(id) {
			writeJSON(w, http.StatusNotFound, rpcResponse{Ok: false, Error: "connection not found"})
			return
		}
		c.logger.Info("connection closed by operator", "id", id)
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	case "get_status":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.getStatus()})
	case "get_runtime_config":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.getRuntimeConfig()})
	case "restart":
		if c.restartFn == nil {
			writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "restart not available"})
			return
		}
		go func() {
			c.logger.Info("restart invoked")
			if err := c.restartFn(); err != nil {
				c.logger.Error("restart failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

func (c *ControlServer) getStatus() statusResponse {
	resp := statusResponse{
		Hostname:    c.hostname,
		Mode:        c.fullCfg.Mode,
		Direction:   c.fullCfg.Direction,
		Rate:        util.FormatBitsPerSecond(float64(c.fullCfg.RateBits)),
		Connections: c.status.Snapshot(),
	}
	if c.fullCfg.RateBits == 0 {
		resp.Rate = "unlimited"
	}
	if c.metrics != nil {
		totals := c.metrics.Totals()
		resp.Totals = &totals
	}
	return resp
}

func (c *ControlServer) getRuntimeConfig() map[string]interface{} {
	cfg := c.fullCfg
	return map[string]interface{}{
		"hostname":  cfg.Hostname,
		"mode":      cfg.Mode,
		"direction": cfg.Direction,
		"rate":      cfg.Rate,
		"transfer": map[string]interface{}{
			"method":        cfg.Transfer.Method,
			"max_chunk":     cfg.Transfer.MaxChunk.String(),
			"min_grant":     uint64(cfg.Transfer.MinGrant),
			"backoff":       cfg.Transfer.Backoff.Duration().String(),
			"socket_buffer": cfg.Transfer.SocketBuffer.String(),
			"dscp":          cfg.Transfer.DSCP,
		},
		"listen": map[string]interface{}{
			"bind_addr":       cfg.Listen.BindAddr,
			"bind_port":       cfg.Listen.BindPort,
			"max_connections": cfg.Listen.MaxConnections,
			"reuse_port":      cfg.Listen.ReusePort,
		},
		"connect": map[string]interface{}{
			"host":          cfg.Connect.Host,
			"port":          cfg.Connect.Port,
			"connections":   cfg.Connect.Connections,
			"dial_timeout":  cfg.Connect.DialTimeout.Duration().String(),
			"dial_attempts": cfg.Connect.DialAttempts,
			"dial_backoff":  cfg.Connect.DialBackoff.Duration().String(),
		},
		"control": map[string]interface{}{
			"bind_addr": cfg.Control.BindAddr,
			"bind_port": cfg.Control.BindPort,
			"metrics": map[string]interface{}{
				"enabled": cfg.Control.Metrics.IsEnabled(),
			},
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
	}
}

func (c *ControlServer) snapshotMessage() statusMessage {
	msg := statusMessage{
		SchemaVersion: 1,
		Type:          "snapshot",
		Timestamp:     time.Now().UnixMilli(),
		Connections:   c.status.Snapshot(),
	}
	if msg.Connections == nil {
		msg.Connections = []StatusEntry{}
	}
	if c.metrics != nil {
		msg.Totals = c.metrics.Totals()
	}
	return msg
}

func validInterval(ms int) bool {
	return ms == 1000 || ms == 2000 || ms == 5000
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.auth.allow(r, true) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  sameOrigin,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	client := newStatusClient()

	var closeOnce sync.Once
	done := make(chan struct{})
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}

	// Direct replies bypass the hub so they cannot race its close of client.send.
	direct := make(chan []byte, 8)
	sendJSON := func(payload any) {
		data, _ := json.Marshal(payload)
		select {
		case <-done:
		case direct <- data:
		default:
		}
	}

	var subMu sync.Mutex
	var tickerCancel context.CancelFunc
	stopTicker := func() {
		subMu.Lock()
		if tickerCancel != nil {
			tickerCancel()
			tickerCancel = nil
		}
		subMu.Unlock()
	}
	startTicker := func(interval time.Duration) {
		stopTicker()
		ctx, cancel := context.WithCancel(context.Background())
		subMu.Lock()
		tickerCancel = cancel
		subMu.Unlock()
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-done:
					return
				case <-ticker.C:
					sendJSON(c.snapshotMessage())
				}
			}
		}()
	}

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			stopTicker()
			closeConn()
			c.status.hub.Unregister(client)
		})
	}

	c.status.hub.Register(client)
	sendJSON(c.snapshotMessage())

	go func() {
		defer cleanup()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				Type       string `json:"type"`
				IntervalMs int    `json:"interval_ms"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			switch req.Type {
			case "subscribe":
				if !validInterval(req.IntervalMs) {
					sendJSON(statusMessage{
						SchemaVersion: 1,
						Type:          "error",
						Error:         &statusError{Code: "invalid_interval", Message: "interval_ms must be 1000, 2000, or 5000"},
					})
					continue
				}
				sendJSON(c.snapshotMessage())
				startTicker(time.Duration(req.IntervalMs) * time.Millisecond)
			case "unsubscribe":
				stopTicker()
			case "snapshot":
				sendJSON(c.snapshotMessage())
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		write := func(data []byte) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteMessage(websocket.TextMessage, data) == nil
		}
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data := <-direct:
				if !write(data) {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				if !write(data) {
					return
				}
			}
		}
	}()
}

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.auth.allow(r, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
