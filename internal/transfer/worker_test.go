package transfer

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/fbpace/internal/pacing"
)

// tcpPair returns the accepted and dialed ends of a loopback connection.
func tcpPair(t *testing.T) (server, client *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() {
		_ = conn.Close()
		_ = dialed.Close()
	})
	return conn.(*net.TCPConn), dialed.(*net.TCPConn)
}

// writeAndClose writes n bytes to conn and closes it.
func writeAndClose(conn net.Conn, n int) <-chan error {
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 64*1024)
		remaining := n
		for remaining > 0 {
			chunk := len(buf)
			if remaining < chunk {
				chunk = remaining
			}
			written, err := conn.Write(buf[:chunk])
			remaining -= written
			if err != nil {
				_ = conn.Close()
				done <- err
				return
			}
		}
		done <- conn.Close()
	}()
	return done
}

// drain reads until EOF or error and returns the byte count.
func drain(conn net.Conn) <-chan int64 {
	done := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(io.Discard, conn)
		done <- n
	}()
	return done
}

type event struct {
	grant uint32
	read  int
}

// scriptedBudget grants a fixed amount and appends each grant to the
// shared event log.
type scriptedBudget struct {
	grant  uint32
	mu     *sync.Mutex
	events *[]event
}

func (b scriptedBudget) Acquire(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	*b.events = append(*b.events, event{grant: b.grant})
	b.mu.Unlock()
	return b.grant, nil
}

// shortReadConn caps every Read and records how many bytes each returned.
type shortReadConn struct {
	*net.TCPConn
	max    int
	mu     *sync.Mutex
	events *[]event
}

func (c *shortReadConn) Read(p []byte) (int, error) {
	if len(p) > c.max {
		p = p[:c.max]
	}
	n, err := c.TCPConn.Read(p)
	if n > 0 {
		c.mu.Lock()
		*c.events = append(*c.events, event{read: n})
		c.mu.Unlock()
	}
	return n, err
}

type recordingTracker struct {
	mu       sync.Mutex
	started  []string
	progress uint64
	reports  []Report
}

func (r *recordingTracker) Started(id, _ string, _ Direction) {
	r.mu.Lock()
	r.started = append(r.started, id)
	r.mu.Unlock()
}

func (r *recordingTracker) Progress(_ string, _ Direction, n int) {
	r.mu.Lock()
	r.progress += uint64(n)
	r.mu.Unlock()
}

func (r *recordingTracker) Finished(report Report) {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
}

func TestReceiverSpendsLeftoverBeforeReacquiring(t *testing.T) {
	server, client := tcpPair(t)
	var events []event
	var mu sync.Mutex
	budget := scriptedBudget{grant: 10_000, mu: &mu, events: &events}
	conn := &shortReadConn{TCPConn: server, max: 3_000, mu: &mu, events: &events}

	reg := pacing.NewRegistry()
	tracker := &recordingTracker{}
	w, err := NewWorker(conn, WorkerConfig{
		ID:        "rx",
		Direction: Receive,
		Registry:  reg,
		Budget:    budget,
		Tracker:   tracker,
	})
	require.NoError(t, err)

	sent := writeAndClose(client, 25_000)
	report := w.Run(context.Background())
	require.NoError(t, <-sent)

	require.Equal(t, ReasonPeerClosed, report.Reason)
	require.NoError(t, report.Err)
	require.Equal(t, uint64(25_000), report.Bytes)
	require.Equal(t, uint64(25_000), tracker.progress)
	require.Equal(t, []string{"rx"}, tracker.started)
	require.Len(t, tracker.reports, 1)
	require.Equal(t, uint32(0), reg.Count())

	// Between two grants the reads add up to exactly the earlier grant.
	var consumed int
	grants := 0
	for i, ev := range events {
		if ev.grant > 0 {
			if i > 0 {
				require.Equal(t, 10_000, consumed, "re-acquired before the grant was spent")
			}
			consumed = 0
			grants++
			continue
		}
		consumed += ev.read
		require.LessOrEqual(t, consumed, 10_000)
	}
	require.Equal(t, 3, grants)
	require.Equal(t, uint64(3), report.Grants)
}

func TestReceiverPeerClosesMidTransfer(t *testing.T) {
	server, client := tcpPair(t)
	reg := pacing.NewRegistry()
	w, err := NewWorker(server, WorkerConfig{
		ID:        "partial",
		Direction: Receive,
		Registry:  reg,
		Pacing:    pacing.Config{BytesPerSecond: 1_000_000},
	})
	require.NoError(t, err)

	sent := writeAndClose(client, 50_000)
	report := w.Run(context.Background())
	require.NoError(t, <-sent)
	require.Equal(t, ReasonPeerClosed, report.Reason)
	require.False(t, report.Failed())
	require.Equal(t, uint64(50_000), report.Bytes)
	require.Equal(t, uint32(0), reg.Count())
}

func TestSetupFailureIsTerminal(t *testing.T) {
	server, _ := tcpPair(t)
	require.NoError(t, server.Close())
	reg := pacing.NewRegistry()
	tracker := &recordingTracker{}
	w, err := NewWorker(server, WorkerConfig{
		ID:        "broken",
		Direction: Receive,
		Registry:  reg,
		Tracker:   tracker,
	})
	require.NoError(t, err)

	report := w.Run(context.Background())
	require.Equal(t, ReasonSetupError, report.Reason)
	require.Error(t, report.Err)
	require.True(t, report.Failed())
	require.Zero(t, report.Bytes)
	require.Zero(t, report.Grants)
	require.Equal(t, uint32(0), reg.Count())
	require.Len(t, tracker.reports, 1)
}

func TestCancellationStopsBlockedReceiver(t *testing.T) {
	server, _ := tcpPair(t)
	reg := pacing.NewRegistry()
	w, err := NewWorker(server, WorkerConfig{ID: "idle", Direction: Receive, Registry: reg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Report, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return reg.Count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case report := <-done:
		require.Equal(t, ReasonCancelled, report.Reason)
		require.False(t, report.Failed())
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	require.Equal(t, uint32(0), reg.Count())
}

func TestCloseStopsSender(t *testing.T) {
	server, client := tcpPair(t)
	src, err := NewZeroSource(64*1024, MethodCopy)
	require.NoError(t, err)
	defer src.Close()

	reg := pacing.NewRegistry()
	w, err := NewWorker(server, WorkerConfig{
		ID:        "tx",
		Direction: Send,
		Registry:  reg,
		Pacing:    pacing.Config{BytesPerSecond: 500_000},
		Bulk:      src.Bulk(),
	})
	require.NoError(t, err)
	received := drain(client)

	done := make(chan Report, 1)
	go func() { done <- w.Run(context.Background()) }()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, w.Close())
	// Closing twice is harmless.
	require.NoError(t, w.Close())

	report := <-done
	require.Equal(t, ReasonClosed, report.Reason)
	require.Equal(t, uint64(<-received), report.Bytes)
	require.Equal(t, uint32(0), reg.Count())
}

func TestTrackersFanOut(t *testing.T) {
	a, b := &recordingTracker{}, &recordingTracker{}
	ts := Trackers{a, nil, b}
	ts.Started("c1", "peer", Send)
	ts.Progress("c1", Send, 10)
	ts.Finished(Report{ID: "c1"})
	for _, tr := range []*recordingTracker{a, b} {
		require.Equal(t, []string{"c1"}, tr.started)
		require.Equal(t, uint64(10), tr.progress)
		require.Len(t, tr.reports, 1)
	}
}

func TestNewWorkerValidation(t *testing.T) {
	server, _ := tcpPair(t)
	_, err := NewWorker(nil, WorkerConfig{Registry: pacing.NewRegistry()})
	require.Error(t, err)
	_, err = NewWorker(server, WorkerConfig{Direction: Receive})
	require.Error(t, err)
	_, err = NewWorker(server, WorkerConfig{Direction: Send, Registry: pacing.NewRegistry()})
	require.Error(t, err)
	_, err = NewWorker(server, WorkerConfig{
		Direction: Receive,
		Registry:  pacing.NewRegistry(),
		Pacing:    pacing.Config{MaxChunk: 1000, MinGrant: 2000},
	})
	require.ErrorIs(t, err, pacing.ErrInvalidConfig)
}

// 8 Mbit/s on one connection: 5 MB takes about five seconds.
func TestReceiveAtOneMegabytePerSecond(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	server, client := tcpPair(t)
	reg := pacing.NewRegistry()
	w, err := NewWorker(server, WorkerConfig{
		ID:        "rx-1mbs",
		Direction: Receive,
		Registry:  reg,
		Pacing:    pacing.Config{BytesPerSecond: 8_000_000 / 8},
	})
	require.NoError(t, err)

	sent := writeAndClose(client, 5_000_000)
	start := time.Now()
	report := w.Run(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, <-sent)

	require.Equal(t, uint64(5_000_000), report.Bytes)
	require.Equal(t, ReasonPeerClosed, report.Reason)
	require.GreaterOrEqual(t, elapsed, 4800*time.Millisecond)
	require.Less(t, elapsed, 7*time.Second)
}

// Two senders share 8 Mbit/s, so each settles near 0.5 MB/s.
func TestTwoSendersShareRate(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	src, err := NewZeroSource(pacing.DefaultMaxChunk, MethodAuto)
	require.NoError(t, err)
	defer src.Close()

	reg := pacing.NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	reports := make([]Report, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		server, client := tcpPair(t)
		drain(client)
		w, err := NewWorker(server, WorkerConfig{
			Direction: Send,
			Registry:  reg,
			Pacing:    pacing.Config{BytesPerSecond: 8_000_000 / 8},
			Bulk:      src.Bulk(),
		})
		require.NoError(t, err)
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			reports[idx] = w.Run(ctx)
		}(i)
	}
	wg.Wait()

	for _, report := range reports {
		require.Equal(t, ReasonCancelled, report.Reason)
		rate := float64(report.Bytes) / report.Elapsed.Seconds()
		assert.InDelta(t, 500_000, rate, 150_000)
	}
	require.Equal(t, uint32(0), reg.Count())
}

// Unlimited rate: 100 MB moves without a single backoff.
func TestUnlimitedReceiveNeverSleeps(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk transfer test")
	}
	server, client := tcpPair(t)
	reg := pacing.NewRegistry()
	w, err := NewWorker(server, WorkerConfig{ID: "bulk", Direction: Receive, Registry: reg})
	require.NoError(t, err)

	const total = 100 * 1000 * 1000
	sent := writeAndClose(client, total)
	report := w.Run(context.Background())
	require.NoError(t, <-sent)
	require.Equal(t, uint64(total), report.Bytes)
	require.Zero(t, report.Backoffs)
	require.Equal(t, ReasonPeerClosed, report.Reason)
}

func TestSenderStopsWhenPeerGoesAway(t *testing.T) {
	server, client := tcpPair(t)
	src, err := NewZeroSource(64*1024, MethodAuto)
	require.NoError(t, err)
	defer src.Close()

	reg := pacing.NewRegistry()
	w, err := NewWorker(server, WorkerConfig{ID: "tx", Direction: Send, Registry: reg, Bulk: src.Bulk()})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 32*1024)
		var got int
		for got < 1_000_000 {
			n, err := client.Read(buf)
			got += n
			if err != nil {
				break
			}
		}
		_ = client.Close()
	}()

	done := make(chan Report, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case report := <-done:
		require.GreaterOrEqual(t, report.Bytes, uint64(1_000_000))
		require.Contains(t, []Reason{ReasonPeerClosed, ReasonTransferError}, report.Reason)
	case <-time.After(10 * time.Second):
		t.Fatal("sender did not notice the peer closing")
	}
	require.Equal(t, uint32(0), reg.Count())
}
