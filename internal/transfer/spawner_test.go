package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/fbpace/internal/pacing"
)

type attachLog struct {
	mu      sync.Mutex
	closers map[string]func()
}

func (a *attachLog) Attach(id string, closer func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closers == nil {
		a.closers = map[string]func(){}
	}
	a.closers[id] = closer
}

func (a *attachLog) closer(id string) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closers[id]
}

func TestSpawnerAssignsIDAndAttaches(t *testing.T) {
	server, client := tcpPair(t)
	sent := writeAndClose(client, 20_000)

	attached := &attachLog{}
	var hookID string
	s := NewSpawner(WorkerConfig{Direction: Receive, Registry: pacing.NewRegistry()},
		WithAttacher(attached),
		WithConnHook(func(id string, conn Conn) { hookID = id }),
	)
	report := s.Serve(context.Background(), server)
	require.NoError(t, <-sent)

	_, err := uuid.Parse(report.ID)
	require.NoError(t, err)
	require.Equal(t, report.ID, hookID)
	require.NotNil(t, attached.closer(report.ID))
	require.Equal(t, uint64(20_000), report.Bytes)
	require.Equal(t, ReasonPeerClosed, report.Reason)
}

func TestSpawnerAttachedCloserStopsWorker(t *testing.T) {
	server, _ := tcpPair(t)
	attached := &attachLog{}
	ids := make(chan string, 1)
	s := NewSpawner(WorkerConfig{Direction: Receive, Registry: pacing.NewRegistry()},
		WithAttacher(attached),
		WithConnHook(func(id string, conn Conn) { ids <- id }),
	)
	done := make(chan Report, 1)
	go func() { done <- s.Serve(context.Background(), server) }()

	id := <-ids
	require.Eventually(t, func() bool { return attached.closer(id) != nil }, time.Second, 5*time.Millisecond)
	attached.closer(id)()
	select {
	case report := <-done:
		require.Equal(t, ReasonClosed, report.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop after close")
	}
}

func TestSpawnerSetupErrorClosesConn(t *testing.T) {
	server, client := tcpPair(t)
	attached := &attachLog{}
	// A sender without a bulk transfer cannot be built.
	s := NewSpawner(WorkerConfig{Direction: Send, Registry: pacing.NewRegistry()}, WithAttacher(attached))
	report := s.Serve(context.Background(), server)

	require.Equal(t, ReasonSetupError, report.Reason)
	require.Error(t, report.Err)
	require.NotEmpty(t, report.ID)
	require.Nil(t, attached.closer(report.ID))
	require.Equal(t, int64(0), <-drain(client))
}

type firstReadTracker struct {
	mu    sync.Mutex
	first int
}

func (f *firstReadTracker) Started(string, string, Direction) {}
func (f *firstReadTracker) Finished(Report)                   {}

func (f *firstReadTracker) Progress(_ string, _ Direction, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.first == 0 {
		f.first = n
	}
}

func TestSlowConnHookDoesNotInflateFirstGrant(t *testing.T) {
	server, client := tcpPair(t)
	tracker := &firstReadTracker{}
	s := NewSpawner(WorkerConfig{
		Direction: Receive,
		Registry:  pacing.NewRegistry(),
		Pacing:    pacing.Config{BytesPerSecond: 100_000, MaxChunk: 64 * 1024},
		Tracker:   tracker,
	}, WithConnHook(func(string, Conn) { time.Sleep(500 * time.Millisecond) }))

	sent := writeAndClose(client, 50_000)
	report := s.Serve(context.Background(), server)
	require.NoError(t, <-sent)
	require.Equal(t, uint64(50_000), report.Bytes)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	// Half a second at 100 kB/s would allow the whole payload in one read.
	require.Positive(t, tracker.first)
	require.Less(t, tracker.first, 10_000)
}
