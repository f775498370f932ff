package control

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/NodePath81/fbpace/internal/transfer"
)

const statusUpdateInterval = time.Second

type StatusEntry struct {
	ID        string `json:"id"`
	Peer      string `json:"peer"`
	Direction string `json:"direction"`
	Bytes     uint64 `json:"bytes"`
	// LastActivity is Unix milliseconds; Age is seconds since creation.
	LastActivity int64  `json:"last_activity"`
	Age          int64  `json:"age"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

type statusEntry struct {
	id            string
	peer          string
	direction     transfer.Direction
	bytes         uint64
	lastActivity  time.Time
	created       time.Time
	lastBroadcast time.Time
}

// StatusStore tracks live connections for the control plane. It implements
// transfer.Tracker and transfer.Attacher.
type StatusStore struct {
	mu      sync.Mutex
	entries map[string]*statusEntry
	closers map[string]func()
	hub     *StatusHub
}

func NewStatusStore(hub *StatusHub) *StatusStore {
	return &StatusStore{
		entries: make(map[string]*statusEntry),
		closers: make(map[string]func()),
		hub:     hub,
	}
}

// Attach records how to close connection id. It may be called before Started.
func (s *StatusStore) Attach(id string, closer func()) {
	s.mu.Lock()
	s.closers[id] = closer
	s.mu.Unlock()
}

func (s *StatusStore) Started(id, peer string, dir transfer.Direction) {
	now := time.Now()
	entry := &statusEntry{
		id:           id,
		peer:         peer,
		direction:    dir,
		lastActivity: now,
		created:      now,
	}
	s.mu.Lock()
	s.entries[id] = entry
	snapshot := toStatusEntry(entry, now)
	s.mu.Unlock()
	s.broadcast(statusMessage{Type: "add", Entry: &snapshot})
}

func (s *StatusStore) Progress(id string, _ transfer.Direction, n int) {
	now := time.Now()
	var snapshot *StatusEntry
	s.mu.Lock()
	if entry := s.entries[id]; entry != nil {
		entry.bytes += uint64(n)
		entry.lastActivity = now
		if now.Sub(entry.lastBroadcast) >= statusUpdateInterval {
			entry.lastBroadcast = now
			temp := toStatusEntry(entry, now)
			snapshot = &temp
		}
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.broadcast(statusMessage{Type: "update", Entry: snapshot})
	}
}

func (s *StatusStore) Finished(r transfer.Report) {
	s.mu.Lock()
	_, ok := s.entries[r.ID]
	delete(s.entries, r.ID)
	delete(s.closers, r.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	final := StatusEntry{
		ID:           r.ID,
		Peer:         r.Peer,
		Direction:    r.Direction.String(),
		Bytes:        r.Bytes,
		LastActivity: time.Now().UnixMilli(),
		Age:          int64(r.Elapsed.Seconds()),
		Reason:       string(r.Reason),
	}
	if r.Err != nil {
		final.Error = r.Err.Error()
	}
	s.broadcast(statusMessage{Type: "remove", ID: r.ID, Entry: &final})
}

// Snapshot returns the live connections ordered by age, oldest first.
func (s *StatusStore) Snapshot() []StatusEntry {
	now := time.Now()
	s.mu.Lock()
	out := make([]StatusEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, toStatusEntry(entry, now))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Age != out[j].Age {
			return out[i].Age > out[j].Age
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *StatusStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close shuts a single connection. It reports false for unknown ids.
func (s *StatusStore) Close(id string) bool {
	s.mu.Lock()
	closer, ok := s.closers[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if closer != nil {
		closer()
	}
	return true
}

func (s *StatusStore) CloseAll() {
	var closers []func()
	s.mu.Lock()
	for _, closer := range s.closers {
		closers = append(closers, closer)
	}
	s.mu.Unlock()
	for _, closer := range closers {
		if closer != nil {
			closer()
		}
	}
}

func (s *StatusStore) broadcast(msg statusMessage) {
	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
}

func toStatusEntry(entry *statusEntry, now time.Time) StatusEntry {
	return StatusEntry{
		ID:           entry.id,
		Peer:         entry.peer,
		Direction:    entry.direction.String(),
		Bytes:        entry.bytes,
		LastActivity: entry.lastActivity.UnixMilli(),
		Age:          int64(now.Sub(entry.created).Seconds()),
	}
}

type statusMessage struct {
	SchemaVersion int           `json:"schema_version"`
	Type          string        `json:"type"`
	Timestamp     int64         `json:"timestamp,omitempty"`
	Connections   []StatusEntry `json:"connections,omitempty"`
	Totals        any           `json:"totals,omitempty"`
	Entry         *StatusEntry  `json:"entry,omitempty"`
	ID            string        `json:"id,omitempty"`
	Error         *statusError  `json:"error,omitempty"`
}

type statusError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func newStatusClient() *statusClient {
	return &statusClient{send: make(chan []byte, 32)}
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			msg.SchemaVersion = 1
			msg.Timestamp = time.Now().UnixMilli()
			data, _ := json.Marshal(msg)
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Broadcast queues msg for every client. Messages are dropped when the queue is full.
func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
