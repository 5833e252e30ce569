package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/usersearch/internal/domain"
)

const writeWait = 10 * time.Second

// subscriber wraps a connection; gorilla allows one concurrent writer.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
	done bool
}

// send writes the event and closes the connection. Later sends are ignored.
func (s *subscriber) send(event domain.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := s.conn.WriteJSON(event)
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
	_ = s.conn.Close()
	return err
}

// Hub tracks websocket clients waiting for a job to finish.
// Map key: JobID -> its subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), logger: logger}
}

func (h *Hub) register(jobID string, conn *websocket.Conn) *subscriber {
	s := &subscriber{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]struct{})
	}
	h.subs[jobID][s] = struct{}{}
	return s
}

func (h *Hub) unregister(jobID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[jobID], s)
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}

// Count reports how many clients wait on jobID.
func (h *Hub) Count(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Dispatch forwards the event to every client waiting on its job.
func (h *Hub) Dispatch(event domain.JobEvent) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs[event.JobID]))
	for s := range h.subs[event.JobID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(event); err != nil {
			h.logger.Error("Failed to write to websocket", "jobID", event.JobID, "error", err)
		}
	}
}

// Run forwards events from the notifier until ctx is done or the stream closes.
func (h *Hub) Run(ctx context.Context, notifier domain.Notifier) error {
	h.logger.Info("Starting job event broadcaster...")
	events, err := notifier.SubscribeEvents(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			h.Dispatch(event)
		}
	}
}
