package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/almasync/logger"
	"github.com/teranos/almasync/pulse/async"
	"github.com/teranos/almasync/pulse/schedule"
)

// Hub keeps the set of connected observers and fans events out to them.
// It implements schedule.Broadcaster. Delivery never blocks the caller: an
// observer whose queue is full is dropped.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	relay  *Relay
	drops  atomic.Int64
	now    func() time.Time
	logger *zap.SugaredLogger
}

var _ schedule.Broadcaster = (*Hub)(nil)

// NewHub creates a hub. relay may be nil.
func NewHub(relay *Relay, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		relay:      relay,
		now:        time.Now,
		logger:     log.Named("hub"),
	}
}

// Run processes client registration until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.handleClientRegister(client)
		case client := <-h.unregister:
			h.handleClientUnregister(client)
		}
	}
}

func (h *Hub) handleClientRegister(client *Client) {
	h.mu.Lock()
	if len(h.clients) >= MaxClients {
		h.mu.Unlock()
		h.logger.Warnw("Max clients reached, rejecting connection",
			logger.FieldClientID, client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Infow("Client connected",
		logger.FieldClientID, client.id,
		"total_clients", total,
	)
}

func (h *Hub) handleClientUnregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		client.close()
		h.logger.Infow("Client disconnected",
			logger.FieldClientID, client.id,
			"total_clients", total,
		)
	}
}

// ClientCount returns the number of connected observers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Drops returns how many deliveries were dropped on full client queues
func (h *Hub) Drops() int64 {
	return h.drops.Load()
}

// closeAll disconnects every observer. Used during shutdown.
func (h *Hub) closeAll() int {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
	return len(clients)
}

// publish serializes an event, delivers it locally and hands it to the relay
func (h *Hub) publish(eventType string, data interface{}) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data, Timestamp: h.now()})
	if err != nil {
		h.logger.Errorw("Failed to encode event", "type", eventType, logger.FieldError, err)
		return
	}
	h.deliver(payload)
	if h.relay != nil {
		h.relay.Publish(payload)
	}
}

// deliver pushes a serialized event to every observer and returns how many
// accepted it. Observers with a full queue are removed.
func (h *Hub) deliver(payload []byte) int {
	var slow []*Client
	sent := 0

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- payload:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.removeSlowClient(c)
	}
	return sent
}

func (h *Hub) removeSlowClient(c *Client) {
	h.drops.Add(1)
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	h.logger.Warnw("Client send queue full, disconnecting", logger.FieldClientID, c.id)
}

func (h *Hub) BroadcastScheduleCreated(s *schedule.Schedule) {
	h.publish(EventScheduleCreated, s)
}

func (h *Hub) BroadcastScheduleUpdated(s *schedule.Schedule) {
	h.publish(EventScheduleUpdated, s)
}

func (h *Hub) BroadcastScheduleDeleted(id string) {
	h.publish(EventScheduleDeleted, deletedData{ID: id})
}

func (h *Hub) BroadcastScheduleStarted(s *schedule.Schedule) {
	h.publish(EventScheduleStarted, s)
}

func (h *Hub) BroadcastScheduleStopped(s *schedule.Schedule) {
	h.publish(EventScheduleStopped, s)
}

func (h *Hub) BroadcastProgress(u schedule.ProgressUpdate) {
	h.publish(EventProgress, progressData{
		ID:       u.ScheduleID,
		Progress: u.Progress,
		Message:  u.Message,
		Status:   string(u.Status),
	})
}

// BroadcastJobUpdate pushes a job runtime state change
func (h *Hub) BroadcastJobUpdate(job *async.Job) {
	h.publish(EventJobUpdate, job)
}

// startJobUpdateBroadcaster forwards job runtime notifications to observers
func (s *Server) startJobUpdateBroadcaster() {
	if s.queue == nil {
		return
	}
	updates := s.queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.queue.Unsubscribe(updates)

		for {
			select {
			case <-s.ctx.Done():
				return
			case job, ok := <-updates:
				if !ok {
					return
				}
				s.hub.BroadcastJobUpdate(job)
			}
		}
	}()
}
